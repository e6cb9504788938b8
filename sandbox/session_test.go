package sandbox

import (
	"context"
	"testing"

	"github.com/wippyai/sandbox-runtime/errors"
)

func TestSessionTracksStats(t *testing.T) {
	sb := newSandbox(t, func(cfg *Config) {
		cfg.Registry = echoRegistry(t)
	})
	session := NewSession(sb)
	ctx := context.Background()

	if _, err := session.Execute(ctx, "x = invoke('echo', '{}')"); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Execute(ctx, "1 / 0"); !errors.IsCategory(err, errors.CategoryExecution) {
		t.Fatalf("expected guest error, got %v", err)
	}

	snap, err := session.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	stats := session.Stats()
	if stats.Executions != 2 {
		t.Errorf("executions = %d", stats.Executions)
	}
	if stats.Failures != 1 {
		t.Errorf("failures = %d", stats.Failures)
	}
	if stats.CallbackInvocations != 1 {
		t.Errorf("callback invocations = %d", stats.CallbackInvocations)
	}
	if stats.TotalDuration <= 0 {
		t.Error("total duration not recorded")
	}
	if stats.LastSnapshotBytes != len(snap) {
		t.Errorf("snapshot bytes = %d, want %d", stats.LastSnapshotBytes, len(snap))
	}
	if stats.CreatedAt.IsZero() {
		t.Error("creation time not recorded")
	}
	if stats.LastActivity.Before(stats.CreatedAt) {
		t.Errorf("last activity %v precedes creation %v", stats.LastActivity, stats.CreatedAt)
	}
}

func TestSessionStateLifecycle(t *testing.T) {
	sb := newSandbox(t, nil)
	session := NewSession(sb)
	ctx := context.Background()

	if _, err := session.Execute(ctx, "x = 'kept'"); err != nil {
		t.Fatal(err)
	}
	snap, err := session.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := session.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Execute(ctx, "print(x)"); !errors.IsCategory(err, errors.CategoryExecution) {
		t.Fatalf("after clear = %v", err)
	}

	if err := session.Restore(ctx, snap); err != nil {
		t.Fatal(err)
	}
	res, err := session.Execute(ctx, "print(x)")
	if err != nil || res.Stdout != "kept\n" {
		t.Errorf("after restore: %v %v", res, err)
	}
}

func TestSessionResetKeepsStats(t *testing.T) {
	sb := newSandbox(t, nil)
	session := NewSession(sb)
	ctx := context.Background()

	if _, err := session.Execute(ctx, "x = 1"); err != nil {
		t.Fatal(err)
	}
	if err := session.Reset(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := session.Execute(ctx, "print(x)"); !errors.IsCategory(err, errors.CategoryExecution) {
		t.Fatalf("state should be gone after reset, got %v", err)
	}
	if stats := session.Stats(); stats.Executions != 2 {
		t.Errorf("stats should survive reset, executions = %d", stats.Executions)
	}
}
