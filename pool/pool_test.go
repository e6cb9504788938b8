package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/wippyai/sandbox-runtime/errors"
	"github.com/wippyai/sandbox-runtime/sandbox"
	"github.com/wippyai/sandbox-runtime/substrate/interp"
)

func interpFactory(ctx context.Context) (*sandbox.Sandbox, error) {
	return sandbox.New(ctx, sandbox.Config{
		Substrate: interp.New(interp.Config{}),
	})
}

func newPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := New(context.Background(), cfg, interpFactory)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestAcquireExecuteReturn(t *testing.T) {
	p := newPool(t, Config{MaxSize: 2})
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	res, err := lease.Sandbox().Execute(ctx, "print('pooled')")
	if err != nil || res.Stdout != "pooled\n" {
		t.Fatalf("execute: %v %v", res, err)
	}
	lease.Return(ctx)

	stats := p.Stats()
	if stats.Acquisitions != 1 || stats.Creations != 1 || stats.Idle != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReturnedEngineIsReused(t *testing.T) {
	p := newPool(t, Config{MaxSize: 2})
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	first := lease.Sandbox().ID()
	lease.Return(ctx)

	lease, err = p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Return(ctx)

	if lease.Sandbox().ID() != first {
		t.Error("expected the parked engine to be reused")
	}
	if stats := p.Stats(); stats.Creations != 1 {
		t.Errorf("creations = %d, want 1", stats.Creations)
	}
}

func TestMaxSizeBoundsAcquisition(t *testing.T) {
	p := newPool(t, Config{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.TryAcquire(ctx); !errors.IsCategory(err, errors.CategoryPool) {
		t.Errorf("TryAcquire at capacity = %v, want pool error", err)
	}
	if _, err := p.Acquire(ctx); !errors.IsCategory(err, errors.CategoryPool) {
		t.Errorf("Acquire at capacity = %v, want pool error", err)
	}

	lease.Return(ctx)
	lease, err = p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after return: %v", err)
	}
	lease.Return(ctx)
}

func TestAcquireWaitsForReturn(t *testing.T) {
	p := newPool(t, Config{MaxSize: 1})
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		lease.Return(ctx)
	}()

	second, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("waiting acquire: %v", err)
	}
	second.Return(ctx)

	if stats := p.Stats(); stats.MaxWait <= 0 {
		t.Error("wait time not recorded")
	}
}

func TestWarmUpCreatesMinIdle(t *testing.T) {
	p := newPool(t, Config{MaxSize: 4, MinIdle: 2})

	stats := p.Stats()
	if stats.Creations != 2 || stats.Idle != 2 {
		t.Errorf("stats after warm-up = %+v", stats)
	}
}

func TestWarmUpFailureAggregatesErrors(t *testing.T) {
	calls := 0
	factory := func(ctx context.Context) (*sandbox.Sandbox, error) {
		calls++
		if calls > 1 {
			return nil, fmt.Errorf("backend down")
		}
		return interpFactory(ctx)
	}

	_, err := New(context.Background(), Config{MaxSize: 4, MinIdle: 3}, factory)
	if !errors.IsCategory(err, errors.CategoryPool) {
		t.Fatalf("warm-up failure = %v, want pool error", err)
	}
}

func TestIdleEviction(t *testing.T) {
	p := newPool(t, Config{MaxSize: 4, MinIdle: 1, IdleTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	var leases []*Lease
	for range 3 {
		lease, err := p.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		leases = append(leases, lease)
	}
	for _, lease := range leases {
		lease.Return(ctx)
	}
	if stats := p.Stats(); stats.Idle != 3 {
		t.Fatalf("idle before eviction = %d", stats.Idle)
	}

	deadline := time.After(2 * time.Second)
	for {
		if p.Stats().Idle == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("idle engines not evicted, idle = %d", p.Stats().Idle)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestResetOnReturn(t *testing.T) {
	p := newPool(t, Config{MaxSize: 1, ResetOnReturn: true})
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lease.Sandbox().Execute(ctx, "secret = 'leaked'"); err != nil {
		t.Fatal(err)
	}
	lease.Return(ctx)

	lease, err = p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Return(ctx)

	if _, err := lease.Sandbox().Execute(ctx, "print(secret)"); !errors.IsCategory(err, errors.CategoryExecution) {
		t.Errorf("state must not leak across leases, got %v", err)
	}
}

func TestDiscardDropsEngine(t *testing.T) {
	p := newPool(t, Config{MaxSize: 2})
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	id := lease.Sandbox().ID()
	lease.Discard(ctx)
	lease.Discard(ctx) // idempotent

	lease, err = p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Return(ctx)

	if lease.Sandbox().ID() == id {
		t.Error("discarded engine must not be reused")
	}
}

func TestClosedPoolRejectsAcquire(t *testing.T) {
	p, err := New(context.Background(), Config{MaxSize: 1}, interpFactory)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Acquire(context.Background()); !errors.IsCategory(err, errors.CategoryPool) {
		t.Errorf("acquire on closed pool = %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("second close = %v", err)
	}
}

func TestLeaseAfterCloseFailsWithoutCreating(t *testing.T) {
	created := 0
	p, err := New(context.Background(), Config{MaxSize: 1}, func(ctx context.Context) (*sandbox.Sandbox, error) {
		created++
		return interpFactory(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Acquire can pass its closed check and then lose the race with
	// Close before reaching lease; model that by entering lease with a
	// slot already held.
	if !p.sem.TryAcquire(1) {
		t.Fatal("slot unavailable")
	}
	if _, err := p.lease(context.Background()); !errors.IsCategory(err, errors.CategoryPool) {
		t.Fatalf("lease on closed pool = %v, want pool error", err)
	}
	if created != 0 {
		t.Errorf("factory ran %d time(s) on a closed pool", created)
	}
	if !p.sem.TryAcquire(1) {
		t.Error("failed lease did not release its slot")
	}
}
