package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/wippyai/sandbox-runtime/errors"
	"github.com/wippyai/sandbox-runtime/substrate"
)

// SessionStats aggregates what a session has done so far.
type SessionStats struct {
	// CreatedAt is when the session was created.
	CreatedAt time.Time

	// LastActivity is when the most recent session operation finished.
	LastActivity time.Time

	// Executions counts Execute calls, successful or not.
	Executions uint64

	// Failures counts Execute calls that returned an error.
	Failures uint64

	// TotalDuration sums the wall time of all Execute calls.
	TotalDuration time.Duration

	// CallbackInvocations sums callback invocations across calls.
	CallbackInvocations uint64

	// PeakMemoryBytes is the highest guest memory footprint any
	// execution observed.
	PeakMemoryBytes uint64

	// LastSnapshotBytes is the size of the most recent snapshot.
	LastSnapshotBytes int
}

// Session is a serialized conversation with one engine: executions
// interleaved with state operations, with aggregate statistics.
// Methods are safe for concurrent use; calls run one at a time.
type Session struct {
	mu    sync.Mutex
	sb    *Sandbox
	stats SessionStats
}

// NewSession wraps an engine in a session.
func NewSession(sb *Sandbox) *Session {
	now := time.Now()
	return &Session{sb: sb, stats: SessionStats{CreatedAt: now, LastActivity: now}}
}

// touch stamps the activity time. Callers hold s.mu.
func (s *Session) touch() {
	s.stats.LastActivity = time.Now()
}

// Sandbox returns the underlying engine.
func (s *Session) Sandbox() *Sandbox {
	return s.sb
}

// Execute runs one unit of code and folds the outcome into the stats.
func (s *Session) Execute(ctx context.Context, code string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res, err := s.sb.Execute(ctx, code)

	s.stats.Executions++
	s.stats.TotalDuration += time.Since(start)
	s.touch()
	if err != nil {
		s.stats.Failures++
		if n, ok := errors.InvocationsOf(err); ok {
			s.stats.CallbackInvocations += uint64(n)
		}
		return nil, err
	}
	s.stats.CallbackInvocations += uint64(res.CallbackInvocations)
	if res.PeakMemoryBytes > s.stats.PeakMemoryBytes {
		s.stats.PeakMemoryBytes = res.PeakMemoryBytes
	}
	return res, nil
}

// Snapshot captures the guest's state.
func (s *Session) Snapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.sb.Snapshot(ctx)
	s.touch()
	if err == nil {
		s.stats.LastSnapshotBytes = len(data)
	}
	return data, err
}

// Restore replaces the guest's state from a snapshot.
func (s *Session) Restore(ctx context.Context, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.touch()
	return s.sb.Restore(ctx, snapshot)
}

// Clear resets the guest's state.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.touch()
	return s.sb.Clear(ctx)
}

// Reset clears guest state and re-establishes the filesystem view on
// substrates that support remounting. Statistics survive a reset.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.touch()

	if err := s.sb.Clear(ctx); err != nil {
		return err
	}
	if rm, ok := s.sb.inst.(substrate.Remounter); ok {
		return rm.Remount(ctx)
	}
	return nil
}

// Stats returns a copy of the session's statistics.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
