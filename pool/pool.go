package pool

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wippyai/sandbox-runtime/errors"
	"github.com/wippyai/sandbox-runtime/sandbox"
)

// Factory creates one engine for the pool.
type Factory func(ctx context.Context) (*sandbox.Sandbox, error)

// Config configures a pool.
type Config struct {
	// MaxSize caps engines in circulation, leased plus idle. Zero
	// means DefaultMaxSize.
	MaxSize int

	// MinIdle engines are created at startup and kept through
	// eviction.
	MinIdle int

	// IdleTimeout evicts engines idle longer than this, down to
	// MinIdle. Zero disables eviction.
	IdleTimeout time.Duration

	// AcquireTimeout bounds how long Acquire waits for a free slot.
	// Zero means wait until the caller's context expires.
	AcquireTimeout time.Duration

	// ResetOnReturn clears guest state when a lease is returned, so
	// the next lessee starts from an empty namespace.
	ResetOnReturn bool

	// Logger receives pool diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// DefaultMaxSize is used when Config.MaxSize is zero.
const DefaultMaxSize = 4

// Stats is a point-in-time view of pool activity.
type Stats struct {
	// Acquisitions counts successful Acquire and TryAcquire calls.
	Acquisitions uint64

	// Creations counts engines the factory built, warm-up included.
	Creations uint64

	// Idle is the number of engines currently parked.
	Idle int

	// MaxWait is the longest time any acquisition waited for a slot.
	MaxWait time.Duration

	// TotalWait sums all acquisition waits.
	TotalWait time.Duration
}

type idleEntry struct {
	sb    *sandbox.Sandbox
	since time.Time
}

// Pool keeps warm engines and bounds how many exist at once.
// Admission rides a weighted semaphore; parked engines are reused
// most-recently-returned first.
type Pool struct {
	cfg     Config
	factory Factory
	log     *zap.Logger
	sem     *semaphore.Weighted

	acquisitions atomic.Uint64
	creations    atomic.Uint64
	totalWait    atomic.Int64
	maxWait      atomic.Int64

	mu      sync.Mutex
	idle    []idleEntry
	closed  bool
	stopped chan struct{}
}

// New builds a pool and warms it up to MinIdle engines. A warm-up
// failure closes whatever was created and reports every error.
func New(ctx context.Context, cfg Config, factory Factory) (*Pool, error) {
	if factory == nil {
		return nil, errors.Pool("pool requires a factory", nil)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MinIdle < 0 {
		cfg.MinIdle = 0
	}
	if cfg.MinIdle > cfg.MaxSize {
		cfg.MinIdle = cfg.MaxSize
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		log:     log,
		sem:     semaphore.NewWeighted(int64(cfg.MaxSize)),
		stopped: make(chan struct{}),
	}

	var warmErrs []error
	for range cfg.MinIdle {
		sb, err := factory(ctx)
		if err != nil {
			warmErrs = append(warmErrs, err)
			continue
		}
		p.creations.Add(1)
		p.idle = append(p.idle, idleEntry{sb: sb, since: time.Now()})
	}
	if len(warmErrs) > 0 {
		for _, entry := range p.idle {
			_ = entry.sb.Close(ctx)
		}
		return nil, errors.Pool("warm-up failed", stderrors.Join(warmErrs...))
	}

	if cfg.IdleTimeout > 0 {
		go p.evictLoop()
	}
	return p, nil
}

// Acquire leases an engine, waiting for a slot when the pool is at
// capacity.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		return nil, errors.Pool("pool closed", nil)
	}

	acqCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.sem.Acquire(acqCtx, 1); err != nil {
		waited := time.Since(start)
		if ctx.Err() == nil {
			return nil, errors.PoolExhausted(waited)
		}
		return nil, errors.Pool("acquire cancelled", ctx.Err())
	}
	p.recordWait(time.Since(start))

	return p.lease(ctx)
}

// TryAcquire leases an engine without waiting.
func (p *Pool) TryAcquire(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		return nil, errors.Pool("pool closed", nil)
	}
	if !p.sem.TryAcquire(1) {
		return nil, errors.PoolExhausted(0)
	}
	return p.lease(ctx)
}

// lease pops an idle engine or builds a fresh one. The semaphore slot
// is already held.
func (p *Pool) lease(ctx context.Context) (*Lease, error) {
	for {
		p.mu.Lock()
		// Close may have run between the caller's closed check and its
		// semaphore acquisition; a closed pool hands out nothing.
		if p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, errors.Pool("pool closed", nil)
		}
		var sb *sandbox.Sandbox
		if n := len(p.idle); n > 0 {
			sb = p.idle[n-1].sb
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if sb == nil {
			break
		}
		if sb.Poisoned() {
			_ = sb.Close(ctx)
			continue
		}
		p.acquisitions.Add(1)
		return &Lease{pool: p, sb: sb}, nil
	}

	sb, err := p.factory(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, errors.Pool("create engine", err)
	}
	p.creations.Add(1)
	p.acquisitions.Add(1)
	return &Lease{pool: p, sb: sb}, nil
}

func (p *Pool) recordWait(d time.Duration) {
	p.totalWait.Add(int64(d))
	for {
		prev := p.maxWait.Load()
		if int64(d) <= prev || p.maxWait.CompareAndSwap(prev, int64(d)) {
			return
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	return Stats{
		Acquisitions: p.acquisitions.Load(),
		Creations:    p.creations.Load(),
		Idle:         idle,
		MaxWait:      time.Duration(p.maxWait.Load()),
		TotalWait:    time.Duration(p.totalWait.Load()),
	}
}

// Close shuts the pool down and closes every parked engine. Leased
// engines are closed when their leases are returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	parked := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopped)

	var errs []error
	for _, entry := range parked {
		if err := entry.sb.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Pool("close parked engines", stderrors.Join(errs...))
	}
	return nil
}

func (p *Pool) evictLoop() {
	interval := p.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopped:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep closes engines idle past the timeout, oldest first, keeping
// MinIdle parked.
func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	var victims []*sandbox.Sandbox
	p.mu.Lock()
	for len(p.idle) > p.cfg.MinIdle && p.idle[0].since.Before(cutoff) {
		victims = append(victims, p.idle[0].sb)
		p.idle = p.idle[1:]
	}
	p.mu.Unlock()

	for _, sb := range victims {
		_ = sb.Close(context.Background())
	}
	if len(victims) > 0 {
		p.log.Debug("evicted idle engines", zap.Int("count", len(victims)))
	}
}

// Lease is one checked-out engine. Exactly one of Return or Discard
// must be called; both are idempotent after the first.
type Lease struct {
	pool     *Pool
	sb       *sandbox.Sandbox
	returned atomic.Bool
}

// Sandbox returns the leased engine.
func (l *Lease) Sandbox() *sandbox.Sandbox {
	return l.sb
}

// Return parks the engine for reuse. Poisoned engines are closed
// instead, as are engines that fail the optional state reset.
func (l *Lease) Return(ctx context.Context) {
	if !l.returned.CompareAndSwap(false, true) {
		return
	}
	defer l.pool.sem.Release(1)

	if l.sb.Poisoned() {
		_ = l.sb.Close(ctx)
		return
	}
	if l.pool.cfg.ResetOnReturn {
		if err := l.sb.Clear(ctx); err != nil {
			_ = l.sb.Close(ctx)
			return
		}
	}

	l.pool.mu.Lock()
	if l.pool.closed {
		l.pool.mu.Unlock()
		_ = l.sb.Close(ctx)
		return
	}
	l.pool.idle = append(l.pool.idle, idleEntry{sb: l.sb, since: time.Now()})
	l.pool.mu.Unlock()
}

// Discard closes the engine instead of parking it.
func (l *Lease) Discard(ctx context.Context) {
	if !l.returned.CompareAndSwap(false, true) {
		return
	}
	defer l.pool.sem.Release(1)
	_ = l.sb.Close(ctx)
}
