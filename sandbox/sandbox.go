package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/sandbox-runtime/channel"
	"github.com/wippyai/sandbox-runtime/dispatch"
	"github.com/wippyai/sandbox-runtime/errors"
	"github.com/wippyai/sandbox-runtime/substrate"
)

// Config describes one execution engine.
type Config struct {
	// Substrate is the isolation backend. Required.
	Substrate substrate.Substrate

	// GuestBinary is the compiled guest module, for backends that need
	// one.
	GuestBinary []byte

	// Registry holds the callbacks exposed to guest code. Nil means no
	// callbacks.
	Registry *Registry

	// Limits bounds execution. Zero fields take defaults.
	Limits ResourceLimits

	// Network scopes what network-facing callbacks may reach.
	Network NetworkPolicy

	// MountRoot, when set, is exposed read-only to the guest
	// filesystem.
	MountRoot string

	// Preamble is injected ahead of every unit of code this engine
	// executes, separated from it by a newline.
	Preamble string

	// TraceHandler enables per-statement tracing when set. Events are
	// also collected into each Result.
	TraceHandler TraceHandler

	// OutputHandler, when set, receives the guest's stdout after each
	// successful call, before Execute returns.
	OutputHandler func(stdout string)

	// Logger receives engine diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// Sandbox runs untrusted guest code behind an isolation substrate. It
// admits one call at a time; a second concurrent call fails fast with
// a busy error. A protocol violation poisons the engine permanently.
type Sandbox struct {
	id       string
	cfg      Config
	limits   ResourceLimits
	registry *Registry
	log      *zap.Logger

	table *dispatch.Table
	inst  substrate.Instance

	busy        atomic.Bool
	invocations atomic.Uint32

	traceMu sync.Mutex
	trace   []TraceEvent

	mu        sync.Mutex
	poisonErr error
	closed    bool
}

// New builds an engine: binds the import table, creates the instance,
// and applies the limits.
func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	if cfg.Substrate == nil {
		return nil, errors.Initialization("config requires a substrate", nil)
	}
	if err := cfg.Network.Validate(); err != nil {
		return nil, errors.Initialization("network policy", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	id := uuid.NewString()
	s := &Sandbox{
		id:       id,
		cfg:      cfg,
		limits:   cfg.Limits.withDefaults(),
		registry: registry,
		log:      log.With(zap.String("sandbox_id", id)),
	}

	table := dispatch.NewTable()
	if err := table.BindImport(dispatch.OpInvoke, s.handleInvoke); err != nil {
		return nil, errors.Initialization("bind invoke", err)
	}
	if err := table.BindImport(dispatch.OpListCallbacks, s.handleListCallbacks); err != nil {
		return nil, errors.Initialization("bind list-callbacks", err)
	}
	if cfg.TraceHandler != nil {
		if err := table.BindImport(dispatch.OpReportTrace, s.handleReportTrace); err != nil {
			return nil, errors.Initialization("bind report-trace", err)
		}
	}
	table.Seal()
	s.table = table

	inst, err := cfg.Substrate.CreateInstance(ctx, substrate.InstanceConfig{
		Binary:         cfg.GuestBinary,
		Imports:        table,
		MaxMemoryBytes: s.limits.MaxMemoryBytes,
		MountRoot:      cfg.MountRoot,
		Logger:         s.log,
	})
	if err != nil {
		return nil, err
	}
	s.inst = inst

	if s.limits.MaxFuel > 0 {
		if err := inst.SetFuelLimit(s.limits.MaxFuel); err != nil {
			if !errors.IsCategory(err, errors.CategoryUnsupported) {
				_ = inst.Close(ctx)
				return nil, err
			}
			s.log.Warn("fuel limit not supported by substrate",
				zap.String("substrate", cfg.Substrate.Name()))
		}
	}

	s.log.Debug("sandbox created", zap.String("substrate", cfg.Substrate.Name()))
	return s, nil
}

// ID returns the engine's unique identifier.
func (s *Sandbox) ID() string {
	return s.id
}

// Network returns the engine's network policy for callbacks to
// enforce.
func (s *Sandbox) Network() NetworkPolicy {
	return s.cfg.Network
}

// Poisoned reports whether a protocol violation has permanently
// disabled the engine.
func (s *Sandbox) Poisoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisonErr != nil
}

func (s *Sandbox) poison(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisonErr == nil {
		s.poisonErr = err
		s.log.Error("sandbox poisoned", zap.Error(err))
	}
}

func (s *Sandbox) gateErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisonErr != nil {
		return errors.Protocolf("sandbox poisoned by earlier violation: %v", s.poisonErr)
	}
	if s.closed {
		return errors.Protocol("sandbox closed")
	}
	return nil
}

// Close interrupts any in-flight call and releases the instance.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.inst.RequestInterrupt()
	return s.inst.Close(ctx)
}

// Execute runs one unit of guest code to completion.
func (s *Sandbox) Execute(ctx context.Context, code string) (*Result, error) {
	return s.execute(ctx, code, nil)
}

// Handle tracks one cancellable execution.
type Handle struct {
	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
	result     *Result
	err        error
}

// Cancel requests cancellation. Idempotent; the first request wins.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

// Done is closed when the execution finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks for the outcome. The execution keeps running if ctx
// expires first; use Cancel to stop it.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteCancellable starts an execution and returns a handle to
// cancel or await it.
func (s *Sandbox) ExecuteCancellable(ctx context.Context, code string) *Handle {
	h := &Handle{
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		h.result, h.err = s.execute(ctx, code, h.cancelCh)
	}()
	return h
}

type interruptReason uint8

const (
	interruptNone interruptReason = iota
	interruptTimeout
	interruptCancel
	interruptMemory
)

func (s *Sandbox) execute(ctx context.Context, code string, cancelCh <-chan struct{}) (*Result, error) {
	if err := s.gateErr(); err != nil {
		return nil, err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, errors.Busy()
	}
	defer s.busy.Store(false)

	s.invocations.Store(0)
	s.traceMu.Lock()
	s.trace = nil
	s.traceMu.Unlock()

	if s.cfg.Preamble != "" {
		code = s.cfg.Preamble + "\n" + code
	}

	call, err := dispatch.Begin(dispatch.OpRunCode)
	if err != nil {
		return nil, err
	}
	call.Context().PushString(code)

	start := time.Now()
	go func() {
		if _, cerr := s.inst.CallExport(ctx, call); cerr != nil {
			call.Guard().Complete(cerr)
		}
	}()

	reason, peak := s.watch(ctx, call, cancelCh)
	elapsed := time.Since(start)
	invocations := s.invocations.Load()

	var result *Result
	var finalErr error
	if guardErr := call.Guard().Err(); guardErr != nil {
		finalErr = s.classify(guardErr, reason, elapsed, invocations)
	} else {
		result, finalErr = s.collectResult(call, elapsed, invocations, peak)
	}

	if ferr := call.Finish(); ferr != nil {
		s.poison(ferr)
		if finalErr == nil {
			result = nil
			finalErr = ferr
		}
	}
	if finalErr != nil && errors.IsCategory(finalErr, errors.CategoryProtocol) {
		s.poison(finalErr)
	}
	return result, finalErr
}

// watch waits for completion while enforcing the deadline, the memory
// ceiling, and cancellation. It returns why it interrupted (if it
// did) and the peak memory observed.
func (s *Sandbox) watch(ctx context.Context, call *dispatch.Call, cancelCh <-chan struct{}) (interruptReason, uint64) {
	var deadlineCh <-chan time.Time
	if s.limits.ExecutionTimeout > 0 {
		timer := time.NewTimer(s.limits.ExecutionTimeout)
		defer timer.Stop()
		deadlineCh = timer.C
	}

	memTicker := time.NewTicker(5 * time.Millisecond)
	defer memTicker.Stop()

	ctxDone := ctx.Done()
	peak := s.inst.MemoryUsage()
	reason := interruptNone

	interrupt := func(r interruptReason) {
		if reason != interruptNone || call.Guard().Signaled() {
			return
		}
		reason = r
		s.inst.RequestInterrupt()
	}

	for {
		select {
		case <-call.Guard().Done():
			return reason, peak

		case <-deadlineCh:
			deadlineCh = nil
			interrupt(interruptTimeout)

		case <-cancelCh:
			cancelCh = nil
			interrupt(interruptCancel)

		case <-ctxDone:
			ctxDone = nil
			interrupt(interruptCancel)

		case <-memTicker.C:
			// The first request can race the call's startup inside the
			// substrate; keep asking until the guest stops.
			if reason != interruptNone && !call.Guard().Signaled() {
				s.inst.RequestInterrupt()
			}
			if m := s.inst.MemoryUsage(); m > peak {
				peak = m
			}
			if s.limits.MaxMemoryBytes > 0 && peak > s.limits.MaxMemoryBytes {
				interrupt(interruptMemory)
			}
		}
	}
}

// collectResult pops the declared run-code result shape.
func (s *Sandbox) collectResult(call *dispatch.Call, elapsed time.Duration, invocations uint32, peak uint64) (*Result, error) {
	ok, perr := call.Context().PopResult()
	if perr != nil {
		return nil, perr
	}
	if !ok {
		msg, perr := call.Context().PopString()
		if perr != nil {
			return nil, perr
		}
		return nil, &errors.Error{
			Category:     errors.CategoryExecution,
			GuestMessage: msg,
			Invocations:  invocations,
		}
	}

	stdout, perr := call.Context().PopString()
	if perr != nil {
		return nil, perr
	}
	stderr, perr := call.Context().PopString()
	if perr != nil {
		return nil, perr
	}
	res := &Result{
		Stdout:              stdout,
		Stderr:              stderr,
		Trace:               s.takeTrace(),
		Duration:            elapsed,
		CallbackInvocations: invocations,
		PeakMemoryBytes:     peak,
	}
	if s.cfg.OutputHandler != nil {
		s.cfg.OutputHandler(res.Stdout)
	}
	return res, nil
}

func (s *Sandbox) takeTrace() []TraceEvent {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	events := s.trace
	s.trace = nil
	return events
}

// classify maps a failed call to its error category. An interrupt the
// watchdog issued overrides whatever shape the abort took inside the
// substrate, except protocol violations which always win.
func (s *Sandbox) classify(guardErr error, reason interruptReason, elapsed time.Duration, invocations uint32) error {
	if errors.IsCategory(guardErr, errors.CategoryProtocol) {
		return guardErr
	}

	switch reason {
	case interruptCancel:
		e := errors.Cancelled()
		e.Invocations = invocations
		return e
	case interruptTimeout:
		return &errors.Error{
			Category:    errors.CategoryTimeout,
			Limit:       errors.LimitExecutionTime,
			Detail:      fmt.Sprintf("deadline exceeded after %v", elapsed),
			Invocations: invocations,
		}
	case interruptMemory:
		return &errors.Error{
			Category:    errors.CategoryResourceLimit,
			Limit:       errors.LimitMemory,
			Detail:      fmt.Sprintf("memory ceiling of %d byte(s) exceeded", s.limits.MaxMemoryBytes),
			Invocations: invocations,
		}
	}

	if e, ok := guardErr.(*errors.Error); ok && e.Invocations == 0 {
		e.Invocations = invocations
	}
	return guardErr
}

// Snapshot serializes the guest's top-level state.
func (s *Sandbox) Snapshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.stateCall(ctx, dispatch.OpSnapshotState, nil, func(cc *channel.CallContext) error {
		var perr error
		data, perr = cc.PopBytes()
		return perr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Restore replaces the guest's top-level state from a snapshot.
func (s *Sandbox) Restore(ctx context.Context, snapshot []byte) error {
	return s.stateCall(ctx, dispatch.OpRestoreState, snapshot, nil)
}

// Clear resets the guest's top-level state.
func (s *Sandbox) Clear(ctx context.Context) error {
	return s.stateCall(ctx, dispatch.OpClearState, nil, nil)
}

func (s *Sandbox) stateCall(ctx context.Context, op dispatch.Op, arg []byte, extract func(*channel.CallContext) error) error {
	if err := s.gateErr(); err != nil {
		return err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return errors.Busy()
	}
	defer s.busy.Store(false)

	call, err := dispatch.Begin(op)
	if err != nil {
		return err
	}
	if op == dispatch.OpRestoreState {
		call.Context().PushBytes(arg)
	}

	if _, cerr := s.inst.CallExport(ctx, call); cerr != nil {
		call.Guard().Complete(cerr)
	}

	opErr := call.Guard().Await(ctx)
	if opErr != nil {
		if _, structured := opErr.(*errors.Error); !structured {
			e := errors.Cancelled()
			e.Cause = opErr
			opErr = e
		}
	} else {
		opErr = s.popStateResult(call, extract)
	}

	if ferr := call.Finish(); ferr != nil {
		s.poison(ferr)
		if opErr == nil {
			opErr = ferr
		}
	}
	if opErr != nil && errors.IsCategory(opErr, errors.CategoryProtocol) {
		s.poison(opErr)
	}
	return opErr
}

func (s *Sandbox) popStateResult(call *dispatch.Call, extract func(*channel.CallContext) error) error {
	ok, perr := call.Context().PopResult()
	if perr != nil {
		return perr
	}
	if !ok {
		msg, perr := call.Context().PopString()
		if perr != nil {
			return perr
		}
		return errors.Execution(msg)
	}
	if extract != nil {
		return extract(call.Context())
	}
	return nil
}
