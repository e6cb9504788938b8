package interp

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/sandbox-runtime/dispatch"
	"github.com/wippyai/sandbox-runtime/errors"
	"github.com/wippyai/sandbox-runtime/substrate"
)

// Config configures the interp substrate.
type Config struct {
	// Logger receives substrate diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// Substrate creates in-process interpreter instances.
type Substrate struct {
	log *zap.Logger
}

// New creates the interp backend.
func New(cfg Config) *Substrate {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Substrate{log: log}
}

func (s *Substrate) Name() string {
	return "interp"
}

// CreateInstance builds one interpreter instance. The guest binary and
// mount root are ignored; the interpreter carries its own guest.
func (s *Substrate) CreateInstance(_ context.Context, cfg substrate.InstanceConfig) (substrate.Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := s.log
	if cfg.Logger != nil {
		log = cfg.Logger
	}
	return &Instance{
		table:   cfg.Imports,
		log:     log,
		globals: make(map[string]value),
	}, nil
}

func (s *Substrate) Close(context.Context) error {
	return nil
}

// Instance is one interpreter guest: a top-level namespace plus the
// dispatch table its code calls out through. The engine above admits
// one export call at a time.
type Instance struct {
	table *dispatch.Table
	log   *zap.Logger

	fuelLimit atomic.Uint64 // statements per call, 0 = unlimited
	intr      interrupter
	closed    atomic.Bool

	mu      sync.Mutex
	globals map[string]value
}

// CallExport runs one export operation. run-code executes on its own
// goroutine and completes through the returned task; state operations
// complete inline with a nil task.
func (in *Instance) CallExport(ctx context.Context, call *dispatch.Call) (substrate.Task, error) {
	if in.closed.Load() {
		return nil, errors.Protocol("call on closed instance")
	}

	switch call.Op() {
	case dispatch.OpRunCode:
		code, err := call.Context().PopString()
		if err != nil {
			return nil, err
		}
		if err := call.MarkArgsConsumed(); err != nil {
			return nil, err
		}
		interrupt := in.intr.arm()
		go in.runCode(ctx, call, code, interrupt)
		return call.Guard(), nil

	case dispatch.OpSnapshotState:
		if err := call.MarkArgsConsumed(); err != nil {
			return nil, err
		}
		data, err := in.snapshot()
		if err != nil {
			call.Context().PushString(err.Error())
			call.Context().PushResult(false)
		} else {
			call.Context().PushBytes(data)
			call.Context().PushResult(true)
		}
		return nil, in.completeInline(call)

	case dispatch.OpRestoreState:
		data, err := call.Context().PopBytes()
		if err != nil {
			return nil, err
		}
		if err := call.MarkArgsConsumed(); err != nil {
			return nil, err
		}
		if err := in.restore(data); err != nil {
			call.Context().PushString(err.Error())
			call.Context().PushResult(false)
		} else {
			call.Context().PushResult(true)
		}
		return nil, in.completeInline(call)

	case dispatch.OpClearState:
		if err := call.MarkArgsConsumed(); err != nil {
			return nil, err
		}
		in.clear()
		call.Context().PushResult(true)
		return nil, in.completeInline(call)

	default:
		return nil, errors.Protocolf("unknown export operation %s", call.Op())
	}
}

func (in *Instance) completeInline(call *dispatch.Call) error {
	if err := call.MarkResultsPushed(); err != nil {
		call.Guard().Complete(err)
		return err
	}
	call.Guard().Complete(nil)
	return nil
}

// runCode executes one unit of code and delivers the result through
// the call's guard. Guest-level failures travel the declared err
// branch; interruption and resource exhaustion complete the guard
// directly.
func (in *Instance) runCode(ctx context.Context, call *dispatch.Call, code string, interrupt <-chan struct{}) {
	run := &runState{
		inst:      in,
		ctx:       ctx,
		interrupt: interrupt,
		limit:     in.fuelLimit.Load(),
	}

	err := in.execute(run, code)
	if err != nil {
		if ge, ok := err.(*guestError); ok {
			call.Context().PushString(ge.Error())
			call.Context().PushResult(false)
			if mErr := call.MarkResultsPushed(); mErr != nil {
				call.Guard().Complete(mErr)
				return
			}
			call.Guard().Complete(nil)
			return
		}
		call.Guard().Complete(err)
		return
	}

	call.Context().PushString("") // stderr
	call.Context().PushString(run.out.String())
	call.Context().PushResult(true)
	if mErr := call.MarkResultsPushed(); mErr != nil {
		call.Guard().Complete(mErr)
		return
	}
	call.Guard().Complete(nil)
}

// RequestInterrupt stops the in-flight run at its next safe point.
func (in *Instance) RequestInterrupt() {
	in.intr.fire()
}

// SetFuelLimit bounds the number of statements one run-code call may
// execute. Zero removes the bound.
func (in *Instance) SetFuelLimit(limit uint64) error {
	in.fuelLimit.Store(limit)
	return nil
}

// MemoryUsage estimates the namespace footprint in bytes.
func (in *Instance) MemoryUsage() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()

	var total uint64 = 1 << 10
	for name, v := range in.globals {
		total += 64 + uint64(len(name)) + uint64(len(v.s))
	}
	return total
}

// Close interrupts any in-flight run and marks the instance dead.
func (in *Instance) Close(context.Context) error {
	in.closed.Store(true)
	in.intr.fire()
	return nil
}

func (in *Instance) getVar(name string) (value, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	v, ok := in.globals[name]
	return v, ok
}

func (in *Instance) setVar(name string, v value) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.globals[name] = v
}

func (in *Instance) varCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.globals)
}

func (in *Instance) clear() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.globals = make(map[string]value)
}

// interrupter hands out one interrupt channel per call. An interrupt
// fired with no call armed is latched and consumed by the next arm,
// which returns an already-closed channel; a request racing the
// call's startup is never lost.
type interrupter struct {
	mu      sync.Mutex
	ch      chan struct{}
	pending bool
}

func (i *interrupter) arm() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	ch := make(chan struct{})
	if i.pending {
		i.pending = false
		close(ch)
		return ch
	}
	i.ch = ch
	return ch
}

func (i *interrupter) fire() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ch != nil {
		close(i.ch)
		i.ch = nil
		return
	}
	i.pending = true
}
