package dispatch

import (
	"github.com/wippyai/sandbox-runtime/channel"
	"github.com/wippyai/sandbox-runtime/errors"
)

// State tracks one export call through the dispatch protocol.
type State uint8

const (
	StateIdle State = iota
	StateContextCreated
	// StateWorking is entered once every declared argument has been
	// consumed; the handler may suspend in it across an async boundary.
	StateWorking
	StateResultsPushed
	StateCompleted
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateContextCreated: "context-created",
	StateWorking:        "working",
	StateResultsPushed:  "results-pushed",
	StateCompleted:      "completed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown-state"
}

// Call is one in-flight export invocation: the operation, its call
// context, its state, and the completion guard. It is exclusively owned
// by the single call in flight on an engine.
type Call struct {
	op    Op
	cc    *channel.CallContext
	guard *Guard
	state State
}

// Begin allocates a fresh call for an export operation, moving it to
// ContextCreated. The caller pushes declared arguments next.
func Begin(op Op) (*Call, error) {
	if !op.IsExport() {
		return nil, errors.Protocolf("begin export call with import operation %s", op)
	}
	return &Call{
		op:    op,
		cc:    channel.NewCallContext(),
		guard: NewGuard(),
		state: StateContextCreated,
	}, nil
}

// Op returns the operation this call invokes.
func (c *Call) Op() Op {
	return c.op
}

// Context returns the call's value channel.
func (c *Call) Context() *channel.CallContext {
	return c.cc
}

// Guard returns the completion guard.
func (c *Call) Guard() *Guard {
	return c.guard
}

// State returns the current protocol state.
func (c *Call) State() State {
	return c.state
}

// MarkArgsConsumed records that the handler popped every declared
// argument. The stack must be empty at this point; leftover values are
// a protocol violation.
func (c *Call) MarkArgsConsumed() error {
	if c.state != StateContextCreated {
		return errors.Protocolf("args-consumed transition from state %s", c.state)
	}
	if d := c.cc.Depth(); d != 0 {
		return errors.Protocolf("%d unconsumed argument(s) for %s", d, c.op)
	}
	if v := c.cc.Violation(); v != nil {
		return v
	}
	c.state = StateWorking
	return nil
}

// MarkResultsPushed records that the handler pushed the declared result
// shape.
func (c *Call) MarkResultsPushed() error {
	if c.state != StateWorking {
		return errors.Protocolf("results-pushed transition from state %s", c.state)
	}
	if v := c.cc.Violation(); v != nil {
		return v
	}
	c.state = StateResultsPushed
	return nil
}

// Finish releases the call context and its deferred allocations, and
// validates the completion invariant. It returns the first protocol
// violation observed during the call, or nil. Finish is safe to call
// on an aborted call; the context is released either way.
func (c *Call) Finish() error {
	defer c.cc.Release()

	if c.state == StateCompleted {
		return errors.Protocol("finish called twice")
	}
	c.state = StateCompleted

	if err := c.guard.abandon(); err != nil {
		return err
	}
	return c.cc.Violation()
}
