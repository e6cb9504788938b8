package channel

import (
	"github.com/wippyai/sandbox-runtime/errors"
)

// Kind identifies the type of a stack value.
type Kind uint8

const (
	KindBool Kind = iota
	KindU8
	KindU16
	KindU32
	KindU64
	KindS8
	KindS16
	KindS32
	KindS64
	KindF32
	KindF64
	KindString
	KindBytes
	// KindResult is a result discriminant: 1 = ok, 0 = err.
	KindResult
	// KindOption is an option discriminant: 1 = some, 0 = none.
	KindOption
)

var kindNames = map[Kind]string{
	KindBool:   "bool",
	KindU8:     "u8",
	KindU16:    "u16",
	KindU32:    "u32",
	KindU64:    "u64",
	KindS8:     "s8",
	KindS16:    "s16",
	KindS32:    "s32",
	KindS64:    "s64",
	KindF32:    "f32",
	KindF64:    "f64",
	KindString: "string",
	KindBytes:  "bytes",
	KindResult: "result",
	KindOption: "option",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Value is one tagged entry on the call stack. Scalars live in Num,
// strings in Str, byte buffers in Raw. Records and tuples are
// flattened into their fields and never appear as a Value themselves.
type Value struct {
	Kind Kind
	Num  uint64
	Str  string
	Raw  []byte
}

// CallContext holds the value stack and deferred releases for one
// in-flight cross-boundary call. It is exclusively owned by that call
// and requires no locking.
type CallContext struct {
	stack    []Value
	deferred []func()

	// popped flips on the first pop; the next push after that is a
	// result push and must find the stack empty.
	popped       bool
	resultsBegun bool
	violation    error
	released     bool
}

// NewCallContext returns an empty context ready for argument pushes.
func NewCallContext() *CallContext {
	return &CallContext{}
}

// Depth returns the number of values currently on the stack.
func (c *CallContext) Depth() int {
	return len(c.stack)
}

// Violation returns the first protocol violation recorded on this
// context, or nil. A context with a violation must not be reused and
// poisons the owning engine.
func (c *CallContext) Violation() error {
	return c.violation
}

// Defer registers a release to run when the context is torn down.
// Releases run in reverse registration order.
func (c *CallContext) Defer(release func()) {
	c.deferred = append(c.deferred, release)
}

// Release tears the context down, running all deferred releases. It is
// idempotent and must be called exactly when the call finishes,
// including aborted calls.
func (c *CallContext) Release() {
	if c.released {
		return
	}
	c.released = true
	for i := len(c.deferred) - 1; i >= 0; i-- {
		c.deferred[i]()
	}
	c.deferred = nil
	c.stack = nil
}

func (c *CallContext) fail(err error) error {
	if c.violation == nil {
		c.violation = err
	}
	return err
}

func (c *CallContext) push(v Value) {
	if c.popped && !c.resultsBegun {
		if len(c.stack) != 0 {
			c.fail(errors.Protocolf(
				"result pushed with %d unconsumed argument(s) on the stack", len(c.stack)))
			return
		}
		c.resultsBegun = true
	}
	c.stack = append(c.stack, v)
}

func (c *CallContext) pop(want Kind) (Value, error) {
	if c.violation != nil {
		return Value{}, c.violation
	}
	c.popped = true
	if len(c.stack) == 0 {
		return Value{}, c.fail(errors.Protocolf("pop %s from empty stack", want))
	}
	v := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	if v.Kind != want {
		return Value{}, c.fail(errors.Protocolf("pop %s, top of stack is %s", want, v.Kind))
	}
	return v, nil
}

// PushBool appends a boolean.
func (c *CallContext) PushBool(v bool) {
	var n uint64
	if v {
		n = 1
	}
	c.push(Value{Kind: KindBool, Num: n})
}

// PushU32 appends a 32-bit unsigned integer.
func (c *CallContext) PushU32(v uint32) {
	c.push(Value{Kind: KindU32, Num: uint64(v)})
}

// PushU64 appends a 64-bit unsigned integer.
func (c *CallContext) PushU64(v uint64) {
	c.push(Value{Kind: KindU64, Num: v})
}

// PushS32 appends a 32-bit signed integer.
func (c *CallContext) PushS32(v int32) {
	c.push(Value{Kind: KindS32, Num: uint64(int64(v))})
}

// PushS64 appends a 64-bit signed integer.
func (c *CallContext) PushS64(v int64) {
	c.push(Value{Kind: KindS64, Num: uint64(v)})
}

// PushString appends a string. The context takes no copy; callers that
// hand out guest-visible copies register their release via Defer.
func (c *CallContext) PushString(v string) {
	c.push(Value{Kind: KindString, Str: v})
}

// PushBytes appends a byte buffer.
func (c *CallContext) PushBytes(v []byte) {
	c.push(Value{Kind: KindBytes, Raw: v})
}

// PushResult appends a result discriminant: true = ok, false = err.
func (c *CallContext) PushResult(ok bool) {
	var n uint64
	if ok {
		n = 1
	}
	c.push(Value{Kind: KindResult, Num: n})
}

// PushOption appends an option discriminant: true = some, false = none.
func (c *CallContext) PushOption(some bool) {
	var n uint64
	if some {
		n = 1
	}
	c.push(Value{Kind: KindOption, Num: n})
}

// ConsumeAll removes every value from the stack, bottom first, and
// marks the argument phase consumed. Wire-level substrates use it
// after marshalling the arguments for transport; the guest side pops
// the values from its copy of the frame.
func (c *CallContext) ConsumeAll() []Value {
	c.popped = true
	vals := c.stack
	c.stack = nil
	return vals
}

// PopBool removes and returns the top boolean.
func (c *CallContext) PopBool() (bool, error) {
	v, err := c.pop(KindBool)
	return v.Num != 0, err
}

// PopU32 removes and returns the top 32-bit unsigned integer.
func (c *CallContext) PopU32() (uint32, error) {
	v, err := c.pop(KindU32)
	return uint32(v.Num), err
}

// PopU64 removes and returns the top 64-bit unsigned integer.
func (c *CallContext) PopU64() (uint64, error) {
	v, err := c.pop(KindU64)
	return v.Num, err
}

// PopS32 removes and returns the top 32-bit signed integer.
func (c *CallContext) PopS32() (int32, error) {
	v, err := c.pop(KindS32)
	return int32(int64(v.Num)), err
}

// PopS64 removes and returns the top 64-bit signed integer.
func (c *CallContext) PopS64() (int64, error) {
	v, err := c.pop(KindS64)
	return int64(v.Num), err
}

// PopString removes and returns the top string.
func (c *CallContext) PopString() (string, error) {
	v, err := c.pop(KindString)
	return v.Str, err
}

// PopBytes removes and returns the top byte buffer.
func (c *CallContext) PopBytes() ([]byte, error) {
	v, err := c.pop(KindBytes)
	return v.Raw, err
}

// PopResult removes and returns the top result discriminant.
func (c *CallContext) PopResult() (bool, error) {
	v, err := c.pop(KindResult)
	return v.Num != 0, err
}

// PopOption removes and returns the top option discriminant.
func (c *CallContext) PopOption() (bool, error) {
	v, err := c.pop(KindOption)
	return v.Num != 0, err
}
