package channel

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/sandbox-runtime/errors"
)

func TestPushPopLIFO(t *testing.T) {
	cc := NewCallContext()

	cc.PushString("args-json")
	cc.PushString("callback-name")

	name, err := cc.PopString()
	if err != nil {
		t.Fatalf("pop name: %v", err)
	}
	if name != "callback-name" {
		t.Errorf("name = %q, want %q", name, "callback-name")
	}

	args, err := cc.PopString()
	if err != nil {
		t.Fatalf("pop args: %v", err)
	}
	if args != "args-json" {
		t.Errorf("args = %q, want %q", args, "args-json")
	}

	if cc.Depth() != 0 {
		t.Errorf("depth = %d, want 0", cc.Depth())
	}
}

func TestScalarRoundTrip(t *testing.T) {
	cc := NewCallContext()

	cc.PushBool(true)
	cc.PushU32(42)
	cc.PushS64(-7)
	cc.PushBytes([]byte{1, 2, 3})

	raw, err := cc.PopBytes()
	if err != nil || len(raw) != 3 {
		t.Fatalf("PopBytes = (%v, %v)", raw, err)
	}
	s64, err := cc.PopS64()
	if err != nil || s64 != -7 {
		t.Fatalf("PopS64 = (%d, %v), want -7", s64, err)
	}
	u32, err := cc.PopU32()
	if err != nil || u32 != 42 {
		t.Fatalf("PopU32 = (%d, %v), want 42", u32, err)
	}
	b, err := cc.PopBool()
	if err != nil || !b {
		t.Fatalf("PopBool = (%v, %v), want true", b, err)
	}
}

func TestMismatchedPopIsProtocolViolation(t *testing.T) {
	cc := NewCallContext()
	cc.PushString("hello")

	_, err := cc.PopU32()
	if !errors.IsCategory(err, errors.CategoryProtocol) {
		t.Fatalf("mismatched pop error = %v, want protocol category", err)
	}
	if cc.Violation() == nil {
		t.Error("context should record the violation")
	}

	// Every subsequent pop reports the original violation.
	_, err2 := cc.PopString()
	if !stderrors.Is(err2, cc.Violation()) {
		t.Error("subsequent pops should surface the recorded violation")
	}
}

func TestPopFromEmptyStack(t *testing.T) {
	cc := NewCallContext()
	_, err := cc.PopString()
	if !errors.IsCategory(err, errors.CategoryProtocol) {
		t.Fatalf("empty pop error = %v, want protocol category", err)
	}
}

func TestResultBeforeArgsConsumedIsViolation(t *testing.T) {
	cc := NewCallContext()
	cc.PushString("arg1")
	cc.PushString("arg2")

	// Consume only one of two arguments, then push a result.
	if _, err := cc.PopString(); err != nil {
		t.Fatal(err)
	}
	cc.PushResult(true)

	if cc.Violation() == nil {
		t.Fatal("result push over an unconsumed argument must record a violation")
	}
	if !errors.IsCategory(cc.Violation(), errors.CategoryProtocol) {
		t.Errorf("violation = %v, want protocol category", cc.Violation())
	}
}

func TestResultAfterAllArgsConsumed(t *testing.T) {
	cc := NewCallContext()
	cc.PushString("code")

	if _, err := cc.PopString(); err != nil {
		t.Fatal(err)
	}

	// LIFO result shape: stderr, stdout, discriminant.
	cc.PushString("stderr text")
	cc.PushString("stdout text")
	cc.PushResult(true)

	if cc.Violation() != nil {
		t.Fatalf("unexpected violation: %v", cc.Violation())
	}

	ok, err := cc.PopResult()
	if err != nil || !ok {
		t.Fatalf("PopResult = (%v, %v)", ok, err)
	}
	stdout, _ := cc.PopString()
	stderr, _ := cc.PopString()
	if stdout != "stdout text" || stderr != "stderr text" {
		t.Errorf("results out of order: stdout=%q stderr=%q", stdout, stderr)
	}
}

func TestDeferredReleasesRunOnceInReverseOrder(t *testing.T) {
	cc := NewCallContext()

	var order []int
	cc.Defer(func() { order = append(order, 1) })
	cc.Defer(func() { order = append(order, 2) })

	cc.Release()
	cc.Release() // idempotent

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("release order = %v, want [2 1]", order)
	}
}

func TestDeferredReleasesRunOnAbortedCall(t *testing.T) {
	cc := NewCallContext()
	released := false
	cc.Defer(func() { released = true })

	cc.PushString("arg")
	// Mismatched pop aborts the protocol mid-call.
	if _, err := cc.PopU64(); err == nil {
		t.Fatal("expected violation")
	}

	cc.Release()
	if !released {
		t.Error("deferred release must run even when the call aborted")
	}
}

func TestWireFrameRoundTrip(t *testing.T) {
	src := NewCallContext()
	src.PushString("hello")
	src.PushBytes([]byte{0xde, 0xad})
	src.PushU64(1 << 40)
	src.PushResult(false)

	frame, err := src.MarshalStack()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	dst := NewCallContext()
	if err := dst.UnmarshalStack(frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ok, err := dst.PopResult()
	if err != nil || ok {
		t.Fatalf("PopResult = (%v, %v), want err discriminant", ok, err)
	}
	n, _ := dst.PopU64()
	if n != 1<<40 {
		t.Errorf("u64 = %d", n)
	}
	raw, _ := dst.PopBytes()
	if len(raw) != 2 || raw[0] != 0xde {
		t.Errorf("bytes = %x", raw)
	}
	s, _ := dst.PopString()
	if s != "hello" {
		t.Errorf("string = %q", s)
	}
}

func TestUnmarshalRejectsTruncatedFrame(t *testing.T) {
	src := NewCallContext()
	src.PushString("a longer payload than the cut")
	frame, err := src.MarshalStack()
	if err != nil {
		t.Fatal(err)
	}

	dst := NewCallContext()
	if err := dst.UnmarshalStack(frame[:len(frame)-4]); err == nil {
		t.Fatal("truncated frame should fail to decode")
	}
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	dst := NewCallContext()
	if err := dst.UnmarshalStack([]byte{0xff, 0x00}); err == nil {
		t.Fatal("unknown kind byte should fail to decode")
	}
}
