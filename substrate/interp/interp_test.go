package interp

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/sandbox-runtime/channel"
	"github.com/wippyai/sandbox-runtime/dispatch"
	"github.com/wippyai/sandbox-runtime/errors"
	"github.com/wippyai/sandbox-runtime/substrate"
)

func newInstance(t *testing.T, table *dispatch.Table) *Instance {
	t.Helper()
	if table == nil {
		table = dispatch.NewTable()
		table.Seal()
	}
	s := New(Config{})
	inst, err := s.CreateInstance(context.Background(), substrate.InstanceConfig{Imports: table})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst.(*Instance)
}

type runResult struct {
	stdout   string
	stderr   string
	guestErr string
	err      error
}

func runCode(t *testing.T, inst *Instance, code string) runResult {
	t.Helper()

	call, err := dispatch.Begin(dispatch.OpRunCode)
	if err != nil {
		t.Fatal(err)
	}
	defer call.Finish()
	call.Context().PushString(code)

	task, err := inst.CallExport(context.Background(), call)
	if err != nil {
		return runResult{err: err}
	}
	if task != nil {
		select {
		case <-task.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("run-code did not complete")
		}
		if terr := task.Err(); terr != nil {
			return runResult{err: terr}
		}
	}

	ok, perr := call.Context().PopResult()
	if perr != nil {
		t.Fatalf("pop result: %v", perr)
	}
	if !ok {
		msg, perr := call.Context().PopString()
		if perr != nil {
			t.Fatalf("pop error message: %v", perr)
		}
		return runResult{guestErr: msg}
	}
	stdout, perr := call.Context().PopString()
	if perr != nil {
		t.Fatalf("pop stdout: %v", perr)
	}
	stderr, perr := call.Context().PopString()
	if perr != nil {
		t.Fatalf("pop stderr: %v", perr)
	}
	return runResult{stdout: stdout, stderr: stderr}
}

func stateOp(t *testing.T, inst *Instance, op dispatch.Op, arg []byte) ([]byte, string) {
	t.Helper()

	call, err := dispatch.Begin(op)
	if err != nil {
		t.Fatal(err)
	}
	defer call.Finish()
	if op == dispatch.OpRestoreState {
		call.Context().PushBytes(arg)
	}

	task, err := inst.CallExport(context.Background(), call)
	if err != nil {
		t.Fatalf("%s: %v", op, err)
	}
	if task != nil {
		t.Fatalf("%s should complete inline", op)
	}

	ok, perr := call.Context().PopResult()
	if perr != nil {
		t.Fatal(perr)
	}
	if !ok {
		msg, perr := call.Context().PopString()
		if perr != nil {
			t.Fatal(perr)
		}
		return nil, msg
	}
	if op == dispatch.OpSnapshotState {
		data, perr := call.Context().PopBytes()
		if perr != nil {
			t.Fatal(perr)
		}
		return data, ""
	}
	return nil, ""
}

func TestRunCodeArithmeticAndPrint(t *testing.T) {
	inst := newInstance(t, nil)

	res := runCode(t, inst, "x = 6 * 7\nprint('answer', x)\nprint(2 + 3 * 4)")
	if res.err != nil || res.guestErr != "" {
		t.Fatalf("run failed: %v %q", res.err, res.guestErr)
	}
	if res.stdout != "answer 42\n14\n" {
		t.Errorf("stdout = %q", res.stdout)
	}
}

func TestStatePersistsAcrossCalls(t *testing.T) {
	inst := newInstance(t, nil)

	if res := runCode(t, inst, "greeting = 'hello'"); res.err != nil || res.guestErr != "" {
		t.Fatalf("first call failed: %v %q", res.err, res.guestErr)
	}
	res := runCode(t, inst, "print(greeting + ' world')")
	if res.stdout != "hello world\n" {
		t.Errorf("stdout = %q", res.stdout)
	}
}

func TestDivisionByZeroThenReuse(t *testing.T) {
	inst := newInstance(t, nil)

	res := runCode(t, inst, "x = 1 / 0")
	if res.guestErr != "ZeroDivisionError: division by zero" {
		t.Errorf("guest error = %q", res.guestErr)
	}

	// The failed call must not corrupt the instance.
	res = runCode(t, inst, "print(1)")
	if res.err != nil || res.guestErr != "" || res.stdout != "1\n" {
		t.Errorf("reuse after error: %v %q %q", res.err, res.guestErr, res.stdout)
	}
}

func TestModuloByZero(t *testing.T) {
	inst := newInstance(t, nil)

	res := runCode(t, inst, "x = 5 % 0")
	if res.guestErr != "ZeroDivisionError: integer modulo by zero" {
		t.Errorf("guest error = %q", res.guestErr)
	}
}

func TestUndefinedName(t *testing.T) {
	inst := newInstance(t, nil)

	res := runCode(t, inst, "print(missing)")
	if res.guestErr != "NameError: name 'missing' is not defined" {
		t.Errorf("guest error = %q", res.guestErr)
	}
}

func TestSyntaxError(t *testing.T) {
	inst := newInstance(t, nil)

	res := runCode(t, inst, "x = 'unterminated")
	if !strings.HasPrefix(res.guestErr, "SyntaxError: unterminated string literal") {
		t.Errorf("guest error = %q", res.guestErr)
	}
}

func TestTypeError(t *testing.T) {
	inst := newInstance(t, nil)

	res := runCode(t, inst, "x = 1 + 'a'")
	if res.guestErr != "TypeError: unsupported operand type(s) for +: 'int' and 'str'" {
		t.Errorf("guest error = %q", res.guestErr)
	}
}

func TestStringBuiltins(t *testing.T) {
	inst := newInstance(t, nil)

	res := runCode(t, inst, "s = str(40 + 2)\nprint(s, len(s))\nprint(-3)")
	if res.stdout != "42 2\n-3\n" {
		t.Errorf("stdout = %q", res.stdout)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	inst := newInstance(t, nil)

	runCode(t, inst, "x = 41\nname = 'sandbox'")
	snap, errMsg := stateOp(t, inst, dispatch.OpSnapshotState, nil)
	if errMsg != "" {
		t.Fatalf("snapshot failed: %s", errMsg)
	}

	if _, errMsg := stateOp(t, inst, dispatch.OpClearState, nil); errMsg != "" {
		t.Fatalf("clear failed: %s", errMsg)
	}
	res := runCode(t, inst, "print(x)")
	if res.guestErr != "NameError: name 'x' is not defined" {
		t.Fatalf("after clear: %q", res.guestErr)
	}

	if _, errMsg := stateOp(t, inst, dispatch.OpRestoreState, snap); errMsg != "" {
		t.Fatalf("restore failed: %s", errMsg)
	}
	res = runCode(t, inst, "print(name, x + 1)")
	if res.stdout != "sandbox 42\n" {
		t.Errorf("after restore: stdout = %q, guest err = %q", res.stdout, res.guestErr)
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	inst := newInstance(t, nil)
	runCode(t, inst, "x = 1")

	_, errMsg := stateOp(t, inst, dispatch.OpRestoreState, []byte("not a snapshot"))
	if !strings.HasPrefix(errMsg, "invalid snapshot") {
		t.Fatalf("restore error = %q", errMsg)
	}

	// A failed restore must leave the namespace untouched.
	res := runCode(t, inst, "print(x)")
	if res.stdout != "1\n" {
		t.Errorf("stdout = %q", res.stdout)
	}
}

func invokeTable(t *testing.T, fn dispatch.ImportFunc) *dispatch.Table {
	t.Helper()
	table := dispatch.NewTable()
	if err := table.BindImport(dispatch.OpInvoke, fn); err != nil {
		t.Fatal(err)
	}
	table.Seal()
	return table
}

func echoInvoke(_ context.Context, cc *channel.CallContext) error {
	name, err := cc.PopString()
	if err != nil {
		return err
	}
	if _, err := cc.PopString(); err != nil {
		return err
	}
	cc.PushString("echo:" + name)
	cc.PushResult(true)
	return nil
}

func TestInvokeRoutesThroughTable(t *testing.T) {
	inst := newInstance(t, invokeTable(t, echoInvoke))

	res := runCode(t, inst, "r = invoke('fetch', '{}')\nprint(r)")
	if res.stdout != "echo:fetch\n" {
		t.Errorf("stdout = %q, guest err = %q, err = %v", res.stdout, res.guestErr, res.err)
	}
}

func TestInvokeErrorRaisesInGuest(t *testing.T) {
	table := invokeTable(t, func(_ context.Context, cc *channel.CallContext) error {
		if _, err := cc.PopString(); err != nil {
			return err
		}
		if _, err := cc.PopString(); err != nil {
			return err
		}
		cc.PushString("backend unavailable")
		cc.PushResult(false)
		return nil
	})
	inst := newInstance(t, table)

	res := runCode(t, inst, "invoke('fetch', '{}')")
	if res.guestErr != "RuntimeError: backend unavailable" {
		t.Errorf("guest error = %q", res.guestErr)
	}
}

func TestGatherRunsConcurrently(t *testing.T) {
	// Both invokes must be in flight at once or the rendezvous times
	// out and the run fails.
	var mu sync.Mutex
	arrived := 0
	both := make(chan struct{})

	table := invokeTable(t, func(_ context.Context, cc *channel.CallContext) error {
		name, err := cc.PopString()
		if err != nil {
			return err
		}
		if _, err := cc.PopString(); err != nil {
			return err
		}

		mu.Lock()
		arrived++
		if arrived == 2 {
			close(both)
		}
		mu.Unlock()

		select {
		case <-both:
		case <-time.After(2 * time.Second):
			cc.PushString("rendezvous timeout")
			cc.PushResult(false)
			return nil
		}
		cc.PushString(name)
		cc.PushResult(true)
		return nil
	})
	inst := newInstance(t, table)

	res := runCode(t, inst, `print(gather(invoke('a', '{}'), invoke('b', '{}')))`)
	if res.err != nil || res.guestErr != "" {
		t.Fatalf("gather failed: %v %q", res.err, res.guestErr)
	}
	if res.stdout != `["a","b"]`+"\n" {
		t.Errorf("stdout = %q", res.stdout)
	}
}

func TestInterruptStopsSleep(t *testing.T) {
	inst := newInstance(t, nil)

	call, err := dispatch.Begin(dispatch.OpRunCode)
	if err != nil {
		t.Fatal(err)
	}
	defer call.Finish()
	call.Context().PushString("sleep(60000)")

	task, err := inst.CallExport(context.Background(), call)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	inst.RequestInterrupt()

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not stop sleep")
	}
	if !errors.IsCategory(task.Err(), errors.CategoryCancelled) {
		t.Errorf("task error = %v, want cancelled", task.Err())
	}
}

func TestInterruptStopsSpin(t *testing.T) {
	inst := newInstance(t, nil)

	call, err := dispatch.Begin(dispatch.OpRunCode)
	if err != nil {
		t.Fatal(err)
	}
	defer call.Finish()
	call.Context().PushString("spin()")

	task, err := inst.CallExport(context.Background(), call)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	inst.RequestInterrupt()

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not stop spin")
	}
	if !errors.IsCategory(task.Err(), errors.CategoryCancelled) {
		t.Errorf("task error = %v, want cancelled", task.Err())
	}

	// The instance must be reusable after an interrupted call.
	res := runCode(t, inst, "print('alive')")
	if res.stdout != "alive\n" {
		t.Errorf("reuse after interrupt: %q %q %v", res.stdout, res.guestErr, res.err)
	}
}

func TestInterruptBeforeCallIsNotLost(t *testing.T) {
	inst := newInstance(t, nil)

	// An interrupt issued before the call reaches the instance must
	// abort that call rather than vanish.
	inst.RequestInterrupt()

	call, err := dispatch.Begin(dispatch.OpRunCode)
	if err != nil {
		t.Fatal(err)
	}
	defer call.Finish()
	call.Context().PushString("spin()")

	task, err := inst.CallExport(context.Background(), call)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("early interrupt did not stop spin")
	}
	if !errors.IsCategory(task.Err(), errors.CategoryCancelled) {
		t.Errorf("task error = %v, want cancelled", task.Err())
	}

	res := runCode(t, inst, "print('alive')")
	if res.stdout != "alive\n" {
		t.Errorf("reuse after early interrupt: %q %q %v", res.stdout, res.guestErr, res.err)
	}
}

func TestFuelLimitStopsSpin(t *testing.T) {
	inst := newInstance(t, nil)
	if err := inst.SetFuelLimit(100); err != nil {
		t.Fatal(err)
	}

	res := runCode(t, inst, "spin()")
	if !errors.IsCategory(res.err, errors.CategoryResourceLimit) {
		t.Fatalf("fuel exhaustion = %v, want resource limit", res.err)
	}
}

func TestTraceEmitsPerStatement(t *testing.T) {
	var mu sync.Mutex
	var lines []uint32

	table := dispatch.NewTable()
	err := table.BindImport(dispatch.OpReportTrace, func(_ context.Context, cc *channel.CallContext) error {
		line, err := cc.PopU32()
		if err != nil {
			return err
		}
		if _, err := cc.PopString(); err != nil { // event-json
			return err
		}
		if _, err := cc.PopString(); err != nil { // context-json
			return err
		}
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	table.Seal()
	inst := newInstance(t, table)

	res := runCode(t, inst, "a = 1\nb = 2\nprint(a + b)")
	if res.err != nil || res.guestErr != "" {
		t.Fatalf("run failed: %v %q", res.err, res.guestErr)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 3 || lines[0] != 1 || lines[1] != 2 || lines[2] != 3 {
		t.Errorf("trace lines = %v", lines)
	}
}

func TestMemoryUsageGrowsWithState(t *testing.T) {
	inst := newInstance(t, nil)

	before := inst.MemoryUsage()
	runCode(t, inst, "blob = 'aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa'")
	if after := inst.MemoryUsage(); after <= before {
		t.Errorf("memory usage %d -> %d, want growth", before, after)
	}
}

func TestClosedInstanceRejectsCalls(t *testing.T) {
	inst := newInstance(t, nil)
	if err := inst.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	call, err := dispatch.Begin(dispatch.OpRunCode)
	if err != nil {
		t.Fatal(err)
	}
	defer call.Finish()
	call.Context().PushString("print(1)")

	if _, err := inst.CallExport(context.Background(), call); !errors.IsCategory(err, errors.CategoryProtocol) {
		t.Errorf("call on closed instance = %v, want protocol error", err)
	}
}
