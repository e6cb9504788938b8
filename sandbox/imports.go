package sandbox

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/wippyai/sandbox-runtime/channel"
	"github.com/wippyai/sandbox-runtime/errors"
)

// handleInvoke services invoke(name, args-json). Callback failures
// travel the err branch back to guest code; blowing the invocation
// budget or the callback deadline fails the whole call.
func (s *Sandbox) handleInvoke(ctx context.Context, cc *channel.CallContext) error {
	name, err := cc.PopString()
	if err != nil {
		return err
	}
	argsJSON, err := cc.PopString()
	if err != nil {
		return err
	}

	n := s.invocations.Add(1)
	if limit := s.limits.MaxCallbackInvocations; limit > 0 && n > limit {
		s.invocations.Store(limit)
		return &errors.Error{
			Category:    errors.CategoryResourceLimit,
			Limit:       errors.LimitCallbackCount,
			Detail:      fmt.Sprintf("callback budget of %d invocation(s) exhausted", limit),
			Invocations: limit,
		}
	}

	cb, ok := s.registry.Get(name)
	if !ok {
		cc.PushString(fmt.Sprintf("unknown callback '%s'", name))
		cc.PushResult(false)
		return nil
	}
	if !sonic.Valid([]byte(argsJSON)) {
		cc.PushString(fmt.Sprintf("callback '%s': arguments are not valid JSON", name))
		cc.PushResult(false)
		return nil
	}

	out, err := s.invokeWithDeadline(ctx, cb, []byte(argsJSON))
	if err != nil {
		if structured, ok := err.(*errors.Error); ok {
			return structured
		}
		cc.PushString(err.Error())
		cc.PushResult(false)
		return nil
	}
	cc.PushString(string(out))
	cc.PushResult(true)
	return nil
}

// invokeWithDeadline runs one callback under the per-invocation
// deadline. The deadline is hard: a callback that ignores its context
// is abandoned, not waited for.
func (s *Sandbox) invokeWithDeadline(ctx context.Context, cb Callback, args []byte) ([]byte, error) {
	cbCtx := ctx
	if s.limits.CallbackTimeout > 0 {
		var cancel context.CancelFunc
		cbCtx, cancel = context.WithTimeout(ctx, s.limits.CallbackTimeout)
		defer cancel()
	}

	type outcome struct {
		data []byte
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		data, err := cb.Invoke(cbCtx, args)
		ch <- outcome{data: data, err: err}
	}()

	select {
	case o := <-ch:
		return o.data, o.err
	case <-cbCtx.Done():
		if ctx.Err() != nil {
			e := errors.Cancelled()
			e.Cause = ctx.Err()
			return nil, e
		}
		return nil, &errors.Error{
			Category: errors.CategoryTimeout,
			Limit:    errors.LimitCallbackTime,
			Detail: fmt.Sprintf("callback '%s' exceeded %v",
				cb.Name(), s.limits.CallbackTimeout),
		}
	}
}

// handleListCallbacks pushes the registered callbacks, last entry
// first so the guest pops them in registration order, then the count.
func (s *Sandbox) handleListCallbacks(_ context.Context, cc *channel.CallContext) error {
	cbs := s.registry.List()
	for i := len(cbs) - 1; i >= 0; i-- {
		cc.PushString(cbs[i].Name())
		cc.PushString(cbs[i].Description())
		cc.PushString(cbs[i].Schema())
	}
	cc.PushU32(uint32(len(cbs)))
	return nil
}

// handleReportTrace forwards one guest trace event to the configured
// handler.
func (s *Sandbox) handleReportTrace(_ context.Context, cc *channel.CallContext) error {
	line, err := cc.PopU32()
	if err != nil {
		return err
	}
	event, err := cc.PopString()
	if err != nil {
		return err
	}
	traceCtx, err := cc.PopString()
	if err != nil {
		return err
	}
	ev := TraceEvent{Line: line, Event: event, Context: traceCtx}
	s.traceMu.Lock()
	s.trace = append(s.trace, ev)
	s.traceMu.Unlock()
	s.cfg.TraceHandler(ev)
	return nil
}
