// Package sandbox is the execution engine: it runs untrusted guest
// code behind an isolation substrate, brokers host callbacks, and
// enforces resource limits.
//
// A Sandbox owns one substrate instance and admits one call at a
// time. Execute runs a unit of code to completion; ExecuteCancellable
// returns a handle whose Cancel interrupts the guest at its next safe
// point. A watchdog enforces the execution deadline and the memory
// ceiling while a call is in flight, and each callback invocation runs
// under its own deadline. Failures are classified into the categories
// of package errors; only protocol violations poison the engine.
//
// Guest state persists across calls. Snapshot, Restore, and Clear
// manage it explicitly, and Session wraps an engine with serialized
// access plus aggregate statistics for conversation-style use.
//
//	sb, err := sandbox.New(ctx, sandbox.Config{
//		Substrate: interp.New(interp.Config{}),
//		Registry:  registry,
//		Limits:    sandbox.DefaultResourceLimits(),
//	})
//	if err != nil {
//		return err
//	}
//	defer sb.Close(ctx)
//
//	res, err := sb.Execute(ctx, "print('hello')")
package sandbox
