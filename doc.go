// Package sandboxruntime runs untrusted interpreted code inside an
// isolation boundary, with host callbacks, resource limits, and
// state snapshots.
//
// # Architecture Overview
//
// The module is organized into packages with distinct
// responsibilities:
//
//	sandbox-runtime/     Root package documentation
//	├── sandbox/         Execution engine, callbacks, limits, sessions
//	├── pool/            Warm engine pooling with bounded admission
//	├── dispatch/        Operation table and per-call state machine
//	├── channel/         Typed value stack crossing the boundary
//	├── substrate/       Isolation backends (wazero, in-process interp)
//	└── errors/          Structured error categories
//
// # Quick Start
//
// Run code with a callback:
//
//	registry := sandbox.NewRegistry()
//	registry.Register(sandbox.Func("fetch", "fetch a URL", schema,
//	    func(ctx context.Context, args []byte) ([]byte, error) {
//	        return doFetch(ctx, args)
//	    }))
//
//	sb, err := sandbox.New(ctx, sandbox.Config{
//	    Substrate: interp.New(interp.Config{}),
//	    Registry:  registry,
//	    Limits:    sandbox.DefaultResourceLimits(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sb.Close(ctx)
//
//	res, err := sb.Execute(ctx, `print(invoke('fetch', '{"url": "..."}'))`)
//
// # Execution Model
//
// Every cross-boundary operation moves its values over a typed stack
// owned by that call. Arguments are pushed before the call, consumed
// by the callee, and results are pushed back; misuse of the stack is
// a protocol violation that permanently poisons the engine. All other
// failures (guest errors, timeouts, limit violations, cancellation)
// leave the engine reusable.
//
// An engine admits one call at a time and its guest state persists
// across calls until cleared, restored, or the engine is recycled.
// For request-style workloads, package pool keeps warm engines and
// bounds how many exist at once.
//
// # Thread Safety
//
// Sandbox methods may be called from any goroutine; concurrent calls
// beyond the single slot fail fast with a busy error. Session
// serializes access instead of failing. Pool is safe for concurrent
// use.
package sandboxruntime
