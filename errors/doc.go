// Package errors provides the structured error taxonomy for the sandbox
// engine.
//
// Every caller-visible failure is an *Error carrying a Category; the
// categories match the engine's propagation contract: execution,
// timeout, resource-limit, and cancellation errors leave the engine
// reusable, protocol errors poison it, pool errors are scoped to the
// pool.
//
// Use the convenience constructors:
//
//	err := errors.ResourceLimit(errors.LimitCallbackCount, "ceiling of 5 reached")
//	err := errors.Execution("ZeroDivisionError: division by zero")
//
// All errors implement the standard error interface and support
// errors.Is/As; Is matches on Category (and Limit when set on the
// target).
package errors
