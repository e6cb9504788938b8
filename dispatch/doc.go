// Package dispatch maps operation identifiers to handler logic and
// drives the asynchronous completion protocol for cross-boundary calls.
//
// Operations form a closed enumeration: the guest exports run-code,
// snapshot-state, restore-state and clear-state; the host exports the
// imports invoke, list-callbacks and report-trace. Each operation
// carries a WIT-typed signature; the table mapping import operations to
// handlers is built once at engine construction.
//
// A Call tracks one export invocation through its state machine:
//
//	Idle → ContextCreated → Working → ResultsPushed → Completed
//
// The completion Guard is the single most safety-critical piece: every
// asynchronous call must signal completion exactly once. A guard that
// is finished without having been signaled yields a protocol error, and
// the owning engine must be discarded.
package dispatch
