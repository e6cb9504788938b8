// Package channel implements the typed, stack-based value protocol used
// to pass arguments and results across the host/guest call boundary.
//
// Each in-flight call owns one CallContext. Producers push values in
// protocol order; consumers pop them in exact reverse order. The stack
// is not type-checked at the boundary: a mismatched pop is a protocol
// violation that marks the context (and the owning engine) unusable,
// not a recoverable failure.
//
// The one load-bearing invariant: every declared argument must be
// popped before the first result is pushed. A context that sees a
// result push while unconsumed arguments remain records a protocol
// violation.
//
// Contexts also carry a deferred-release list. Pushing a value may
// allocate a guest-visible copy; registering its release on the context
// guarantees cleanup even when a call is aborted mid-protocol.
package channel
