package sandbox

import "time"

// Result is the outcome of one successful Execute call.
type Result struct {
	// Stdout and Stderr are the guest's captured streams.
	Stdout string
	Stderr string

	// Trace holds the trace events the call reported, in order. Empty
	// unless tracing is enabled on the engine.
	Trace []TraceEvent

	// Duration is wall time from dispatch to completion.
	Duration time.Duration

	// CallbackInvocations counts host callbacks the call made.
	CallbackInvocations uint32

	// PeakMemoryBytes is the highest guest memory footprint the
	// watchdog observed during the call.
	PeakMemoryBytes uint64
}
