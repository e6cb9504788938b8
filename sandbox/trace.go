package sandbox

// TraceEvent is one guest execution event, reported per statement when
// tracing is enabled.
type TraceEvent struct {
	// Line is the 1-based source line the event refers to.
	Line uint32

	// Event is the event payload as JSON, e.g. {"event":"line"}.
	Event string

	// Context is a JSON summary of guest state at the event.
	Context string
}

// TraceHandler receives trace events during execution. Handlers run on
// the guest's dispatch path and must return quickly.
type TraceHandler func(TraceEvent)
