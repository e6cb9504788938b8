package sandbox

import "time"

// ResourceLimits bounds one engine's guest execution. Zero values fall
// back to the defaults, except MaxFuel where zero means unmetered.
type ResourceLimits struct {
	// ExecutionTimeout caps one Execute call end to end, callbacks
	// included.
	ExecutionTimeout time.Duration

	// CallbackTimeout caps each host callback invocation.
	CallbackTimeout time.Duration

	// MaxMemoryBytes caps guest memory. Enforced as a hard ceiling by
	// the substrate where it can, and by the engine's watchdog
	// sampling otherwise.
	MaxMemoryBytes uint64

	// MaxCallbackInvocations caps callback invocations per Execute
	// call.
	MaxCallbackInvocations uint32

	// MaxFuel caps guest computation per call on substrates that meter
	// it. Zero means unmetered.
	MaxFuel uint64
}

// DefaultResourceLimits returns the stock limits: 30s execution, 10s
// per callback, 128 MiB of memory, 1000 callback invocations.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		ExecutionTimeout:       30 * time.Second,
		CallbackTimeout:        10 * time.Second,
		MaxMemoryBytes:         128 << 20,
		MaxCallbackInvocations: 1000,
	}
}

// withDefaults fills unset fields from the defaults.
func (l ResourceLimits) withDefaults() ResourceLimits {
	def := DefaultResourceLimits()
	if l.ExecutionTimeout == 0 {
		l.ExecutionTimeout = def.ExecutionTimeout
	}
	if l.CallbackTimeout == 0 {
		l.CallbackTimeout = def.CallbackTimeout
	}
	if l.MaxMemoryBytes == 0 {
		l.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if l.MaxCallbackInvocations == 0 {
		l.MaxCallbackInvocations = def.MaxCallbackInvocations
	}
	return l
}
