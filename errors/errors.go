package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category classifies every failure the engine can surface.
//
// Only CategoryProtocol poisons the owning engine; every other category
// leaves the engine reusable for subsequent calls.
type Category string

const (
	// CategoryInitialization covers failures creating an instance or
	// engine. Fatal for the construction attempt, never retried here.
	CategoryInitialization Category = "initialization"
	// CategoryExecution covers unhandled guest errors. Carries the
	// guest-formatted message and does not corrupt engine state.
	CategoryExecution Category = "execution"
	// CategoryTimeout covers execution or callback deadlines.
	CategoryTimeout Category = "timeout"
	// CategoryResourceLimit covers memory, callback-count, and fuel
	// ceilings set by the host.
	CategoryResourceLimit Category = "resource_limit"
	// CategoryCancelled covers caller-requested cancellation via an
	// execution handle.
	CategoryCancelled Category = "cancelled"
	// CategoryProtocol covers value-channel misuse and missing
	// completion signals. The owning engine must be discarded.
	CategoryProtocol Category = "protocol"
	// CategoryPool covers acquisition timeouts and warm-up failures.
	CategoryPool Category = "pool"
	// CategoryBusy is returned when a second call is attempted on an
	// engine whose single call slot is occupied.
	CategoryBusy Category = "busy"
	// CategoryUnsupported marks substrate capabilities the selected
	// backend cannot provide.
	CategoryUnsupported Category = "unsupported"
)

// Limit names the resource ceiling a resource-limit error tripped.
type Limit string

const (
	LimitExecutionTime Limit = "execution_timeout"
	LimitCallbackTime  Limit = "callback_timeout"
	LimitMemory        Limit = "max_memory_bytes"
	LimitCallbackCount Limit = "max_callback_invocations"
	LimitFuel          Limit = "max_fuel"
)

// Error is the structured error type used throughout the engine.
type Error struct {
	Category Category
	Detail   string
	Cause    error

	// Limit is set for resource-limit errors.
	Limit Limit

	// GuestMessage holds the guest-formatted error text for execution
	// errors (e.g. the interpreter traceback's final line).
	GuestMessage string

	// Invocations records how many callback invocations completed
	// before the call failed, when known.
	Invocations uint32
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Category))
	b.WriteByte(']')

	if e.Limit != "" {
		b.WriteByte(' ')
		b.WriteString(string(e.Limit))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.GuestMessage != "" {
		if e.Detail != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.GuestMessage)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by category (and limit,
// when the target specifies one).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Category != t.Category {
		return false
	}
	if t.Limit != "" && e.Limit != t.Limit {
		return false
	}
	return true
}

// Convenience constructors for the common shapes.

// Initialization wraps a creation failure.
func Initialization(detail string, cause error) *Error {
	return &Error{Category: CategoryInitialization, Detail: detail, Cause: cause}
}

// Execution carries a guest-formatted error message.
func Execution(guestMessage string) *Error {
	return &Error{Category: CategoryExecution, GuestMessage: guestMessage}
}

// Timeout reports a deadline that elapsed.
func Timeout(limit Limit, elapsed time.Duration) *Error {
	return &Error{
		Category: CategoryTimeout,
		Limit:    limit,
		Detail:   fmt.Sprintf("deadline exceeded after %v", elapsed),
	}
}

// ResourceLimit reports a ceiling violation.
func ResourceLimit(limit Limit, detail string) *Error {
	return &Error{Category: CategoryResourceLimit, Limit: limit, Detail: detail}
}

// Cancelled reports caller-requested cancellation.
func Cancelled() *Error {
	return &Error{Category: CategoryCancelled, Detail: "execution cancelled by caller"}
}

// Protocol reports value-channel or completion-signal misuse.
// An engine that produced a protocol error must not be reused.
func Protocol(detail string) *Error {
	return &Error{Category: CategoryProtocol, Detail: detail}
}

// Protocolf is Protocol with formatting.
func Protocolf(format string, args ...any) *Error {
	return &Error{Category: CategoryProtocol, Detail: fmt.Sprintf(format, args...)}
}

// PoolExhausted reports an acquisition that timed out.
func PoolExhausted(waited time.Duration) *Error {
	return &Error{
		Category: CategoryPool,
		Detail:   fmt.Sprintf("no instance available after %v", waited),
	}
}

// Pool wraps a pool failure such as aggregate warm-up errors.
func Pool(detail string, cause error) *Error {
	return &Error{Category: CategoryPool, Detail: detail, Cause: cause}
}

// Busy reports a second call on an engine with one in flight.
func Busy() *Error {
	return &Error{Category: CategoryBusy, Detail: "a call is already in flight on this engine"}
}

// Unsupported marks a capability the substrate backend lacks.
func Unsupported(what string) *Error {
	return &Error{Category: CategoryUnsupported, Detail: what}
}

// CategoryOf extracts the category from any error in err's chain, or
// "" when none is a *Error.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// IsCategory reports whether err's chain contains an *Error of cat.
func IsCategory(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

// InvocationsOf extracts the callback invocation count recorded on a
// failed call, when the error carries one.
func InvocationsOf(err error) (uint32, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Invocations, true
	}
	return 0, false
}
