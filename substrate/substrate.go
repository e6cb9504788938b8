package substrate

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/sandbox-runtime/dispatch"
	"github.com/wippyai/sandbox-runtime/errors"
)

// InstanceConfig describes one guest instance.
type InstanceConfig struct {
	// Binary is the compiled guest module. Required by the wazero
	// backend, ignored by backends that embed their own guest.
	Binary []byte

	// Imports is the sealed dispatch table the instance routes guest
	// import calls through. Required.
	Imports *dispatch.Table

	// MaxMemoryBytes caps the guest's linear memory. Zero means the
	// backend default.
	MaxMemoryBytes uint64

	// MountRoot, when set, is a host directory exposed read-only at the
	// guest filesystem root.
	MountRoot string

	// Logger receives backend diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// Validate checks the parts every backend requires.
func (c InstanceConfig) Validate() error {
	if c.Imports == nil {
		return errors.Initialization("instance config requires a dispatch table", nil)
	}
	return nil
}

// Substrate creates isolated guest instances.
type Substrate interface {
	// Name identifies the backend ("wazero", "interp").
	Name() string

	// CreateInstance builds one instance. The instance owns no shared
	// state with its siblings.
	CreateInstance(ctx context.Context, cfg InstanceConfig) (Instance, error)

	// Close releases backend-wide resources. Instances must be closed
	// first.
	Close(ctx context.Context) error
}

// Instance is one isolated guest. An instance admits one export call
// at a time; the engine above it enforces that.
type Instance interface {
	// CallExport starts the export operation carried by call. The
	// declared arguments must already be on the call's stack. A nil
	// Task means the call completed inline and the results are on the
	// stack; a non-nil Task completes later via its Done channel.
	CallExport(ctx context.Context, call *dispatch.Call) (Task, error)

	// RequestInterrupt asks the guest to stop at its next safe point.
	// Safe to call from any goroutine, any number of times.
	RequestInterrupt()

	// SetFuelLimit bounds guest computation per call for backends that
	// meter it. Backends without metering return an unsupported error.
	SetFuelLimit(limit uint64) error

	// MemoryUsage returns the guest's current memory footprint in
	// bytes.
	MemoryUsage() uint64

	// Close tears the instance down. In-flight calls observe an
	// interrupt first.
	Close(ctx context.Context) error
}

// Task is a pending asynchronous export call.
type Task interface {
	// Done is closed when the guest signals completion.
	Done() <-chan struct{}

	// Err returns the completion error. Only valid after Done closes.
	Err() error
}

// Remounter is implemented by instances whose filesystem view can be
// re-established in place, without recreating the instance.
type Remounter interface {
	Remount(ctx context.Context) error
}
