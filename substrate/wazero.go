package substrate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/sandbox-runtime/channel"
	"github.com/wippyai/sandbox-runtime/dispatch"
	"github.com/wippyai/sandbox-runtime/errors"
)

const wasmPageSize = 64 * 1024

// Guest ABI. The guest core module exports the three sandbox entry
// points and imports the host functions from module "sandbox". All
// values cross the boundary as wire frames in guest linear memory.
const (
	hostModuleName = "sandbox"

	guestAlloc = "sandbox_alloc"
	guestFree  = "sandbox_free"
	guestCall  = "sandbox_call"

	hostImportFn      = "host_import"
	hostCompleteFn    = "host_complete"
	hostInterruptedFn = "host_interrupted"
)

// WazeroConfig configures the wazero substrate.
type WazeroConfig struct {
	// Logger receives substrate diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// WazeroSubstrate runs guests as WebAssembly core modules under
// wazero. Each instance gets its own runtime so memory ceilings apply
// per instance; compiled modules are shared through a compilation
// cache.
type WazeroSubstrate struct {
	cache wazero.CompilationCache
	log   *zap.Logger
}

// NewWazeroSubstrate creates the wazero backend.
func NewWazeroSubstrate(cfg WazeroConfig) *WazeroSubstrate {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &WazeroSubstrate{
		cache: wazero.NewCompilationCache(),
		log:   log,
	}
}

func (s *WazeroSubstrate) Name() string {
	return "wazero"
}

// CreateInstance compiles and instantiates the guest binary with its
// own runtime, host module, and WASI.
func (s *WazeroSubstrate) CreateInstance(ctx context.Context, cfg InstanceConfig) (Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Binary) == 0 {
		return nil, errors.Initialization("wazero substrate requires a guest binary", nil)
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(s.cache)
	if cfg.MaxMemoryBytes > 0 {
		pages := uint32(cfg.MaxMemoryBytes / wasmPageSize)
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	inst := &wazeroInstance{
		runtime: runtime,
		table:   cfg.Imports,
		log:     s.log,
	}
	logger := cfg.Logger
	if logger != nil {
		inst.log = logger
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Initialization("instantiate wasi", err)
	}

	builder := runtime.NewHostModuleBuilder(hostModuleName)
	builder = builder.NewFunctionBuilder().WithFunc(inst.hostImport).Export(hostImportFn)
	builder = builder.NewFunctionBuilder().WithFunc(inst.hostComplete).Export(hostCompleteFn)
	builder = builder.NewFunctionBuilder().WithFunc(inst.hostInterrupted).Export(hostInterruptedFn)
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Initialization("instantiate host module", err)
	}

	compiled, err := runtime.CompileModule(ctx, cfg.Binary)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Initialization("compile guest module", err)
	}

	modCfg := wazero.NewModuleConfig().WithName("")
	if cfg.MountRoot != "" {
		modCfg = modCfg.WithFSConfig(
			wazero.NewFSConfig().WithReadOnlyDirMount(cfg.MountRoot, "/"))
	}

	module, err := runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Initialization("instantiate guest module", err)
	}
	inst.module = module

	for _, name := range []string{guestAlloc, guestFree, guestCall} {
		if module.ExportedFunction(name) == nil {
			_ = runtime.Close(ctx)
			return nil, errors.Initialization("guest module missing export "+name, nil)
		}
	}

	return inst, nil
}

func (s *WazeroSubstrate) Close(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Close(ctx)
}

type wazeroInstance struct {
	runtime wazero.Runtime
	module  api.Module
	table   *dispatch.Table
	log     *zap.Logger

	pending   sync.Map // token -> *dispatch.Call
	nextToken atomic.Uint32

	interrupted atomic.Bool
	callCancel  atomic.Pointer[context.CancelFunc]

	mu       sync.Mutex
	firstErr error
}

// poison records the first protocol-grade failure. Further calls on a
// poisoned instance fail fast.
func (i *wazeroInstance) poison(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.firstErr == nil {
		i.firstErr = err
		i.log.Error("instance poisoned", zap.Error(err))
	}
}

func (i *wazeroInstance) poisonErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.firstErr
}

// CallExport marshals the call's arguments into guest memory and runs
// the guest entry point. The guest delivers results through
// host_complete before the entry point returns, so the returned Task
// is always nil here; the completion guard carries the outcome.
func (i *wazeroInstance) CallExport(ctx context.Context, call *dispatch.Call) (Task, error) {
	if err := i.poisonErr(); err != nil {
		return nil, err
	}

	frame, err := call.Context().MarshalStack()
	if err != nil {
		return nil, err
	}
	call.Context().ConsumeAll()
	if err := call.MarkArgsConsumed(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	i.callCancel.Store(&cancel)
	defer func() {
		i.callCancel.Store(nil)
		cancel()
		// The call the interrupt was aimed at is over; it must not
		// kill the next one.
		i.interrupted.Store(false)
	}()
	// An interrupt that raced the call's startup aborts this call
	// instead of being lost.
	if i.interrupted.Load() {
		cancel()
	}

	ptr, err := i.writeGuest(runCtx, frame)
	if err != nil {
		return nil, err
	}

	token := i.nextToken.Add(1)
	i.pending.Store(token, call)
	defer i.pending.Delete(token)

	res, err := i.module.ExportedFunction(guestCall).Call(runCtx,
		uint64(call.Op()), uint64(ptr), uint64(len(frame)), uint64(token))
	if err != nil {
		if runCtx.Err() != nil {
			return nil, errors.Cancelled()
		}
		return nil, &errors.Error{
			Category: errors.CategoryExecution,
			Detail:   "guest trap",
			Cause:    err,
		}
	}
	if res[0] != 0 {
		perr := errors.Protocolf("guest call %s failed with status %d", call.Op(), res[0])
		i.poison(perr)
		return nil, perr
	}
	if !call.Guard().Signaled() {
		perr := errors.Protocolf("guest call %s returned without delivering results", call.Op())
		i.poison(perr)
		return nil, perr
	}
	return nil, nil
}

func (i *wazeroInstance) RequestInterrupt() {
	i.interrupted.Store(true)
	if cancel := i.callCancel.Load(); cancel != nil {
		(*cancel)()
	}
}

func (i *wazeroInstance) SetFuelLimit(uint64) error {
	return errors.Unsupported("fuel metering is not available on the wazero backend")
}

func (i *wazeroInstance) MemoryUsage() uint64 {
	mem := i.module.Memory()
	if mem == nil {
		return 0
	}
	return uint64(mem.Size())
}

func (i *wazeroInstance) Close(ctx context.Context) error {
	i.RequestInterrupt()
	if err := i.module.Close(ctx); err != nil {
		_ = i.runtime.Close(ctx)
		return err
	}
	return i.runtime.Close(ctx)
}

// writeGuest allocates guest memory through sandbox_alloc and copies
// data into it, returning the guest pointer.
func (i *wazeroInstance) writeGuest(ctx context.Context, data []byte) (uint32, error) {
	res, err := i.module.ExportedFunction(guestAlloc).Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, errors.Protocolf("guest allocation failed: %v", err)
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, errors.ResourceLimit(errors.LimitMemory, "guest allocator returned null")
	}
	if !i.module.Memory().Write(ptr, data) {
		return 0, errors.Protocolf("guest memory write of %d byte(s) at %d out of range", len(data), ptr)
	}
	return ptr, nil
}

// hostImport services one guest-issued import call. The frame at
// (ptr, len) carries the arguments; the return value packs the reply
// frame's guest pointer and length, or zero on failure.
func (i *wazeroInstance) hostImport(ctx context.Context, mod api.Module, op, ptr, length uint32) uint64 {
	frame, ok := mod.Memory().Read(ptr, length)
	if !ok {
		i.poison(errors.Protocolf("import frame read of %d byte(s) at %d out of range", length, ptr))
		return 0
	}

	cc := channel.NewCallContext()
	defer cc.Release()
	if err := cc.UnmarshalStack(frame); err != nil {
		i.poison(err)
		return 0
	}

	if err := i.table.CallImport(ctx, dispatch.Op(op), cc); err != nil {
		i.poison(err)
		return 0
	}

	reply, err := cc.MarshalStack()
	if err != nil {
		i.poison(err)
		return 0
	}
	replyPtr, err := i.writeGuest(ctx, reply)
	if err != nil {
		i.poison(err)
		return 0
	}
	return uint64(replyPtr)<<32 | uint64(uint32(len(reply)))
}

// hostComplete delivers the results of one export call. status zero
// means the frame holds the declared result stack; nonzero means the
// guest runtime failed and the frame holds a message.
func (i *wazeroInstance) hostComplete(_ context.Context, mod api.Module, token, status, ptr, length uint32) {
	v, ok := i.pending.LoadAndDelete(token)
	if !ok {
		i.poison(errors.Protocolf("completion for unknown token %d", token))
		return
	}
	call := v.(*dispatch.Call)

	frame, readOK := mod.Memory().Read(ptr, length)
	if !readOK {
		err := errors.Protocolf("result frame read of %d byte(s) at %d out of range", length, ptr)
		i.poison(err)
		call.Guard().Complete(err)
		return
	}

	if status != 0 {
		err := errors.Protocolf("guest runtime failure: %s", string(frame))
		i.poison(err)
		call.Guard().Complete(err)
		return
	}

	if err := call.Context().UnmarshalStack(frame); err != nil {
		i.poison(err)
		call.Guard().Complete(err)
		return
	}
	if err := call.MarkResultsPushed(); err != nil {
		i.poison(err)
		call.Guard().Complete(err)
		return
	}
	call.Guard().Complete(nil)
}

// hostInterrupted lets the guest poll for a pending interrupt at its
// safe points.
func (i *wazeroInstance) hostInterrupted(context.Context, api.Module) uint32 {
	if i.interrupted.Load() {
		return 1
	}
	return 0
}
