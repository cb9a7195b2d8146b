package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v30"
	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/handler"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
)

const (
	strategyWasm = "wasm"

	hostModule  = "env"
	exportMem   = "memory"
	exportAlloc = "alloc"
)

// Guest log levels passed to env.log.
const (
	guestLogDebug = iota
	guestLogInfo
	guestLogWarn
	guestLogError
)

var _ Dispatcher = (*Sandbox)(nil)

// Sandbox runs the handlers of one wasm module. There is one instance per deployment.
//
// Guest ABI: the module exports "memory", "alloc(size i32) -> i32" and one "(ptr i32, len i32) -> i32"
// function per handler. The trigger is passed as JSON; a non-zero result fails the handler. Host
// functions are imported from "env":
//
//	entity_get(type_ptr, type_len, id_ptr, id_len i32) -> i64   packed ptr<<32|len of the entity JSON, 0 if absent
//	entity_query(ptr, len i32) -> i64                           packed ptr<<32|len of a JSON array of entities
//	entity_save(ptr, len i32) -> i32                            entity JSON
//	entity_remove(type_ptr, type_len, id_ptr, id_len i32) -> i32
//	data_source_create(ptr, len i32) -> i32                     data source request JSON
//	log(level, ptr, len i32)
//	abort(ptr, len i32)
type Sandbox struct {
	cfg    config.SandboxConfig
	engine *wasmtime.Engine
	store  *wasmtime.Store
	inst   *wasmtime.Instance
	memory *wasmtime.Memory
	alloc  *wasmtime.Func
	log    *logger.Logger

	mu    sync.Mutex
	funcs map[string]*wasmtime.Func
	call  *callState
}

// callState is the host side state of the handler call in progress.
type callState struct {
	ctx     context.Context
	host    handler.Host
	hostErr error
	aborted string
}

// NewSandbox compiles and instantiates a wasm module.
func NewSandbox(wasm []byte, cfg config.SandboxConfig, log *logger.Logger) (*Sandbox, error) {
	cfg.ApplyDefaults()

	engineCfg := wasmtime.NewConfig()
	engineCfg.SetConsumeFuel(true)
	engineCfg.SetEpochInterruption(true)
	engine := wasmtime.NewEngineWithConfig(engineCfg)

	module, err := wasmtime.NewModule(engine, wasm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile wasm module: %w", err)
	}

	s := &Sandbox{
		cfg:    cfg,
		engine: engine,
		store:  wasmtime.NewStore(engine),
		log:    log.WithComponent(common.ComponentDispatch),
		funcs:  make(map[string]*wasmtime.Func),
	}

	s.store.Limiter(int64(common.MBToBytes(cfg.MemoryLimitMB)), -1, 1, 1, 1)
	s.store.SetWasi(wasmtime.NewWasiConfig())
	s.store.SetEpochDeadline(1)
	if err := s.store.SetFuel(cfg.FuelPerCall); err != nil {
		return nil, fmt.Errorf("failed to set fuel: %w", err)
	}

	linker := wasmtime.NewLinker(engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("failed to define wasi: %w", err)
	}
	if err := s.defineHost(linker); err != nil {
		return nil, fmt.Errorf("failed to define host functions: %w", err)
	}

	s.inst, err = linker.Instantiate(s.store, module)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate wasm module: %w", err)
	}

	mem := s.inst.GetExport(s.store, exportMem)
	if mem == nil || mem.Memory() == nil {
		return nil, fmt.Errorf("wasm module does not export %q", exportMem)
	}
	s.memory = mem.Memory()

	s.alloc = s.inst.GetFunc(s.store, exportAlloc)
	if s.alloc == nil {
		return nil, fmt.Errorf("wasm module does not export %q", exportAlloc)
	}

	return s, nil
}

// Dispatch calls the exported function named by the trigger's handler.
func (s *Sandbox) Dispatch(ctx context.Context, trigger handler.Trigger, host handler.Host) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, err := s.export(trigger.Handler)
	if err != nil {
		return err
	}

	input, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to encode trigger: %w", err)
	}

	if err := s.store.SetFuel(s.cfg.FuelPerCall); err != nil {
		return handler.NonDeterministic(fmt.Errorf("failed to set fuel: %w", err))
	}
	s.store.SetEpochDeadline(1)

	s.call = &callState{ctx: ctx, host: host}
	defer func() { s.call = nil }()

	started := time.Now()
	defer func() { HandlerCallLog(strategyWasm, started, err) }()

	ptr, err := s.write(s.store, input)
	if err != nil {
		return s.classify(ctx, trigger.Handler, err)
	}

	interrupt := newEpochInterrupt(s.engine.IncrementEpoch)
	timer := time.AfterFunc(s.cfg.CallTimeout.Duration, interrupt.fire)
	stop := context.AfterFunc(ctx, interrupt.fire)
	res, callErr := fn.Call(s.store, ptr, int32(len(input)))
	timer.Stop()
	stop()
	interrupt.disarm()

	if callErr != nil {
		return s.classify(ctx, trigger.Handler, callErr)
	}

	if code, ok := res.(int32); ok && code != 0 {
		return fmt.Errorf("handler %s returned %d", trigger.Handler, code)
	}

	return nil
}

// epochInterrupt bumps the engine epoch at most once for one call. disarm waits for a bump that
// has already started and turns later ones into no-ops, so a timer that fires as the call returns
// cannot land after the next call has set its deadline.
type epochInterrupt struct {
	once sync.Once
	bump func()
}

func newEpochInterrupt(bump func()) *epochInterrupt {
	return &epochInterrupt{bump: bump}
}

func (i *epochInterrupt) fire() {
	i.once.Do(i.bump)
}

func (i *epochInterrupt) disarm() {
	i.once.Do(func() {})
}

func (s *Sandbox) export(name string) (*wasmtime.Func, error) {
	if fn, ok := s.funcs[name]; ok {
		return fn, nil
	}

	fn := s.inst.GetFunc(s.store, name)
	if fn == nil || name == exportAlloc {
		return nil, fmt.Errorf("%w: wasm module does not export %q", ErrUnknownHandler, name)
	}
	s.funcs[name] = fn

	return fn, nil
}

// classify turns a failed call into a handler error. Host store failures, timeouts and cancellation
// are non-deterministic; traps, fuel exhaustion and aborts are deterministic.
func (s *Sandbox) classify(ctx context.Context, name string, err error) error {
	call := s.call

	if call != nil && call.hostErr != nil {
		return call.hostErr
	}
	if call != nil && call.aborted != "" {
		return fmt.Errorf("handler %s aborted: %s", name, call.aborted)
	}

	var trap *wasmtime.Trap
	if errors.As(err, &trap) {
		if code := trap.Code(); code != nil {
			switch *code {
			case wasmtime.OutOfFuel:
				return fmt.Errorf("handler %s ran out of fuel (%d)", name, s.cfg.FuelPerCall)
			case wasmtime.Interrupt:
				if ctx.Err() != nil {
					return handler.NonDeterministic(fmt.Errorf("handler %s interrupted: %w", name, ctx.Err()))
				}
				return handler.NonDeterministic(fmt.Errorf("handler %s timed out after %s",
					name, s.cfg.CallTimeout.Duration))
			}
		}
	}

	return fmt.Errorf("handler %s trapped: %w", name, err)
}

// write copies data into guest memory allocated through the module's alloc export.
func (s *Sandbox) write(st wasmtime.Storelike, data []byte) (int32, error) {
	res, err := s.alloc.Call(st, int32(len(data)))
	if err != nil {
		return 0, err
	}

	ptr, ok := res.(int32)
	if !ok {
		return 0, fmt.Errorf("alloc returned %T", res)
	}

	mem := s.memory.UnsafeData(st)
	if int(uint32(ptr))+len(data) > len(mem) {
		return 0, fmt.Errorf("alloc returned out of bounds pointer %d", ptr)
	}
	copy(mem[uint32(ptr):], data)

	return ptr, nil
}

// read returns a copy of guest memory.
func (s *Sandbox) read(st wasmtime.Storelike, ptr, length int32) ([]byte, bool) {
	mem := s.memory.UnsafeData(st)
	start, n := int(uint32(ptr)), int(uint32(length))
	if start+n > len(mem) {
		return nil, false
	}

	out := make([]byte, n)
	copy(out, mem[start:start+n])

	return out, true
}

// Close releases the module instance.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store.Close()
	return nil
}

func i32s(n int) []*wasmtime.ValType {
	out := make([]*wasmtime.ValType, n)
	for i := range out {
		out[i] = wasmtime.NewValType(wasmtime.KindI32)
	}
	return out
}

func (s *Sandbox) defineHost(linker *wasmtime.Linker) error {
	i32 := i32s(1)
	i64 := []*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI64)}

	defs := []struct {
		name   string
		params int
		result []*wasmtime.ValType
		fn     func(*wasmtime.Caller, []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap)
	}{
		{"entity_get", 4, i64, s.hostEntityGet},
		{"entity_query", 2, i64, s.hostEntityQuery},
		{"entity_save", 2, i32, s.hostEntitySave},
		{"entity_remove", 4, i32, s.hostEntityRemove},
		{"data_source_create", 2, i32, s.hostDataSourceCreate},
		{"log", 3, nil, s.hostLog},
		{"abort", 2, nil, s.hostAbort},
	}

	for _, d := range defs {
		ty := wasmtime.NewFuncType(i32s(d.params), d.result)
		if err := linker.FuncNew(hostModule, d.name, ty, d.fn); err != nil {
			return fmt.Errorf("failed to define %s.%s: %w", hostModule, d.name, err)
		}
	}

	return nil
}

// fail records a host error and traps the guest.
func (s *Sandbox) fail(err error) ([]wasmtime.Val, *wasmtime.Trap) {
	if s.call != nil && s.call.hostErr == nil {
		s.call.hostErr = err
	}
	return nil, wasmtime.NewTrap(err.Error())
}

func (s *Sandbox) active() (*callState, *wasmtime.Trap) {
	if s.call == nil {
		return nil, wasmtime.NewTrap("host function called outside of a handler")
	}
	return s.call, nil
}

func (s *Sandbox) readString(caller *wasmtime.Caller, ptr, length wasmtime.Val) (string, bool) {
	b, ok := s.read(caller, ptr.I32(), length.I32())
	return string(b), ok
}

// returnBytes writes data into guest memory and returns it packed as ptr<<32|len.
func (s *Sandbox) returnBytes(caller *wasmtime.Caller, data []byte) ([]wasmtime.Val, *wasmtime.Trap) {
	ptr, err := s.write(caller, data)
	if err != nil {
		return nil, wasmtime.NewTrap(fmt.Sprintf("failed to return data to guest: %v", err))
	}

	packed := int64(uint64(uint32(ptr))<<32 | uint64(uint32(len(data))))
	return []wasmtime.Val{wasmtime.ValI64(packed)}, nil
}

func (s *Sandbox) hostEntityGet(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	call, trap := s.active()
	if trap != nil {
		return nil, trap
	}

	entityType, ok1 := s.readString(caller, args[0], args[1])
	id, ok2 := s.readString(caller, args[2], args[3])
	if !ok1 || !ok2 {
		return s.fail(errors.New("entity_get: argument out of bounds"))
	}

	entity, err := call.host.Get(call.ctx, entityType, id)
	if err != nil {
		return s.fail(err)
	}
	if entity == nil {
		return []wasmtime.Val{wasmtime.ValI64(0)}, nil
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return s.fail(fmt.Errorf("entity_get: %w", err))
	}

	return s.returnBytes(caller, data)
}

func (s *Sandbox) hostEntityQuery(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	call, trap := s.active()
	if trap != nil {
		return nil, trap
	}

	raw, ok := s.read(caller, args[0].I32(), args[1].I32())
	if !ok {
		return s.fail(errors.New("entity_query: argument out of bounds"))
	}

	var q store.Query
	if err := json.Unmarshal(raw, &q); err != nil {
		return s.fail(fmt.Errorf("entity_query: invalid query: %w", err))
	}

	entities, err := call.host.Query(call.ctx, q)
	if err != nil {
		return s.fail(err)
	}
	if entities == nil {
		entities = []store.Entity{}
	}

	data, err := json.Marshal(entities)
	if err != nil {
		return s.fail(fmt.Errorf("entity_query: %w", err))
	}

	return s.returnBytes(caller, data)
}

func (s *Sandbox) hostEntitySave(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	call, trap := s.active()
	if trap != nil {
		return nil, trap
	}

	raw, ok := s.read(caller, args[0].I32(), args[1].I32())
	if !ok {
		return s.fail(errors.New("entity_save: argument out of bounds"))
	}

	var entity store.Entity
	if err := json.Unmarshal(raw, &entity); err != nil {
		return s.fail(fmt.Errorf("entity_save: invalid entity: %w", err))
	}
	if err := call.host.Save(call.ctx, entity); err != nil {
		return s.fail(err)
	}

	return []wasmtime.Val{wasmtime.ValI32(0)}, nil
}

func (s *Sandbox) hostEntityRemove(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	call, trap := s.active()
	if trap != nil {
		return nil, trap
	}

	entityType, ok1 := s.readString(caller, args[0], args[1])
	id, ok2 := s.readString(caller, args[2], args[3])
	if !ok1 || !ok2 {
		return s.fail(errors.New("entity_remove: argument out of bounds"))
	}
	if err := call.host.Remove(call.ctx, entityType, id); err != nil {
		return s.fail(err)
	}

	return []wasmtime.Val{wasmtime.ValI32(0)}, nil
}

func (s *Sandbox) hostDataSourceCreate(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	call, trap := s.active()
	if trap != nil {
		return nil, trap
	}

	raw, ok := s.read(caller, args[0].I32(), args[1].I32())
	if !ok {
		return s.fail(errors.New("data_source_create: argument out of bounds"))
	}

	var req handler.DataSourceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return s.fail(fmt.Errorf("data_source_create: invalid request: %w", err))
	}
	if err := call.host.CreateDataSource(call.ctx, req); err != nil {
		return s.fail(err)
	}

	return []wasmtime.Val{wasmtime.ValI32(0)}, nil
}

func (s *Sandbox) hostLog(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	msg, ok := s.readString(caller, args[1], args[2])
	if !ok {
		return nil, nil
	}

	switch args[0].I32() {
	case guestLogDebug:
		s.log.Debugw(msg, "source", "guest")
	case guestLogWarn:
		s.log.Warnw(msg, "source", "guest")
	case guestLogError:
		s.log.Errorw(msg, "source", "guest")
	default:
		s.log.Infow(msg, "source", "guest")
	}

	return nil, nil
}

func (s *Sandbox) hostAbort(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	msg, ok := s.readString(caller, args[0], args[1])
	if !ok {
		msg = "abort called with an out of bounds message"
	}
	if s.call != nil {
		s.call.aborted = msg
	}

	return nil, wasmtime.NewTrap("abort: " + msg)
}
