package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v3"
	"github.com/rs/zerolog/log"
)

const (
	wasmFuel      = 10_000_000
	wasmOutputMax = 8192
)

// WASMLoader compiles policy modules against a shared engine.
type WASMLoader struct {
	engine *wasmtime.Engine
}

func NewWASMLoader() *WASMLoader {
	config := wasmtime.NewConfig()
	config.SetWasmMultiMemory(true)
	config.SetWasmThreads(false)
	config.SetConsumeFuel(true)

	return &WASMLoader{engine: wasmtime.NewEngineWithConfig(config)}
}

func (l *WASMLoader) LoadFile(path string) (*WASMEvaluator, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return l.Load(path, wasmBytes)
}

// Load compiles and instantiates a module. name is only used in logs.
func (l *WASMLoader) Load(name string, wasmBytes []byte) (*WASMEvaluator, error) {
	module, err := wasmtime.NewModule(l.engine, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	return NewWASMEvaluator(l.engine, module, name)
}

// WASMEvaluator runs a module exporting memory, allocate(size) and
// evaluate(in, inLen, out, outMax) -> status. The module reads the policy
// document as JSON and writes a NUL-terminated {"allow": bool, ...} object.
type WASMEvaluator struct {
	name string

	mu       sync.Mutex
	store    *wasmtime.Store
	instance *wasmtime.Instance
	memory   *wasmtime.Memory
	evaluate *wasmtime.Func
	allocate *wasmtime.Func
}

func NewWASMEvaluator(engine *wasmtime.Engine, module *wasmtime.Module, name string) (*WASMEvaluator, error) {
	store := wasmtime.NewStore(engine)
	linker := wasmtime.NewLinker(engine)

	eval := &WASMEvaluator{name: name, store: store}

	if err := eval.defineHostFunctions(linker); err != nil {
		return nil, fmt.Errorf("define host functions: %w", err)
	}

	if err := eval.refuel(); err != nil {
		return nil, err
	}

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	eval.instance = instance

	if err := eval.bindExports(); err != nil {
		return nil, err
	}

	return eval, nil
}

type wasmOutput struct {
	Allow *bool `json:"allow"`
}

func (e *WASMEvaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	inputJSON, err := json.Marshal(newDocument(in))
	if err != nil {
		return Decision{}, fmt.Errorf("marshal input: %w", err)
	}

	outputJSON, err := e.call(inputJSON)
	if err != nil {
		return Decision{}, err
	}

	var out wasmOutput
	if err := json.Unmarshal(outputJSON, &out); err != nil {
		return Decision{}, fmt.Errorf("unmarshal output: %w", err)
	}
	if out.Allow == nil {
		return Decision{}, fmt.Errorf("output has no allow field")
	}

	return Decision{Allow: *out.Allow, Result: json.RawMessage(outputJSON)}, nil
}

func (e *WASMEvaluator) Close() error {
	return nil
}

func (e *WASMEvaluator) call(input []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.refuel(); err != nil {
		return nil, err
	}

	inputPtr, err := e.allocateMemory(len(input))
	if err != nil {
		return nil, fmt.Errorf("allocate input: %w", err)
	}

	if err := e.writeMemory(inputPtr, input); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	outputPtr, err := e.allocateMemory(wasmOutputMax)
	if err != nil {
		return nil, fmt.Errorf("allocate output: %w", err)
	}

	result, err := e.evaluate.Call(e.store, inputPtr, int32(len(input)), outputPtr, int32(wasmOutputMax))
	if err != nil {
		return nil, fmt.Errorf("call evaluate: %w", err)
	}

	if code, _ := result.(int32); code != 0 {
		return nil, fmt.Errorf("evaluation failed with code %d", code)
	}

	return e.readMemory(outputPtr, wasmOutputMax)
}

// refuel tops the store back up to the per-call budget.
func (e *WASMEvaluator) refuel() error {
	remaining, err := e.store.ConsumeFuel(0)
	if err != nil {
		return fmt.Errorf("read fuel: %w", err)
	}
	if remaining < wasmFuel {
		if err := e.store.AddFuel(wasmFuel - remaining); err != nil {
			return fmt.Errorf("add fuel: %w", err)
		}
	}
	return nil
}

func (e *WASMEvaluator) defineHostFunctions(linker *wasmtime.Linker) error {
	// log(ptr: i32, len: i32)
	logType := wasmtime.NewFuncType(
		[]*wasmtime.ValType{
			wasmtime.NewValType(wasmtime.KindI32),
			wasmtime.NewValType(wasmtime.KindI32),
		},
		[]*wasmtime.ValType{},
	)

	if err := linker.FuncNew("env", "log", logType, e.hostLog); err != nil {
		return err
	}

	// get_env(key_ptr: i32, key_len: i32, out_ptr: i32, out_max_len: i32) -> i32
	getEnvType := wasmtime.NewFuncType(
		[]*wasmtime.ValType{
			wasmtime.NewValType(wasmtime.KindI32),
			wasmtime.NewValType(wasmtime.KindI32),
			wasmtime.NewValType(wasmtime.KindI32),
			wasmtime.NewValType(wasmtime.KindI32),
		},
		[]*wasmtime.ValType{
			wasmtime.NewValType(wasmtime.KindI32),
		},
	)

	return linker.FuncNew("env", "get_env", getEnvType, e.hostGetEnv)
}

func (e *WASMEvaluator) bindExports() error {
	memExport := e.instance.GetExport(e.store, "memory")
	if memExport == nil || memExport.Memory() == nil {
		return fmt.Errorf("memory export not found")
	}
	e.memory = memExport.Memory()

	evalExport := e.instance.GetExport(e.store, "evaluate")
	if evalExport == nil || evalExport.Func() == nil {
		return fmt.Errorf("evaluate export not found")
	}
	e.evaluate = evalExport.Func()

	allocExport := e.instance.GetExport(e.store, "allocate")
	if allocExport == nil || allocExport.Func() == nil {
		return fmt.Errorf("allocate export not found")
	}
	e.allocate = allocExport.Func()

	return nil
}

func (e *WASMEvaluator) allocateMemory(size int) (int32, error) {
	result, err := e.allocate.Call(e.store, int32(size))
	if err != nil {
		return 0, err
	}

	ptr, ok := result.(int32)
	if !ok {
		return 0, fmt.Errorf("allocate returned %T", result)
	}
	return ptr, nil
}

func (e *WASMEvaluator) writeMemory(ptr int32, data []byte) error {
	mem := e.memory.UnsafeData(e.store)
	if ptr < 0 || int(ptr)+len(data) > len(mem) {
		return fmt.Errorf("write of %d bytes at %d is out of bounds", len(data), ptr)
	}
	copy(mem[ptr:], data)
	return nil
}

// readMemory copies the NUL-terminated output out of guest memory.
func (e *WASMEvaluator) readMemory(ptr int32, maxLen int) ([]byte, error) {
	mem := e.memory.UnsafeData(e.store)
	if ptr < 0 || int(ptr) >= len(mem) {
		return nil, fmt.Errorf("read at %d is out of bounds", ptr)
	}

	end := int(ptr)
	limit := min(int(ptr)+maxLen, len(mem))
	for end < limit && mem[end] != 0 {
		end++
	}

	out := make([]byte, end-int(ptr))
	copy(out, mem[ptr:end])
	return out, nil
}

func (e *WASMEvaluator) hostLog(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	msgPtr := args[0].I32()
	msgLen := args[1].I32()

	mem := caller.GetExport("memory").Memory().UnsafeData(caller)
	if msgPtr < 0 || msgLen < 0 || int(msgPtr)+int(msgLen) > len(mem) {
		return []wasmtime.Val{}, nil
	}

	log.Debug().Str("policy", e.name).Str("message", string(mem[msgPtr:msgPtr+msgLen])).Msg("wasm policy log")

	return []wasmtime.Val{}, nil
}

func (e *WASMEvaluator) hostGetEnv(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	keyPtr := args[0].I32()
	keyLen := args[1].I32()
	outPtr := args[2].I32()
	outMaxLen := args[3].I32()

	mem := caller.GetExport("memory").Memory().UnsafeData(caller)
	if keyPtr < 0 || keyLen < 0 || int(keyPtr)+int(keyLen) > len(mem) {
		return []wasmtime.Val{wasmtime.ValI32(-1)}, nil
	}
	key := string(mem[keyPtr : keyPtr+keyLen])

	value := os.Getenv(key)
	if value == "" {
		return []wasmtime.Val{wasmtime.ValI32(-1)}, nil
	}

	valueBytes := []byte(value)
	if len(valueBytes) > int(outMaxLen) || outPtr < 0 || int(outPtr)+len(valueBytes) > len(mem) {
		return []wasmtime.Val{wasmtime.ValI32(-1)}, nil
	}

	copy(mem[outPtr:], valueBytes)
	return []wasmtime.Val{wasmtime.ValI32(int32(len(valueBytes)))}, nil
}
