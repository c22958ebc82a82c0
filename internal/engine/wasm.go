package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Exports a WASM inference module must provide. engine_infer takes a JSON
// InferenceRequest at (ptr, len) and returns the response location packed
// as ptr<<32 | len. engine_free is optional.
const (
	wasmAlloc = "engine_alloc"
	wasmInfer = "engine_infer"
	wasmFree  = "engine_free"
)

type wasmTransport struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	module   api.Module
	alloc    api.Function
	infer    api.Function
	free     api.Function
	mu       sync.Mutex
}

// NewWasmEngine compiles and instantiates the inference module at path.
func NewWasmEngine(ctx context.Context, path string, log *slog.Logger) (Engine, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}

	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, log); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	moduleConfig := wazero.NewModuleConfig().
		WithName("inference").
		WithStartFunctions("_initialize").
		WithStderr(&logWriter{log: log})
	module, err := rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	t := &wasmTransport{
		rt:       rt,
		compiled: compiled,
		module:   module,
		alloc:    module.ExportedFunction(wasmAlloc),
		infer:    module.ExportedFunction(wasmInfer),
		free:     module.ExportedFunction(wasmFree),
	}
	if t.alloc == nil || t.infer == nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("module must export %s and %s", wasmAlloc, wasmInfer)
	}
	if module.Memory() == nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("module exports no memory")
	}
	log.Info("wasm inference module loaded", slog.String("path", path))
	return &wireEngine{t: t}, nil
}

func (w *wasmTransport) roundTrip(ctx context.Context, req protocol.InferenceRequest) (protocol.InferenceResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.InferenceResponse{}, fmt.Errorf("encode %s request: %w", req.Op, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	res, err := w.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return protocol.InferenceResponse{}, fmt.Errorf("%s: allocate request: %w", req.Op, err)
	}
	ptr := api.DecodeU32(res[0])
	mem := w.module.Memory()
	if !mem.Write(ptr, data) {
		return protocol.InferenceResponse{}, fmt.Errorf("%s: request of %d bytes out of module memory", req.Op, len(data))
	}
	defer w.release(ctx, ptr, uint32(len(data)))

	res, err = w.infer.Call(ctx, uint64(ptr), uint64(len(data)))
	if err != nil {
		return protocol.InferenceResponse{}, fmt.Errorf("%s: infer: %w", req.Op, err)
	}
	outPtr := uint32(res[0] >> 32)
	outLen := uint32(res[0])
	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return protocol.InferenceResponse{}, fmt.Errorf("%s: response (ptr=%d len=%d) out of module memory", req.Op, outPtr, outLen)
	}
	var resp protocol.InferenceResponse
	// Unmarshal copies out of the view before the buffer is released.
	err = json.Unmarshal(out, &resp)
	w.release(ctx, outPtr, outLen)
	if err != nil {
		return protocol.InferenceResponse{}, fmt.Errorf("decode %s response: %w", req.Op, err)
	}
	return resp, nil
}

func (w *wasmTransport) release(ctx context.Context, ptr, length uint32) {
	if w.free == nil || length == 0 {
		return
	}
	_, _ = w.free.Call(ctx, uint64(ptr), uint64(length))
}

func (w *wasmTransport) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx := context.Background()
	if err := w.module.Close(ctx); err != nil {
		return err
	}
	if err := w.compiled.Close(ctx); err != nil {
		return err
	}
	return w.rt.Close(ctx)
}

// instantiateHostModule exposes env.host_log to the inference module.
func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	builder := rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			logger.Warn("host_log: module has no memory", slog.Uint64("ptr", uint64(ptr)))
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		logger.Info("inference module log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	_, err := builder.Instantiate(ctx)
	return err
}
