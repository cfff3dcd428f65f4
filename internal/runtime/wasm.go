package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"neuropal/internal/logging"
)

// WasmModule is the wazero-backed ModuleRuntime. One instance wraps one
// instantiated WASM module with its own linear memory.
type WasmModule struct {
	runtime wazero.Runtime
	module  api.Module
}

// Instantiate compiles and instantiates a WASM model runtime from its binary.
// WASI is wired in because model runtimes built from C/Rust toolchains expect
// it for clocks and randomness.
func Instantiate(ctx context.Context, wasmBytes []byte) (*WasmModule, error) {
	timer := logging.StartTimer(logging.CategoryRuntime, "Instantiate")
	defer timer.Stop()

	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	mod, err := r.Instantiate(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate wasm module: %w", err)
	}
	if mod.Memory() == nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm module exports no linear memory")
	}

	logging.Runtime("Instantiated wasm module: %d bytes of code, %d bytes of memory",
		len(wasmBytes), mod.Memory().Size())
	return &WasmModule{runtime: r, module: mod}, nil
}

// Call invokes a named export, mapping a missing export to
// ErrUnsupportedOperation. A call with no results returns 0.
func (w *WasmModule) Call(ctx context.Context, export string, args ...uint64) (uint64, error) {
	fn := w.module.ExportedFunction(export)
	if fn == nil {
		logging.Get(logging.CategoryRuntime).Error("Export not found: %s", export)
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedOperation, export)
	}

	results, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("foreign call %s failed: %w", export, err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

// ReadBytes copies out of linear memory, refusing reads past the arena end.
func (w *WasmModule) ReadBytes(offset, length uint32) ([]byte, error) {
	data, ok := w.module.Memory().Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("%w: read %d bytes at offset %d", ErrOutOfMemory, length, offset)
	}
	// Memory.Read returns a view into the arena; copy so callers cannot
	// observe later guest writes.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WriteBytes copies into linear memory, refusing writes past the arena end
// rather than corrupting adjacent allocations.
func (w *WasmModule) WriteBytes(offset uint32, data []byte) error {
	if !w.module.Memory().Write(offset, data) {
		return fmt.Errorf("%w: write %d bytes at offset %d", ErrOutOfMemory, len(data), offset)
	}
	return nil
}

// MemorySize reports the linear memory size in bytes.
func (w *WasmModule) MemorySize() uint32 {
	return w.module.Memory().Size()
}

// Close tears down the module and the embedding runtime.
func (w *WasmModule) Close(ctx context.Context) error {
	logging.Runtime("Closing wasm module")
	return w.runtime.Close(ctx)
}
