// Package runtime owns the foreign model-runtime instance and its linear
// memory. All traffic across the memory boundary goes through a Handle,
// which reifies the alloc/write/call/read/free dance as scoped acquisitions
// so call sites cannot leak foreign memory on any exit path.
//
// Guest ABI (exports the model runtime must provide):
//
//	alloc(size: u32) -> u32            allocate from the guest heap, 0 on OOM
//	free(ptr: u32)                     release a prior alloc
//	load_model(ptr, len: u32) -> u32   0 on success, nonzero status otherwise
//	generate(ptr, len, max_tokens: u32, temperature, top_p: f32) -> u32
//	                                   pointer to a NUL-terminated UTF-8 reply,
//	                                   0 on failure
//	train(ptr, len, epochs: u32) -> u32  0 on success, nonzero status otherwise
//	export_weights() -> u64            (ptr << 32) | len of the weight blob,
//	                                   0 on failure
//	memory_used() -> u32               optional, bytes in use
package runtime

import (
	"context"
	"errors"
)

// Well-known guest export names.
const (
	ExportAlloc      = "alloc"
	ExportFree       = "free"
	ExportLoadModel  = "load_model"
	ExportGenerate   = "generate"
	ExportTrain      = "train"
	ExportWeights    = "export_weights"
	ExportMemoryUsed = "memory_used"
)

var (
	// ErrOutOfMemory is returned when a guest allocation fails or a
	// read/write would cross the end of the linear memory arena.
	ErrOutOfMemory = errors.New("foreign runtime out of memory")

	// ErrUnsupportedOperation is returned when a call names an export the
	// runtime does not provide.
	ErrUnsupportedOperation = errors.New("unsupported runtime operation")
)

// ModuleRuntime abstracts one instantiated foreign module. Implementations
// are not safe for concurrent use; callers serialize access (the engine
// enforces this).
type ModuleRuntime interface {
	// Call invokes a named export. Arguments and the result use the raw
	// 64-bit encoding of the foreign call convention.
	Call(ctx context.Context, export string, args ...uint64) (uint64, error)

	// ReadBytes copies length bytes out of linear memory at offset.
	ReadBytes(offset, length uint32) ([]byte, error)

	// WriteBytes copies data into linear memory at offset.
	WriteBytes(offset uint32, data []byte) error

	// MemorySize reports the current linear memory size in bytes.
	MemorySize() uint32

	// Close releases the instance and its memory.
	Close(ctx context.Context) error
}
