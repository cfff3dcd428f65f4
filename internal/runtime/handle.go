package runtime

import (
	"context"
	"fmt"

	"neuropal/internal/logging"
)

// readChunkSize is the step used when scanning for a NUL terminator.
const readChunkSize = 256

// Handle mediates every request across the memory boundary for one foreign
// runtime instance. Callers that need a guest buffer go through WithBuffer,
// which guarantees the paired free on success, on callback error and on
// foreign-call failure alike.
//
// A Handle is not safe for concurrent use: all its operations share the one
// linear memory arena. The engine serializes access.
type Handle struct {
	rt ModuleRuntime
}

// NewHandle wraps an instantiated module runtime.
func NewHandle(rt ModuleRuntime) *Handle {
	return &Handle{rt: rt}
}

// Allocate reserves size bytes on the guest heap. A zero pointer from the
// guest allocator means the arena is exhausted.
func (h *Handle) Allocate(ctx context.Context, size uint32) (uint32, error) {
	ptr, err := h.rt.Call(ctx, ExportAlloc, uint64(size))
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		logging.Get(logging.CategoryRuntime).Error("Guest allocator returned null for %d bytes", size)
		return 0, fmt.Errorf("%w: allocate %d bytes", ErrOutOfMemory, size)
	}
	logging.RuntimeDebug("Allocated %d bytes at offset %d", size, uint32(ptr))
	return uint32(ptr), nil
}

// Free releases a prior Allocate. Failures are logged, not propagated:
// there is nothing a caller can do about a failed free, and surfacing it
// would mask the original error on cleanup paths.
func (h *Handle) Free(ctx context.Context, offset uint32) {
	if _, err := h.rt.Call(ctx, ExportFree, uint64(offset)); err != nil {
		logging.Get(logging.CategoryRuntime).Error("Failed to free offset %d: %v", offset, err)
	}
}

// WriteBytes writes data at offset, bounds-checked against the arena.
func (h *Handle) WriteBytes(offset uint32, data []byte) error {
	if uint64(offset)+uint64(len(data)) > uint64(h.rt.MemorySize()) {
		return fmt.Errorf("%w: write %d bytes at offset %d exceeds arena of %d",
			ErrOutOfMemory, len(data), offset, h.rt.MemorySize())
	}
	return h.rt.WriteBytes(offset, data)
}

// Call invokes a named export on the underlying runtime.
func (h *Handle) Call(ctx context.Context, export string, args ...uint64) (uint64, error) {
	return h.rt.Call(ctx, export, args...)
}

// ReadCString reads a NUL-terminated UTF-8 string starting at offset.
func (h *Handle) ReadCString(offset uint32) (string, error) {
	var out []byte
	pos := offset
	size := h.rt.MemorySize()

	for pos < size {
		length := uint32(readChunkSize)
		if pos+length > size {
			length = size - pos
		}
		chunk, err := h.rt.ReadBytes(pos, length)
		if err != nil {
			return "", err
		}
		for i, b := range chunk {
			if b == 0 {
				return string(append(out, chunk[:i]...)), nil
			}
		}
		out = append(out, chunk...)
		pos += length
	}

	return "", fmt.Errorf("%w: unterminated string at offset %d", ErrOutOfMemory, offset)
}

// ReadBytes copies length bytes from linear memory at offset.
func (h *Handle) ReadBytes(offset, length uint32) ([]byte, error) {
	return h.rt.ReadBytes(offset, length)
}

// MemorySize reports the arena size in bytes.
func (h *Handle) MemorySize() uint32 {
	return h.rt.MemorySize()
}

// WithBuffer copies data into a freshly allocated guest buffer, runs fn with
// its offset, and frees the buffer on every exit path. This is the only way
// engine call sites move payloads across the boundary.
func (h *Handle) WithBuffer(ctx context.Context, data []byte, fn func(offset uint32) error) error {
	offset, err := h.Allocate(ctx, uint32(len(data)))
	if err != nil {
		return err
	}
	defer h.Free(ctx, offset)

	if err := h.WriteBytes(offset, data); err != nil {
		return err
	}
	return fn(offset)
}

// Close releases the underlying runtime instance.
func (h *Handle) Close(ctx context.Context) error {
	return h.rt.Close(ctx)
}
