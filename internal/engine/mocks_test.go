package engine

import (
	"context"
	"fmt"
	"sync"

	rt "neuropal/internal/runtime"
)

// fakeModel emulates the guest ABI of the foreign model runtime in-process:
// bump allocator, load/generate/train exports with scriptable statuses.
type fakeModel struct {
	mem       []byte
	next      uint32
	allocated map[uint32]uint32
	freed     int

	loadStatus   uint64
	trainStatus  uint64
	reply        string
	nullGenerate bool
	weights      []byte
	memoryUsed   uint64

	lastTrainPayload []byte
	lastEpochs       uint64

	// generateGate, when non-nil, blocks generate calls until closed.
	// generateEntered signals that a generate call is in flight.
	generateGate    chan struct{}
	generateEntered chan struct{}
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		mem:        make([]byte, 1<<20),
		next:       16,
		allocated:  make(map[uint32]uint32),
		reply:      "ok",
		weights:    []byte("weights"),
		memoryUsed: 1 << 18,
	}
}

func (f *fakeModel) alloc(size uint32) uint64 {
	if uint64(f.next)+uint64(size) > uint64(len(f.mem)) {
		return 0
	}
	ptr := f.next
	f.next += size
	f.allocated[ptr] = size
	return uint64(ptr)
}

func (f *fakeModel) place(data []byte) uint64 {
	ptr := f.alloc(uint32(len(data)))
	if ptr == 0 {
		return 0
	}
	copy(f.mem[ptr:], data)
	return ptr
}

func (f *fakeModel) Call(ctx context.Context, export string, args ...uint64) (uint64, error) {
	switch export {
	case rt.ExportAlloc:
		return f.alloc(uint32(args[0])), nil
	case rt.ExportFree:
		delete(f.allocated, uint32(args[0]))
		f.freed++
		return 0, nil
	case rt.ExportLoadModel:
		return f.loadStatus, nil
	case rt.ExportGenerate:
		if f.generateGate != nil {
			f.generateEntered <- struct{}{}
			<-f.generateGate
		}
		if f.nullGenerate {
			return 0, nil
		}
		return f.place(append([]byte(f.reply), 0)), nil
	case rt.ExportTrain:
		ptr, length := uint32(args[0]), uint32(args[1])
		f.lastTrainPayload = append([]byte(nil), f.mem[ptr:ptr+length]...)
		f.lastEpochs = args[2]
		return f.trainStatus, nil
	case rt.ExportWeights:
		ptr := f.place(f.weights)
		if ptr == 0 {
			return 0, nil
		}
		return ptr<<32 | uint64(len(f.weights)), nil
	case rt.ExportMemoryUsed:
		return f.memoryUsed, nil
	default:
		return 0, fmt.Errorf("%w: %s", rt.ErrUnsupportedOperation, export)
	}
}

func (f *fakeModel) ReadBytes(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(len(f.mem)) {
		return nil, rt.ErrOutOfMemory
	}
	out := make([]byte, length)
	copy(out, f.mem[offset:offset+length])
	return out, nil
}

func (f *fakeModel) WriteBytes(offset uint32, data []byte) error {
	if uint64(offset)+uint64(len(data)) > uint64(len(f.mem)) {
		return rt.ErrOutOfMemory
	}
	copy(f.mem[offset:], data)
	return nil
}

func (f *fakeModel) MemorySize() uint32 { return uint32(len(f.mem)) }

func (f *fakeModel) Close(ctx context.Context) error { return nil }

// fakePersister collects Put calls in memory.
type fakePersister struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakePersister() *fakePersister {
	return &fakePersister{blobs: make(map[string][]byte)}
}

func (p *fakePersister) Put(ctx context.Context, key string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blobs[key] = append([]byte(nil), data...)
	return nil
}

func factoryFor(f *fakeModel) RuntimeFactory {
	return func(ctx context.Context) (rt.ModuleRuntime, error) {
		return f, nil
	}
}
