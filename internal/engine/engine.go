// Package engine hosts the embedded inference engine: a state machine over
// one foreign model runtime, mediating every generate/train/save call across
// the memory boundary.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/semaphore"

	"neuropal/internal/corpus"
	"neuropal/internal/logging"
	rt "neuropal/internal/runtime"
)

// State is the engine lifecycle state. It only ever advances
// Uninitialized -> Ready -> ModelLoaded; there is no unload operation.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateModelLoaded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateModelLoaded:
		return "model_loaded"
	default:
		return "unknown"
	}
}

// ModelDescriptor describes the currently loaded model. Loading a new model
// replaces the engine's current pointer; previously returned descriptors
// stay valid.
type ModelDescriptor struct {
	Name      string `json:"name"`
	SizeBytes int    `json:"size_bytes"`
	Loaded    bool   `json:"loaded"`
}

// Options tunes a single generation call. Zero-valued fields fall back to
// the defaults.
type Options struct {
	MaxTokens   uint32
	Temperature float32
	TopP        float32
}

// Generation defaults.
const (
	DefaultMaxTokens   uint32  = 500
	DefaultTemperature float32 = 0.7
	DefaultTopP        float32 = 0.9
)

func (o Options) withDefaults() Options {
	if o.MaxTokens == 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultTemperature
	}
	if o.TopP == 0 {
		o.TopP = DefaultTopP
	}
	return o
}

// MemoryUsage summarizes the foreign arena occupancy for status displays.
type MemoryUsage struct {
	UsedMiB  float64 `json:"used_mib"`
	TotalMiB float64 `json:"total_mib"`
	Percent  float64 `json:"percent"`
}

// Persister is the persistence collaborator keyed blob sink used by
// SaveModel. Snapshot storage shares the same contract.
type Persister interface {
	Put(ctx context.Context, key string, data []byte) error
}

// RuntimeFactory instantiates the foreign model runtime. Injected so tests
// can substitute a fake for the wazero-backed implementation.
type RuntimeFactory func(ctx context.Context) (rt.ModuleRuntime, error)

// Engine owns exactly one foreign runtime handle and serializes every
// foreign operation over it. loadModel/generate/train/saveModel share the
// one linear memory arena, so at most one may be outstanding; a second
// caller fails fast with ErrEngineBusy instead of interleaving.
type Engine struct {
	factory RuntimeFactory
	persist Persister

	// sem serializes foreign operations; mu guards the state fields.
	sem *semaphore.Weighted

	mu      sync.RWMutex
	state   State
	handle  *rt.Handle
	current *ModelDescriptor
}

// New creates an engine in the Uninitialized state.
func New(factory RuntimeFactory, persist Persister) *Engine {
	return &Engine{
		factory: factory,
		persist: persist,
		sem:     semaphore.NewWeighted(1),
		state:   StateUninitialized,
	}
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// CurrentModel returns the descriptor of the loaded model, or nil.
func (e *Engine) CurrentModel() *ModelDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// acquire claims the foreign-operation slot or fails fast.
func (e *Engine) acquire() error {
	if !e.sem.TryAcquire(1) {
		return ErrEngineBusy
	}
	return nil
}

// Initialize instantiates the foreign runtime and advances the engine to
// Ready. On failure the engine stays Uninitialized. Calling Initialize on a
// Ready or ModelLoaded engine is a no-op.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.sem.Release(1)

	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state != StateUninitialized {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryEngine, "Initialize")
	defer timer.Stop()

	mod, err := e.factory(ctx)
	if err != nil {
		logging.Get(logging.CategoryEngine).Error("Runtime instantiation failed: %v", err)
		return fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}

	e.mu.Lock()
	e.handle = rt.NewHandle(mod)
	e.state = StateReady
	e.mu.Unlock()

	logging.Engine("Engine initialized: state=%s", StateReady)
	return nil
}

// LoadModel hands a model blob to the runtime. Legal in Ready and
// ModelLoaded; reloading replaces the current descriptor. On a nonzero
// runtime status or transport failure the state is unchanged and the call
// fails with ModelLoadError.
func (e *Engine) LoadModel(ctx context.Context, name string, blob []byte) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.sem.Release(1)

	e.mu.RLock()
	state, handle := e.state, e.handle
	e.mu.RUnlock()
	if state == StateUninitialized {
		return ErrEngineNotReady
	}

	timer := logging.StartTimer(logging.CategoryEngine, "LoadModel")
	defer timer.Stop()
	logging.Engine("Loading model %q (%d bytes)", name, len(blob))

	var status uint64
	err := handle.WithBuffer(ctx, blob, func(offset uint32) error {
		var callErr error
		status, callErr = handle.Call(ctx, rt.ExportLoadModel, uint64(offset), uint64(len(blob)))
		return callErr
	})
	if err != nil {
		return fmt.Errorf("failed to load model %q: %w", name, err)
	}
	if status != 0 {
		logging.Get(logging.CategoryEngine).Error("Model load rejected: status=%d", status)
		return &ModelLoadError{Code: status}
	}

	e.mu.Lock()
	e.current = &ModelDescriptor{Name: name, SizeBytes: len(blob), Loaded: true}
	e.state = StateModelLoaded
	e.mu.Unlock()

	logging.Engine("Model %q loaded, state=%s", name, StateModelLoaded)
	return nil
}

// Generate writes the prompt into foreign memory, invokes the generation
// export and reads back the NUL-terminated UTF-8 reply. Both the prompt and
// the result buffer are freed on every exit path. A null result pointer is
// ErrGenerationFailed, not an empty string.
func (e *Engine) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if err := e.acquire(); err != nil {
		return "", err
	}
	defer e.sem.Release(1)

	e.mu.RLock()
	state, handle := e.state, e.handle
	e.mu.RUnlock()
	if state != StateModelLoaded {
		return "", ErrEngineNotReady
	}

	opts = opts.withDefaults()
	timer := logging.StartTimer(logging.CategoryEngine, "Generate")
	defer timer.Stop()
	logging.EngineDebug("Generate: prompt=%d bytes, max_tokens=%d, temperature=%.2f, top_p=%.2f",
		len(prompt), opts.MaxTokens, opts.Temperature, opts.TopP)

	var text string
	err := handle.WithBuffer(ctx, []byte(prompt), func(offset uint32) error {
		resultPtr, callErr := handle.Call(ctx, rt.ExportGenerate,
			uint64(offset),
			uint64(len(prompt)),
			uint64(opts.MaxTokens),
			uint64(math.Float32bits(opts.Temperature)),
			uint64(math.Float32bits(opts.TopP)),
		)
		if callErr != nil {
			return callErr
		}
		if resultPtr == 0 {
			return ErrGenerationFailed
		}
		defer handle.Free(ctx, uint32(resultPtr))

		text, callErr = handle.ReadCString(uint32(resultPtr))
		return callErr
	})
	if err != nil {
		return "", err
	}

	logging.EngineDebug("Generate produced %d bytes", len(text))
	return text, nil
}

// Train serializes the batch and hands it to the runtime's training export.
// Callers must not invoke Train with an empty batch; assemble the batch via
// the corpus store and check emptiness first. Training is not transactional:
// after a TrainingError the model's weights are in an engine-defined state.
func (e *Engine) Train(ctx context.Context, batch []corpus.TrainingExample, epochs uint32) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.sem.Release(1)

	e.mu.RLock()
	state, handle := e.state, e.handle
	e.mu.RUnlock()
	if state != StateModelLoaded {
		return ErrEngineNotReady
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to serialize training batch: %w", err)
	}

	timer := logging.StartTimer(logging.CategoryEngine, "Train")
	defer timer.Stop()
	logging.Engine("Training on %d examples for %d epochs (%d bytes)", len(batch), epochs, len(payload))

	var status uint64
	err = handle.WithBuffer(ctx, payload, func(offset uint32) error {
		var callErr error
		status, callErr = handle.Call(ctx, rt.ExportTrain,
			uint64(offset), uint64(len(payload)), uint64(epochs))
		return callErr
	})
	if err != nil {
		return fmt.Errorf("failed to train: %w", err)
	}
	if status != 0 {
		logging.Get(logging.CategoryEngine).Error("Training rejected: status=%d", status)
		return &TrainingError{Code: status}
	}

	logging.Engine("Training completed: %d examples", len(batch))
	return nil
}

// SaveModel exports the runtime's current weight blob and hands it to the
// persistence collaborator keyed by name.
func (e *Engine) SaveModel(ctx context.Context, name string) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.sem.Release(1)

	e.mu.RLock()
	state, handle := e.state, e.handle
	e.mu.RUnlock()
	if state != StateModelLoaded {
		return ErrEngineNotReady
	}

	timer := logging.StartTimer(logging.CategoryEngine, "SaveModel")
	defer timer.Stop()

	packed, err := handle.Call(ctx, rt.ExportWeights)
	if err != nil {
		return fmt.Errorf("failed to export weights: %w", err)
	}
	if packed == 0 {
		return fmt.Errorf("failed to export weights: runtime returned null blob")
	}

	offset := uint32(packed >> 32)
	length := uint32(packed)
	defer handle.Free(ctx, offset)

	blob, err := handle.ReadBytes(offset, length)
	if err != nil {
		return fmt.Errorf("failed to read weight blob: %w", err)
	}

	if err := e.persist.Put(ctx, "model:"+name, blob); err != nil {
		return fmt.Errorf("failed to persist model %q: %w", name, err)
	}

	logging.Engine("Saved model %q (%d bytes)", name, len(blob))
	return nil
}

// GetMemoryUsage reports foreign arena occupancy. Always legal; an
// Uninitialized engine reports zero usage. If the runtime does not export a
// usage counter the arena is assumed fully used, since wasm linear memory
// never shrinks.
func (e *Engine) GetMemoryUsage(ctx context.Context) MemoryUsage {
	e.mu.RLock()
	state, handle := e.state, e.handle
	e.mu.RUnlock()
	if state == StateUninitialized {
		return MemoryUsage{}
	}

	total := float64(handle.MemorySize()) / (1024 * 1024)
	used := total

	if e.sem.TryAcquire(1) {
		if raw, err := handle.Call(ctx, rt.ExportMemoryUsed); err == nil {
			used = float64(raw) / (1024 * 1024)
		}
		e.sem.Release(1)
	}

	usage := MemoryUsage{UsedMiB: used, TotalMiB: total}
	if total > 0 {
		usage.Percent = used / total * 100
	}
	return usage
}

// Close tears down the foreign runtime, waiting for any in-flight foreign
// operation to finish first. The engine is unusable afterwards.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to close engine: %w", err)
	}
	defer e.sem.Release(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil {
		return nil
	}
	err := e.handle.Close(ctx)
	e.handle = nil
	return err
}
