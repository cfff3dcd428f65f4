package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInitializationFailed means the foreign runtime could not be
	// instantiated; the engine stays Uninitialized.
	ErrInitializationFailed = errors.New("engine initialization failed")

	// ErrEngineNotReady is returned when an operation is illegal in the
	// engine's current state.
	ErrEngineNotReady = errors.New("engine not ready")

	// ErrEngineBusy is returned when another foreign operation is already
	// in flight. The engine fails fast rather than queueing.
	ErrEngineBusy = errors.New("engine busy")

	// ErrGenerationFailed means the runtime returned a null result pointer.
	ErrGenerationFailed = errors.New("generation failed")
)

// ModelLoadError carries the nonzero status the runtime reported while
// loading a model blob. The engine stays in its previous state.
type ModelLoadError struct {
	Code uint64
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("model load failed: runtime status %d", e.Code)
}

// TrainingError carries the nonzero status the runtime reported during
// training. Training is not transactional: the model's weights are in an
// engine-defined state after a failure.
type TrainingError struct {
	Code uint64
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training failed: runtime status %d", e.Code)
}
