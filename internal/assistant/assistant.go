// Package assistant is the application-facing facade over the inference
// engine and the training corpus. It degrades gracefully: engine failures
// turn into canned replies, never into errors for the end user.
package assistant

import (
	"context"
	"errors"

	"neuropal/internal/corpus"
	"neuropal/internal/engine"
	"neuropal/internal/logging"
	"neuropal/internal/supply"
)

// Status is the summary handed to the UI driver for display.
type Status struct {
	EngineState string                  `json:"engine_state"`
	Model       *engine.ModelDescriptor `json:"model,omitempty"`
	Memory      engine.MemoryUsage      `json:"memory"`
	Corpus      corpus.Stats            `json:"corpus"`
}

// Assistant wires one engine, one recorder and one corpus store. Instances
// are explicit owned objects, not process-wide globals, so tests can run
// several side by side.
type Assistant struct {
	engine   *engine.Engine
	recorder *corpus.Recorder
	store    *corpus.Store
	opts     engine.Options
}

// New creates an assistant over the given engine and corpus store.
func New(eng *engine.Engine, store *corpus.Store, opts engine.Options) *Assistant {
	return &Assistant{
		engine:   eng,
		recorder: corpus.NewRecorder(store),
		store:    store,
		opts:     opts,
	}
}

// Chat answers one user message. With a loaded model the reply comes from
// the engine; otherwise, or on any engine failure, a deterministic canned
// fallback is returned instead. The exchange is always recorded.
func (a *Assistant) Chat(ctx context.Context, userText string) string {
	reply := ""

	if a.engine.State() == engine.StateModelLoaded {
		text, err := a.engine.Generate(ctx, userText, a.opts)
		switch {
		case err == nil:
			reply = text
		case errors.Is(err, engine.ErrEngineBusy):
			logging.Assistant("Engine busy, falling back to canned reply")
		default:
			logging.Get(logging.CategoryAssistant).Error("Generation failed, using fallback: %v", err)
		}
	}
	if reply == "" {
		reply = fallbackReply(userText)
	}

	a.recorder.RecordConversation(userText, reply, "")
	return reply
}

// CompleteSession records the outcome of one finished interactive session.
func (a *Assistant) CompleteSession(kind string, perf corpus.Performance, decisions []string, outcome string) corpus.SessionRecord {
	return a.recorder.RecordSession(kind, perf, decisions, outcome)
}

// TrainFromCorpus assembles the weighted batch and runs training. An empty
// corpus is not an error; training is simply skipped and 0 is returned.
func (a *Assistant) TrainFromCorpus(ctx context.Context, epochs uint32) (int, error) {
	batch := a.store.PrepareTrainingBatch()
	if len(batch) == 0 {
		logging.Assistant("Training skipped: corpus is empty")
		return 0, nil
	}

	if err := a.engine.Train(ctx, batch, epochs); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// LoadModel fetches the named blob from the supplier and loads it. Supplier
// failures are non-fatal: the error is reported but the assistant keeps
// answering in fallback mode.
func (a *Assistant) LoadModel(ctx context.Context, supplier supply.Supplier, name string) error {
	blob, err := supplier.FetchModelBlob(ctx, name)
	if err != nil {
		logging.Get(logging.CategoryAssistant).Error("Model fetch failed, staying in fallback mode: %v", err)
		return err
	}
	return a.engine.LoadModel(ctx, name, blob)
}

// Status reports the engine and corpus state for display.
func (a *Assistant) Status(ctx context.Context) Status {
	return Status{
		EngineState: a.engine.State().String(),
		Model:       a.engine.CurrentModel(),
		Memory:      a.engine.GetMemoryUsage(ctx),
		Corpus:      a.store.GetStats(),
	}
}

// Store exposes the corpus store for snapshot operations.
func (a *Assistant) Store() *corpus.Store {
	return a.store
}

// Engine exposes the underlying engine for lifecycle operations.
func (a *Assistant) Engine() *engine.Engine {
	return a.engine
}
