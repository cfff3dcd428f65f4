package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"neuropal/internal/corpus"
	rt "neuropal/internal/runtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, fake *fakeModel) (*Engine, *fakePersister) {
	t.Helper()
	persister := newFakePersister()
	eng := New(factoryFor(fake), persister)
	return eng, persister
}

func TestStateAdvancesForwardOnly(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	eng, _ := newTestEngine(t, fake)

	require.Equal(t, StateUninitialized, eng.State())

	// Foreign operations are illegal before initialization.
	_, err := eng.Generate(ctx, "hi", Options{})
	assert.ErrorIs(t, err, ErrEngineNotReady)
	assert.ErrorIs(t, eng.LoadModel(ctx, "m", []byte("blob")), ErrEngineNotReady)
	assert.ErrorIs(t, eng.Train(ctx, []corpus.TrainingExample{{Input: "a"}}, 1), ErrEngineNotReady)

	require.NoError(t, eng.Initialize(ctx))
	require.Equal(t, StateReady, eng.State())

	// Generate is still illegal in Ready.
	_, err = eng.Generate(ctx, "hi", Options{})
	assert.ErrorIs(t, err, ErrEngineNotReady)

	require.NoError(t, eng.LoadModel(ctx, "m", []byte("blob")))
	require.Equal(t, StateModelLoaded, eng.State())

	// Initialize after the fact is a no-op, never a regression.
	require.NoError(t, eng.Initialize(ctx))
	assert.Equal(t, StateModelLoaded, eng.State())
}

func TestInitializeFailure(t *testing.T) {
	ctx := context.Background()
	eng := New(func(context.Context) (rt.ModuleRuntime, error) {
		return nil, errors.New("no wasm host")
	}, newFakePersister())

	err := eng.Initialize(ctx)
	assert.ErrorIs(t, err, ErrInitializationFailed)
	assert.Equal(t, StateUninitialized, eng.State())
}

func TestLoadModelRejectedKeepsState(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	fake.loadStatus = 3
	eng, _ := newTestEngine(t, fake)
	require.NoError(t, eng.Initialize(ctx))

	err := eng.LoadModel(ctx, "m", []byte("blob"))

	var loadErr *ModelLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, uint64(3), loadErr.Code)
	assert.Equal(t, StateReady, eng.State())
	assert.Nil(t, eng.CurrentModel())
}

func TestReloadReplacesDescriptor(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	eng, _ := newTestEngine(t, fake)
	require.NoError(t, eng.Initialize(ctx))

	require.NoError(t, eng.LoadModel(ctx, "first", []byte("aaaa")))
	first := eng.CurrentModel()
	require.NoError(t, eng.LoadModel(ctx, "second", []byte("bbbbbb")))

	current := eng.CurrentModel()
	assert.Equal(t, "second", current.Name)
	assert.Equal(t, 6, current.SizeBytes)
	assert.True(t, current.Loaded)

	// The previously returned descriptor is replaced, not invalidated.
	assert.Equal(t, "first", first.Name)
	assert.True(t, first.Loaded)
}

func TestGenerateRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	fake.reply = "Привет! Чем могу помочь?"
	eng, _ := newTestEngine(t, fake)
	require.NoError(t, eng.Initialize(ctx))
	require.NoError(t, eng.LoadModel(ctx, "m", []byte("blob")))

	text, err := eng.Generate(ctx, "Привет", Options{})
	require.NoError(t, err)
	assert.Equal(t, fake.reply, text)

	// Prompt and result buffers are both freed.
	assert.Empty(t, fake.allocated, "foreign allocations leaked")
}

func TestGenerateNullPointer(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	fake.nullGenerate = true
	eng, _ := newTestEngine(t, fake)
	require.NoError(t, eng.Initialize(ctx))
	require.NoError(t, eng.LoadModel(ctx, "m", []byte("blob")))

	_, err := eng.Generate(ctx, "prompt", Options{})
	assert.ErrorIs(t, err, ErrGenerationFailed)

	// The prompt buffer is freed even though generation failed.
	assert.Empty(t, fake.allocated, "foreign allocations leaked on failure path")
}

func TestTrainSerializesBatch(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	eng, _ := newTestEngine(t, fake)
	require.NoError(t, eng.Initialize(ctx))
	require.NoError(t, eng.LoadModel(ctx, "m", []byte("blob")))

	batch := []corpus.TrainingExample{
		{Input: "q1", Output: "a1", Weight: 1.8},
		{Input: "q2", Output: "a2", Weight: 0.7},
	}
	require.NoError(t, eng.Train(ctx, batch, 3))

	assert.Equal(t, uint64(3), fake.lastEpochs)

	var decoded []corpus.TrainingExample
	require.NoError(t, json.Unmarshal(fake.lastTrainPayload, &decoded))
	assert.Equal(t, batch, decoded)
	assert.Empty(t, fake.allocated, "foreign allocations leaked")
}

func TestTrainNonzeroStatus(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	fake.trainStatus = 7
	eng, _ := newTestEngine(t, fake)
	require.NoError(t, eng.Initialize(ctx))
	require.NoError(t, eng.LoadModel(ctx, "m", []byte("blob")))

	err := eng.Train(ctx, []corpus.TrainingExample{{Input: "q", Output: "a"}}, 1)

	var trainErr *TrainingError
	require.ErrorAs(t, err, &trainErr)
	assert.Equal(t, uint64(7), trainErr.Code)

	// A failed train leaves the engine in its last well-defined state.
	assert.Equal(t, StateModelLoaded, eng.State())
}

func TestSaveModelPersistsWeights(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	fake.weights = []byte("trained-weights")
	eng, persister := newTestEngine(t, fake)
	require.NoError(t, eng.Initialize(ctx))
	require.NoError(t, eng.LoadModel(ctx, "m", []byte("blob")))

	require.NoError(t, eng.SaveModel(ctx, "m"))

	assert.Equal(t, []byte("trained-weights"), persister.blobs["model:m"])
	assert.Empty(t, fake.allocated, "weight blob not freed")
}

func TestEngineBusyFailsFast(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	fake.generateGate = make(chan struct{})
	fake.generateEntered = make(chan struct{}, 1)
	eng, _ := newTestEngine(t, fake)
	require.NoError(t, eng.Initialize(ctx))
	require.NoError(t, eng.LoadModel(ctx, "m", []byte("blob")))

	done := make(chan error, 1)
	go func() {
		_, err := eng.Generate(ctx, "slow", Options{})
		done <- err
	}()

	<-fake.generateEntered

	// A second foreign operation while one is in flight fails fast.
	_, err := eng.Generate(ctx, "second", Options{})
	assert.ErrorIs(t, err, ErrEngineBusy)
	assert.ErrorIs(t, eng.Train(ctx, []corpus.TrainingExample{{Input: "q"}}, 1), ErrEngineBusy)
	assert.ErrorIs(t, eng.LoadModel(ctx, "other", []byte("x")), ErrEngineBusy)

	close(fake.generateGate)
	require.NoError(t, <-done)
}

func TestCloseWaitsForInFlightOperation(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	fake.generateGate = make(chan struct{})
	fake.generateEntered = make(chan struct{}, 1)
	eng, _ := newTestEngine(t, fake)
	require.NoError(t, eng.Initialize(ctx))
	require.NoError(t, eng.LoadModel(ctx, "m", []byte("blob")))

	genDone := make(chan error, 1)
	go func() {
		_, err := eng.Generate(ctx, "slow", Options{})
		genDone <- err
	}()

	<-fake.generateEntered

	// Close with an expired context must not tear down the arena while a
	// foreign call is in flight.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, eng.Close(cancelled))

	close(fake.generateGate)
	require.NoError(t, <-genDone)

	// Once the operation has drained, Close succeeds.
	require.NoError(t, eng.Close(ctx))
}

func TestMemoryUsage(t *testing.T) {
	ctx := context.Background()
	fake := newFakeModel()
	eng, _ := newTestEngine(t, fake)

	// Uninitialized engines report zero usage.
	assert.Equal(t, MemoryUsage{}, eng.GetMemoryUsage(ctx))

	require.NoError(t, eng.Initialize(ctx))
	usage := eng.GetMemoryUsage(ctx)
	assert.InDelta(t, 1.0, usage.TotalMiB, 0.001)
	assert.InDelta(t, 0.25, usage.UsedMiB, 0.001)
	assert.InDelta(t, 25.0, usage.Percent, 0.1)
}

func TestGenerateOptionDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultMaxTokens, opts.MaxTokens)
	assert.Equal(t, DefaultTemperature, opts.Temperature)
	assert.Equal(t, DefaultTopP, opts.TopP)

	custom := Options{MaxTokens: 32, Temperature: 0.2, TopP: 0.5}.withDefaults()
	assert.Equal(t, uint32(32), custom.MaxTokens)
	assert.Equal(t, float32(0.2), custom.Temperature)
	assert.Equal(t, float32(0.5), custom.TopP)
}
