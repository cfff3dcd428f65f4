package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"neuropal/internal/assistant"
	"neuropal/internal/config"
	"neuropal/internal/corpus"
	"neuropal/internal/engine"
	"neuropal/internal/logging"
	"neuropal/internal/persist"
	rt "neuropal/internal/runtime"
	"neuropal/internal/supply"
)

// snapshotKey is where the chat loop persists the corpus between runs.
const snapshotKey = "snapshot:latest"

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "neuropal",
	Short: "neuropal - on-device conversational assistant",
	Long: `neuropal is an offline conversational assistant that runs its language
model entirely on the local device inside a WASM runtime.

Conversations and interactive-session outcomes accumulate in a bounded
training corpus; the model can be fine-tuned from that corpus on demand.
Without a loaded model the assistant still answers from canned fallbacks.

Run without arguments to start the interactive chat loop.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("categorized logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// statusCmd prints engine and corpus state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine state, loaded model and corpus usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer app.close(ctx)

		status := app.assistant.Status(ctx)
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// trainCmd fine-tunes the loaded model from the accumulated corpus
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune the loaded model on the accumulated corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer app.close(ctx)

		if app.assistant.Engine().State() != engine.StateModelLoaded {
			return fmt.Errorf("no model loaded; run 'neuropal model fetch' first")
		}

		count, err := app.assistant.TrainFromCorpus(ctx, app.cfg.Engine.TrainEpochs)
		if err != nil {
			return fmt.Errorf("training failed: %w", err)
		}
		if count == 0 {
			fmt.Println("Corpus is empty, nothing to train on.")
			return nil
		}

		if err := app.assistant.Engine().SaveModel(ctx, app.cfg.Engine.DefaultModel); err != nil {
			return fmt.Errorf("trained on %d examples but save failed: %w", count, err)
		}
		fmt.Printf("Trained on %d examples, model saved as %q.\n", count, app.cfg.Engine.DefaultModel)
		return nil
	},
}

// modelCmd groups model management
var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage model blobs",
}

var modelFetchCmd = &cobra.Command{
	Use:   "fetch [name]",
	Short: "Fetch a model blob from the supplier and store it locally",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer app.close(ctx)

		name := app.cfg.Engine.DefaultModel
		if len(args) > 0 {
			name = args[0]
		}

		blob, err := app.supplier.FetchModelBlob(ctx, name)
		if err != nil {
			if errors.Is(err, supply.ErrNotFound) {
				return fmt.Errorf("model %q not found at supplier", name)
			}
			return fmt.Errorf("fetch failed: %w", err)
		}

		if err := app.blobs.Put(ctx, "model:"+name, blob); err != nil {
			return fmt.Errorf("failed to store model: %w", err)
		}
		fmt.Printf("Fetched model %q (%d bytes).\n", name, len(blob))
		return nil
	},
}

// snapshotCmd groups corpus snapshot operations
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export or import the training corpus",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the corpus snapshot to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer app.close(ctx)

		blob, err := app.assistant.Store().ExportSnapshot()
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], blob, 0644); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		fmt.Printf("Exported corpus snapshot to %s (%d bytes).\n", args[0], len(blob))
		return nil
	},
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a corpus snapshot, replacing the current corpus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer app.close(ctx)

		blob, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		if err := app.assistant.Store().ImportSnapshot(blob); err != nil {
			if errors.Is(err, corpus.ErrMalformedSnapshot) {
				return fmt.Errorf("snapshot is malformed: %w", err)
			}
			return err
		}
		if err := app.saveCorpus(ctx); err != nil {
			return err
		}

		stats := app.assistant.Store().GetStats()
		fmt.Printf("Imported %d conversations and %d sessions.\n", stats.Conversations, stats.Sessions)
		return nil
	},
}

// app bundles the wired collaborators for one command invocation.
type app struct {
	cfg       *config.Config
	blobs     *persist.Store
	supplier  supply.Supplier
	assistant *assistant.Assistant
}

// buildApp wires config, persistence, corpus, engine and assistant. Engine
// initialization and model loading are best-effort: on failure the assistant
// stays in fallback mode rather than aborting the command.
// resolvedConfigPath anchors the default config location to the workspace.
// An explicit --config value is used as given.
func resolvedConfigPath() string {
	if rootCmd.PersistentFlags().Changed("config") {
		return configPath
	}
	return filepath.Join(workspace, configPath)
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return nil, err
	}

	blobs, err := persist.Open(filepath.Join(workspace, cfg.Persistence.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence store: %w", err)
	}

	store := corpus.NewStore(cfg.Corpus.CeilingBytes)
	if snap, ok, err := blobs.Get(ctx, snapshotKey); err == nil && ok {
		if err := store.ImportSnapshot(snap); err != nil {
			logger.Warn("stored corpus snapshot is malformed, starting empty", zap.Error(err))
		}
	}

	var supplier supply.Supplier
	if cfg.Supply.Mode == "http" {
		supplier = supply.NewHTTPSupplier(cfg.Supply.BaseURL)
	} else {
		supplier = supply.NewFileSupplier(filepath.Join(workspace, cfg.Supply.Dir))
	}

	factory := func(ctx context.Context) (rt.ModuleRuntime, error) {
		wasmBytes, err := os.ReadFile(filepath.Join(workspace, cfg.Engine.RuntimePath))
		if err != nil {
			return nil, fmt.Errorf("failed to read runtime binary: %w", err)
		}
		return rt.Instantiate(ctx, wasmBytes)
	}

	eng := engine.New(factory, blobs)
	opts := engine.Options{
		MaxTokens:   cfg.Engine.MaxTokens,
		Temperature: cfg.Engine.Temperature,
		TopP:        cfg.Engine.TopP,
	}
	asst := assistant.New(eng, store, opts)

	if err := eng.Initialize(ctx); err != nil {
		logger.Warn("engine initialization failed, running in fallback mode", zap.Error(err))
		return &app{cfg: cfg, blobs: blobs, supplier: supplier, assistant: asst}, nil
	}

	// Prefer a locally saved model; fall back to the supplier.
	name := cfg.Engine.DefaultModel
	if blob, ok, err := blobs.Get(ctx, "model:"+name); err == nil && ok {
		if err := eng.LoadModel(ctx, name, blob); err != nil {
			logger.Warn("saved model failed to load", zap.String("model", name), zap.Error(err))
		}
	} else if err := asst.LoadModel(ctx, supplier, name); err != nil {
		logger.Info("no model available, running in fallback mode",
			zap.String("model", name), zap.Error(err))
	}

	return &app{cfg: cfg, blobs: blobs, supplier: supplier, assistant: asst}, nil
}

// saveCorpus persists the current corpus snapshot.
func (a *app) saveCorpus(ctx context.Context) error {
	blob, err := a.assistant.Store().ExportSnapshot()
	if err != nil {
		return err
	}
	return a.blobs.Put(ctx, snapshotKey, blob)
}

func (a *app) close(ctx context.Context) {
	if err := a.assistant.Engine().Close(ctx); err != nil {
		logger.Warn("engine close failed", zap.Error(err))
	}
	if err := a.blobs.Close(); err != nil {
		logger.Warn("persistence close failed", zap.Error(err))
	}
}

// runChat drives the interactive stdin/stdout chat loop.
func runChat() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(ctx)

	status := app.assistant.Status(ctx)
	fmt.Printf("neuropal — engine %s", status.EngineState)
	if status.Model != nil {
		fmt.Printf(", model %s", status.Model.Name)
	}
	fmt.Println("\nType a message, or /quit to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		fmt.Println(app.assistant.Chat(ctx, line))

		if ctx.Err() != nil {
			break
		}
	}

	if err := app.saveCorpus(ctx); err != nil {
		logger.Warn("failed to persist corpus", zap.Error(err))
	}
	return scanner.Err()
}

func init() {
	// Assigned here rather than in the composite literal to avoid an
	// initialization cycle (runChat -> buildApp -> resolvedConfigPath -> rootCmd).
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runChat()
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", filepath.Join(".neuropal", "config.yaml"), "config file path")

	modelCmd.AddCommand(modelFetchCmd)
	snapshotCmd.AddCommand(snapshotExportCmd, snapshotImportCmd)
	rootCmd.AddCommand(statusCmd, trainCmd, modelCmd, snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
