// Package config loads neuropal configuration from YAML with environment
// overrides layered on top of defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all neuropal configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Inference engine configuration
	Engine EngineConfig `yaml:"engine"`

	// Training corpus configuration
	Corpus CorpusConfig `yaml:"corpus"`

	// Persistence configuration
	Persistence PersistenceConfig `yaml:"persistence"`

	// Model supply configuration
	Supply SupplyConfig `yaml:"supply"`
}

// EngineConfig configures the inference engine and its foreign runtime.
type EngineConfig struct {
	// RuntimePath points at the WASM model-runtime binary.
	RuntimePath string `yaml:"runtime_path"`

	// DefaultModel is loaded at startup when available.
	DefaultModel string `yaml:"default_model"`

	// Generation defaults
	MaxTokens   uint32  `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	TopP        float32 `yaml:"top_p"`

	// Epochs used by corpus-driven training runs.
	TrainEpochs uint32 `yaml:"train_epochs"`
}

// CorpusConfig configures the bounded training corpus.
type CorpusConfig struct {
	// CeilingBytes caps the corpus's estimated serialized size.
	CeilingBytes int64 `yaml:"ceiling_bytes"`
}

// PersistenceConfig configures the SQLite blob store.
type PersistenceConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// SupplyConfig configures where model blobs come from.
type SupplyConfig struct {
	// Mode: "http" or "file"
	Mode string `yaml:"mode"`

	// BaseURL for http mode
	BaseURL string `yaml:"base_url"`

	// Dir for file mode
	Dir string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name:    "neuropal",
		Version: "1.0.0",
		Engine: EngineConfig{
			RuntimePath:  filepath.Join(".neuropal", "runtime.wasm"),
			DefaultModel: "neuropal-small",
			MaxTokens:    500,
			Temperature:  0.7,
			TopP:         0.9,
			TrainEpochs:  3,
		},
		Corpus: CorpusConfig{
			CeilingBytes: 50 * 1024 * 1024,
		},
		Persistence: PersistenceConfig{
			DatabasePath: filepath.Join(".neuropal", "neuropal.db"),
		},
		Supply: SupplyConfig{
			Mode: "file",
			Dir:  filepath.Join(".neuropal", "models"),
		},
	}
}

// Load reads configuration from path, layering the file over defaults and
// environment overrides over the file. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides layers NEUROPAL_* environment variables over the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NEUROPAL_RUNTIME_PATH"); v != "" {
		cfg.Engine.RuntimePath = v
	}
	if v := os.Getenv("NEUROPAL_DEFAULT_MODEL"); v != "" {
		cfg.Engine.DefaultModel = v
	}
	if v := os.Getenv("NEUROPAL_DB_PATH"); v != "" {
		cfg.Persistence.DatabasePath = v
	}
	if v := os.Getenv("NEUROPAL_SUPPLY_URL"); v != "" {
		cfg.Supply.Mode = "http"
		cfg.Supply.BaseURL = v
	}
	if v := os.Getenv("NEUROPAL_CORPUS_CEILING"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Corpus.CeilingBytes = n
		}
	}
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
