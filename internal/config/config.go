// Package config loads the YAML configuration driving a memnexusd
// deployment: storage locations, the embedding backend, chunking
// parameters, the tagging policy, and the optional reranker — then layers
// a small set of documented environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StorageConfig locates the on-disk state: the vector collection, the
// event log, and the KV store all live under DataDir unless overridden.
type StorageConfig struct {
	DataDir  string         `yaml:"data_dir"`
	VectorDB VectorDBConfig `yaml:"vector_db"`
}

type VectorDBConfig struct {
	PersistDirectory string `yaml:"persist_directory"`
	CollectionName   string `yaml:"collection_name"`
	Dimensions       int    `yaml:"dimensions"`
}

type EmbeddingsConfig struct {
	Model string `yaml:"model"`
	Host  string `yaml:"host,omitempty"`
}

type ChunkingConfig struct {
	MinChunkSize     int     `yaml:"min_chunk_size"`
	MaxChunkSize     int     `yaml:"max_chunk_size"`
	Overlap          int     `yaml:"overlap"`
	Semantic         bool    `yaml:"semantic"`
	SimilarityThresh float64 `yaml:"similarity_threshold"`
}

type TaggingConfig struct {
	Strict   bool `yaml:"strict"`
	AutoFill bool `yaml:"auto_fill"`
}

type RerankerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

type LifecycleConfig struct {
	DemoteThresholdDays    int `yaml:"demote_threshold_days"`
	ArchiveThresholdDays   int `yaml:"archive_threshold_days"`
	RehydrateThresholdDays int `yaml:"rehydrate_threshold_days"`
}

// Config is the full memnexusd configuration surface.
type Config struct {
	Project    string          `yaml:"project,omitempty"`
	ObsidianVaultPath string   `yaml:"obsidian_vault_path,omitempty"`
	Storage    StorageConfig   `yaml:"storage"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Chunking   ChunkingConfig  `yaml:"chunking"`
	Tagging    TaggingConfig   `yaml:"tagging"`
	Reranker   RerankerConfig  `yaml:"reranker"`
	Lifecycle  LifecycleConfig `yaml:"lifecycle"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir: "./data",
			VectorDB: VectorDBConfig{
				PersistDirectory: "./data/vector",
				CollectionName:   "memory_chunks",
				Dimensions:       384,
			},
		},
		Embeddings: EmbeddingsConfig{Model: "nomic-embed-text"},
		Chunking: ChunkingConfig{
			MinChunkSize: 128, MaxChunkSize: 512, Overlap: 50,
		},
		Tagging: TaggingConfig{Strict: false, AutoFill: true},
		Lifecycle: LifecycleConfig{
			DemoteThresholdDays: 7, ArchiveThresholdDays: 30, RehydrateThresholdDays: 90,
		},
	}
}

// Load reads the YAML file at path (if it exists), overlays it onto the
// documented defaults, and applies environment overrides; the result is
// not validated further. A missing path is not an error: Load falls back to defaults
// plus environment overrides, matching a zero-config first run.
func Load(path string) (Config, error) {
	_ = godotenv.Overload()

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaultsForZeroValues(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers the three documented environment variables on
// top of whatever the YAML file (or defaults) supplied.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MEMORY_MCP_PROJECT")); v != "" {
		cfg.Project = v
	}
	if v := strings.TrimSpace(os.Getenv("OBSIDIAN_VAULT_PATH")); v != "" {
		cfg.ObsidianVaultPath = v
	}
	if v := strings.TrimSpace(os.Getenv("CHROMA_PERSIST_DIR")); v != "" {
		cfg.Storage.VectorDB.PersistDirectory = v
	}
}

// applyDefaultsForZeroValues fills any field an empty/zero partial YAML
// file left unset, so a config that only overrides one section still
// gets sane values for the rest.
func applyDefaultsForZeroValues(cfg *Config) {
	d := Defaults()
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = d.Storage.DataDir
	}
	if cfg.Storage.VectorDB.PersistDirectory == "" {
		cfg.Storage.VectorDB.PersistDirectory = d.Storage.VectorDB.PersistDirectory
	}
	if cfg.Storage.VectorDB.CollectionName == "" {
		cfg.Storage.VectorDB.CollectionName = d.Storage.VectorDB.CollectionName
	}
	if cfg.Storage.VectorDB.Dimensions <= 0 {
		cfg.Storage.VectorDB.Dimensions = d.Storage.VectorDB.Dimensions
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = d.Embeddings.Model
	}
	if cfg.Chunking.MinChunkSize <= 0 {
		cfg.Chunking.MinChunkSize = d.Chunking.MinChunkSize
	}
	if cfg.Chunking.MaxChunkSize <= 0 {
		cfg.Chunking.MaxChunkSize = d.Chunking.MaxChunkSize
	}
	if cfg.Chunking.Overlap <= 0 {
		cfg.Chunking.Overlap = d.Chunking.Overlap
	}
	if cfg.Lifecycle.DemoteThresholdDays <= 0 {
		cfg.Lifecycle.DemoteThresholdDays = d.Lifecycle.DemoteThresholdDays
	}
	if cfg.Lifecycle.ArchiveThresholdDays <= 0 {
		cfg.Lifecycle.ArchiveThresholdDays = d.Lifecycle.ArchiveThresholdDays
	}
	if cfg.Lifecycle.RehydrateThresholdDays <= 0 {
		cfg.Lifecycle.RehydrateThresholdDays = d.Lifecycle.RehydrateThresholdDays
	}
}
