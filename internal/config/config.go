// Package config loads the daemon configuration from defaults, a JSON
// config file at $XDG_CONFIG_HOME/ctxd/config.json, and CTXD_* environment
// variables, in that order of precedence.
package config

import "time"

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Retrieval RetrievalConfig
	Chunking  ChunkingConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	// AuthToken guards management routes when non-empty. Secret: settable
	// only via CTXD_AUTH_TOKEN.
	AuthToken string
}

type StorageConfig struct {
	DataDir string
	// CacheSize bounds the read cache; CacheTTL is its staleness window.
	CacheSize int
	CacheTTL  string
	// SweepSchedule is a cron expression for the fast-tier expiry sweep.
	SweepSchedule string
}

type EmbeddingConfig struct {
	// Dimensions is the deployment-wide embedding dimension.
	Dimensions int
}

type RetrievalConfig struct {
	TopK          int
	GraphDepth    int
	VectorWeight  float64
	GraphWeight   float64
	HybridTimeout string
}

type ChunkingConfig struct {
	Default           string
	Size              int
	Overlap           int
	SemanticThreshold float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4400,
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			CacheSize:     1024,
			CacheTTL:      "5m",
			SweepSchedule: "@every 10m",
		},
		Embedding: EmbeddingConfig{
			Dimensions: 256,
		},
		Retrieval: RetrievalConfig{
			TopK:          10,
			GraphDepth:    2,
			VectorWeight:  0.7,
			GraphWeight:   0.3,
			HybridTimeout: "2s",
		},
		Chunking: ChunkingConfig{
			Default:           "sentence",
			Size:              1200,
			Overlap:           120,
			SemanticThreshold: 0.45,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend with CTXD_*
// environment variables overriding.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Duration parses a config duration string, falling back when empty or
// malformed.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
