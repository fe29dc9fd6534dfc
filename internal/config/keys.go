package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CTXD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.auth_token", typ: kString, env: "CTXD_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AuthToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CTXD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.cache_size", typ: kInt, env: "CTXD_STORAGE_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Storage.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.CacheSize },
	},
	{
		key: "storage.cache_ttl", typ: kString, env: "CTXD_STORAGE_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Storage.CacheTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.CacheTTL },
	},
	{
		key: "storage.sweep_schedule", typ: kString, env: "CTXD_STORAGE_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Storage.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.SweepSchedule },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "CTXD_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "CTXD_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.graph_depth", typ: kInt, env: "CTXD_RETRIEVAL_GRAPH_DEPTH",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.GraphDepth = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.GraphDepth },
	},
	{
		key: "retrieval.vector_weight", typ: kFloat, env: "CTXD_RETRIEVAL_VECTOR_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.VectorWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.VectorWeight },
	},
	{
		key: "retrieval.graph_weight", typ: kFloat, env: "CTXD_RETRIEVAL_GRAPH_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.GraphWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.GraphWeight },
	},
	{
		key: "retrieval.hybrid_timeout", typ: kString, env: "CTXD_RETRIEVAL_HYBRID_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.HybridTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.HybridTimeout },
	},
	{
		key: "chunking.default", typ: kString, env: "CTXD_CHUNKING_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Default = v.(string) },
		extract: func(cfg Config) any { return cfg.Chunking.Default },
	},
	{
		key: "chunking.size", typ: kInt, env: "CTXD_CHUNKING_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Size },
	},
	{
		key: "chunking.overlap", typ: kInt, env: "CTXD_CHUNKING_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Overlap },
	},
	{
		key: "chunking.semantic_threshold", typ: kFloat, env: "CTXD_CHUNKING_SEMANTIC_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Chunking.SemanticThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chunking.SemanticThreshold },
	},
	{
		key: "log.level", typ: kString, env: "CTXD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
