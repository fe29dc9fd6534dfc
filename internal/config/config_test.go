package config

import (
	"testing"
	"time"
)

// mapBackend is an in-memory Backend for tests.
type mapBackend struct {
	data map[string]any
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m *mapBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *mapBackend) Delete(key string) error          { delete(m.data, key); return nil }

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(&mapBackend{data: map[string]any{}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 4400 {
		t.Errorf("Server.Port = %d, want 4400", cfg.Server.Port)
	}
	if cfg.Embedding.Dimensions != 256 {
		t.Errorf("Embedding.Dimensions = %d, want 256", cfg.Embedding.Dimensions)
	}
	if cfg.Retrieval.TopK != 10 {
		t.Errorf("Retrieval.TopK = %d, want 10", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.VectorWeight != 0.7 || cfg.Retrieval.GraphWeight != 0.3 {
		t.Errorf("retrieval weights = %v/%v, want 0.7/0.3", cfg.Retrieval.VectorWeight, cfg.Retrieval.GraphWeight)
	}
	if cfg.Chunking.Default != "sentence" {
		t.Errorf("Chunking.Default = %q, want sentence", cfg.Chunking.Default)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir empty")
	}
}

func TestBackendOverridesDefaults(t *testing.T) {
	b := &mapBackend{data: map[string]any{
		"server.port":             5400,
		"storage.data_dir":        "/tmp/ctxd-test",
		"retrieval.vector_weight": "0.9",
		"chunking.default":        "semantic",
	}}
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 5400 {
		t.Errorf("Server.Port = %d, want 5400", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/ctxd-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Retrieval.VectorWeight != 0.9 {
		t.Errorf("Retrieval.VectorWeight = %v, want 0.9", cfg.Retrieval.VectorWeight)
	}
	if cfg.Chunking.Default != "semantic" {
		t.Errorf("Chunking.Default = %q, want semantic", cfg.Chunking.Default)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	t.Setenv("CTXD_SERVER_PORT", "6400")
	t.Setenv("CTXD_RETRIEVAL_TOP_K", "25")
	t.Setenv("CTXD_AUTH_TOKEN", "env-secret")

	b := &mapBackend{data: map[string]any{"server.port": 5400}}
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 6400 {
		t.Errorf("Server.Port = %d, want env override 6400", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK != 25 {
		t.Errorf("Retrieval.TopK = %d, want 25", cfg.Retrieval.TopK)
	}
	if cfg.Server.AuthToken != "env-secret" {
		t.Errorf("AuthToken = %q, want env-secret", cfg.Server.AuthToken)
	}
}

func TestSecretNeverReadFromBackend(t *testing.T) {
	b := &mapBackend{data: map[string]any{"server.auth_token": "file-secret"}}
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.AuthToken != "" {
		t.Errorf("secret leaked from file backend: %q", cfg.Server.AuthToken)
	}

	if err := setKeyWith(b, "server.auth_token", "x"); err == nil {
		t.Error("setting a secret through the backend must be rejected")
	}
}

func TestSetKeyValidation(t *testing.T) {
	b := &mapBackend{data: map[string]any{}}

	if err := setKeyWith(b, "server.port", "not-a-number"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, "does.not.exist", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKeyWith(b, "server.port", "8080"); err != nil {
		t.Errorf("set valid key: %v", err)
	}
	if b.data["server.port"] != 8080 {
		t.Errorf("server.port = %v, want 8080", b.data["server.port"])
	}
}

func TestDurationParsing(t *testing.T) {
	if got := Duration("2s", time.Minute); got != 2*time.Second {
		t.Errorf("Duration(2s) = %v", got)
	}
	if got := Duration("", time.Minute); got != time.Minute {
		t.Errorf("empty duration = %v, want fallback", got)
	}
	if got := Duration("garbage", time.Minute); got != time.Minute {
		t.Errorf("bad duration = %v, want fallback", got)
	}
	if got := Duration("-5s", time.Minute); got != time.Minute {
		t.Errorf("negative duration = %v, want fallback", got)
	}
}
