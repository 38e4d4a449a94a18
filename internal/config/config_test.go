package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 8000 || cfg.GRPCPort != "50054" {
		t.Errorf("ports = %d/%s", cfg.HTTPPort, cfg.GRPCPort)
	}
	if cfg.ConfidenceThreshold != 0.5 || cfg.ReviewThreshold != 0.7 {
		t.Errorf("thresholds = %v/%v", cfg.ConfidenceThreshold, cfg.ReviewThreshold)
	}
	if cfg.BatchConfidenceThreshold != nil || cfg.BatchReviewThreshold != nil {
		t.Error("batch overrides should be unset by default")
	}
	if cfg.EffectiveAuthMode() != AuthNone {
		t.Errorf("auth mode = %q, want none", cfg.EffectiveAuthMode())
	}
	if cfg.ModelLocation() != "models" {
		t.Errorf("model location = %q", cfg.ModelLocation())
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("MODERATION_HTTP_PORT", "9001")
	t.Setenv("MODERATION_REVIEW_THRESHOLD", "0.8")
	t.Setenv("MODERATION_BATCH_CONFIDENCE_THRESHOLD", "0.6")
	t.Setenv("MODERATION_API_KEY", "secret")
	t.Setenv("CLICKHOUSE_DSN", "clickhouse://localhost:9000/default")
	t.Setenv("MODEL_ENDPOINT", "models.internal:50051")

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 9001 {
		t.Errorf("http_port = %d", cfg.HTTPPort)
	}
	if cfg.ReviewThreshold != 0.8 {
		t.Errorf("review_threshold = %v", cfg.ReviewThreshold)
	}
	if cfg.BatchConfidenceThreshold == nil || *cfg.BatchConfidenceThreshold != 0.6 {
		t.Errorf("batch_confidence_threshold = %v", cfg.BatchConfidenceThreshold)
	}
	if cfg.ClickHouseDSN != "clickhouse://localhost:9000/default" {
		t.Errorf("clickhouse_dsn = %q", cfg.ClickHouseDSN)
	}
	if cfg.EffectiveAuthMode() != AuthStatic {
		t.Errorf("auth mode = %q, want static", cfg.EffectiveAuthMode())
	}
	if cfg.ModelLocation() != "grpc://models.internal:50051" {
		t.Errorf("model location = %q", cfg.ModelLocation())
	}

	mc := cfg.Moderator()
	if mc.BatchOverrides.EffectiveConfidenceThreshold(0.5) != 0.6 {
		t.Error("batch override not carried into moderator config")
	}
	if mc.BatchOverrides.EffectiveReviewThreshold(0.8) != 0.8 {
		t.Error("unset batch review threshold should inherit")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moderation.yaml")
	data := []byte("http_port: 7000\nbenign_label: ham\nmax_batch_size: 10\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MODERATION_MAX_BATCH_SIZE", "20")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 7000 || cfg.BenignLabel != "ham" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.MaxBatchSize != 20 {
		t.Errorf("env should override file: max_batch_size = %d", cfg.MaxBatchSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"threshold above one", map[string]string{"MODERATION_CONFIDENCE_THRESHOLD": "1.5"}},
		{"batch threshold negative", map[string]string{"MODERATION_BATCH_REVIEW_THRESHOLD": "-0.1"}},
		{"default history above max", map[string]string{"MODERATION_DEFAULT_HISTORY": "500"}},
		{"static without key", map[string]string{"MODERATION_AUTH_MODE": "static"}},
		{"postgres without dsn", map[string]string{"MODERATION_AUTH_MODE": "postgres"}},
		{"unknown auth mode", map[string]string{"MODERATION_AUTH_MODE": "ldap"}},
		{"bad log format", map[string]string{"MODERATION_LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(New(), "")
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestGRPCEnabled(t *testing.T) {
	for port, want := range map[string]bool{"50054": true, "": false, "0": false} {
		c := Config{GRPCPort: port}
		if got := c.GRPCEnabled(); got != want {
			t.Errorf("GRPCEnabled(%q) = %v, want %v", port, got, want)
		}
	}
}
