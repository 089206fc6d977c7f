package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	yml := `
logging:
  level: debug
engine:
  workers: 4
  shutdownGrace: 10s
limits:
  clientDailyLLM: 25
cache:
  similarityThreshold: 0.9
`
	cfg, err := Load(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("engine.workers = %d", cfg.Engine.Workers)
	}
	if cfg.Engine.ShutdownGrace != 10*time.Second {
		t.Errorf("engine.shutdownGrace = %v", cfg.Engine.ShutdownGrace)
	}
	if cfg.Limits.ClientDailyLLM != 25 {
		t.Errorf("limits.clientDailyLLM = %d", cfg.Limits.ClientDailyLLM)
	}
	if cfg.Cache.SimilarityThreshold != 0.9 {
		t.Errorf("cache.similarityThreshold = %v", cfg.Cache.SimilarityThreshold)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	yml := `
engine:
  wokers: 4
`
	if _, err := Load(strings.NewReader(yml)); err == nil {
		t.Fatal("expected misspelled field to be rejected")
	}
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Limits.ClientDailyLLM = 7
	cfg.LLM.Model = "gpt-4o"

	cfg.ApplyDefaults()

	if cfg.Limits.ClientDailyLLM != 7 {
		t.Errorf("explicit limit overwritten: %d", cfg.Limits.ClientDailyLLM)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("explicit model overwritten: %q", cfg.LLM.Model)
	}
	if cfg.Limits.ClientDailyPosts != 10 {
		t.Errorf("default not applied: clientDailyPosts = %d", cfg.Limits.ClientDailyPosts)
	}
	if cfg.Validator.PostMaxLen != 280 {
		t.Errorf("default not applied: postMaxLen = %d", cfg.Validator.PostMaxLen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config should validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
		{"bad redis scheme", func(c *Config) { c.Redis.URL = "http://localhost" }, "redis.url"},
		{"bad database scheme", func(c *Config) { c.Database.URL = "mysql://x" }, "database.url"},
		{"negative workers", func(c *Config) { c.Engine.Workers = -1 }, "engine.workers"},
		{"zero daily llm", func(c *Config) { c.Limits.ClientDailyLLM = 0 }, "clientDailyLLM"},
		{"temperature too high", func(c *Config) { c.LLM.Temperature = 3 }, "temperature"},
		{"zero park max", func(c *Config) { c.Posting.ParkMax = 0 }, "parkMax"},
		{"threshold over one", func(c *Config) { c.Cache.SimilarityThreshold = 1.2 }, "similarityThreshold"},
		{"zero post max len", func(c *Config) { c.Validator.PostMaxLen = 0 }, "postMaxLen"},
		{"colliding ports", func(c *Config) { c.Health.Port = c.Metrics.Port }, "must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"trace", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ParseLogLevel(%q) should fail", tt.in)
		}
	}
}

func TestLoadAndValidateMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadAndValidate("/nonexistent/clara.yaml")
	if err != nil {
		t.Fatalf("LoadAndValidate: %v", err)
	}
	if cfg.Limits.ClientDailyLLM != Default().Limits.ClientDailyLLM {
		t.Error("missing file should yield defaults")
	}
}
