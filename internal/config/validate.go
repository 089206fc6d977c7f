package config

import (
	"fmt"
	"strings"
)

// validLogFormats is the set of accepted log output formats.
var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// Validate checks the config for invalid or contradictory settings.
// It should be called after ApplyDefaults. On the first error encountered,
// it returns a descriptive error; the engine should crash with this error
// at startup.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateStores(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}
	if err := c.validateDrivers(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateValidator(); err != nil {
		return err
	}
	if err := c.validatePorts(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format %q: must be json or text", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateStores() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url must not be empty")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("redis.url %q: must start with redis:// or rediss://", c.Redis.URL)
	}
	if c.Database.URL != "" && !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("database.url %q: must start with postgres:// or postgresql://", c.Database.URL)
	}
	return nil
}

func (c *Config) validateEngine() error {
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must be >= 0, got %d", c.Engine.Workers)
	}
	if c.Engine.ShutdownGrace <= 0 {
		return fmt.Errorf("engine.shutdownGrace must be positive")
	}
	if c.Engine.ReconcileInterval <= 0 {
		return fmt.Errorf("engine.reconcileInterval must be positive")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tickInterval must be positive")
	}
	return nil
}

func (c *Config) validateLimits() error {
	if c.Limits.ClientDailyLLM < 1 {
		return fmt.Errorf("limits.clientDailyLLM must be >= 1, got %d", c.Limits.ClientDailyLLM)
	}
	if c.Limits.ClientDailyPosts < 1 {
		return fmt.Errorf("limits.clientDailyPosts must be >= 1, got %d", c.Limits.ClientDailyPosts)
	}
	if c.Limits.ClientLLMPerSec < 1 {
		return fmt.Errorf("limits.clientLLMPerSec must be >= 1, got %d", c.Limits.ClientLLMPerSec)
	}
	if c.Limits.GlobalDailyLLM < 0 {
		return fmt.Errorf("limits.globalDailyLLM must be >= 0, got %d", c.Limits.GlobalDailyLLM)
	}
	return nil
}

func (c *Config) validateDrivers() error {
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.baseURL must not be empty")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model must not be empty")
	}
	if c.LLM.MaxTokens < 1 {
		return fmt.Errorf("llm.maxTokens must be >= 1, got %d", c.LLM.MaxTokens)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be in [0, 2], got %v", c.LLM.Temperature)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if c.Posting.BaseURL == "" {
		return fmt.Errorf("posting.baseURL must not be empty")
	}
	if c.Posting.Timeout <= 0 {
		return fmt.Errorf("posting.timeout must be positive")
	}
	if c.Posting.ParkMax <= 0 {
		return fmt.Errorf("posting.parkMax must be positive")
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be >= 1, got %d", c.Cache.Capacity)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarityThreshold must be in (0, 1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweepInterval must be positive")
	}
	return nil
}

func (c *Config) validateValidator() error {
	if c.Validator.PostMaxLen < 1 {
		return fmt.Errorf("validator.postMaxLen must be >= 1, got %d", c.Validator.PostMaxLen)
	}
	if c.Validator.RecentPosts < 0 {
		return fmt.Errorf("validator.recentPosts must be >= 0, got %d", c.Validator.RecentPosts)
	}
	if c.Validator.SafetyThreshold < 0 || c.Validator.SafetyThreshold > 1 {
		return fmt.Errorf("validator.safetyThreshold must be in [0, 1], got %v", c.Validator.SafetyThreshold)
	}
	return nil
}

func (c *Config) validatePorts() error {
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be in [1, 65535], got %d", c.Metrics.Port)
	}
	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be in [1, 65535], got %d", c.Health.Port)
	}
	if c.Metrics.Port == c.Health.Port {
		return fmt.Errorf("metrics.port and health.port must differ, both are %d", c.Metrics.Port)
	}
	return nil
}
