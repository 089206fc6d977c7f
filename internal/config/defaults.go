package config

import "time"

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},

		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},

		Database: DatabaseConfig{
			URL: "",
		},

		Engine: EngineConfig{
			Workers:           0, // auto
			ShutdownGrace:     30 * time.Second,
			ReconcileInterval: 30 * time.Second,
			TickInterval:      60 * time.Second,
		},

		Limits: LimitsConfig{
			ClientDailyLLM:   50,
			ClientDailyPosts: 10,
			ClientLLMPerSec:  1,
			GlobalDailyLLM:   1000,
		},

		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			MaxTokens:      150,
			Temperature:    0.7,
			Timeout:        30 * time.Second,
			APIKeyEnv:      "OPENAI_API_KEY",
		},

		Posting: PostingConfig{
			BaseURL: "https://api.twitter.com/2",
			Timeout: 15 * time.Second,
			ParkMax: 5 * time.Minute,
		},

		Cache: CacheConfig{
			Capacity:            1000,
			TTL:                 time.Hour,
			SimilarityThreshold: 0.95,
			SweepInterval:       5 * time.Minute,
		},

		Validator: ValidatorConfig{
			PostMaxLen:      280,
			RecentPosts:     10,
			SafetyThreshold: 0.8,
		},

		Knowledge: KnowledgeConfig{
			SimilarityThreshold: 0.7,
			MaxResults:          3,
		},

		Metrics: MetricsConfig{
			Port: 8080,
		},

		Health: HealthConfig{
			Port: 8081,
		},
	}
}

// ApplyDefaults fills any zero-valued fields with production defaults.
// Explicitly configured values are preserved.
func (c *Config) ApplyDefaults() {
	d := Default()

	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Redis.URL == "" {
		c.Redis.URL = d.Redis.URL
	}
	if c.Engine.ShutdownGrace == 0 {
		c.Engine.ShutdownGrace = d.Engine.ShutdownGrace
	}
	if c.Engine.ReconcileInterval == 0 {
		c.Engine.ReconcileInterval = d.Engine.ReconcileInterval
	}
	if c.Engine.TickInterval == 0 {
		c.Engine.TickInterval = d.Engine.TickInterval
	}
	if c.Limits.ClientDailyLLM == 0 {
		c.Limits.ClientDailyLLM = d.Limits.ClientDailyLLM
	}
	if c.Limits.ClientDailyPosts == 0 {
		c.Limits.ClientDailyPosts = d.Limits.ClientDailyPosts
	}
	if c.Limits.ClientLLMPerSec == 0 {
		c.Limits.ClientLLMPerSec = d.Limits.ClientLLMPerSec
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = d.LLM.BaseURL
	}
	if c.LLM.Model == "" {
		c.LLM.Model = d.LLM.Model
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = d.LLM.EmbeddingModel
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = d.LLM.MaxTokens
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = d.LLM.Temperature
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = d.LLM.Timeout
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = d.LLM.APIKeyEnv
	}
	if c.Posting.BaseURL == "" {
		c.Posting.BaseURL = d.Posting.BaseURL
	}
	if c.Posting.Timeout == 0 {
		c.Posting.Timeout = d.Posting.Timeout
	}
	if c.Posting.ParkMax == 0 {
		c.Posting.ParkMax = d.Posting.ParkMax
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = d.Cache.Capacity
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = d.Cache.TTL
	}
	if c.Cache.SimilarityThreshold == 0 {
		c.Cache.SimilarityThreshold = d.Cache.SimilarityThreshold
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = d.Cache.SweepInterval
	}
	if c.Validator.PostMaxLen == 0 {
		c.Validator.PostMaxLen = d.Validator.PostMaxLen
	}
	if c.Validator.RecentPosts == 0 {
		c.Validator.RecentPosts = d.Validator.RecentPosts
	}
	if c.Validator.SafetyThreshold == 0 {
		c.Validator.SafetyThreshold = d.Validator.SafetyThreshold
	}
	if c.Knowledge.SimilarityThreshold == 0 {
		c.Knowledge.SimilarityThreshold = d.Knowledge.SimilarityThreshold
	}
	if c.Knowledge.MaxResults == 0 {
		c.Knowledge.MaxResults = d.Knowledge.MaxResults
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = d.Metrics.Port
	}
	if c.Health.Port == 0 {
		c.Health.Port = d.Health.Port
	}
}
