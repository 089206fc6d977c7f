// Package config defines the configuration struct for the engine.
// Configuration is loaded from a YAML file; every field has a production
// default so the engine can start with a minimal file.
package config

import "time"

// DefaultConfigPath is the default filesystem path for the engine config file.
const DefaultConfigPath = "/etc/clara/config.yaml"

// Config is the top-level configuration for the engine.
type Config struct {
	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`

	// Redis configures the shared counter store backing the token buckets.
	Redis RedisConfig `yaml:"redis"`

	// Database configures the Postgres repository. An empty URL selects
	// the in-memory repository (single-node and test runs).
	Database DatabaseConfig `yaml:"database"`

	// Engine configures the worker pool and engine loop.
	Engine EngineConfig `yaml:"engine"`

	// Limits configures per-tenant and global quotas.
	Limits LimitsConfig `yaml:"limits"`

	// LLM configures the completion and embedding driver.
	LLM LLMConfig `yaml:"llm"`

	// Posting configures the posting backend driver.
	Posting PostingConfig `yaml:"posting"`

	// Cache configures the semantic prompt cache.
	Cache CacheConfig `yaml:"cache"`

	// Validator configures the response validation rule chain.
	Validator ValidatorConfig `yaml:"validator"`

	// Knowledge configures per-tenant context retrieval.
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Health configures the health probe port.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig controls the logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig holds counter store connection settings.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string `yaml:"url"`
}

// DatabaseConfig holds repository connection settings.
type DatabaseConfig struct {
	// URL is a postgres:// connection string. Empty selects the in-memory
	// repository.
	URL string `yaml:"url"`
}

// EngineConfig holds worker pool and lifecycle settings.
type EngineConfig struct {
	// Workers bounds pipeline concurrency. Zero means auto:
	// min(32, 2 x active tenants), evaluated at startup.
	Workers int `yaml:"workers"`

	// ShutdownGrace is how long in-flight jobs may run after a shutdown
	// signal before being cancelled.
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`

	// ReconcileInterval is how often the tenant registry re-reads the
	// repository.
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`

	// TickInterval is how often the scheduler re-evaluates eligibility
	// when no earlier wakeup is pending.
	TickInterval time.Duration `yaml:"tickInterval"`
}

// LimitsConfig holds quota settings enforced by the rate-limit coordinator.
type LimitsConfig struct {
	// ClientDailyLLM caps LLM calls per tenant per day.
	ClientDailyLLM int `yaml:"clientDailyLLM"`

	// ClientDailyPosts caps published posts per tenant per day.
	ClientDailyPosts int `yaml:"clientDailyPosts"`

	// ClientLLMPerSec caps LLM calls per tenant per second.
	ClientLLMPerSec int `yaml:"clientLLMPerSec"`

	// GlobalDailyLLM caps LLM calls across all tenants per day, bounding
	// total spend. Zero disables the global bucket.
	GlobalDailyLLM int `yaml:"globalDailyLLM"`
}

// LLMConfig holds completion and embedding driver settings.
type LLMConfig struct {
	// BaseURL is the OpenAI-compatible API endpoint.
	BaseURL string `yaml:"baseURL"`

	// Model names the completion model.
	Model string `yaml:"model"`

	// EmbeddingModel names the embedding model.
	EmbeddingModel string `yaml:"embeddingModel"`

	// MaxTokens bounds completion length.
	MaxTokens int `yaml:"maxTokens"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature"`

	// Timeout bounds each completion call.
	Timeout time.Duration `yaml:"timeout"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"apiKeyEnv"`
}

// PostingConfig holds posting backend driver settings.
type PostingConfig struct {
	// BaseURL is the posting backend API endpoint.
	BaseURL string `yaml:"baseURL"`

	// Timeout bounds each publish call.
	Timeout time.Duration `yaml:"timeout"`

	// ParkMax is how long a validated post may wait for publish quota
	// before failing with quota_exceeded.
	ParkMax time.Duration `yaml:"parkMax"`
}

// CacheConfig holds semantic cache settings.
type CacheConfig struct {
	// Capacity is the maximum number of entries before LRU eviction.
	Capacity int `yaml:"capacity"`

	// TTL is the maximum entry age.
	TTL time.Duration `yaml:"ttl"`

	// SimilarityThreshold is the minimum cosine similarity for a
	// semantic hit.
	SimilarityThreshold float64 `yaml:"similarityThreshold"`

	// SweepInterval is how often expired entries are swept.
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// ValidatorConfig holds response validation settings.
type ValidatorConfig struct {
	// PostMaxLen bounds post text length after whitespace normalization.
	PostMaxLen int `yaml:"postMaxLen"`

	// RecentPosts is how many of the tenant's recent published posts the
	// duplication rule compares against.
	RecentPosts int `yaml:"recentPosts"`

	// SafetyThreshold fails validation when the content-safety driver
	// scores at or above it. Zero disables the rule.
	SafetyThreshold float64 `yaml:"safetyThreshold"`

	// BlockedWords fails validation when any listed word appears.
	BlockedWords []string `yaml:"blockedWords"`
}

// KnowledgeConfig holds context retrieval settings.
type KnowledgeConfig struct {
	// SimilarityThreshold is the minimum cosine similarity for a context
	// entry to be included.
	SimilarityThreshold float64 `yaml:"similarityThreshold"`

	// MaxResults bounds how many context entries a render receives.
	MaxResults int `yaml:"maxResults"`
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// HealthConfig holds health probe settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
