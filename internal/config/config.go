// Package config loads the pipeline's configuration from the environment
// (optionally via a local .env file) into a single immutable Config value.
package config

import "fmt"

// ProviderConfig names an LLM provider and the model/credentials to use.
type ProviderConfig struct {
	Provider string // "anthropic" | "openai"
	APIKey   string
	BaseURL  string
	Model    string
}

// LLMConfig selects the provider/model used for each of the two generation
// stages. Routing is driven entirely by config, never hard-coded (spec.md §9
// Open Question).
type LLMConfig struct {
	Stage1 ProviderConfig // creative draft (LLM-1)
	Stage2 ProviderConfig // refiner (LLM-2)
}

// BatchingConfig tunes the adaptive window (C6).
type BatchingConfig struct {
	WindowDelaySeconds   float64
	DebounceDelaySeconds float64
	MaxWaitSeconds       float64
	MinBatchSize         int
	MaxBatchSize         int
}

// PacingConfig tunes the paced sender (C11).
type PacingConfig struct {
	Enabled bool
}

// ObsConfig configures the optional OpenTelemetry exporters.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// ReviewConfig tunes review-queue priority and backpressure.
type ReviewConfig struct {
	RiskWeight           float64
	QueueHighWaterMark   int
	OutboundHighWaterMark int
}

// Config is the complete, validated configuration for one process. It is
// loaded once at boot (Load) and never mutated afterward.
type Config struct {
	DatabaseURL string
	RedisURL    string

	DashboardAPIKey string

	LLM LLMConfig

	PersonaPath      string
	BubbleSeparator  string
	MinPrefixTokens  int

	Batching BatchingConfig
	Pacing   PacingConfig
	Review   ReviewConfig

	LogPath  string
	LogLevel string
	Obs      ObsConfig
}

// FatalError marks a configuration problem that must abort process boot
// (spec.md §7 FatalConfigError).
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal config error: %s", e.Reason) }

// Validate enforces the invariants spec.md calls fatal at boot: a missing
// persona file path, or a minimum prefix token count that can never be
// satisfied, is caught here rather than surfacing later as a runtime panic.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return &FatalError{Reason: "DATABASE_URL is required"}
	}
	if c.RedisURL == "" {
		return &FatalError{Reason: "REDIS_URL is required"}
	}
	if c.PersonaPath == "" {
		return &FatalError{Reason: "persona file path is required"}
	}
	if c.LLM.Stage1.APIKey == "" {
		return &FatalError{Reason: "missing API key for LLM stage 1 provider"}
	}
	if c.LLM.Stage2.APIKey == "" {
		return &FatalError{Reason: "missing API key for LLM stage 2 provider"}
	}
	if c.MinPrefixTokens <= 0 {
		return &FatalError{Reason: "min prefix tokens must be positive"}
	}
	return nil
}
