package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables, optionally seeded
// from a local .env (values there override the OS environment, matching
// the teacher's development-time convenience — Overload, not Load).
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		DashboardAPIKey: strings.TrimSpace(os.Getenv("DASHBOARD_API_KEY")),

		PersonaPath:     strings.TrimSpace(os.Getenv("PERSONA_FILE_PATH")),
		BubbleSeparator: firstNonEmpty(os.Getenv("BUBBLE_SEPARATOR"), "[GLOBO]"),
		MinPrefixTokens: intFromEnv("MIN_PREFIX_TOKENS", 1024),

		LogPath:  strings.TrimSpace(os.Getenv("LOG_PATH")),
		LogLevel: firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),

		Obs: ObsConfig{
			OTLP:           strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
			ServiceName:    firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "nadia"),
			ServiceVersion: firstNonEmpty(os.Getenv("OTEL_SERVICE_VERSION"), "dev"),
			Environment:    firstNonEmpty(os.Getenv("ENVIRONMENT"), "development"),
		},

		Batching: BatchingConfig{
			WindowDelaySeconds:   floatFromEnv("TYPING_WINDOW_DELAY", 1.5),
			DebounceDelaySeconds: floatFromEnv("TYPING_DEBOUNCE_DELAY", 3.0),
			MaxWaitSeconds:       floatFromEnv("MAX_BATCH_WAIT_TIME", 15.0),
			MinBatchSize:         intFromEnv("MIN_BATCH_SIZE", 2),
			MaxBatchSize:         intFromEnv("MAX_BATCH_SIZE", 5),
		},

		Pacing: PacingConfig{
			Enabled: boolFromEnv("ENABLE_TYPING_PACING", true),
		},

		Review: ReviewConfig{
			RiskWeight:            floatFromEnv("REVIEW_RISK_WEIGHT", 1.0),
			QueueHighWaterMark:    intFromEnv("REVIEW_QUEUE_HIGH_WATER_MARK", 200),
			OutboundHighWaterMark: intFromEnv("OUTBOUND_QUEUE_HIGH_WATER_MARK", 200),
		},
	}

	cfg.LLM.Stage1 = ProviderConfig{
		Provider: firstNonEmpty(os.Getenv("LLM1_PROVIDER"), "anthropic"),
		APIKey:   strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		BaseURL:  strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")),
		Model:    firstNonEmpty(os.Getenv("LLM1_MODEL"), "claude-3-5-sonnet-latest"),
	}
	cfg.LLM.Stage2 = ProviderConfig{
		Provider: firstNonEmpty(os.Getenv("LLM2_PROVIDER"), "openai"),
		APIKey:   strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		BaseURL:  strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		Model:    firstNonEmpty(os.Getenv("LLM2_MODEL"), "gpt-4o-mini"),
	}
	// A stage explicitly routed to the other provider picks up that
	// provider's credentials instead of its default.
	if cfg.LLM.Stage1.Provider == "openai" {
		cfg.LLM.Stage1.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		cfg.LLM.Stage1.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	}
	if cfg.LLM.Stage2.Provider == "anthropic" {
		cfg.LLM.Stage2.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
		cfg.LLM.Stage2.BaseURL = strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL"))
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := parseInt(v); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := parseFloat(v); err == nil {
			return f
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
}
