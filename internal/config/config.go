package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"spriteforge.dev/internal/protocol"
)

type Config struct {
	// Wire endpoints
	CommandAddr   string
	BroadcastAddr string

	// Diagnostics HTTP
	HTTPPort string

	// Scheduling
	Concurrency int

	// Backend; "sim" or "comfy"
	Backend    string
	BackendURL string
	OutputDir  string

	// Model directories
	CheckpointDir string
	LoraDir       string
	VaeDir        string

	// Preview cache budget in megabytes
	PreviewBudgetMB int

	// Persistence; either may be empty to run in-memory only
	RedisURL    string
	DatabaseURL string

	// Logging
	LogLevel  slog.Level
	LogFormat string // "json", "text" or "console"

	// Tracing
	OTLPEndpoint string
	ServiceName  string

	EnableTracing bool
}

func Load() (*Config, error) {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := &Config{
		CommandAddr:     getEnv("COMMAND_ADDR", protocol.DefaultCommandAddr),
		BroadcastAddr:   getEnv("BROADCAST_ADDR", protocol.DefaultBroadcastAddr),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		Concurrency:     getEnvInt("CONCURRENCY", 1),
		Backend:         getEnv("BACKEND", "sim"),
		BackendURL:      getEnv("BACKEND_URL", "http://127.0.0.1:8188"),
		OutputDir:       getEnv("OUTPUT_DIR", "./output"),
		CheckpointDir:   getEnv("CHECKPOINT_DIR", "./models/checkpoints"),
		LoraDir:         getEnv("LORA_DIR", "./models/loras"),
		VaeDir:          getEnv("VAE_DIR", "./models/vae"),
		PreviewBudgetMB: getEnvInt("PREVIEW_BUDGET_MB", 64),
		RedisURL:        getEnv("REDIS_URL", ""),
		DatabaseURL:     getEnv("DB_URL", ""),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", ""),
		ServiceName:     getEnv("SERVICE_NAME", "spriteforge"),
		EnableTracing:   getEnvBool("ENABLE_TRACING", false),
	}

	// Parse log level
	logLevelStr := getEnv("LOG_LEVEL", "info")
	switch logLevelStr {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "info":
		cfg.LogLevel = slog.LevelInfo
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}
