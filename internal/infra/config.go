package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv            string
	Port              string
	ComfyUIHost       string
	WorkflowPath      string
	OutputNodeID      string
	GenerationTimeout time.Duration
	TaskRetention     time.Duration
	SweepInterval     time.Duration
	HTTPReadTimeout   time.Duration
	HTTPWriteTimeout  time.Duration
	HTTPIdleTimeout   time.Duration
	RateLimitPerMin   int
	AllowedOrigins    []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		ComfyUIHost:       getEnv("COMFYUI_HOST", "127.0.0.1:8188"),
		WorkflowPath:      getEnv("WORKFLOW_PATH", "comfyui/workflows/interest_to_doodle.json"),
		OutputNodeID:      getEnv("OUTPUT_NODE_ID", "9"),
		GenerationTimeout: time.Second * time.Duration(getEnvInt("GENERATION_TIMEOUT_SECONDS", 300)),
		TaskRetention:     time.Minute * time.Duration(getEnvInt("TASK_RETENTION_MINUTES", 60)),
		SweepInterval:     time.Minute * time.Duration(getEnvInt("TASK_SWEEP_INTERVAL_MINUTES", 5)),
		HTTPReadTimeout:   time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:  time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:   time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:   getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:    splitEnvList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	if cfg.ComfyUIHost == "" {
		return nil, fmt.Errorf("COMFYUI_HOST is required")
	}

	if cfg.OutputNodeID == "" {
		return nil, fmt.Errorf("OUTPUT_NODE_ID is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitEnvList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
