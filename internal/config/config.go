// Package config reads agent configuration from environment variables and
// an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the capture agent.
type Config struct {
	// CDP connection
	CDPAddress string
	CDPPort    int

	// Backend ingestion
	BackendURL    string
	APIToken      string // seeds the stored token when unset there
	SearchSpaceID int64
	UploadTimeout time.Duration

	// Capture behavior
	TabURLFilter string
	EvalTimeout  time.Duration
	FlushEvery   time.Duration

	// Storage
	DataDir string

	// HTTP API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration, applying defaults for anything unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("WEBTRAIL_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("WEBTRAIL_CDP_PORT", 9222),
		BackendURL:       strings.TrimRight(getEnvOrDefault("WEBTRAIL_BACKEND_URL", "http://127.0.0.1:8000"), "/"),
		APIToken:         os.Getenv("WEBTRAIL_API_TOKEN"),
		SearchSpaceID:    getEnvInt64OrDefault("WEBTRAIL_SEARCH_SPACE_ID", 0),
		UploadTimeout:    time.Duration(getEnvIntOrDefault("WEBTRAIL_UPLOAD_TIMEOUT_MS", 30000)) * time.Millisecond,
		TabURLFilter:     os.Getenv("WEBTRAIL_TAB_URL_FILTER"),
		EvalTimeout:      time.Duration(getEnvIntOrDefault("WEBTRAIL_EVAL_TIMEOUT_MS", 10000)) * time.Millisecond,
		FlushEvery:       time.Duration(getEnvIntOrDefault("WEBTRAIL_FLUSH_INTERVAL_SEC", 300)) * time.Second,
		DataDir:          getEnvOrDefault("WEBTRAIL_DATA_DIR", "./webtrail_data"),
		BindAddr:         getEnvOrDefault("WEBTRAIL_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   splitList(os.Getenv("WEBTRAIL_BIND_CANDIDATES")),
		PortAutoFallback: getEnvBoolOrDefault("WEBTRAIL_BIND_AUTO_FALLBACK", true),
		LogLevel:         strings.ToLower(getEnvOrDefault("WEBTRAIL_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("WEBTRAIL_LOG_FILE", "logs/webtrail.log"),
	}

	if cfg.EvalTimeout < time.Second {
		cfg.EvalTimeout = time.Second
	}
	if cfg.FlushEvery < 10*time.Second {
		cfg.FlushEvery = 10 * time.Second
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint used by the remote allocator.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64OrDefault(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
