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

// Config holds all configuration for the cdpmux binary.
type Config struct {
	// Browser launch settings
	BrowserBinary string
	Host          string
	Port          int
	BasePort      int
	BaseTab       string

	// Transport timeouts
	ConnTimeoutMS     int
	RecvTimeoutMS     int
	ShutdownTimeoutMS int

	// Control API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Logging and journaling
	LogLevel         string
	LogFile          string
	JournalFile      string
	JournalMaxSizeMB int

	StartupFile string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		BrowserBinary:     getEnvOrDefault("CDPMUX_BROWSER_BINARY", "chromium"),
		Host:              getEnvOrDefault("CDPMUX_HOST", "localhost"),
		Port:              getEnvIntOrDefault("CDPMUX_PORT", 0),
		BasePort:          getEnvIntOrDefault("CDPMUX_BASE_PORT", 9222),
		BaseTab:           getEnvOrDefault("CDPMUX_BASE_TAB", "base"),
		ConnTimeoutMS:     getEnvIntOrDefault("CDPMUX_CONN_TIMEOUT_MS", 10000),
		RecvTimeoutMS:     getEnvIntOrDefault("CDPMUX_RECV_TIMEOUT_MS", 30000),
		ShutdownTimeoutMS: getEnvIntOrDefault("CDPMUX_SHUTDOWN_TIMEOUT_MS", 5000),
		BindAddr:          getEnvOrDefault("CDPMUX_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:    getEnvListOrDefault("CDPMUX_PORT_CANDIDATES", nil),
		PortAutoFallback:  getEnvBoolOrDefault("CDPMUX_PORT_AUTO_FALLBACK", true),
		LogLevel:          strings.ToLower(getEnvOrDefault("CDPMUX_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("CDPMUX_LOG_FILE", "logs/cdpmux.log"),
		JournalFile:       getEnvOrDefault("CDPMUX_JOURNAL_FILE", ""),
		JournalMaxSizeMB:  getEnvIntOrDefault("CDPMUX_JOURNAL_MAX_SIZE_MB", 50),
		StartupFile:       getEnvOrDefault("CDPMUX_STARTUP_FILE", "./config/startup.yaml"),
	}
	if cfg.ConnTimeoutMS < 1000 {
		cfg.ConnTimeoutMS = 1000
	}
	if cfg.ShutdownTimeoutMS < 100 {
		cfg.ShutdownTimeoutMS = 100
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("CDPMUX_PORT %d out of range", cfg.Port)
	}
	if cfg.BasePort <= 0 || cfg.BasePort > 65535 {
		return nil, fmt.Errorf("CDPMUX_BASE_PORT %d out of range", cfg.BasePort)
	}
	if strings.TrimSpace(cfg.BaseTab) == "" {
		return nil, fmt.Errorf("CDPMUX_BASE_TAB must not be blank")
	}
	return cfg, nil
}

// ConnTimeout is the dial and per-read timeout for tab connections.
func (c *Config) ConnTimeout() time.Duration {
	return time.Duration(c.ConnTimeoutMS) * time.Millisecond
}

// RecvTimeout is the default wait for a receive when the caller gives none.
func (c *Config) RecvTimeout() time.Duration {
	return time.Duration(c.RecvTimeoutMS) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
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

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
