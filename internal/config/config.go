// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Process runner kinds.
const (
	RunnerExec   = "exec"
	RunnerDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	BotToken string
	Port     string
	GRPCPort string // "" disables the gRPC health server
	DBPath   string

	Bootstrap BootstrapConfig
	Process   ProcessConfig
	Delivery  DeliveryConfig

	SessionTTL      time.Duration
	ClassifierRules string
	SummaryInterval time.Duration
	IdleResetDelay  time.Duration
	TelegramRPS     float64
}

// BootstrapConfig controls the one-time fetch of the external program.
type BootstrapConfig struct {
	Skip       bool
	RepoURL    string
	InstallCmd string
}

// ProcessConfig controls how per-user programs are launched.
type ProcessConfig struct {
	Dir         string
	Command     []string
	Runner      string
	DockerImage string
}

// DeliveryConfig tunes the outbound message queue.
type DeliveryConfig struct {
	InterMessageDelay time.Duration
	RateLimitBackoff  time.Duration
	RetryDelay        time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		BotToken: getEnv("BOT_TOKEN", ""),
		Port:     getEnv("PORT", "3000"),
		GRPCPort: getEnv("GRPC_PORT", ""),
		DBPath:   getEnv("DB_PATH", "./data/relaybot.db"),
		Bootstrap: BootstrapConfig{
			Skip:       getEnvBool("SKIP_BOOTSTRAP", false),
			RepoURL:    getEnv("REPO_URL", ""),
			InstallCmd: getEnv("INSTALL_CMD", "npm install"),
		},
		Process: ProcessConfig{
			Dir:         getEnv("REPO_DIR", "./java"),
			Command:     strings.Fields(getEnv("PROCESS_COMMAND", "node index.js")),
			Runner:      strings.ToLower(getEnv("RUNNER", RunnerExec)),
			DockerImage: getEnv("DOCKER_IMAGE", "node:20-alpine"),
		},
		Delivery: DeliveryConfig{
			InterMessageDelay: getEnvDuration("INTER_MESSAGE_DELAY", 2*time.Second),
			RateLimitBackoff:  getEnvDuration("RATE_LIMIT_BACKOFF", 15*time.Second),
			RetryDelay:        getEnvDuration("RETRY_DELAY", 2*time.Second),
		},
		SessionTTL:      getEnvDuration("SESSION_TTL", 24*time.Hour),
		ClassifierRules: getEnv("CLASSIFIER_RULES", ""),
		SummaryInterval: getEnvDuration("SUMMARY_INTERVAL", 60*time.Second),
		IdleResetDelay:  getEnvDuration("IDLE_RESET_DELAY", 30*time.Second),
		TelegramRPS:     getEnvFloat("TELEGRAM_RPS", 25),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Process.Dir == "" {
		return fmt.Errorf("REPO_DIR cannot be empty")
	}
	if len(c.Process.Command) == 0 {
		return fmt.Errorf("PROCESS_COMMAND cannot be empty")
	}
	switch c.Process.Runner {
	case RunnerExec:
	case RunnerDocker:
		if c.Process.DockerImage == "" {
			return fmt.Errorf("DOCKER_IMAGE cannot be empty when RUNNER=docker")
		}
	default:
		return fmt.Errorf("RUNNER must be %q or %q, got %q", RunnerExec, RunnerDocker, c.Process.Runner)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SummaryInterval <= 0 {
		return fmt.Errorf("SUMMARY_INTERVAL must be > 0")
	}
	if c.TelegramRPS <= 0 {
		return fmt.Errorf("TELEGRAM_RPS must be > 0")
	}
	return nil
}

// ValidateServe additionally checks what the bot server needs.
func (c *Config) ValidateServe() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	if !c.Bootstrap.Skip && c.Bootstrap.RepoURL == "" {
		return fmt.Errorf("REPO_URL is required unless SKIP_BOOTSTRAP is set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or plain milliseconds ("2000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
