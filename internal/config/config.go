// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"tg_monitor/internal/model"
)

// BootstrapAccount is an account configured up front via the environment.
type BootstrapAccount struct {
	Identity string
	Token    string
}

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	LogLevel     string
	Timezone     string

	Accounts      []BootstrapAccount
	ExecutionMode model.ExecutionMode
	QueueSize     int
	Workers       int

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string
}

// Load reads configuration from the environment, after loading a .env file
// when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:  getenv("DATABASE_PATH", "./data/monitor.db"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		Timezone:      getenv("TIMEZONE", "Local"),
		ExecutionMode: model.ExecutionMode(getenv("EXECUTION_MODE", string(model.ModeMerge))),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   getenv("OPENAI_MODEL", "gpt-4o-mini"),
		SMTPHost:      os.Getenv("SMTP_HOST"),
		SMTPUser:      os.Getenv("SMTP_USER"),
		SMTPPass:      os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:      os.Getenv("SMTP_FROM"),
	}

	switch cfg.ExecutionMode {
	case model.ModeMerge, model.ModeAll, model.ModeFirstMatch:
	default:
		return nil, fmt.Errorf("invalid EXECUTION_MODE %q", cfg.ExecutionMode)
	}

	var err error
	if cfg.QueueSize, err = getint("QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.Workers, err = getint("WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.SMTPPort, err = getint("SMTP_PORT", 587); err != nil {
		return nil, err
	}

	// ACCOUNTS holds comma-separated identity:token pairs for first-run
	// bootstrap; accounts added at runtime are persisted instead.
	if raw := os.Getenv("ACCOUNTS"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			identity, token, ok := strings.Cut(pair, ":")
			if !ok || identity == "" || token == "" {
				return nil, fmt.Errorf("invalid account entry %q in ACCOUNTS", pair)
			}
			cfg.Accounts = append(cfg.Accounts, BootstrapAccount{
				Identity: strings.TrimSpace(identity),
				Token:    strings.TrimSpace(token),
			})
		}
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
