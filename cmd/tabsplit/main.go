package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.tabsplit/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Sync    ConfigSync    `toml:"sync"`
	Storage ConfigStorage `toml:"storage"`
	Log     ConfigLog     `toml:"log"`
	Metrics ConfigMetrics `toml:"metrics"`
}

// ConfigDefault holds the server settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	// Transport is the push transport: "ws" (default), "sse" or "webhook".
	Transport string `toml:"transport"`
}

// ConfigAuth holds credentials.
type ConfigAuth struct {
	Token         string `toml:"token"`
	UserID        string `toml:"user_id"`
	WebhookSecret string `toml:"webhook_secret"`
}

// ConfigSync tunes the sync engine. Durations use Go syntax ("500ms", "2m").
type ConfigSync struct {
	MaxAttempts    int    `toml:"max_attempts"`
	BackoffBase    string `toml:"backoff_base"`
	BackoffMax     string `toml:"backoff_max"`
	RequestTimeout string `toml:"request_timeout"`
	SendTimeout    string `toml:"send_timeout"`
	MatchTolerance string `toml:"match_tolerance"`
}

// ConfigStorage selects where the cache and queue live.
type ConfigStorage struct {
	DataDir string `toml:"data_dir"`
	// Backend is "sqlite" (default), "file" or "memory".
	Backend string `toml:"backend"`
}

// ConfigLog configures logging.
type ConfigLog struct {
	Level string `toml:"level"`
	// File, when set, receives a rotating JSON log in addition to stderr.
	File string `toml:"file"`
}

// ConfigMetrics configures the Prometheus endpoint of `tabsplit run`.
type ConfigMetrics struct {
	Addr string `toml:"addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns $TABSPLIT_HOME or ~/.tabsplit, creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("TABSPLIT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".tabsplit")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	duration := func(dst *string) error {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = value
		return nil
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "transport":
			switch value {
			case "ws", "sse", "webhook":
			default:
				return fmt.Errorf("transport must be ws, sse or webhook")
			}
			cfg.Default.Transport = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "webhook_secret":
			cfg.Auth.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "max_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("max_attempts must be a positive integer")
			}
			cfg.Sync.MaxAttempts = n
		case "backoff_base":
			return duration(&cfg.Sync.BackoffBase)
		case "backoff_max":
			return duration(&cfg.Sync.BackoffMax)
		case "request_timeout":
			return duration(&cfg.Sync.RequestTimeout)
		case "send_timeout":
			return duration(&cfg.Sync.SendTimeout)
		case "match_tolerance":
			return duration(&cfg.Sync.MatchTolerance)
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "storage":
		switch field {
		case "data_dir":
			cfg.Storage.DataDir = value
		case "backend":
			switch value {
			case "sqlite", "file", "memory":
			default:
				return fmt.Errorf("backend must be sqlite, file or memory")
			}
			cfg.Storage.Backend = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "file":
			cfg.Log.File = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "metrics":
		switch field {
		case "addr":
			cfg.Metrics.Addr = value
		default:
			return fmt.Errorf("unknown field %q in section [metrics]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync, storage, log, metrics)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "tabsplit",
	Short:        "tabsplit offline-first client",
	Long:         "Command-line client for tabsplit.\nSend messages offline, inspect the mutation queue and run the sync engine.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
