package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server" koanf:"server"`
	Auth   ConfigAuth   `toml:"auth" koanf:"auth"`
	Log    ConfigLog    `toml:"log" koanf:"log"`
	Alerts ConfigAlerts `toml:"alerts" koanf:"alerts"`
}

// ConfigServer locates the clinic console backend.
type ConfigServer struct {
	BaseURL string `toml:"base_url" koanf:"base_url"`
	WSURL   string `toml:"ws_url" koanf:"ws_url"`
	Timeout string `toml:"timeout" koanf:"timeout"`
}

// ConfigAuth holds the session token of the signed-in user.
type ConfigAuth struct {
	Token  string `toml:"token" koanf:"token"`
	UserID string `toml:"user_id" koanf:"user_id"`
}

type ConfigLog struct {
	Level  string `toml:"level" koanf:"level"`
	Format string `toml:"format" koanf:"format"`
}

// ConfigAlerts controls how `watch` raises alerts.
type ConfigAlerts struct {
	WebhookURL    string `toml:"webhook_url" koanf:"webhook_url"`
	WebhookSecret string `toml:"webhook_secret" koanf:"webhook_secret"`
	Bell          bool   `toml:"bell" koanf:"bell"`
}

// ============================================================================
// Config helpers
// ============================================================================

const (
	configPathEnv = "CHATSYNC_CONFIG"
	envPrefix     = "CHATSYNC_"
)

// configPath returns $CHATSYNC_CONFIG or ~/.chatsync/config.toml, creating
// the directory if needed.
func configPath() (string, error) {
	if p := os.Getenv(configPathEnv); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file alone. A missing file yields a
// zero-value Config.
func readConfigFile() (*Config, error) {
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

// loadConfig returns the effective configuration: the file, then
// CHATSYNC_SECTION__FIELD environment overrides.
func loadConfig() (*Config, error) {
	file, err := readConfigFile()
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(file, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load config file values: %w", err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps CHATSYNC_SERVER__BASE_URL to server.base_url.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
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

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "ws_url":
			cfg.Server.WSURL = value
		case "timeout":
			cfg.Server.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			if value != "console" && value != "json" {
				return fmt.Errorf("log.format must be console or json")
			}
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "alerts":
		switch field {
		case "webhook_url":
			cfg.Alerts.WebhookURL = value
		case "webhook_secret":
			cfg.Alerts.WebhookSecret = value
		case "bell":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("alerts.bell must be true or false")
			}
			cfg.Alerts.Bell = b
		default:
			return fmt.Errorf("unknown field %q in section [alerts]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, log, alerts)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Clinic console chat CLI",
	Long:  "Command-line client for the clinic console chat.\nBrowse conversations, send messages, and watch the live event stream.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override log.level (trace, debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
