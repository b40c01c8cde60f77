package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicdesk/chatsync"
)

// mustConfig loads the effective config and exits if no token is set.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'chatsync init <token> <user-id>' first.")
		os.Exit(1)
	}
	return cfg
}

// newLogger builds the root logger from [log], honoring --log-level.
func newLogger(cfg *Config) zerolog.Logger {
	level := cfg.Log.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}

	zerolog.TimeFieldFormat = time.RFC3339
	out := zerolog.New(os.Stderr)
	if cfg.Log.Format != "json" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	return out.Level(parseLevel(level)).With().Timestamp().Logger()
}

// parseLevel converts a string level to zerolog.Level. Unknown values fall
// back to warn so the CLI stays quiet by default.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.WarnLevel
	}
}

func baseURL(cfg *Config) string {
	return valueOrDefault(cfg.Server.BaseURL, chatsync.DefaultBaseURL)
}

func requestTimeout(cfg *Config) time.Duration {
	if cfg.Server.Timeout == "" {
		return chatsync.DefaultTimeout
	}
	d, err := time.ParseDuration(cfg.Server.Timeout)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "Ignoring invalid server.timeout %q\n", cfg.Server.Timeout)
		return chatsync.DefaultTimeout
	}
	return d
}

// newBackend creates a REST client authenticated with the configured token.
func newBackend(cfg *Config, log zerolog.Logger) *chatsync.HTTPBackend {
	return chatsync.NewHTTPBackend(cfg.Auth.Token,
		chatsync.WithBaseURL(baseURL(cfg)),
		chatsync.WithTimeout(requestTimeout(cfg)),
		chatsync.WithBackendLogger(log),
	)
}

// wsURL returns server.ws_url, or the endpoint derived from the base URL.
func wsURL(cfg *Config, token string) string {
	if cfg.Server.WSURL != "" {
		sep := "?"
		if strings.Contains(cfg.Server.WSURL, "?") {
			sep = "&"
		}
		return cfg.Server.WSURL + sep + "token=" + url.QueryEscape(token)
	}
	return chatsync.WSURL(baseURL(cfg), token)
}

// maskToken shows the first 6 and last 4 characters of a secret.
func maskToken(tok string) string {
	switch {
	case tok == "":
		return ""
	case len(tok) <= 4:
		return "..."
	case len(tok) <= 12:
		return tok[:2] + "..."
	}
	return tok[:6] + "..." + tok[len(tok)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
