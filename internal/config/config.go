package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/draftwatch/dw/internal/api"
)

const (
	defaultAPIBaseURL     = "http://127.0.0.1:8000"
	defaultRequestTimeout = 10 * time.Second
	defaultPingInterval   = 25 * time.Second
	defaultHistoryLimit   = 30
	defaultMode           = string(api.ModeHumanOptional)
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	APIBaseURL     string
	WSBaseURL      string
	RequestTimeout time.Duration
	PingInterval   time.Duration
	HistoryLimit   int
	DefaultMode    api.SessionMode
}

type fileConfig struct {
	APIBaseURL     *string `toml:"api_base_url"`
	WSBaseURL      *string `toml:"ws_base_url"`
	RequestTimeout *string `toml:"request_timeout"`
	PingInterval   *string `toml:"ping_interval"`
	HistoryLimit   *int    `toml:"history_limit"`
	DefaultMode    *string `toml:"default_mode"`
}

// Load reads config from ~/.dw/config.toml and overlays a project-local
// .dw/config.toml. A missing file is not an error; a malformed one is.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".dw", "config.toml"),
		filepath.Join(workingDir, ".dw", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		APIBaseURL:     defaultAPIBaseURL,
		RequestTimeout: defaultRequestTimeout,
		PingInterval:   defaultPingInterval,
		HistoryLimit:   defaultHistoryLimit,
		DefaultMode:    api.SessionMode(defaultMode),
	}
}

// fillDerived derives the ws base URL from the api base URL when the
// config file does not set one explicitly.
func (c *Config) fillDerived() {
	if strings.TrimSpace(c.WSBaseURL) != "" {
		return
	}
	derived := strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	switch {
	case strings.HasPrefix(derived, "https://"):
		derived = "wss://" + strings.TrimPrefix(derived, "https://")
	case strings.HasPrefix(derived, "http://"):
		derived = "ws://" + strings.TrimPrefix(derived, "http://")
	}
	c.WSBaseURL = derived
}

// Validate rejects configs that cannot possibly reach a collaborator.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if err := validateURL(c.APIBaseURL, "api_base_url", "http", "https"); err != nil {
		return err
	}
	if err := validateURL(c.WSBaseURL, "ws_base_url", "ws", "wss"); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0, got %s", c.RequestTimeout)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be > 0, got %s", c.PingInterval)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be > 0, got %d", c.HistoryLimit)
	}
	if !c.DefaultMode.Valid() {
		return fmt.Errorf("default_mode %q is not a recognized session mode", c.DefaultMode)
	}
	return nil
}

func validateURL(value, key string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(value))
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("%s %q is not an absolute URL", key, value)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("%s %q: scheme must be one of %s", key, value, strings.Join(schemes, ", "))
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if decoded.APIBaseURL != nil {
		cfg.APIBaseURL = strings.TrimSpace(*decoded.APIBaseURL)
	}
	if decoded.WSBaseURL != nil {
		cfg.WSBaseURL = strings.TrimSpace(*decoded.WSBaseURL)
	}
	if decoded.RequestTimeout != nil {
		value, err := parseDuration(*decoded.RequestTimeout, "request_timeout", path)
		if err != nil {
			return err
		}
		cfg.RequestTimeout = value
	}
	if decoded.PingInterval != nil {
		value, err := parseDuration(*decoded.PingInterval, "ping_interval", path)
		if err != nil {
			return err
		}
		cfg.PingInterval = value
	}
	if decoded.HistoryLimit != nil {
		cfg.HistoryLimit = *decoded.HistoryLimit
	}
	if decoded.DefaultMode != nil {
		cfg.DefaultMode = api.SessionMode(strings.ToLower(strings.TrimSpace(*decoded.DefaultMode)))
	}

	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}
