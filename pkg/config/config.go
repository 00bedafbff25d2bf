// Package config loads the execops configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/natefinch/atomic"
)

const envPrefix = "EXECOPS_"

// Config is the on-disk configuration.
type Config struct {
	DeadlineMs       int    `yaml:"deadline_ms"`
	MaxLifetimeMs    int    `yaml:"max_lifetime_ms"`
	DrainGraceMs     int    `yaml:"drain_grace_ms"`
	MaxOutputBytes   int    `yaml:"max_output_bytes"`
	MaxCallStackSize int    `yaml:"max_call_stack_size"`
	MaxStringLength  int    `yaml:"max_string_length"`
	EchoResult       *bool  `yaml:"echo_result,omitempty"`
	Listen           string `yaml:"listen"`
	WebRoot          string `yaml:"web_root,omitempty"`
	HistoryPath      string `yaml:"history_path,omitempty"`
	OTLPEndpoint     string `yaml:"otlp_endpoint,omitempty"`
	APIToken         string `yaml:"api_token,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	echo := true
	return &Config{
		DeadlineMs:       1000,
		MaxLifetimeMs:    10000,
		DrainGraceMs:     250,
		MaxOutputBytes:   1 << 20,
		MaxCallStackSize: 10000,
		MaxStringLength:  1 << 24,
		EchoResult:       &echo,
		Listen:           "127.0.0.1:8080",
	}
}

func (c *Config) Deadline() time.Duration {
	return time.Duration(c.DeadlineMs) * time.Millisecond
}

func (c *Config) MaxLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeMs) * time.Millisecond
}

func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceMs) * time.Millisecond
}

// Echo reports whether completion values are echoed.
func (c *Config) Echo() bool {
	return c.EchoResult == nil || *c.EchoResult
}

// Validate checks the values a supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DeadlineMs <= 0 {
		errs = append(errs, fmt.Errorf("deadline_ms must be positive, got %d", c.DeadlineMs))
	}
	if c.MaxLifetimeMs < 0 {
		errs = append(errs, fmt.Errorf("max_lifetime_ms cannot be negative, got %d", c.MaxLifetimeMs))
	}
	if c.MaxLifetimeMs > 0 && c.MaxLifetimeMs < c.DeadlineMs {
		errs = append(errs, fmt.Errorf("max_lifetime_ms (%d) is shorter than deadline_ms (%d)", c.MaxLifetimeMs, c.DeadlineMs))
	}
	if c.DrainGraceMs < 0 {
		errs = append(errs, fmt.Errorf("drain_grace_ms cannot be negative, got %d", c.DrainGraceMs))
	}
	if c.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("max_output_bytes cannot be negative, got %d", c.MaxOutputBytes))
	}
	if c.MaxStringLength < 0 {
		errs = append(errs, fmt.Errorf("max_string_length cannot be negative, got %d", c.MaxStringLength))
	}
	return errors.Join(errs...)
}

// Load reads the configuration at path on top of the defaults, then applies
// EXECOPS_* environment overrides, including those from a .env file in the
// working directory. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("No config file, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// DefaultPath is where the configuration lives when --config is not given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "execops.yaml"
	}
	return filepath.Join(dir, "execops", "config.yaml")
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	ints := map[string]*int{
		"DEADLINE_MS":         &cfg.DeadlineMs,
		"MAX_LIFETIME_MS":     &cfg.MaxLifetimeMs,
		"DRAIN_GRACE_MS":      &cfg.DrainGraceMs,
		"MAX_OUTPUT_BYTES":    &cfg.MaxOutputBytes,
		"MAX_CALL_STACK_SIZE": &cfg.MaxCallStackSize,
		"MAX_STRING_LENGTH":   &cfg.MaxStringLength,
	}
	for name, dst := range ints {
		v, ok := lookup(envPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}

	strs := map[string]*string{
		"LISTEN":        &cfg.Listen,
		"WEB_ROOT":      &cfg.WebRoot,
		"HISTORY_PATH":  &cfg.HistoryPath,
		"OTLP_ENDPOINT": &cfg.OTLPEndpoint,
		"API_TOKEN":     &cfg.APIToken,
	}
	for name, dst := range strs {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(envPrefix + "ECHO_RESULT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sECHO_RESULT: %w", envPrefix, err)
		}
		cfg.EchoResult = &b
	}
	return nil
}
