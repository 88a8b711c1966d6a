package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by the loader when the corresponding field is zero.
const (
	DefaultVADSilenceMs       = 500
	DefaultVADThreshold       = 0.6
	DefaultBargeInDebounceMs  = 1000
	DefaultBargeInMinRemainMs = 2000
	DefaultTimingSummaryMs    = 5000
	DefaultNotifyTimeoutSecs  = 10
	DefaultRealtimeURL        = "wss://api.openai.com/v1/realtime"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Realtime.URL == "" {
		cfg.Realtime.URL = DefaultRealtimeURL
	}
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Notifications.TimeoutSeconds <= 0 {
		cfg.Notifications.TimeoutSeconds = DefaultNotifyTimeoutSecs
	}
	f := &cfg.Features
	if f.VADSilenceMs <= 0 {
		f.VADSilenceMs = DefaultVADSilenceMs
	}
	if f.VADThreshold <= 0 {
		f.VADThreshold = DefaultVADThreshold
	}
	if f.BargeInDebounceMs <= 0 {
		f.BargeInDebounceMs = DefaultBargeInDebounceMs
	}
	if f.BargeInMinRemainMs <= 0 {
		f.BargeInMinRemainMs = DefaultBargeInMinRemainMs
	}
	if f.TimingSummaryMs <= 0 {
		f.TimingSummaryMs = DefaultTimingSummaryMs
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Realtime.Model == "" {
		errs = append(errs, errors.New("realtime.model is required"))
	}
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required (or set OPENAI_API_KEY)"))
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if cfg.Features.VADThreshold > 1.0 {
		errs = append(errs, fmt.Errorf("features.vad_threshold %.2f is out of range (0, 1]", cfg.Features.VADThreshold))
	}

	return errors.Join(errs...)
}
