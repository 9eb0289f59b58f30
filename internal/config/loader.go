package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidVoiceProviders lists the known streaming voice provider names.
var ValidVoiceProviders = []string{"gemini-live"}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config]. A missing file is
// not an error: the defaults plus environment are used.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := &Config{}
		ApplyEnv(cfg)
		ApplyDefaults(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
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

// LoadFromReader decodes a YAML config from r, applies the environment
// overrides and defaults, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the enumerated environment variables onto cfg. Environment
// values win over file values.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.ListenAddr = ":" + v
	}
	if v := os.Getenv("DEBUG"); v == "1" || v == "true" {
		cfg.Server.LogLevel = LogDebug
	}
	if v := os.Getenv("VOICE_MODEL"); v != "" {
		cfg.Provider.VoiceModel = v
	}
	if v := os.Getenv("ANALYSIS_MODEL"); v != "" {
		cfg.Provider.AnalysisModel = v
	}
	overlayInt(&cfg.Pipeline.TranscriptionDebounceMS, "TRANSCRIPTION_DEBOUNCE_MS")
	overlayInt(&cfg.Pipeline.EchoWindowMS, "ECHO_WINDOW_MS")
	overlayInt(&cfg.Analytics.TimeoutMS, "ANALYTICS_TIMEOUT_MS")
	overlayInt(&cfg.Pipeline.ConnectTimeoutMS, "CONNECT_TIMEOUT_MS")
}

// overlayInt parses the named environment variable as an integer into dst;
// unparsable values are ignored.
func overlayInt(dst *int, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	known := false
	for _, name := range ValidVoiceProviders {
		if cfg.Provider.Voice == name {
			known = true
			break
		}
	}
	if !known {
		errs = append(errs, fmt.Errorf("provider.voice %q is unknown; valid values: %v", cfg.Provider.Voice, ValidVoiceProviders))
	}

	if cfg.Pipeline.TranscriptionDebounceMS < 0 {
		errs = append(errs, fmt.Errorf("pipeline.transcription_debounce_ms must be >= 0, got %d", cfg.Pipeline.TranscriptionDebounceMS))
	}
	if cfg.Pipeline.EchoWindowMS < 0 {
		errs = append(errs, fmt.Errorf("pipeline.echo_window_ms must be >= 0, got %d", cfg.Pipeline.EchoWindowMS))
	}
	if cfg.Analytics.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("analytics.timeout_ms must be >= 0, got %d", cfg.Analytics.TimeoutMS))
	}
	if cfg.Analytics.EscalationThreshold < 0 || cfg.Analytics.EscalationThreshold > 100 {
		errs = append(errs, fmt.Errorf("analytics.escalation_threshold %d is out of range [0, 100]", cfg.Analytics.EscalationThreshold))
	}
	if cfg.Limits.SupervisorOutbox < 1 {
		errs = append(errs, fmt.Errorf("limits.supervisor_outbox must be >= 1, got %d", cfg.Limits.SupervisorOutbox))
	}
	if cfg.Limits.CustomerOutbox < 1 {
		errs = append(errs, fmt.Errorf("limits.customer_outbox must be >= 1, got %d", cfg.Limits.CustomerOutbox))
	}
	if cfg.Limits.AIOutbox < 1 {
		errs = append(errs, fmt.Errorf("limits.ai_outbox must be >= 1, got %d", cfg.Limits.AIOutbox))
	}

	return errors.Join(errs...)
}
