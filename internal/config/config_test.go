package config

import (
	"strings"
	"testing"
)

func TestLoadFromReaderFullConfig(t *testing.T) {
	yml := `
server:
  listen_addr: ":9090"
  log_level: debug
provider:
  voice: gemini-live
  api_key: test-key
  voice_model: gemini-2.0-flash-live-001
  analysis: openai
  analysis_model: gpt-4o-mini
pipeline:
  transcription_debounce_ms: 250
  echo_window_ms: 8000
analytics:
  timeout_ms: 3000
  escalation_threshold: 80
store:
  postgres_dsn: postgres://localhost/voicebridge
limits:
  supervisor_outbox: 128
`
	cfg, err := LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Pipeline.TranscriptionDebounceMS != 250 {
		t.Errorf("TranscriptionDebounceMS = %d, want 250", cfg.Pipeline.TranscriptionDebounceMS)
	}
	if cfg.Analytics.EscalationThreshold != 80 {
		t.Errorf("EscalationThreshold = %d, want 80", cfg.Analytics.EscalationThreshold)
	}
	// Unset fields pick up defaults.
	if cfg.Limits.CustomerOutbox != DefaultCustomerOutbox {
		t.Errorf("CustomerOutbox = %d, want default %d", cfg.Limits.CustomerOutbox, DefaultCustomerOutbox)
	}
	if cfg.Provider.AnalysisAPIKey != "test-key" {
		t.Errorf("AnalysisAPIKey = %q, want fallback to api_key", cfg.Provider.AnalysisAPIKey)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	yml := `
server:
  listen_addr: ":8080"
  bogus_field: true
`
	if _, err := LoadFromReader(strings.NewReader(yml)); err == nil {
		t.Fatal("LoadFromReader() accepted unknown field")
	}
}

func TestValidateJoinsAllFailures(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Provider.Voice = "unknown-provider"
	cfg.Analytics.EscalationThreshold = 250

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() = nil, want joined errors")
	}
	for _, want := range []string{"log_level", "provider.voice", "escalation_threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("API_KEY", "env-key")
	t.Setenv("PORT", "7070")
	t.Setenv("DEBUG", "true")
	t.Setenv("TRANSCRIPTION_DEBOUNCE_MS", "123")
	t.Setenv("ECHO_WINDOW_MS", "not-a-number")

	cfg := &Config{}
	cfg.Pipeline.EchoWindowMS = 9999
	ApplyEnv(cfg)

	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.Provider.APIKey)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Pipeline.TranscriptionDebounceMS != 123 {
		t.Errorf("TranscriptionDebounceMS = %d, want 123", cfg.Pipeline.TranscriptionDebounceMS)
	}
	// Unparsable values leave the existing setting alone.
	if cfg.Pipeline.EchoWindowMS != 9999 {
		t.Errorf("EchoWindowMS = %d, want 9999", cfg.Pipeline.EchoWindowMS)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir() + "/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want default %q", cfg.Server.ListenAddr, DefaultListenAddr)
	}
	if cfg.Pipeline.TranscriptionDebounce().Milliseconds() != DefaultDebounceMS {
		t.Errorf("TranscriptionDebounce = %v, want %dms", cfg.Pipeline.TranscriptionDebounce(), DefaultDebounceMS)
	}
}
