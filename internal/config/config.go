// Package config provides the configuration schema and loader for the
// voicebridge mediation server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], then overlaid with environment
// variables via [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Store     StoreConfig     `yaml:"store"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the control surface listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// SupervisorToken, when non-empty, is required as a bearer token on
	// supervisor WebSocket upgrades.
	SupervisorToken string `yaml:"supervisor_token"`
}

// ProviderConfig selects the upstream streaming voice provider and the
// analytics LLM backend.
type ProviderConfig struct {
	// Voice selects the streaming voice provider implementation
	// (currently "gemini-live").
	Voice string `yaml:"voice"`

	// APIKey is the credential for the voice provider.
	APIKey string `yaml:"api_key"`

	// VoiceModel is the streaming conversational model identifier.
	VoiceModel string `yaml:"voice_model"`

	// VoiceName selects a prebuilt synthesis voice, provider-specific.
	VoiceName string `yaml:"voice_name"`

	// BaseURL overrides the voice provider endpoint. Used in tests.
	BaseURL string `yaml:"base_url"`

	// Instructions is the system prompt for the voice agent.
	Instructions string `yaml:"instructions"`

	// Analysis selects the analytics LLM backend ("openai" or any backend
	// name understood by the any-llm bridge, e.g. "anthropic", "ollama").
	Analysis string `yaml:"analysis"`

	// AnalysisAPIKey is the credential for the analytics backend. Falls back
	// to APIKey when empty.
	AnalysisAPIKey string `yaml:"analysis_api_key"`

	// AnalysisModel is the model identifier for analytics calls.
	AnalysisModel string `yaml:"analysis_model"`

	// AnalysisFallback optionally names a second analytics backend tried when
	// the primary fails or its circuit breaker is open.
	AnalysisFallback string `yaml:"analysis_fallback"`

	// AnalysisFallbackModel is the model for the fallback backend. Falls back
	// to AnalysisModel when empty.
	AnalysisFallbackModel string `yaml:"analysis_fallback_model"`
}

// PipelineConfig tunes the transcription pipelines.
type PipelineConfig struct {
	// TranscriptionDebounceMS is the quiet period after which buffered input
	// transcript chunks are finalized.
	TranscriptionDebounceMS int `yaml:"transcription_debounce_ms"`

	// EchoWindowMS is how long an AI sentence suppresses matching customer
	// transcripts.
	EchoWindowMS int `yaml:"echo_window_ms"`

	// ConnectTimeoutMS bounds the voice provider setup handshake.
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`
}

// AnalyticsConfig tunes the best-effort analytics tasks.
type AnalyticsConfig struct {
	// TimeoutMS bounds each analytics task; a timeout counts as a failure.
	TimeoutMS int `yaml:"timeout_ms"`

	// EscalationThreshold is the frustration score at or above which an
	// escalation alert is raised.
	EscalationThreshold int `yaml:"escalation_threshold"`
}

// StoreConfig configures summary persistence.
type StoreConfig struct {
	// PostgresDSN is the connection string for the summary store. When empty,
	// summaries are logged and discarded.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LimitsConfig sets the bounded-queue capacities of the mediation core.
type LimitsConfig struct {
	// SupervisorOutbox is the per-supervisor outbound queue capacity.
	SupervisorOutbox int `yaml:"supervisor_outbox"`

	// CustomerOutbox is the per-customer outbound queue capacity. Overflow
	// ends the session.
	CustomerOutbox int `yaml:"customer_outbox"`

	// AIOutbox is the outbound audio queue capacity toward the provider.
	AIOutbox int `yaml:"ai_outbox"`
}

// Defaults for every tunable; applied by [ApplyDefaults] wherever the loaded
// value is zero.
const (
	DefaultListenAddr          = ":8080"
	DefaultVoiceProvider       = "gemini-live"
	DefaultVoiceModel          = "gemini-2.0-flash-live-001"
	DefaultAnalysisProvider    = "openai"
	DefaultAnalysisModel       = "gpt-4o-mini"
	DefaultDebounceMS          = 400
	DefaultEchoWindowMS        = 10_000
	DefaultAnalyticsTimeoutMS  = 5_000
	DefaultConnectTimeoutMS    = 10_000
	DefaultEscalationThreshold = 70
	DefaultSupervisorOutbox    = 256
	DefaultCustomerOutbox      = 64
	DefaultAIOutbox            = 128
)

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Voice == "" {
		cfg.Provider.Voice = DefaultVoiceProvider
	}
	if cfg.Provider.VoiceModel == "" {
		cfg.Provider.VoiceModel = DefaultVoiceModel
	}
	if cfg.Provider.Analysis == "" {
		cfg.Provider.Analysis = DefaultAnalysisProvider
	}
	if cfg.Provider.AnalysisModel == "" {
		cfg.Provider.AnalysisModel = DefaultAnalysisModel
	}
	if cfg.Provider.AnalysisAPIKey == "" {
		cfg.Provider.AnalysisAPIKey = cfg.Provider.APIKey
	}
	if cfg.Provider.AnalysisFallback != "" && cfg.Provider.AnalysisFallbackModel == "" {
		cfg.Provider.AnalysisFallbackModel = cfg.Provider.AnalysisModel
	}
	if cfg.Pipeline.TranscriptionDebounceMS == 0 {
		cfg.Pipeline.TranscriptionDebounceMS = DefaultDebounceMS
	}
	if cfg.Pipeline.EchoWindowMS == 0 {
		cfg.Pipeline.EchoWindowMS = DefaultEchoWindowMS
	}
	if cfg.Pipeline.ConnectTimeoutMS == 0 {
		cfg.Pipeline.ConnectTimeoutMS = DefaultConnectTimeoutMS
	}
	if cfg.Analytics.TimeoutMS == 0 {
		cfg.Analytics.TimeoutMS = DefaultAnalyticsTimeoutMS
	}
	if cfg.Analytics.EscalationThreshold == 0 {
		cfg.Analytics.EscalationThreshold = DefaultEscalationThreshold
	}
	if cfg.Limits.SupervisorOutbox == 0 {
		cfg.Limits.SupervisorOutbox = DefaultSupervisorOutbox
	}
	if cfg.Limits.CustomerOutbox == 0 {
		cfg.Limits.CustomerOutbox = DefaultCustomerOutbox
	}
	if cfg.Limits.AIOutbox == 0 {
		cfg.Limits.AIOutbox = DefaultAIOutbox
	}
}

// TranscriptionDebounce returns the debounce quiet period.
func (p PipelineConfig) TranscriptionDebounce() time.Duration {
	return time.Duration(p.TranscriptionDebounceMS) * time.Millisecond
}

// EchoWindow returns the echo suppression window.
func (p PipelineConfig) EchoWindow() time.Duration {
	return time.Duration(p.EchoWindowMS) * time.Millisecond
}

// ConnectTimeout returns the provider handshake deadline.
func (p PipelineConfig) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMS) * time.Millisecond
}

// Timeout returns the per-task analytics deadline.
func (a AnalyticsConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}
