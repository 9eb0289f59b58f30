// Command voicebridge is the main entry point for the voicebridge mediation
// server: customers talk to a streaming voice AI over WebSocket, supervisors
// observe and intervene, post-call summaries land in Postgres.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voicebridge/voicebridge/internal/analytics"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/fanout"
	"github.com/voicebridge/voicebridge/internal/health"
	"github.com/voicebridge/voicebridge/internal/observe"
	"github.com/voicebridge/voicebridge/internal/resilience"
	"github.com/voicebridge/voicebridge/internal/server"
	"github.com/voicebridge/voicebridge/internal/session"
	"github.com/voicebridge/voicebridge/pkg/provider/llm"
	"github.com/voicebridge/voicebridge/pkg/provider/llm/anyllm"
	oaillm "github.com/voicebridge/voicebridge/pkg/provider/llm/openai"
	geminilive "github.com/voicebridge/voicebridge/pkg/provider/voice/gemini"
	"github.com/voicebridge/voicebridge/pkg/store"
	"github.com/voicebridge/voicebridge/pkg/store/postgres"
	"github.com/voicebridge/voicebridge/pkg/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicebridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"voice_provider", cfg.Provider.Voice,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicebridge",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Summary store (optional) ──────────────────────────────────────────────
	var summaryStore store.Store
	var pg *postgres.Store
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pg, err = postgres.NewStore(ctx, dsn, postgres.WithLogger(logger))
		if err != nil {
			slog.Error("failed to open summary store", "err", err)
			return 1
		}
		summaryStore = pg
		slog.Info("summary store connected")
	} else {
		slog.Warn("no postgres_dsn configured; summaries will not be persisted")
	}

	// ── Analytics collaborator ────────────────────────────────────────────────
	llmProvider, err := buildAnalysisProvider(cfg)
	if err != nil {
		slog.Error("failed to build analysis provider", "err", err)
		return 1
	}
	analyzer := analytics.NewAnalyzer(llmProvider,
		analytics.WithEscalationThreshold(cfg.Analytics.EscalationThreshold))

	// ── Voice provider ────────────────────────────────────────────────────────
	var voiceOpts []geminilive.Option
	if cfg.Provider.VoiceModel != "" {
		voiceOpts = append(voiceOpts, geminilive.WithModel(cfg.Provider.VoiceModel))
	}
	if cfg.Provider.BaseURL != "" {
		voiceOpts = append(voiceOpts, geminilive.WithBaseURL(cfg.Provider.BaseURL))
	}
	voiceOpts = append(voiceOpts,
		geminilive.WithConnectTimeout(cfg.Pipeline.ConnectTimeout()),
		geminilive.WithAudioOutbox(cfg.Limits.AIOutbox),
	)
	voiceProvider := geminilive.New(cfg.Provider.APIKey, voiceOpts...)

	// ── Mediation core ────────────────────────────────────────────────────────
	// The hub's attach-time snapshot comes from the manager, which needs the
	// hub to broadcast; the closure breaks the cycle.
	var manager *session.Manager
	hub := fanout.New(
		fanout.WithLogger(logger),
		fanout.WithSnapshot(func() wire.Event { return manager.SessionsListEvent() }),
		fanout.WithDropHook(metrics.RecordDropped),
	)
	manager = session.NewManager(session.ManagerConfig{
		Session: session.Config{
			Instructions:          cfg.Provider.Instructions,
			Voice:                 cfg.Provider.VoiceName,
			TranscriptionDebounce: cfg.Pipeline.TranscriptionDebounce(),
			EchoWindow:            cfg.Pipeline.EchoWindow(),
		},
		AnalyticsTimeout: cfg.Analytics.Timeout(),
	}, session.ManagerDeps{
		Provider: voiceProvider,
		Analyzer: analyzer,
		Hub:      hub,
		Writer:   summaryWriter(summaryStore),
		Metrics:  metrics,
		Logger:   logger,
	})

	// ── Control surface ───────────────────────────────────────────────────────
	checkers := []health.Checker{{
		Name: "providers",
		Check: func(context.Context) error {
			if cfg.Provider.APIKey == "" {
				return errors.New("voice provider api key missing")
			}
			return nil
		},
	}}
	if pg != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: pg.Ping})
	}
	healthHandler := health.New(checkers...)
	healthHandler.Sessions = manager.ActiveCount

	srv := server.New(server.Config{
		SupervisorToken:  cfg.Server.SupervisorToken,
		SupervisorOutbox: cfg.Limits.SupervisorOutbox,
		CustomerOutbox:   cfg.Limits.CustomerOutbox,
	}, server.Deps{
		Manager:  manager,
		Hub:      hub,
		Store:    summaryStore,
		Analyzer: analyzer,
		Health:   healthHandler,
		Metrics:  metrics,
		Logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	exit := 0
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("session shutdown error", "err", err)
		exit = 1
	}
	if summaryStore != nil {
		if err := summaryStore.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// buildAnalysisProvider creates the analytics LLM backend named in the config:
// "openai" uses the native client, everything else goes through the any-llm
// bridge. When a fallback backend is configured, both are composed into a
// failover chain with per-backend circuit breakers.
func buildAnalysisProvider(cfg *config.Config) (llm.Provider, error) {
	apiKey := cfg.Provider.AnalysisAPIKey

	primary, err := newAnalysisBackend(cfg.Provider.Analysis, cfg.Provider.AnalysisModel, apiKey)
	if err != nil {
		return nil, err
	}
	if cfg.Provider.AnalysisFallback == "" {
		return primary, nil
	}

	fallback, err := newAnalysisBackend(cfg.Provider.AnalysisFallback, cfg.Provider.AnalysisFallbackModel, apiKey)
	if err != nil {
		return nil, err
	}
	chain := resilience.NewChain(primary, cfg.Provider.Analysis, resilience.ChainConfig{
		Logger: slog.Default(),
	})
	chain.AddFallback(cfg.Provider.AnalysisFallback, fallback)
	slog.Info("analysis failover enabled",
		"primary", cfg.Provider.Analysis, "fallback", cfg.Provider.AnalysisFallback)
	return chain, nil
}

func newAnalysisBackend(name, model, apiKey string) (llm.Provider, error) {
	if name == "openai" {
		p, err := oaillm.New(apiKey, model)
		if err != nil {
			return nil, fmt.Errorf("create openai provider: %w", err)
		}
		return p, nil
	}
	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	p, err := anyllm.New(name, model, opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", name, err)
	}
	return p, nil
}

// summaryWriter narrows the optional store to the manager's writer interface
// without wrapping a typed nil in a non-nil interface value.
func summaryWriter(s store.Store) session.SummaryWriter {
	if s == nil {
		return nil
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
