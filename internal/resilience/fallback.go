package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voicebridge/voicebridge/pkg/provider/llm"
)

// ErrAllFailed is returned when every backend in a [Chain] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all analysis backends failed")

// ChainConfig configures the per-backend circuit breaker created for each
// provider in a [Chain].
type ChainConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover log lines and is handed to each backend's
	// breaker. Defaults to [slog.Default].
	Logger *slog.Logger
}

// chainEntry pairs one analysis backend with its dedicated circuit breaker.
type chainEntry struct {
	name     string
	provider llm.Provider
	breaker  *CircuitBreaker
}

// Chain implements [llm.Provider] with automatic failover across analysis
// backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried in registration
// order.
//
// Register all backends before the first Complete call; AddFallback is not
// safe concurrently with Complete.
type Chain struct {
	entries []chainEntry
	cfg     ChainConfig
	logger  *slog.Logger
}

var _ llm.Provider = (*Chain)(nil)

// NewChain creates a [Chain] with primary as the preferred backend.
func NewChain(primary llm.Provider, primaryName string, cfg ChainConfig) *Chain {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Chain{cfg: cfg, logger: cfg.Logger}
	c.add(primaryName, primary)
	return c
}

// AddFallback registers an additional backend, tried after the primary and any
// previously registered fallbacks.
func (c *Chain) AddFallback(name string, provider llm.Provider) {
	c.add(name, provider)
}

func (c *Chain) add(name string, provider llm.Provider) {
	cbCfg := c.cfg.CircuitBreaker
	cbCfg.Name = name
	cbCfg.Logger = c.logger
	c.entries = append(c.entries, chainEntry{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cbCfg),
	})
}

// Complete sends the request to the first healthy backend and returns its
// response. A cancelled context stops the walk early.
func (c *Chain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for i := range c.entries {
		entry := &c.entries[i]
		var resp *llm.CompletionResponse
		err := entry.breaker.Execute(func() error {
			var callErr error
			resp, callErr = entry.provider.Complete(ctx, req)
			return callErr
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			c.logger.Debug("skipping analysis backend (circuit open)", "backend", entry.name)
		} else {
			c.logger.Warn("analysis backend failed, trying next",
				"backend", entry.name, "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
