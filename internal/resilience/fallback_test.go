package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/pkg/provider/llm"
)

// scriptedProvider returns canned responses or a fixed error and counts calls.
type scriptedProvider struct {
	reply string
	err   error
	calls int
}

func (p *scriptedProvider) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Content: p.reply}, nil
}

func TestChain_PrimaryServes(t *testing.T) {
	primary := &scriptedProvider{reply: "primary"}
	fallback := &scriptedProvider{reply: "fallback"}

	c := NewChain(primary, "primary", ChainConfig{})
	c.AddFallback("fallback", fallback)

	resp, err := c.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "primary" {
		t.Errorf("content = %q, want primary", resp.Content)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times on a healthy primary", fallback.calls)
	}
}

func TestChain_FailsOverToFallback(t *testing.T) {
	primary := &scriptedProvider{err: errTest}
	fallback := &scriptedProvider{reply: "fallback"}

	c := NewChain(primary, "primary", ChainConfig{})
	c.AddFallback("fallback", fallback)

	resp, err := c.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "fallback" {
		t.Errorf("content = %q, want fallback", resp.Content)
	}
	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1", primary.calls)
	}
}

func TestChain_AllFailed(t *testing.T) {
	primary := &scriptedProvider{err: errTest}
	fallback := &scriptedProvider{err: errTest}

	c := NewChain(primary, "primary", ChainConfig{})
	c.AddFallback("fallback", fallback)

	_, err := c.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestChain_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &scriptedProvider{err: errTest}
	fallback := &scriptedProvider{reply: "fallback"}

	c := NewChain(primary, "primary", ChainConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	c.AddFallback("fallback", fallback)

	// Trip the primary's breaker.
	for i := 0; i < 2; i++ {
		if _, err := c.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if primary.calls != 2 {
		t.Fatalf("primary calls = %d, want 2", primary.calls)
	}

	// The open breaker now shields the primary entirely.
	if _, err := c.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 2 {
		t.Errorf("primary called through an open breaker (calls = %d)", primary.calls)
	}
	if fallback.calls != 3 {
		t.Errorf("fallback calls = %d, want 3", fallback.calls)
	}
}

func TestChain_CancelledContextStopsWalk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &scriptedProvider{err: context.Canceled}
	fallback := &scriptedProvider{reply: "fallback"}

	c := NewChain(primary, "primary", ChainConfig{})
	c.AddFallback("fallback", fallback)

	cancel()
	if _, err := c.Complete(ctx, llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times after cancellation", fallback.calls)
	}
}
