package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies one analytics task family.
type Kind string

const (
	KindSentiment Kind = "sentiment"
	KindAnalysis  Kind = "analysis"
	KindCoaching  Kind = "coaching"
)

// DefaultTimeout bounds one analytics task; timeouts count as failures.
const DefaultTimeout = 5 * time.Second

// Request is one analytics trigger. LastMessage is the finalized customer
// sentence; Recent and Full are transcript slices captured at trigger time.
type Request struct {
	Kind        Kind
	LastMessage string
	Recent      []Turn
	Full        []Turn
}

// Result is posted back to the session loop when a task finishes. Exactly one
// payload pointer is set; failed coaching tasks post nothing at all.
type Result struct {
	Kind      Kind
	Sentiment *Sentiment
	Analysis  *Analysis
	Coaching  *Coaching

	// Degraded is true when the payload came from the local fallback
	// rather than the collaborator.
	Degraded bool
}

// DispatcherOption is a functional option for [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithTimeout overrides [DefaultTimeout] for every task.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.timeout = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(dp *Dispatcher) { dp.logger = l }
}

// Dispatcher launches best-effort analytics tasks for one session. It keeps
// at most one task per [Kind] in flight; a trigger arriving while its kind is
// busy replaces any unstarted pending request (latest-wins). Results are
// delivered through the emit callback from task goroutines, so emit must be
// safe for concurrent use — session loops satisfy this by enqueueing onto
// their own input channel.
type Dispatcher struct {
	analyzer *Analyzer
	emit     func(Result)
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[Kind]bool
	pending  map[Kind]Request
	closed   bool
	wg       sync.WaitGroup
}

// NewDispatcher creates a per-session [Dispatcher]. emit must not be nil.
func NewDispatcher(analyzer *Analyzer, emit func(Result), opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		analyzer: analyzer,
		emit:     emit,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		inflight: make(map[Kind]bool),
		pending:  make(map[Kind]Request),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch schedules one task. It never blocks: when the kind is already in
// flight the request parks as the (single) pending one, displacing an older
// unstarted request.
func (d *Dispatcher) Dispatch(req Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.inflight[req.Kind] {
		d.pending[req.Kind] = req
		return
	}
	d.inflight[req.Kind] = true
	d.wg.Add(1)
	go d.run(req)
}

// Close stops accepting new triggers and waits for in-flight tasks to finish.
// Cancellation is advisory: results that complete during the drain are still
// emitted, and the session loop decides whether anyone is left to care.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	clear(d.pending)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(req Request) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	res, ok := d.execute(ctx, req)
	cancel()
	if ok {
		d.emit(res)
	}

	// Promote the pending request for this kind, if any.
	d.mu.Lock()
	next, has := d.pending[req.Kind]
	if has && !d.closed {
		delete(d.pending, req.Kind)
		d.wg.Add(1)
		go d.run(next)
	} else {
		d.inflight[req.Kind] = false
	}
	d.mu.Unlock()
}

// execute runs one task and applies the per-kind failure policy: sentiment
// degrades to neutral, analysis degrades to the keyword classifier, coaching
// is dropped.
func (d *Dispatcher) execute(ctx context.Context, req Request) (Result, bool) {
	switch req.Kind {
	case KindSentiment:
		s, err := d.analyzer.Sentiment(ctx, req.LastMessage, req.Recent)
		if err != nil {
			d.logger.Warn("sentiment task failed", "error", err)
			return Result{Kind: KindSentiment, Sentiment: NeutralSentiment(), Degraded: true}, true
		}
		return Result{Kind: KindSentiment, Sentiment: s}, true

	case KindAnalysis:
		a, err := d.analyzer.Conversation(ctx, req.Full)
		if err != nil {
			d.logger.Warn("analysis task failed", "error", err)
			if len(req.Full) == 0 {
				return Result{}, false
			}
			return Result{Kind: KindAnalysis, Analysis: FallbackAnalysis(req.Full), Degraded: true}, true
		}
		return Result{Kind: KindAnalysis, Analysis: a}, true

	case KindCoaching:
		c, err := d.analyzer.CoachingSuggestions(ctx, req.Recent, req.LastMessage)
		if err != nil {
			d.logger.Warn("coaching task failed", "error", err)
			return Result{}, false
		}
		return Result{Kind: KindCoaching, Coaching: c}, true
	}
	return Result{}, false
}
