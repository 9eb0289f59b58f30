package transcript

import (
	"strings"
	"sync"
	"time"
)

// Debouncer accumulates partial input-transcript chunks and finalizes the
// buffered text after a quiet period with no new chunks, or immediately on
// [Debouncer.Flush] (turn completion). The emit callback runs on the timer
// goroutine or the caller of Flush; it must not block.
//
// Safe for concurrent use.
type Debouncer struct {
	quiet time.Duration
	emit  func(string)

	mu      sync.Mutex
	buf     strings.Builder
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer that calls emit with the finalized text
// after quiet elapses without new chunks.
func NewDebouncer(quiet time.Duration, emit func(string)) *Debouncer {
	return &Debouncer{quiet: quiet, emit: emit}
}

// Add appends a chunk and restarts the quiet timer.
func (d *Debouncer) Add(chunk string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	d.buf.WriteString(chunk)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, d.fire)
}

// Flush finalizes the buffer immediately, bypassing the quiet period.
// Used when the provider signals turn completion before the timer fires.
func (d *Debouncer) Flush() {
	d.fire()
}

// Take cancels the pending timer and returns the buffered text immediately,
// without invoking the emit callback. Used by callers that want to handle
// turn completion inline.
func (d *Debouncer) Take() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ""
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	text := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	return text
}

// Stop cancels the pending timer and discards the buffer. Further Adds are
// ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.buf.Reset()
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	text := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	d.mu.Unlock()

	if text != "" {
		d.emit(text)
	}
}
