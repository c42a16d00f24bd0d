// Package batch accumulates per-session event ids and hands them to the
// evaluation pipeline in ordered batches, flushed by size or by timer.
package batch

import (
	"log/slog"
	"sync"
	"time"
)

// Defaults applied when the config leaves the knobs unset.
const (
	DefaultInterval  = 5 * time.Second
	DefaultMaxEvents = 10
)

// FlushFunc receives one flushed batch. Event ids arrive in insertion
// order; each id is delivered exactly once across all batches.
type FlushFunc func(sessionID string, eventIDs []string)

// buffer is the pending batch for one session. The timer is armed when the
// buffer is created and cancelled on flush.
type buffer struct {
	eventIDs []string
	timer    *time.Timer
}

// Batcher holds one buffer per session. A buffer flushes when it reaches
// maxEvents, when its interval timer fires, or on FlushAll at shutdown.
type Batcher struct {
	interval  time.Duration
	maxEvents int
	flush     FlushFunc
	logger    *slog.Logger

	mu      sync.Mutex
	buffers map[string]*buffer
	closed  bool
}

// New creates a batcher delivering batches to flush. Zero interval or
// maxEvents fall back to the defaults.
func New(interval time.Duration, maxEvents int, flush FlushFunc, logger *slog.Logger) *Batcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Batcher{
		interval:  interval,
		maxEvents: maxEvents,
		flush:     flush,
		logger:    logger.With("component", "batcher"),
		buffers:   make(map[string]*buffer),
	}
}

// Add appends an event id to the session's buffer, creating the buffer and
// arming its timer on first use. Reaching maxEvents flushes immediately.
// After Close, the event is delivered straight through as a batch of one so
// nothing is dropped during shutdown races.
func (b *Batcher) Add(sessionID, eventID string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.flush(sessionID, []string{eventID})
		return
	}

	buf, ok := b.buffers[sessionID]
	if !ok {
		buf = &buffer{}
		buf.timer = time.AfterFunc(b.interval, func() { b.Flush(sessionID) })
		b.buffers[sessionID] = buf
	}
	buf.eventIDs = append(buf.eventIDs, eventID)

	if len(buf.eventIDs) >= b.maxEvents {
		ids := b.takeLocked(sessionID, buf)
		b.mu.Unlock()
		b.flush(sessionID, ids)
		return
	}
	b.mu.Unlock()
}

// Flush delivers the session's pending batch, if any. Invoking it for a
// session with no buffer is a no-op, which makes the timer callback safe
// against a concurrent size-triggered flush.
func (b *Batcher) Flush(sessionID string) {
	b.mu.Lock()
	buf, ok := b.buffers[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	ids := b.takeLocked(sessionID, buf)
	b.mu.Unlock()
	b.flush(sessionID, ids)
}

// FlushAll drains every pending buffer. Callbacks run outside the lock.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	drained := make(map[string][]string, len(b.buffers))
	for sessionID, buf := range b.buffers {
		drained[sessionID] = b.takeLocked(sessionID, buf)
	}
	b.mu.Unlock()

	for sessionID, ids := range drained {
		b.flush(sessionID, ids)
	}
}

// Close drains all buffers and switches Add into pass-through mode.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.FlushAll()
	b.logger.Info("Batcher closed")
}

// Pending reports the number of sessions with undelivered batches.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers)
}

// takeLocked removes the buffer and cancels its timer. Caller holds b.mu.
func (b *Batcher) takeLocked(sessionID string, buf *buffer) []string {
	buf.timer.Stop()
	delete(b.buffers, sessionID)
	return buf.eventIDs
}
