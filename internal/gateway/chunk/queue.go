package chunk

import (
	"sync"
	"time"
)

// Kind identifies how a piece of outbound text should be queued.
type Kind string

const (
	// KindAck is delivered immediately and starts the flush timer.
	KindAck Kind = "ack"
	// KindProgress replaces the pending buffer; it is delivered on the next
	// timer tick rather than immediately, so a burst of updates collapses
	// into one flushed message per interval.
	KindProgress Kind = "progress"
	// KindFinal flushes any pending buffer, delivers the final text, and
	// stops the timer.
	KindFinal Kind = "final"
)

// FlushFunc delivers one fully-formed piece of outbound text.
type FlushFunc func(text string)

// ReplyQueue batches progress updates for a single in-flight reply so that
// rapid-fire tool/status updates reach the channel as one message per
// interval instead of one message per update. ack and final bypass batching.
type ReplyQueue struct {
	interval time.Duration
	flush    FlushFunc

	mu      sync.Mutex
	pending string
	hasTick bool
	timer   *time.Timer
	stopped bool
}

// NewReplyQueue creates a queue that flushes pending progress text at most
// once per interval via flush.
func NewReplyQueue(interval time.Duration, flush FlushFunc) *ReplyQueue {
	return &ReplyQueue{interval: interval, flush: flush}
}

// Push feeds one update into the queue.
func (q *ReplyQueue) Push(kind Kind, text string) {
	switch kind {
	case KindAck:
		q.flush(text)
		q.ensureTimer()
	case KindProgress:
		q.mu.Lock()
		q.pending = text
		q.mu.Unlock()
		q.ensureTimer()
	case KindFinal:
		q.mu.Lock()
		q.stopped = true
		if q.timer != nil {
			q.timer.Stop()
		}
		pending := q.pending
		q.pending = ""
		q.mu.Unlock()
		if pending != "" && pending != text {
			q.flush(pending)
		}
		q.flush(text)
	}
}

// ensureTimer starts the recurring flush timer on first use; a no-op once
// Final has stopped the queue.
func (q *ReplyQueue) ensureTimer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.hasTick || q.stopped {
		return
	}
	q.hasTick = true
	q.timer = time.AfterFunc(q.interval, q.onTick)
}

func (q *ReplyQueue) onTick() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	pending := q.pending
	q.pending = ""
	q.mu.Unlock()

	if pending != "" {
		q.flush(pending)
	}

	q.mu.Lock()
	if !q.stopped {
		q.timer = time.AfterFunc(q.interval, q.onTick)
	}
	q.mu.Unlock()
}

// Stop cancels the timer without flushing, for abandoned runs (e.g. cancelled
// mid-flight) where no final chunk will ever arrive.
func (q *ReplyQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
	}
}
