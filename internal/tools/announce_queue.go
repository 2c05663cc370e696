package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nevinhive/clawgate/internal/bus"
)

// AsyncCallback is invoked once a spawned subagent finishes, carrying the
// same Result shape a synchronous tool call would return.
type AsyncCallback func(ctx context.Context, result *Result)

// AnnounceQueueItem is one completed subagent's outcome, pending delivery
// to its parent's session.
type AnnounceQueueItem struct {
	SubagentID string
	Label      string
	Status     string
	Result     string
	Runtime    time.Duration
	Iterations int
}

// AnnounceMetadata carries the routing and tracing context needed to
// publish an announce batch back onto the bus.
type AnnounceMetadata struct {
	OriginChannel    string
	OriginChatID     string
	OriginPeerKind   string
	OriginUserID     string
	ParentAgent      string
	OriginTraceID    string
	OriginRootSpanID string
}

// AnnounceQueue batches subagent completions that land within a short
// window of each other into a single message, instead of flooding the
// parent's chat with one line per sibling. Keyed by "announce:<parent>:<chat>".
type AnnounceQueue struct {
	mu       sync.Mutex
	msgBus   *bus.MessageBus
	debounce time.Duration
	pending  map[string][]AnnounceQueueItem
	meta     map[string]AnnounceMetadata
	timers   map[string]*time.Timer
}

// NewAnnounceQueue creates a queue that flushes each session key's batch
// debounce after its last enqueue.
func NewAnnounceQueue(msgBus *bus.MessageBus, debounce time.Duration) *AnnounceQueue {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &AnnounceQueue{
		msgBus:   msgBus,
		debounce: debounce,
		pending:  make(map[string][]AnnounceQueueItem),
		meta:     make(map[string]AnnounceMetadata),
		timers:   make(map[string]*time.Timer),
	}
}

// Enqueue adds item to sessionKey's pending batch and (re)arms its flush
// timer. meta is refreshed on every call so the most recent subagent's
// routing context wins.
func (q *AnnounceQueue) Enqueue(sessionKey string, item AnnounceQueueItem, meta AnnounceMetadata) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending[sessionKey] = append(q.pending[sessionKey], item)
	q.meta[sessionKey] = meta

	if t, ok := q.timers[sessionKey]; ok {
		t.Stop()
	}
	q.timers[sessionKey] = time.AfterFunc(q.debounce, func() {
		q.flush(sessionKey)
	})
}

func (q *AnnounceQueue) flush(sessionKey string) {
	q.mu.Lock()
	items := q.pending[sessionKey]
	meta := q.meta[sessionKey]
	delete(q.pending, sessionKey)
	delete(q.meta, sessionKey)
	delete(q.timers, sessionKey)
	q.mu.Unlock()

	if len(items) == 0 || q.msgBus == nil {
		return
	}

	content := FormatBatchedAnnounce(items, 0)
	q.msgBus.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: fmt.Sprintf("subagent:%s", items[0].SubagentID),
		ChatID:   meta.OriginChatID,
		Content:  content,
		UserID:   meta.OriginUserID,
		Metadata: map[string]string{
			"origin_channel":      meta.OriginChannel,
			"origin_peer_kind":    meta.OriginPeerKind,
			"parent_agent":        meta.ParentAgent,
			"origin_trace_id":     meta.OriginTraceID,
			"origin_root_span_id": meta.OriginRootSpanID,
		},
	})
}

// FormatBatchedAnnounce renders one or more completed subagent results as a
// single message for the parent session.
func FormatBatchedAnnounce(items []AnnounceQueueItem, remainingActive int) string {
	var b strings.Builder
	if len(items) == 1 {
		it := items[0]
		fmt.Fprintf(&b, "Subagent '%s' %s in %d iteration(s), %s.\n\nResult:\n%s",
			it.Label, it.Status, it.Iterations, it.Runtime.Round(time.Second), it.Result)
	} else {
		fmt.Fprintf(&b, "%d subagents finished:\n", len(items))
		for _, it := range items {
			fmt.Fprintf(&b, "\n- '%s' (%s, %d iteration(s)): %s", it.Label, it.Status, it.Iterations, truncate(it.Result, 300))
		}
	}
	if remainingActive > 0 {
		fmt.Fprintf(&b, "\n\n(%d other subagent task(s) still running)", remainingActive)
	}
	return b.String()
}

// generateSubagentID mints a short, collision-resistant ID for a spawned task.
func generateSubagentID() string {
	return "sub-" + uuid.NewString()[:8]
}

// truncate trims s to n runes, appending an ellipsis marker if it was cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
