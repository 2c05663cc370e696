// Package tracing records agent run traces (one per Loop.Run call) and
// their nested LLM-call/tool-call spans for local debugging. It has no
// external backend: a Collector keeps a bounded in-memory ring of recent
// traces and logs each span via slog, which is enough to diagnose a run
// without standing up an observability stack.
package tracing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nevinhive/clawgate/internal/store"
)

const maxRetainedTraces = 500

// Collector accumulates traces and spans for a running gateway process.
type Collector struct {
	mu      sync.Mutex
	verbose bool
	traces  map[uuid.UUID]*store.TraceData
	order   []uuid.UUID
	spans   map[uuid.UUID][]store.SpanData // traceID -> spans
}

// NewCollector creates a trace collector. verbose controls whether full
// message/output previews are retained (vs. short truncated ones).
func NewCollector(verbose bool) *Collector {
	return &Collector{
		verbose: verbose,
		traces:  make(map[uuid.UUID]*store.TraceData),
		spans:   make(map[uuid.UUID][]store.SpanData),
	}
}

// Verbose reports whether full (untruncated) previews should be captured.
func (c *Collector) Verbose() bool { return c.verbose }

// CreateTrace registers the root trace record for one agent run.
func (c *Collector) CreateTrace(ctx context.Context, t *store.TraceData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) >= maxRetainedTraces {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.traces, oldest)
		delete(c.spans, oldest)
	}
	c.traces[t.ID] = t
	c.order = append(c.order, t.ID)

	slog.Debug("trace started", "trace", t.ID, "name", t.Name, "channel", t.Channel)
	return nil
}

// FinishTrace marks a trace complete with its final status and output.
func (c *Collector) FinishTrace(ctx context.Context, traceID uuid.UUID, status, errMsg, outputPreview string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.traces[traceID]
	if !ok {
		return nil
	}
	t.Status = status
	t.Error = errMsg
	t.OutputPreview = outputPreview

	slog.Debug("trace finished", "trace", traceID, "status", status, "spans", len(c.spans[traceID]))
	return nil
}

// EmitSpan records one LLM-call, tool-call, or agent span under its trace.
func (c *Collector) EmitSpan(span store.SpanData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans[span.TraceID] = append(c.spans[span.TraceID], span)

	slog.Debug("span", "trace", span.TraceID, "type", span.SpanType, "name", span.Name,
		"duration_ms", span.DurationMS, "status", span.Status)
}

// Spans returns the recorded spans for a trace, in emission order.
func (c *Collector) Spans(traceID uuid.UUID) []store.SpanData {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.SpanData, len(c.spans[traceID]))
	copy(out, c.spans[traceID])
	return out
}
