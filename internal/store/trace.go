package store

import (
	"time"

	"github.com/google/uuid"
)

// GenNewID returns a fresh random UUID, used as a trace/span identifier.
func GenNewID() uuid.UUID { return uuid.New() }

// Trace status values.
const (
	TraceStatusRunning   = "running"
	TraceStatusCompleted = "completed"
	TraceStatusError     = "error"
	TraceStatusCancelled = "cancelled"
)

// Span types.
const (
	SpanTypeAgent    = "agent"
	SpanTypeLLMCall  = "llm_call"
	SpanTypeToolCall = "tool_call"
)

// Span status/level values.
const (
	SpanStatusCompleted = "completed"
	SpanStatusError     = "error"
	SpanLevelDefault    = "DEFAULT"
)

// TraceData is the root record for one agent run: one user message in,
// one final response out, with LLM/tool spans nested underneath.
type TraceData struct {
	ID            uuid.UUID
	RunID         string
	SessionKey    string
	UserID        string
	Channel       string
	Name          string
	InputPreview  string
	OutputPreview string
	Status        string
	Error         string
	StartTime     time.Time
	EndTime       *time.Time
	CreatedAt     time.Time
	Tags          []string
	AgentID       *uuid.UUID
	ParentTraceID *uuid.UUID
}

// SpanData is one LLM call, tool call, or agent span within a trace.
type SpanData struct {
	ID            uuid.UUID
	TraceID       uuid.UUID
	ParentSpanID  *uuid.UUID
	SpanType      string
	Name          string
	StartTime     time.Time
	EndTime       *time.Time
	DurationMS    int
	Model         string
	Provider      string
	ToolName      string
	ToolCallID    string
	InputPreview  string
	OutputPreview string
	FinishReason  string
	Status        string
	Level         string
	Error         string
	InputTokens   int
	OutputTokens  int
	Metadata      []byte
	AgentID       *uuid.UUID
	CreatedAt     time.Time
}
