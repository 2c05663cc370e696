package protocol

// WebSocket event names pushed from server to client. Each of these is
// broadcast by a concrete component of the gateway; there is no catch-all
// control-plane surface beyond what's actually wired.
const (
	// EventAgent carries agent turn lifecycle events; see the AgentEvent*
	// subtypes below for payload.type.
	EventAgent = "agent"

	// EventCron fires when a scheduled job completes or errors
	// (payload: job_id, status).
	EventCron = "cron"

	// EventHeartbeat fires after each heartbeat evaluation
	// (payload: agent_id, reason).
	EventHeartbeat = "heartbeat"

	// EventCacheInvalidate signals cache layers to evict stale DB-backed
	// config (internal, not forwarded to WS clients).
	EventCacheInvalidate = "cache.invalidate"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk    = "chunk"
	ChatEventThinking = "thinking"
)
