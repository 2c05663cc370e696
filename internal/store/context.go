package store

import (
	"context"

	"github.com/google/uuid"
)

// storeContextKey namespaces values threaded through a run's context so
// tools and interceptors can recover request-scoped identity without
// plumbing extra parameters through every call.
type storeContextKey string

const (
	ctxAgentID   storeContextKey = "store_agent_id"
	ctxUserID    storeContextKey = "store_user_id"
	ctxAgentType storeContextKey = "store_agent_type"
	ctxSenderID  storeContextKey = "store_sender_id"
)

// WithAgentID stores the agent's UUID on ctx for the duration of a run.
func WithAgentID(ctx context.Context, agentID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxAgentID, agentID)
}

// AgentIDFromContext retrieves the agent UUID set by WithAgentID, if any.
func AgentIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxAgentID).(uuid.UUID)
	return id
}

// WithUserID stores the originating user's ID on ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// UserIDFromContext retrieves the user ID set by WithUserID, if any.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// WithAgentType stores the agent's type ("open" or "predefined") on ctx.
func WithAgentType(ctx context.Context, agentType string) context.Context {
	return context.WithValue(ctx, ctxAgentType, agentType)
}

// AgentTypeFromContext retrieves the agent type set by WithAgentType, if any.
func AgentTypeFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentType).(string)
	return v
}

// WithSenderID stores the original message sender's ID on ctx, distinct from
// UserID in group chats where the session owner and the message author differ.
func WithSenderID(ctx context.Context, senderID string) context.Context {
	return context.WithValue(ctx, ctxSenderID, senderID)
}

// SenderIDFromContext retrieves the sender ID set by WithSenderID, if any.
func SenderIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxSenderID).(string)
	return v
}
