package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PairingStore gates inbound DMs/groups from unpaired senders behind a
// pairing code the bot owner must approve out of band. Channels call
// IsPaired before accepting a message and RequestPairing to mint a code
// for an unknown sender.
type PairingStore interface {
	IsPaired(userID, channel string) bool
	RequestPairing(userID, channel, chatID, agentID string) (code string, err error)
}

// PairingRequest is one outstanding or resolved pairing request.
type PairingRequest struct {
	Code      string    `json:"code"`
	UserID    string    `json:"userId"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chatId"`
	AgentID   string    `json:"agentId"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"createdAt"`
}

// Agent is the minimal agent identity record channel adapters resolve a
// configured agent key against.
type Agent struct {
	ID  uuid.UUID
	Key string
}

// GroupFileWriter is a member of a group chat's allowlist of users who may
// trigger filesystem-writing tools on the agent's behalf.
type GroupFileWriter struct {
	UserID      string
	Username    *string
	DisplayName *string
}

// AgentStore resolves agent identities and manages per-group file-writer
// allowlists. nil in single-agent standalone deployments; channel adapters
// nil-guard every call site.
type AgentStore interface {
	GetByKey(ctx context.Context, key string) (*Agent, error)
	IsGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID string) (bool, error)
	AddGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID, firstName, username string) error
	RemoveGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID string) error
	ListGroupFileWriters(ctx context.Context, agentID uuid.UUID, groupID string) ([]GroupFileWriter, error)
}

// HandoffRoute redirects an inbound message to a different agent's session,
// used by multi-agent handoff/teammate routing.
type HandoffRoute struct {
	ToAgentKey string
}

// TeamStore resolves handoff routes between agents. nil in standalone
// deployments, where every message stays with its configured agent.
type TeamStore interface {
	GetHandoffRoute(ctx context.Context, channel, chatID string) (*HandoffRoute, error)
}
