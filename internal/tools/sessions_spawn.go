package tools

import (
	"context"
	"fmt"
)

// ============================================================
// sessions_spawn
// ============================================================

// SessionsSpawnTool lets an agent hand a bounded task off to a subagent
// that runs in the background and announces its result back into the
// caller's session once done.
type SessionsSpawnTool struct {
	manager *SubagentManager
}

func NewSessionsSpawnTool(manager *SubagentManager) *SessionsSpawnTool {
	return &SessionsSpawnTool{manager: manager}
}

func (t *SessionsSpawnTool) Name() string { return "sessions_spawn" }

func (t *SessionsSpawnTool) Description() string {
	return "Spawn a subagent to work on a bounded task in the background. " +
		"The subagent runs independently and its result is delivered back into this session when it finishes."
}

func (t *SessionsSpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to complete. Be specific and self-contained: the subagent has no memory of this conversation.",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label for this task (defaults to a truncated task description)",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Optional model override for this subagent",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SessionsSpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.manager == nil {
		return ErrorResult("subagent manager not available")
	}

	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	model, _ := args["model"].(string)

	parentID := AgentIDFromCtx(ctx)
	depth := SpawnDepthFromCtx(ctx)
	channel := ChannelFromCtx(ctx)
	chatID := ChatIDFromCtx(ctx)
	peerKind := PeerKindFromCtx(ctx)

	receipt, err := t.manager.Spawn(ctx, parentID, depth, task, label, model, channel, chatID, peerKind, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("spawn failed: %v", err))
	}

	return SilentResult(receipt)
}
