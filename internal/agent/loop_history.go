package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nevinhive/clawgate/internal/bootstrap"
	"github.com/nevinhive/clawgate/internal/providers"
	"github.com/nevinhive/clawgate/internal/skills"
)

// buildMessages assembles the full message list for an LLM request: a
// system prompt, an optional compaction summary, the trimmed/repaired
// history, and finally the current user message. The second return value
// reports whether BOOTSTRAP.md was present among the resolved context
// files, so the caller can schedule its one-time cleanup without a
// second lookup.
func (l *Loop) buildMessages(ctx context.Context, history []providers.Message, summary, userMessage, extraSystemPrompt, sessionKey, channel, userID string, historyLimit int) ([]providers.Message, bool) {
	contextFiles, hadBootstrap := l.resolveContextFilesWithBootstrapFlag(ctx, userID)
	systemPrompt := l.buildSystemPromptFor(sessionKey, channel, userID, extraSystemPrompt, contextFiles)

	messages := []providers.Message{{Role: "system", Content: systemPrompt}}
	messages = append(messages, summaryBridgeMessages(summary)...)

	trimmed := limitHistoryTurns(history, historyLimit)
	pruned := pruneContextMessages(trimmed, l.contextWindow, l.contextPruningCfg)
	messages = append(messages, sanitizeHistory(pruned)...)

	messages = append(messages, providers.Message{Role: "user", Content: userMessage})
	return messages, hadBootstrap
}

// summaryBridgeMessages synthesizes the user/assistant exchange that
// grounds the model in a prior compaction summary, when one exists.
func summaryBridgeMessages(summary string) []providers.Message {
	if summary == "" {
		return nil
	}
	return []providers.Message{
		{Role: "user", Content: fmt.Sprintf("[Previous conversation summary]\n%s", summary)},
		{Role: "assistant", Content: "I understand the context from our previous conversation. How can I help you?"},
	}
}

func (l *Loop) buildSystemPromptFor(sessionKey, channel, userID, extraSystemPrompt string, contextFiles []bootstrap.ContextFile) string {
	mode := PromptFull
	if bootstrap.IsSubagentSession(sessionKey) || bootstrap.IsCronSession(sessionKey) {
		mode = PromptMinimal
	}

	_, hasSpawn := l.tools.Get("spawn")
	_, hasSkillSearch := l.tools.Get("skill_search")

	promptWorkspace := l.workspace
	if l.agentUUID != uuid.Nil && userID != "" && l.workspace != "" {
		promptWorkspace = filepath.Join(l.workspace, sanitizePathSegment(userID))
	}

	return BuildSystemPrompt(SystemPromptConfig{
		AgentID:                l.id,
		Model:                  l.model,
		Workspace:              promptWorkspace,
		Channel:                channel,
		OwnerIDs:               l.ownerIDs,
		Mode:                   mode,
		ToolNames:              l.tools.List(),
		SkillsSummary:          l.resolveSkillsSummary(),
		HasMemory:              l.hasMemory,
		HasSpawn:               l.tools != nil && hasSpawn,
		HasSkillSearch:         hasSkillSearch,
		ContextFiles:           contextFiles,
		ExtraPrompt:            extraSystemPrompt,
		SandboxEnabled:         l.sandboxEnabled,
		SandboxContainerDir:    l.sandboxContainerDir,
		SandboxWorkspaceAccess: l.sandboxWorkspaceAccess,
	})
}

// resolveContextFilesWithBootstrapFlag wraps resolveContextFiles and
// reports whether BOOTSTRAP.md made it into the resolved set.
func (l *Loop) resolveContextFilesWithBootstrapFlag(ctx context.Context, userID string) ([]bootstrap.ContextFile, bool) {
	files := l.resolveContextFiles(ctx, userID)
	for _, cf := range files {
		if cf.Path == bootstrap.BootstrapFile {
			return files, true
		}
	}
	return files, false
}

// resolveContextFiles merges the agent's base context files with any
// per-user files a loader provides. Per-user files override a base file
// of the same path; base-only files (e.g. auto-injected delegation
// notes) are preserved alongside them.
func (l *Loop) resolveContextFiles(ctx context.Context, userID string) []bootstrap.ContextFile {
	if l.contextFileLoader == nil || userID == "" {
		return l.contextFiles
	}
	userFiles := l.contextFileLoader(ctx, l.agentUUID, userID, l.agentType)
	if len(userFiles) == 0 {
		return l.contextFiles
	}
	if len(l.contextFiles) == 0 {
		return userFiles
	}

	userSet := make(map[string]struct{}, len(userFiles))
	for _, f := range userFiles {
		userSet[f.Path] = struct{}{}
	}
	merged := make([]bootstrap.ContextFile, len(userFiles))
	copy(merged, userFiles)
	for _, base := range l.contextFiles {
		if _, exists := userSet[base.Path]; !exists {
			merged = append(merged, base)
		}
	}
	return merged
}

// Below these thresholds every loaded skill is inlined as XML in the
// system prompt; above them no skills summary is included. The prompt
// advertises skill_search only when a tool of that name is registered,
// and this repository registers none.
const (
	skillInlineMaxCount  = 20
	skillInlineMaxTokens = 3500
)

// resolveSkillsSummary builds the skills portion of the system prompt
// fresh on every call, so hot-reloaded skills show up without a restart.
func (l *Loop) resolveSkillsSummary() string {
	if l.skillsLoader == nil {
		return ""
	}

	filtered := l.skillsLoader.FilterSkills(l.skillAllowList)
	if len(filtered) == 0 {
		return ""
	}

	if estimateSkillTokens(filtered) <= skillInlineMaxTokens && len(filtered) <= skillInlineMaxCount {
		return l.skillsLoader.BuildSummary(l.skillAllowList)
	}
	return ""
}

func estimateSkillTokens(list []skills.Skill) int {
	chars := 0
	for _, s := range list {
		chars += len(s.Name) + len(s.Description) + 10 // tag overhead
	}
	return chars / 4
}

// limitHistoryTurns keeps only the last N user turns — a turn being one
// user message plus every non-user message that follows it up to the
// next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	turnsSeen := 0
	cutAt := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "user" {
			continue
		}
		turnsSeen++
		if turnsSeen > limit {
			return msgs[cutAt:]
		}
		cutAt = i
	}
	return msgs
}

// sanitizeHistory repairs tool_use/tool_result pairing breakage that can
// creep into stored session history: a truncation boundary landing
// mid-pair, a tool result whose assistant call got pruned, or an
// assistant call whose result never made it to disk.
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start", "tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		switch {
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			result, i = appendRepairedToolTurn(result, msgs, i)
		case msg.Role == "tool":
			slog.Warn("dropping orphaned tool message mid-history", "tool_call_id", msg.ToolCallID)
		default:
			result = append(result, msg)
		}
	}
	return result
}

// appendRepairedToolTurn appends one assistant tool-call message along
// with its matching tool results, synthesizing a placeholder for any
// call whose result is missing, and returns the advanced scan index.
func appendRepairedToolTurn(result []providers.Message, msgs []providers.Message, i int) ([]providers.Message, int) {
	msg := msgs[i]
	expected := make(map[string]bool, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		expected[tc.ID] = true
	}
	result = append(result, msg)

	for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
		i++
		toolMsg := msgs[i]
		if expected[toolMsg.ToolCallID] {
			result = append(result, toolMsg)
			delete(expected, toolMsg.ToolCallID)
		} else {
			slog.Warn("dropping mismatched tool result", "tool_call_id", toolMsg.ToolCallID)
		}
	}

	for id := range expected {
		slog.Warn("synthesizing missing tool result", "tool_call_id", id)
		result = append(result, providers.Message{
			Role:       "tool",
			Content:    "[Tool result missing — session was compacted]",
			ToolCallID: id,
		})
	}
	return result, i
}

// maybeSummarize triggers background compaction once history crosses
// either a message-count floor or an estimated-token share of the
// model's context window, whichever config permits.
func (l *Loop) maybeSummarize(ctx context.Context, sessionKey string) {
	history := l.sessions.GetHistory(sessionKey)
	lastPT, lastMC := l.sessions.GetLastPromptTokens(sessionKey)
	tokenEstimate := EstimateTokensWithCalibration(history, lastPT, lastMC)

	historyShare, minMessages, keepLast := l.compactionThresholds()
	threshold := int(float64(l.contextWindow) * historyShare)
	if len(history) <= minMessages && tokenEstimate <= threshold {
		return
	}

	muI, _ := l.summarizeMu.LoadOrStore(sessionKey, &sync.Mutex{})
	sessionMu := muI.(*sync.Mutex)
	if !sessionMu.TryLock() {
		slog.Debug("summarization already in progress, skipping", "session", sessionKey)
		return
	}

	// Memory flush runs synchronously inside the lock so two concurrent
	// runs can't both trigger a flush for the same compaction cycle.
	flushSettings := ResolveMemoryFlushSettings(l.compactionCfg)
	if l.shouldRunMemoryFlush(sessionKey, tokenEstimate, flushSettings) {
		l.runMemoryFlush(ctx, sessionKey, flushSettings)
	}

	go l.summarizeInBackground(sessionKey, keepLast, sessionMu)
}

func (l *Loop) compactionThresholds() (historyShare float64, minMessages, keepLast int) {
	historyShare, minMessages, keepLast = 0.75, 50, 4
	if l.compactionCfg == nil {
		return
	}
	if l.compactionCfg.MaxHistoryShare > 0 {
		historyShare = l.compactionCfg.MaxHistoryShare
	}
	if l.compactionCfg.MinMessages > 0 {
		minMessages = l.compactionCfg.MinMessages
	}
	if l.compactionCfg.KeepLastMessages > 0 {
		keepLast = l.compactionCfg.KeepLastMessages
	}
	return
}

// summarizeInBackground condenses everything but the last keepLast
// messages into a running summary and truncates the stored history.
// Runs as a goroutine holding sessionMu for the session's duration.
func (l *Loop) summarizeInBackground(sessionKey string, keepLast int, sessionMu *sync.Mutex) {
	defer sessionMu.Unlock()

	// History may have shrunk from a concurrent summarize that finished
	// between the threshold check and acquiring the lock.
	history := l.sessions.GetHistory(sessionKey)
	if len(history) <= keepLast {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	summary := l.sessions.GetSummary(sessionKey)
	prompt := summarizationPrompt(summary, history[:len(history)-keepLast])

	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Model:    l.model,
		Options:  map[string]interface{}{"max_tokens": 1024, "temperature": 0.3},
	})
	if err != nil {
		slog.Warn("summarization failed", "session", sessionKey, "error", err)
		return
	}

	l.sessions.SetSummary(sessionKey, SanitizeAssistantContent(resp.Content))
	l.sessions.TruncateHistory(sessionKey, keepLast)
	l.sessions.IncrementCompaction(sessionKey)
	l.sessions.Save(sessionKey)
}

func summarizationPrompt(existingSummary string, toSummarize []providers.Message) string {
	var transcript string
	for _, m := range toSummarize {
		switch m.Role {
		case "user":
			transcript += fmt.Sprintf("user: %s\n", m.Content)
		case "assistant":
			transcript += fmt.Sprintf("assistant: %s\n", SanitizeAssistantContent(m.Content))
		}
	}

	prompt := "Provide a concise summary of this conversation, preserving key context:\n"
	if existingSummary != "" {
		prompt += "Existing context: " + existingSummary + "\n"
	}
	return prompt + "\n" + transcript
}
