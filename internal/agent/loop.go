package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nevinhive/clawgate/internal/bootstrap"
	"github.com/nevinhive/clawgate/internal/bus"
	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/providers"
	"github.com/nevinhive/clawgate/internal/skills"
	"github.com/nevinhive/clawgate/internal/store"
	"github.com/nevinhive/clawgate/internal/tools"
	"github.com/nevinhive/clawgate/internal/tracing"
	"github.com/nevinhive/clawgate/pkg/protocol"
)

// bootstrapAutoCleanupTurns is how many user turns a gateway-seeded
// BOOTSTRAP.md is allowed to survive before the loop removes it itself,
// as a safety net for agents that never clear it on their own.
const bootstrapAutoCleanupTurns = 3

// defaultMaxMessageChars caps a single inbound user message before it
// reaches the model; oversized messages are truncated with a notice
// rather than rejected outright.
const defaultMaxMessageChars = 32_000

// EnsureUserFilesFunc seeds per-user workspace files the first time a
// given user talks to a managed-mode agent.
type EnsureUserFilesFunc func(ctx context.Context, agentID uuid.UUID, userID, agentType, workspace string) error

// ContextFileLoaderFunc resolves per-user context files on every turn so
// hot-edited files (memory, persona notes) are picked up without restart.
type ContextFileLoaderFunc func(ctx context.Context, agentID uuid.UUID, userID, agentType string) []bootstrap.ContextFile

// BootstrapCleanupFunc deletes BOOTSTRAP.md once onboarding has run its
// course, independent of whether the model remembered to do it.
type BootstrapCleanupFunc func(ctx context.Context, agentID uuid.UUID, userID string) error

// Loop drives one agent's turn cycle: assemble context, call the model,
// dispatch tool calls, persist the result, and fold the session back
// into summary + pruned history for the next turn.
type Loop struct {
	id            string
	agentUUID     uuid.UUID // managed mode only
	agentType     string    // "open" or "predefined"
	provider      providers.Provider
	model         string
	contextWindow int
	maxIterations int
	workspace     string

	eventPub        bus.EventPublisher
	sessions        store.SessionStore
	tools           *tools.Registry
	toolPolicy      *tools.PolicyEngine
	agentToolPolicy *config.ToolPolicySpec
	activeRuns      atomic.Int32

	// summarizeMu serializes compaction per session so two concurrent
	// turns never both try to flush+truncate the same history.
	summarizeMu sync.Map // sessionKey -> *sync.Mutex

	ownerIDs       []string
	skillsLoader   *skills.Loader
	skillAllowList []string
	hasMemory      bool
	contextFiles   []bootstrap.ContextFile

	ensureUserFiles   EnsureUserFilesFunc
	contextFileLoader ContextFileLoaderFunc
	bootstrapCleanup  BootstrapCleanupFunc
	seededUsers       sync.Map // userID -> true

	compactionCfg     *config.CompactionConfig
	contextPruningCfg *config.ContextPruningConfig

	sandboxEnabled         bool
	sandboxContainerDir    string
	sandboxWorkspaceAccess string

	onEvent func(event AgentEvent)

	traceCollector *tracing.Collector

	inputGuard      *InputGuard
	injectionAction string
	maxMessageChars int

	builtinToolSettings tools.BuiltinToolSettings

	thinkingLevel string
}

// AgentEvent is a point-in-time signal emitted while a turn runs, fanned
// out to whatever transport (WS, channel typing indicator) is listening.
type AgentEvent struct {
	Type    string      `json:"type"`
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID            string
	Provider      providers.Provider
	Model         string
	ContextWindow int
	MaxIterations int
	Workspace     string
	Bus           bus.EventPublisher
	Sessions      store.SessionStore

	Tools           *tools.Registry
	ToolPolicy      *tools.PolicyEngine
	AgentToolPolicy *config.ToolPolicySpec
	OnEvent         func(AgentEvent)

	OwnerIDs       []string
	SkillsLoader   *skills.Loader
	SkillAllowList []string
	HasMemory      bool
	ContextFiles   []bootstrap.ContextFile

	CompactionCfg     *config.CompactionConfig
	ContextPruningCfg *config.ContextPruningConfig

	SandboxEnabled         bool
	SandboxContainerDir    string
	SandboxWorkspaceAccess string

	AgentUUID uuid.UUID
	AgentType string

	EnsureUserFiles   EnsureUserFilesFunc
	ContextFileLoader ContextFileLoaderFunc
	BootstrapCleanup  BootstrapCleanupFunc

	TraceCollector *tracing.Collector

	InputGuard      *InputGuard
	InjectionAction string
	MaxMessageChars int

	BuiltinToolSettings tools.BuiltinToolSettings

	ThinkingLevel string
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}

	action := cfg.InjectionAction
	switch action {
	case "log", "warn", "block", "off":
	default:
		action = "warn"
	}

	guard := cfg.InputGuard
	if guard == nil && action != "off" {
		guard = NewInputGuard()
	}

	return &Loop{
		id:                     cfg.ID,
		agentUUID:              cfg.AgentUUID,
		agentType:              cfg.AgentType,
		provider:               cfg.Provider,
		model:                  cfg.Model,
		contextWindow:          cfg.ContextWindow,
		maxIterations:          cfg.MaxIterations,
		workspace:              cfg.Workspace,
		eventPub:               cfg.Bus,
		sessions:               cfg.Sessions,
		tools:                  cfg.Tools,
		toolPolicy:             cfg.ToolPolicy,
		agentToolPolicy:        cfg.AgentToolPolicy,
		onEvent:                cfg.OnEvent,
		ownerIDs:               cfg.OwnerIDs,
		skillsLoader:           cfg.SkillsLoader,
		skillAllowList:         cfg.SkillAllowList,
		hasMemory:              cfg.HasMemory,
		contextFiles:           cfg.ContextFiles,
		ensureUserFiles:        cfg.EnsureUserFiles,
		contextFileLoader:      cfg.ContextFileLoader,
		bootstrapCleanup:       cfg.BootstrapCleanup,
		compactionCfg:          cfg.CompactionCfg,
		contextPruningCfg:      cfg.ContextPruningCfg,
		sandboxEnabled:         cfg.SandboxEnabled,
		sandboxContainerDir:    cfg.SandboxContainerDir,
		sandboxWorkspaceAccess: cfg.SandboxWorkspaceAccess,
		traceCollector:         cfg.TraceCollector,
		inputGuard:             guard,
		injectionAction:        action,
		maxMessageChars:        cfg.MaxMessageChars,
		builtinToolSettings:    cfg.BuiltinToolSettings,
		thinkingLevel:          cfg.ThinkingLevel,
	}
}

// RunRequest is one inbound turn: a user message plus the routing
// metadata needed to place it in the right session lane and persist it.
type RunRequest struct {
	SessionKey        string // "agent:{agentId}:{channel}:{peerKind}:{chatId}"
	Message           string
	Media             []string // local file paths, already sanitized
	Channel           string
	ChatID            string
	PeerKind          string // "direct" or "group"
	RunID             string
	UserID            string
	SenderID          string // original sender, preserved in group chats
	Stream            bool
	ExtraSystemPrompt string
	HistoryLimit      int
	ParentTraceID     uuid.UUID
	ParentRootSpanID  uuid.UUID
	TraceName         string
	TraceTags         []string
}

// RunResult is what a completed turn produced.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
	Media      []MediaResult    `json:"media,omitempty"`
}

// MediaResult is a file a tool produced during the turn (MEDIA: marker).
type MediaResult struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	AsVoice     bool   `json:"as_voice,omitempty"`
}

// Run executes one full turn and blocks until the reply is ready.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	l.emit(AgentEvent{Type: protocol.AgentEventRunStarted, AgentID: l.id, RunID: req.RunID})

	traceID, isChildTrace := l.openTrace(ctx, req)
	if traceID != uuid.Nil {
		ctx = tracing.WithTraceID(ctx, traceID)
		ctx = tracing.WithCollector(ctx, l.traceCollector)
		ctx = tracing.WithParentSpanID(ctx, store.GenNewID())
		if isChildTrace && req.ParentRootSpanID != uuid.Nil {
			ctx = tracing.WithAnnounceParentSpanID(ctx, req.ParentRootSpanID)
		}
	}

	runStart := time.Now().UTC()
	result, err := l.runTurn(ctx, req)

	if l.traceCollector != nil && traceID != uuid.Nil {
		l.emitAgentSpan(ctx, runStart, result, err)
	}

	if err != nil {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunFailed,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		if !isChildTrace && l.traceCollector != nil && traceID != uuid.Nil {
			traceCtx := ctx
			traceStatus := store.TraceStatusError
			if ctx.Err() != nil {
				// /stop cancelled the run; still record the terminal state.
				traceCtx = context.Background()
				traceStatus = store.TraceStatusCancelled
			}
			l.traceCollector.FinishTrace(traceCtx, traceID, traceStatus, err.Error(), "")
		}
		return nil, err
	}

	l.emit(AgentEvent{Type: protocol.AgentEventRunCompleted, AgentID: l.id, RunID: req.RunID})
	if !isChildTrace && l.traceCollector != nil && traceID != uuid.Nil {
		l.traceCollector.FinishTrace(ctx, traceID, store.TraceStatusCompleted, "", truncateStr(result.Content, 500))
	}
	return result, nil
}

// openTrace creates (or reattaches to) a trace record for this run and
// reports whether the trace belongs to a parent run (announce/delegate).
func (l *Loop) openTrace(ctx context.Context, req RunRequest) (uuid.UUID, bool) {
	if req.ParentTraceID != uuid.Nil && l.traceCollector != nil {
		return req.ParentTraceID, true
	}
	if l.traceCollector == nil {
		return uuid.Nil, false
	}

	traceID := store.GenNewID()
	now := time.Now().UTC()
	traceName := "chat " + l.id
	if req.TraceName != "" {
		traceName = req.TraceName
	}
	trace := &store.TraceData{
		ID:           traceID,
		RunID:        req.RunID,
		SessionKey:   req.SessionKey,
		UserID:       req.UserID,
		Channel:      req.Channel,
		Name:         traceName,
		InputPreview: truncateStr(req.Message, 500),
		Status:       store.TraceStatusRunning,
		StartTime:    now,
		CreatedAt:    now,
		Tags:         req.TraceTags,
	}
	if l.agentUUID != uuid.Nil {
		trace.AgentID = &l.agentUUID
	}
	if delegateParent := tracing.DelegateParentTraceIDFromContext(ctx); delegateParent != uuid.Nil {
		trace.ParentTraceID = &delegateParent
	}
	if err := l.traceCollector.CreateTrace(ctx, trace); err != nil {
		slog.Warn("tracing: failed to create trace", "error", err)
		return uuid.Nil, false
	}
	return traceID, false
}

// runTurn is the body of the turn cycle: context assembly, the
// think/act/observe model loop, and session persistence.
func (l *Loop) runTurn(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx = l.primeContext(ctx, req)

	if err := l.enforceInputPolicy(&req); err != nil {
		return nil, err
	}

	if l.sessions.GetContextWindow(req.SessionKey) <= 0 {
		l.sessions.SetContextWindow(req.SessionKey, l.contextWindow)
	}

	history := l.sessions.GetHistory(req.SessionKey)
	summary := l.sessions.GetSummary(req.SessionKey)
	messages, hadBootstrap := l.buildMessages(ctx, history, summary, req.Message, req.ExtraSystemPrompt, req.SessionKey, req.Channel, req.UserID, req.HistoryLimit)

	if len(req.Media) > 0 {
		ctx = l.attachMedia(ctx, req, messages)
	}

	pending := []providers.Message{{Role: "user", Content: req.Message}}

	ctx = providers.WithRetryHook(ctx, func(attempt, maxAttempts int, err error) {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunRetrying,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{
				"attempt":     fmt.Sprintf("%d", attempt),
				"maxAttempts": fmt.Sprintf("%d", maxAttempts),
				"error":       err.Error(),
			},
		})
	})

	outcome, err := l.driveModelLoop(ctx, req, messages, &pending)
	if err != nil {
		return nil, err
	}

	l.finalizeTurn(ctx, req, history, pending, outcome, hadBootstrap)

	return &RunResult{
		Content:    outcome.content,
		RunID:      req.RunID,
		Iterations: outcome.iterations,
		Usage:      &outcome.usage,
		Media:      outcome.media,
	}, nil
}

// primeContext injects every piece of per-turn routing state (agent
// identity, user scoping, tool policy overrides, workspace root) that
// downstream tools and the session store read back out of the context.
func (l *Loop) primeContext(ctx context.Context, req RunRequest) context.Context {
	if l.agentUUID != uuid.Nil {
		ctx = store.WithAgentID(ctx, l.agentUUID)
	}
	if req.UserID != "" {
		ctx = store.WithUserID(ctx, req.UserID)
	}
	if l.agentType != "" {
		ctx = store.WithAgentType(ctx, l.agentType)
	}
	if req.SenderID != "" {
		ctx = store.WithSenderID(ctx, req.SenderID)
	}
	if l.agentToolPolicy != nil {
		if l.agentToolPolicy.Vision != nil {
			ctx = tools.WithVisionConfig(ctx, l.agentToolPolicy.Vision)
		}
		if l.agentToolPolicy.ImageGen != nil {
			ctx = tools.WithImageGenConfig(ctx, l.agentToolPolicy.ImageGen)
		}
	}
	if l.builtinToolSettings != nil {
		ctx = tools.WithBuiltinToolSettings(ctx, l.builtinToolSettings)
	}

	if l.workspace != "" {
		effectiveWorkspace := l.workspace
		if req.UserID != "" {
			effectiveWorkspace = filepath.Join(l.workspace, sanitizePathSegment(req.UserID))
			if err := os.MkdirAll(effectiveWorkspace, 0755); err != nil {
				slog.Warn("failed to create user workspace directory", "workspace", effectiveWorkspace, "user", req.UserID, "error", err)
			}
		}
		ctx = tools.WithToolWorkspace(ctx, effectiveWorkspace)
	}

	if l.ensureUserFiles != nil && req.UserID != "" {
		if _, loaded := l.seededUsers.LoadOrStore(req.UserID, true); !loaded {
			if err := l.ensureUserFiles(ctx, l.agentUUID, req.UserID, l.agentType, l.workspace); err != nil {
				slog.Warn("failed to ensure user context files", "error", err)
			}
		}
	}

	if l.agentUUID != uuid.Nil || req.UserID != "" {
		l.sessions.SetAgentInfo(req.SessionKey, l.agentUUID, req.UserID)
	}

	return tools.WithToolAgentKey(ctx, l.id)
}

// enforceInputPolicy scans for prompt-injection patterns and truncates
// oversized messages before they reach the model. Mutates req.Message.
func (l *Loop) enforceInputPolicy(req *RunRequest) error {
	if l.inputGuard != nil {
		if matches := l.inputGuard.Scan(req.Message); len(matches) > 0 {
			matchStr := strings.Join(matches, ",")
			switch l.injectionAction {
			case "block":
				slog.Warn("security.injection_blocked", "agent", l.id, "user", req.UserID, "patterns", matchStr, "message_len", len(req.Message))
				return fmt.Errorf("message blocked: potential prompt injection detected (%s)", matchStr)
			case "log":
				slog.Info("security.injection_detected", "agent", l.id, "user", req.UserID, "patterns", matchStr, "message_len", len(req.Message))
			default:
				slog.Warn("security.injection_detected", "agent", l.id, "user", req.UserID, "patterns", matchStr, "message_len", len(req.Message))
			}
		}
	}

	maxChars := l.maxMessageChars
	if maxChars <= 0 {
		maxChars = defaultMaxMessageChars
	}
	if len(req.Message) > maxChars {
		originalLen := len(req.Message)
		req.Message = req.Message[:maxChars] +
			fmt.Sprintf("\n\n[System: Message was truncated from %d to %d characters due to size limit. "+
				"Please ask the user to send shorter messages or use the read_file tool for large content.]",
				originalLen, maxChars)
		slog.Warn("security.message_truncated", "agent", l.id, "user", req.UserID, "original_len", originalLen, "truncated_to", maxChars)
	}
	return nil
}

// attachMedia loads images onto the live request only — session history
// never stores image payloads, only the text transcript.
func (l *Loop) attachMedia(ctx context.Context, req RunRequest, messages []providers.Message) context.Context {
	images := loadImages(req.Media)
	if len(images) > 0 {
		messages[len(messages)-1].Images = images
		ctx = tools.WithMediaImages(ctx, images)
		slog.Info("vision: attached images to user message", "count", len(images), "agent", l.id, "session", req.SessionKey)
	}
	for _, p := range req.Media {
		if err := os.Remove(p); err != nil {
			slog.Debug("vision: failed to clean temp media file", "path", p, "error", err)
		}
	}
	return ctx
}

// turnOutcome accumulates everything produced across the model-call
// iterations of a single turn.
type turnOutcome struct {
	content    string
	iterations int
	usage      providers.Usage
	media      []MediaResult
	asyncTools []string
}

// driveModelLoop runs the think/act/observe cycle: call the model, and
// if it asks for tools, execute them and loop until it produces a final
// answer, hits the iteration cap, or the loop detector gives up on it.
func (l *Loop) driveModelLoop(ctx context.Context, req RunRequest, messages []providers.Message, pending *[]providers.Message) (*turnOutcome, error) {
	out := &turnOutcome{}
	var loopDetector toolLoopState

	for out.iterations < l.maxIterations {
		out.iterations++
		slog.Debug("agent iteration", "agent", l.id, "iteration", out.iterations, "messages", len(messages))

		resp, err := l.callModel(ctx, req, messages, out.iterations)
		if err != nil {
			return nil, err
		}
		if resp.Usage != nil {
			out.usage.PromptTokens += resp.Usage.PromptTokens
			out.usage.CompletionTokens += resp.Usage.CompletionTokens
			out.usage.TotalTokens += resp.Usage.TotalTokens
			out.usage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		if len(resp.ToolCalls) == 0 {
			out.content = resp.Content
			break
		}

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		}
		messages = append(messages, assistantMsg)
		*pending = append(*pending, assistantMsg)

		toolMsgs, stuckMsg, stuck := l.runToolCalls(ctx, req, resp.ToolCalls, &loopDetector, out)
		messages = append(messages, toolMsgs...)
		*pending = append(*pending, toolMsgs...)
		if stuck {
			out.content = stuckMsg
			break
		}
	}
	return out, nil
}

// callModel issues one provider request, streaming chunk/thinking events
// to the caller when the request asked for streaming.
func (l *Loop) callModel(ctx context.Context, req RunRequest, messages []providers.Message, iteration int) (*providers.ChatResponse, error) {
	var toolDefs []providers.ToolDefinition
	if l.toolPolicy != nil {
		toolDefs = l.toolPolicy.FilterTools(l.tools, l.id, l.provider.Name(), l.agentToolPolicy, nil, false, false)
	} else {
		toolDefs = l.tools.ProviderDefs()
	}

	chatReq := providers.ChatRequest{
		Messages: messages,
		Tools:    toolDefs,
		Model:    l.model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   8192,
			providers.OptTemperature: 0.7,
		},
	}
	if l.thinkingLevel != "" && l.thinkingLevel != "off" {
		if tc, ok := l.provider.(providers.ThinkingCapable); ok && tc.SupportsThinking() {
			chatReq.Options[providers.OptThinkingLevel] = l.thinkingLevel
		} else {
			slog.Debug("thinking_level ignored: provider does not support thinking", "provider", l.provider.Name(), "level", l.thinkingLevel)
		}
	}

	llmSpanStart := time.Now().UTC()
	var resp *providers.ChatResponse
	var err error

	if req.Stream {
		resp, err = l.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
			if chunk.Thinking != "" {
				l.emit(AgentEvent{Type: protocol.ChatEventThinking, AgentID: l.id, RunID: req.RunID, Payload: map[string]string{"content": chunk.Thinking}})
			}
			if chunk.Content != "" {
				l.emit(AgentEvent{Type: protocol.ChatEventChunk, AgentID: l.id, RunID: req.RunID, Payload: map[string]string{"content": chunk.Content}})
			}
		})
	} else {
		resp, err = l.provider.Chat(ctx, chatReq)
	}

	if err != nil {
		l.emitLLMSpan(ctx, llmSpanStart, iteration, messages, nil, err)
		return nil, fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
	}
	l.emitLLMSpan(ctx, llmSpanStart, iteration, messages, resp, nil)
	return resp, nil
}

// runToolCalls executes every tool call the model requested in one
// iteration — concurrently when there's more than one — and returns the
// tool-result messages in original call order plus a "stuck" verdict
// from the loop detector.
func (l *Loop) runToolCalls(ctx context.Context, req RunRequest, calls []providers.ToolCall, loopDetector *toolLoopState, out *turnOutcome) ([]providers.Message, string, bool) {
	for _, tc := range calls {
		l.emit(AgentEvent{Type: protocol.AgentEventToolCall, AgentID: l.id, RunID: req.RunID, Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID}})
	}

	type execResult struct {
		idx       int
		tc        providers.ToolCall
		result    *tools.Result
		argsJSON  string
		spanStart time.Time
	}

	results := make([]execResult, len(calls))
	if len(calls) == 1 {
		tc := calls[0]
		argsJSON, _ := json.Marshal(tc.Arguments)
		slog.Info("tool call", "agent", l.id, "tool", tc.Name, "args_len", len(argsJSON))
		spanStart := time.Now().UTC()
		result := l.tools.ExecuteWithContext(ctx, tc.Name, tc.Arguments, req.Channel, req.ChatID, req.PeerKind, req.SessionKey, nil)
		results[0] = execResult{idx: 0, tc: tc, result: result, argsJSON: string(argsJSON), spanStart: spanStart}
	} else {
		// Tool instances are context-scoped and stateless across calls, so
		// running the batch concurrently is safe; only message ordering
		// needs to stay deterministic, which the index sort below restores.
		resultCh := make(chan execResult, len(calls))
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				argsJSON, _ := json.Marshal(tc.Arguments)
				slog.Info("tool call", "agent", l.id, "tool", tc.Name, "args_len", len(argsJSON), "parallel", true)
				spanStart := time.Now().UTC()
				result := l.tools.ExecuteWithContext(ctx, tc.Name, tc.Arguments, req.Channel, req.ChatID, req.PeerKind, req.SessionKey, nil)
				resultCh <- execResult{idx: idx, tc: tc, result: result, argsJSON: string(argsJSON), spanStart: spanStart}
			}(i, tc)
		}
		go func() { wg.Wait(); close(resultCh) }()
		for r := range resultCh {
			results[r.idx] = r
		}
		sort.Slice(results, func(i, j int) bool { return results[i].idx < results[j].idx })
	}

	var toolMsgs []providers.Message
	for _, r := range results {
		l.emitToolSpan(ctx, r.spanStart, r.tc.Name, r.tc.ID, r.argsJSON, r.result)

		argsHash := loopDetector.record(r.tc.Name, r.tc.Arguments)
		loopDetector.recordResult(argsHash, r.result.ForLLM)

		if r.result.Async {
			out.asyncTools = append(out.asyncTools, r.tc.Name)
		}
		if r.result.IsError {
			errMsg := r.result.ForLLM
			if len(errMsg) > 200 {
				errMsg = errMsg[:200] + "..."
			}
			slog.Warn("tool error", "agent", l.id, "tool", r.tc.Name, "error", errMsg)
		}

		l.emit(AgentEvent{
			Type:    protocol.AgentEventToolResult,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]interface{}{"name": r.tc.Name, "id": r.tc.ID, "is_error": r.result.IsError},
		})

		if mr := parseMediaResult(r.result.ForLLM); mr != nil {
			out.media = append(out.media, *mr)
		}

		toolMsgs = append(toolMsgs, providers.Message{Role: "tool", Content: r.result.ForLLM, ToolCallID: r.tc.ID})

		if level, msg := loopDetector.detect(r.tc.Name, argsHash); level != "" {
			if level == "critical" {
				slog.Warn("tool loop critical", "agent", l.id, "tool", r.tc.Name, "message", msg)
				return toolMsgs, "I was unable to complete this task — I got stuck repeatedly calling " + r.tc.Name + " without making progress. Please try rephrasing your request.", true
			}
			slog.Warn("tool loop warning", "agent", l.id, "tool", r.tc.Name, "message", msg)
			toolMsgs = append(toolMsgs, providers.Message{Role: "user", Content: msg})
		}
	}
	return toolMsgs, "", false
}

// finalizeTurn sanitizes the model's reply, flushes the turn's messages
// to the session store, and runs post-turn housekeeping (bootstrap
// cleanup, compaction).
func (l *Loop) finalizeTurn(ctx context.Context, req RunRequest, history []providers.Message, pending []providers.Message, out *turnOutcome, hadBootstrap bool) {
	out.content = SanitizeAssistantContent(out.content)
	isSilent := IsSilentReply(out.content)

	if out.content == "" {
		out.content = "..."
	}

	pending = append(pending, providers.Message{Role: "assistant", Content: out.content})
	for _, msg := range pending {
		l.sessions.AddMessage(req.SessionKey, msg)
	}

	l.sessions.UpdateMetadata(req.SessionKey, l.model, l.provider.Name(), req.Channel)
	l.sessions.AccumulateTokens(req.SessionKey, int64(out.usage.PromptTokens), int64(out.usage.CompletionTokens))

	if out.usage.PromptTokens > 0 {
		msgCount := len(history) + len(pending)
		l.sessions.SetLastPromptTokens(req.SessionKey, out.usage.PromptTokens, msgCount)
	}

	l.sessions.Save(req.SessionKey)

	if hadBootstrap && l.bootstrapCleanup != nil {
		userTurns := 1
		for _, m := range history {
			if m.Role == "user" {
				userTurns++
			}
		}
		if userTurns >= bootstrapAutoCleanupTurns {
			if cleanErr := l.bootstrapCleanup(ctx, l.agentUUID, req.UserID); cleanErr != nil {
				slog.Warn("bootstrap auto-cleanup failed", "error", cleanErr, "agent", l.id, "user", req.UserID)
			} else {
				slog.Info("bootstrap auto-cleanup completed", "agent", l.id, "user", req.UserID, "turns", userTurns)
			}
		}
	}

	if isSilent {
		slog.Info("agent loop: silent reply detected, suppressing delivery", "agent", l.id, "session", req.SessionKey)
		out.content = ""
	}

	l.maybeSummarize(ctx, req.SessionKey)
}

// parseMediaResult extracts a MediaResult from a tool output string
// carrying a "MEDIA:" marker, e.g. "MEDIA:/path/to/file" or
// "[[audio_as_voice]]\nMEDIA:/path/to/file". Returns nil if absent.
func parseMediaResult(toolOutput string) *MediaResult {
	s := toolOutput
	asVoice := false

	if strings.Contains(s, "[[audio_as_voice]]") {
		asVoice = true
		s = strings.ReplaceAll(s, "[[audio_as_voice]]", "")
		s = strings.TrimSpace(s)
	}

	idx := strings.Index(s, "MEDIA:")
	if idx < 0 {
		return nil
	}
	path := strings.TrimSpace(s[idx+6:])
	if path == "" {
		return nil
	}
	if nl := strings.IndexByte(path, '\n'); nl >= 0 {
		path = strings.TrimSpace(path[:nl])
	}

	return &MediaResult{
		Path:        path,
		ContentType: mimeFromExt(filepath.Ext(path)),
		AsVoice:     asVoice,
	}
}

// mimeFromExt maps a common media file extension to a MIME type.
func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// sanitizePathSegment makes a userID safe for use as a directory name.
func sanitizePathSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
