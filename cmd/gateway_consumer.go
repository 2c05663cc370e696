package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nevinhive/clawgate/internal/agent"
	"github.com/nevinhive/clawgate/internal/bus"
	"github.com/nevinhive/clawgate/internal/channels"
	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/scheduler"
	"github.com/nevinhive/clawgate/internal/sessions"
	"github.com/nevinhive/clawgate/internal/store"
)

// makeSchedulerRunFunc creates the RunFunc for the scheduler.
// It extracts the agentID from the session key and routes to the correct agent loop.
func makeSchedulerRunFunc(agents *agent.Router, cfg *config.Config) scheduler.RunFunc {
	return func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		// Extract agentID from session key (format: agent:{agentId}:{rest})
		agentID := cfg.ResolveDefaultAgentID()
		if parts := strings.SplitN(req.SessionKey, ":", 3); len(parts) >= 2 && parts[0] == "agent" {
			agentID = parts[1]
		}

		loop, err := agents.Get(agentID)
		if err != nil {
			return nil, fmt.Errorf("agent %s not found: %w", agentID, err)
		}
		return loop.Run(ctx, req)
	}
}

// inboundConsumer holds the collaborators consumeInboundMessages routes
// through, so its many sub-handlers can share them without a long
// parameter list threaded through every call.
type inboundConsumer struct {
	ctx       context.Context
	bus       *bus.MessageBus
	agents    *agent.Router
	cfg       *config.Config
	sched     *scheduler.Scheduler
	channelMgr *channels.Manager
	teamStore store.TeamStore
}

// consumeInboundMessages reads inbound messages from channels (Telegram, Discord, etc.)
// and routes them through the scheduler/agent loop, then publishes the response back.
// It also recognizes several "system" channel senders carrying internal
// routing events (subagent/delegate/handoff/teammate announcements) that
// bypass the debouncer and inject straight into a target agent's session.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, agents *agent.Router, cfg *config.Config, sched *scheduler.Scheduler, channelMgr *channels.Manager, teamStore store.TeamStore) {
	slog.Info("inbound message consumer started")

	ic := &inboundConsumer{ctx: ctx, bus: msgBus, agents: agents, cfg: cfg, sched: sched, channelMgr: channelMgr, teamStore: teamStore}

	// Inbound message deduplication: prevents webhook retries / double-taps
	// from duplicating agent runs.
	dedupe := bus.NewDedupeCache(20*time.Minute, 5000)

	debounceMs := cfg.Gateway.InboundDebounceMs
	if debounceMs == 0 {
		debounceMs = 1000
	}
	debouncer := bus.NewInboundDebouncer(time.Duration(debounceMs)*time.Millisecond, ic.processNormalMessage)
	defer debouncer.Stop()
	slog.Info("inbound debounce configured", "debounce_ms", debounceMs)

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}

		if msgID := msg.Metadata["message_id"]; msgID != "" {
			dedupeKey := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.ChatID, msgID)
			if dedupe.IsDuplicate(dedupeKey) {
				slog.Debug("dedup: skipping duplicate message", "key", dedupeKey)
				continue
			}
		}

		if ic.dispatchSystemSender(msg) {
			continue
		}

		if cmd := msg.Metadata["command"]; cmd == "stop" || cmd == "stopall" {
			ic.handleStopCommand(msg, cmd)
			continue
		}

		debouncer.Push(msg)
	}
}

// dispatchSystemSender recognizes the "system" channel's internal
// announce senders and routes them through announceTurn, bypassing the
// debouncer. Returns false for ordinary inbound messages.
func (ic *inboundConsumer) dispatchSystemSender(msg bus.InboundMessage) bool {
	if msg.Channel != "system" {
		return false
	}

	switch {
	case strings.HasPrefix(msg.SenderID, "subagent:"):
		ic.announceTurn(msg, announceSpec{
			logLabel:         "subagent announce",
			lane:             scheduler.LaneSubagent,
			defaultAgent:     "default",
			runID:            fmt.Sprintf("announce-%s", msg.SenderID),
			includeTrace:     true,
			publishOnError:   true,
			publishOnContent: true,
		})
		return true

	case strings.HasPrefix(msg.SenderID, "delegate:"):
		ic.announceTurn(msg, announceSpec{
			logLabel:         "delegate announce",
			lane:             scheduler.LaneDelegate,
			defaultAgent:     "default",
			runID:            fmt.Sprintf("delegate-announce-%s", msg.Metadata["delegation_id"]),
			includeTrace:     true,
			publishOnError:   true,
			publishOnContent: true,
		})
		return true

	case strings.HasPrefix(msg.SenderID, "handoff:"):
		ic.announceTurn(msg, announceSpec{
			logLabel:         "handoff announce",
			lane:             scheduler.LaneDelegate,
			targetFromMsg:    true,
			runID:            fmt.Sprintf("handoff-%s", msg.Metadata["handoff_id"]),
			publishOnContent: true,
		})
		return true

	case strings.HasPrefix(msg.SenderID, "teammate:"):
		ic.announceTurn(msg, announceSpec{
			logLabel:         "teammate message",
			lane:             scheduler.LaneDelegate,
			targetFromMsg:    true,
			runID:            fmt.Sprintf("teammate-%s-%s", msg.Metadata["from_agent"], msg.Metadata["to_agent"]),
			publishOnContent: true,
		})
		return true
	}
	return false
}

// announceSpec parameterizes the small differences between the four
// system-announce routes: which lane serializes them, how the target
// agent is resolved, whether trace linkage is forwarded, and whether a
// failed run still produces a user-visible error message.
type announceSpec struct {
	logLabel         string
	lane             string
	defaultAgent     string // used when targetFromMsg is false
	targetFromMsg    bool   // true: target agent comes from msg.AgentID (handoff/teammate)
	runID            string
	includeTrace     bool
	publishOnError   bool
	publishOnContent bool
}

// announceTurn injects an internal announce message into the originating
// chat's agent session and, once the run completes, reformulates the
// result back to the origin channel.
func (ic *inboundConsumer) announceTurn(msg bus.InboundMessage, spec announceSpec) {
	origChannel := msg.Metadata["origin_channel"]
	origPeerKind := msg.Metadata["origin_peer_kind"]
	if origPeerKind == "" {
		origPeerKind = string(sessions.PeerDirect)
	}
	if origChannel == "" || msg.ChatID == "" {
		slog.Warn(spec.logLabel+": missing origin", "sender", msg.SenderID)
		return
	}

	targetAgent := spec.defaultAgent
	if spec.targetFromMsg {
		targetAgent = msg.AgentID
		if targetAgent == "" {
			targetAgent = ic.cfg.ResolveDefaultAgentID()
		}
	} else if targetAgent == "" {
		parentAgent := msg.Metadata["parent_agent"]
		if parentAgent != "" {
			targetAgent = parentAgent
		} else {
			targetAgent = ic.cfg.ResolveDefaultAgentID()
		}
	}

	sessionKey := sessions.BuildScopedSessionKey(targetAgent, origChannel, sessions.PeerKind(origPeerKind), msg.ChatID, ic.cfg.Sessions.Scope, ic.cfg.Sessions.DmScope, ic.cfg.Sessions.MainKey)

	slog.Info(spec.logLabel+" → scheduler",
		"lane", spec.lane, "sender", msg.SenderID, "to", targetAgent, "session", sessionKey,
	)

	announceUserID := msg.UserID
	if origPeerKind == string(sessions.PeerGroup) && msg.ChatID != "" {
		announceUserID = fmt.Sprintf("group:%s:%s", origChannel, msg.ChatID)
	}

	req := agent.RunRequest{
		SessionKey: sessionKey,
		Message:    msg.Content,
		Channel:    origChannel,
		ChatID:     msg.ChatID,
		PeerKind:   origPeerKind,
		UserID:     announceUserID,
		RunID:      spec.runID,
		Stream:     false,
	}
	if spec.includeTrace {
		if tid := msg.Metadata["origin_trace_id"]; tid != "" {
			req.ParentTraceID, _ = uuid.Parse(tid)
		}
		if sid := msg.Metadata["origin_root_span_id"]; sid != "" {
			req.ParentRootSpanID, _ = uuid.Parse(sid)
		}
	}

	outCh := ic.sched.Schedule(ic.ctx, spec.lane, req)

	go func() {
		outcome := <-outCh
		if outcome.Err != nil {
			slog.Error(spec.logLabel+": agent run failed", "error", outcome.Err)
			if spec.publishOnError {
				ic.bus.PublishOutbound(bus.OutboundMessage{Channel: origChannel, ChatID: msg.ChatID, Content: formatAgentError(outcome.Err)})
			}
			return
		}
		if outcome.Result.Content == "" || agent.IsSilentReply(outcome.Result.Content) {
			slog.Info(spec.logLabel+": suppressed silent/empty reply", "sender", msg.SenderID)
			return
		}
		if spec.publishOnContent {
			ic.bus.PublishOutbound(bus.OutboundMessage{Channel: origChannel, ChatID: msg.ChatID, Content: outcome.Result.Content})
		}
	}()
}

// handleStopCommand cancels one or all active runs for the sender's
// session and reports back whether anything was actually cancelled.
func (ic *inboundConsumer) handleStopCommand(msg bus.InboundMessage, cmd string) {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = resolveAgentRoute(ic.cfg, msg.Channel, msg.ChatID, msg.PeerKind)
	}
	peerKind := msg.PeerKind
	if peerKind == "" {
		peerKind = string(sessions.PeerDirect)
	}
	sessionKey := ic.resolveSessionKey(agentID, msg, peerKind)

	var cancelled bool
	if cmd == "stopall" {
		cancelled = ic.sched.CancelSession(sessionKey)
		slog.Info("inbound: /stopall command", "session", sessionKey, "cancelled", cancelled)
	} else {
		cancelled = ic.sched.CancelOneSession(sessionKey)
		slog.Info("inbound: /stop command", "session", sessionKey, "cancelled", cancelled)
	}

	feedback := stopFeedback(cmd, cancelled)
	ic.bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: feedback, Metadata: msg.Metadata})
}

func stopFeedback(cmd string, cancelled bool) string {
	switch {
	case cmd == "stopall" && cancelled:
		return "All tasks stopped."
	case cmd == "stopall":
		return "No active tasks to stop."
	case cancelled:
		return "Task stopped."
	default:
		return "No active task to stop."
	}
}

// resolveSessionKey builds the canonical session key for a message,
// switching to the per-forum-topic variant when the inbound metadata
// marks the message as coming from a Telegram forum topic.
func (ic *inboundConsumer) resolveSessionKey(agentID string, msg bus.InboundMessage, peerKind string) string {
	sessionKey := sessions.BuildScopedSessionKey(agentID, msg.Channel, sessions.PeerKind(peerKind), msg.ChatID, ic.cfg.Sessions.Scope, ic.cfg.Sessions.DmScope, ic.cfg.Sessions.MainKey)
	if msg.Metadata["is_forum"] == "true" && peerKind == string(sessions.PeerGroup) {
		var topicID int
		fmt.Sscanf(msg.Metadata["message_thread_id"], "%d", &topicID)
		if topicID > 0 {
			sessionKey = sessions.BuildGroupTopicSessionKey(agentID, msg.Channel, msg.ChatID, topicID)
		}
	}
	return sessionKey
}

// processNormalMessage handles routing, scheduling, and response delivery
// for a single (possibly debounce-merged) inbound message.
func (ic *inboundConsumer) processNormalMessage(msg bus.InboundMessage) {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = resolveAgentRoute(ic.cfg, msg.Channel, msg.ChatID, msg.PeerKind)
	}

	// Handoff routing override (managed mode only).
	if ic.teamStore != nil && msg.AgentID == "" {
		if route, _ := ic.teamStore.GetHandoffRoute(ic.ctx, msg.Channel, msg.ChatID); route != nil {
			agentID = route.ToAgentKey
			slog.Info("inbound: handoff route active", "channel", msg.Channel, "chat", msg.ChatID, "to", agentID)
		}
	}

	if _, err := ic.agents.Get(agentID); err != nil {
		slog.Warn("inbound: agent not found", "agent", agentID, "channel", msg.Channel)
		return
	}

	peerKind := msg.PeerKind
	if peerKind == "" {
		peerKind = string(sessions.PeerDirect)
	}
	sessionKey := ic.resolveSessionKey(agentID, msg, peerKind)

	// Group-scoped UserID: treat the group as a single "virtual user" for
	// context files, memory, traces, and seeding. The per-sender ID stays
	// in the InboundMessage for pairing/dedup/mention gate. Discord uses
	// guild_id so all channels in a server share context/memory/seeding.
	userID := msg.UserID
	if peerKind == string(sessions.PeerGroup) && msg.ChatID != "" {
		groupID := msg.ChatID
		if guildID := msg.Metadata["guild_id"]; guildID != "" {
			groupID = guildID
		}
		userID = fmt.Sprintf("group:%s:%s", msg.Channel, groupID)
	}

	slog.Info("inbound: scheduling message (main lane)",
		"channel", msg.Channel, "chat_id", msg.ChatID, "peer_kind", peerKind,
		"agent", agentID, "session", sessionKey, "user_id", userID,
	)

	// Streaming chunk events only for 1:1 chats — concurrent group runs
	// would interleave chunks from different senders into one stream.
	enableStream := ic.channelMgr != nil && ic.channelMgr.IsStreamingChannel(msg.Channel) && peerKind != string(sessions.PeerGroup)

	maxConcurrent := 1
	if peerKind == string(sessions.PeerGroup) {
		maxConcurrent = 3
	}

	runID := fmt.Sprintf("inbound-%s-%s-%s", msg.Channel, msg.ChatID, uuid.NewString()[:8])

	// chatIDForRun uses the composite local key (topic-suffixed) so
	// streaming/reaction events route to the right per-topic state.
	messageID := 0
	if mid := msg.Metadata["message_id"]; mid != "" {
		fmt.Sscanf(mid, "%d", &messageID)
	}
	chatIDForRun := msg.ChatID
	if lk := msg.Metadata["local_key"]; lk != "" {
		chatIDForRun = lk
	}
	if ic.channelMgr != nil {
		ic.channelMgr.RegisterRun(runID, msg.Channel, chatIDForRun, messageID)
	}

	var extraPrompt string
	if peerKind == string(sessions.PeerGroup) {
		extraPrompt = groupChatSystemPrompt
	}

	outCh := ic.sched.ScheduleWithOpts(ic.ctx, "main", agent.RunRequest{
		SessionKey:        sessionKey,
		Message:           msg.Content,
		Media:             msg.Media,
		Channel:           msg.Channel,
		ChatID:            msg.ChatID,
		PeerKind:          peerKind,
		UserID:            userID,
		SenderID:          msg.SenderID,
		RunID:             runID,
		Stream:            enableStream,
		HistoryLimit:      msg.HistoryLimit,
		ExtraSystemPrompt: extraPrompt,
	}, scheduler.ScheduleOpts{MaxConcurrent: maxConcurrent})

	outMeta := outboundMetadataFor(msg)
	go ic.deliverOutcome(outCh, msg.Channel, msg.ChatID, sessionKey, runID, outMeta)
}

const groupChatSystemPrompt = "You are in a GROUP chat (multiple participants), not a private 1-on-1 DM.\n" +
	"- Messages may include a [Chat messages since your last reply] section with recent group history. Each history line shows \"sender [time]: message\".\n" +
	"- The current message includes a [From: sender_name] tag identifying who @mentioned you.\n" +
	"- Keep responses concise and focused; long replies are disruptive in groups.\n" +
	"- Address the group naturally. If the history shows a multi-person conversation, consider the full context before answering."

// outboundMetadataFor extracts the metadata an outbound reply needs to
// route back correctly: reply-to-message linkage and thread/topic keys.
func outboundMetadataFor(msg bus.InboundMessage) map[string]string {
	outMeta := make(map[string]string)
	if mid := msg.Metadata["message_id"]; mid != "" {
		outMeta["reply_to_message_id"] = mid
	}
	for _, k := range []string{"message_thread_id", "local_key", "placeholder_key"} {
		if v := msg.Metadata[k]; v != "" {
			outMeta[k] = v
		}
	}
	return outMeta
}

// deliverOutcome waits for a scheduled run to finish and publishes its
// result (or a formatted error, or a silent empty cleanup) to the
// originating channel. Run asynchronously so it never blocks the
// consumer loop or debouncer.
func (ic *inboundConsumer) deliverOutcome(outCh <-chan scheduler.Outcome, channel, chatID, session, runID string, meta map[string]string) {
	outcome := <-outCh

	if ic.channelMgr != nil {
		ic.channelMgr.UnregisterRun(runID)
	}

	if outcome.Err != nil {
		if errors.Is(outcome.Err, context.Canceled) {
			slog.Info("inbound: run cancelled", "channel", channel, "session", session)
			ic.bus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: "", Metadata: meta})
			return
		}
		slog.Error("inbound: agent run failed", "error", outcome.Err, "channel", channel)
		ic.bus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: formatAgentError(outcome.Err), Metadata: meta})
		return
	}

	if outcome.Result.Content == "" || agent.IsSilentReply(outcome.Result.Content) {
		slog.Info("inbound: suppressed silent/empty reply", "channel", channel, "chat_id", chatID, "session", session)
		ic.bus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: "", Metadata: meta})
		return
	}

	outMsg := bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: outcome.Result.Content, Metadata: meta}
	for _, mr := range outcome.Result.Media {
		outMsg.Media = append(outMsg.Media, bus.MediaAttachment{URL: mr.Path, ContentType: mr.ContentType})
		if mr.AsVoice {
			if outMsg.Metadata == nil {
				outMsg.Metadata = make(map[string]string)
			}
			outMsg.Metadata["audio_as_voice"] = "true"
		}
	}
	ic.bus.PublishOutbound(outMsg)
}

// resolveAgentRoute determines which agent should handle a message
// based on config bindings. Priority: peer → channel → default.
func resolveAgentRoute(cfg *config.Config, channel, chatID, peerKind string) string {
	for _, binding := range cfg.Bindings {
		match := binding.Match
		if match.Channel == channel && match.Peer != nil && match.Peer.Kind == peerKind && match.Peer.ID == chatID {
			return config.NormalizeAgentID(binding.AgentID)
		}
	}

	for _, binding := range cfg.Bindings {
		if binding.Match.Channel == channel && binding.Match.Peer == nil {
			return config.NormalizeAgentID(binding.AgentID)
		}
	}

	return cfg.ResolveDefaultAgentID()
}
