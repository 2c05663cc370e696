package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nevinhive/clawgate/internal/bus"
	"github.com/nevinhive/clawgate/internal/channels"
	"github.com/nevinhive/clawgate/internal/channels/typing"
)

// inboundContext carries the per-message state threaded through
// handleMessage's pipeline, so each stage can read what earlier stages
// resolved without a long positional parameter list.
type inboundContext struct {
	message         *telego.Message
	user            *telego.User
	userID          string
	senderID        string
	senderLabel     string
	isGroup         bool
	isForum         bool
	chatID          int64
	chatIDStr       string
	messageThreadID int
	localKey        string
}

// handleMessage processes an incoming Telegram update end to end: policy
// gates, media/content extraction, mention gating, then dispatch to the
// agent bus.
func (c *Channel) handleMessage(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil || isServiceMessage(message) {
		if message != nil {
			slog.Debug("telegram service message skipped",
				"chat_id", message.Chat.ID,
				"new_members", len(message.NewChatMembers),
				"left_member", message.LeftChatMember != nil,
			)
		}
		return
	}
	if message.From == nil {
		return
	}

	ic := c.newInboundContext(message)
	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type, "chat_id", ic.chatID, "is_group", ic.isGroup,
		"user_id", ic.user.ID, "username", ic.user.Username, "channel", c.Name(),
		"text_preview", channels.Truncate(message.Text, 60),
	)

	if !c.checkInboundPolicy(ctx, ic) {
		return
	}

	if ic.messageThreadID > 0 {
		c.threadIDs.Store(ic.localKey, ic.messageThreadID)
	}

	content, mediaPaths := c.resolveMessageContent(ctx, message)
	msgCtx := buildMessageContext(message, c.bot.Username())
	content = enrichContentWithContext(content, msgCtx)
	if content == "" {
		content = "[empty message]"
	}

	if c.handleBotCommand(ctx, message, ic.chatID, ic.chatIDStr, ic.localKey, content, ic.senderID, ic.isGroup, ic.isForum, ic.messageThreadID) {
		return
	}

	if ic.isGroup && c.requireMention && !c.passesMentionGate(message, msgCtx, ic, content) {
		return
	}
	if ic.isGroup && c.config.GroupPolicy == "pairing" && c.pairingService != nil && !c.passesGroupPairingGate(ctx, ic) {
		return
	}

	finalContent := c.annotateForDelivery(ic, content)
	c.startTypingAndPlaceholder(ctx, ic)
	c.dispatchToAgent(ic, finalContent, mediaPaths)

	if ic.isGroup {
		c.groupHistory.Clear(ic.localKey)
	}
}

func (c *Channel) newInboundContext(message *telego.Message) inboundContext {
	user := message.From
	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	// For non-forum groups, message_thread_id is reply context, not a
	// topic — ignore it. Forum groups without one default to General.
	isForum := isGroup && message.Chat.IsForum
	messageThreadID := 0
	if isForum {
		messageThreadID = message.MessageThreadID
		if messageThreadID == 0 {
			messageThreadID = telegramGeneralTopicID
		}
	}

	chatID := message.Chat.ID
	chatIDStr := fmt.Sprintf("%d", chatID)
	localKey := chatIDStr
	if isForum && messageThreadID > 0 {
		localKey = fmt.Sprintf("%s:topic:%d", chatIDStr, messageThreadID)
	}

	senderLabel := user.FirstName
	if user.Username != "" {
		senderLabel = "@" + user.Username
	}

	return inboundContext{
		message: message, user: user, userID: userID, senderID: senderID, senderLabel: senderLabel,
		isGroup: isGroup, isForum: isForum, chatID: chatID, chatIDStr: chatIDStr,
		messageThreadID: messageThreadID, localKey: localKey,
	}
}

// checkInboundPolicy applies group/DM access policy, sending a pairing
// prompt for unpaired DM senders under the default "pairing" policy.
// Returns false when the message should be dropped.
func (c *Channel) checkInboundPolicy(ctx context.Context, ic inboundContext) bool {
	if ic.isGroup {
		return c.checkGroupPolicy(ic)
	}
	return c.checkDMPolicy(ctx, ic)
}

func (c *Channel) checkGroupPolicy(ic inboundContext) bool {
	policy := c.config.GroupPolicy
	if policy == "" {
		policy = "open"
	}

	switch policy {
	case "disabled":
		slog.Debug("telegram group message rejected: groups disabled", "chat_id", ic.chatID)
		return false
	case "allowlist":
		if !c.IsAllowed(ic.userID) && !c.IsAllowed(ic.senderID) {
			slog.Debug("telegram group message rejected by allowlist", "user_id", ic.userID, "username", ic.user.Username, "chat_id", ic.chatID)
			return false
		}
	}
	return true
}

func (c *Channel) checkDMPolicy(ctx context.Context, ic inboundContext) bool {
	policy := c.config.DMPolicy
	if policy == "" {
		policy = "pairing"
	}

	switch policy {
	case "disabled":
		slog.Debug("telegram message rejected: DMs disabled", "user_id", ic.userID)
		return false
	case "open":
		return true
	case "allowlist":
		if !c.IsAllowed(ic.userID) && !c.IsAllowed(ic.senderID) {
			slog.Debug("telegram message rejected by allowlist", "user_id", ic.userID, "username", ic.user.Username)
			return false
		}
		return true
	default: // "pairing" or unknown — secure default
		paired := c.pairingService != nil &&
			(c.pairingService.IsPaired(ic.userID, c.Name()) || c.pairingService.IsPaired(ic.senderID, c.Name()))
		inAllowList := c.HasAllowList() && (c.IsAllowed(ic.userID) || c.IsAllowed(ic.senderID))
		if !paired && !inAllowList {
			slog.Debug("telegram message rejected: sender not paired", "user_id", ic.userID, "username", ic.user.Username, "dm_policy", policy)
			c.sendPairingReply(ctx, ic.chatID, ic.userID, ic.user.Username)
			return false
		}
		return true
	}
}

// resolveMessageContent extracts text content and processes attached
// media (transcribing audio, extracting document text, flagging
// unsupported video), returning the assembled content and the list of
// locally-saved media file paths.
func (c *Channel) resolveMessageContent(ctx context.Context, message *telego.Message) (string, []string) {
	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	mediaList := c.resolveMedia(ctx, message)
	if len(mediaList) == 0 {
		return content, nil
	}

	var mediaPaths []string
	var extraContent string
	for i := range mediaList {
		m := &mediaList[i]
		extraContent += c.processMediaItem(ctx, m, content == "")
		if m.FilePath != "" {
			mediaPaths = append(mediaPaths, m.FilePath)
		}
	}

	// Built after the loop above so transcript fields are populated.
	if tags := buildMediaTags(mediaList); tags != "" {
		if content != "" {
			content = tags + "\n\n" + content
		} else {
			content = tags
		}
	}
	return content + extraContent, mediaPaths
}

// processMediaItem runs type-specific enrichment on one media item
// (STT for audio/voice, text extraction for documents, an unsupported-
// format notice for video) and returns any extra content it produced.
func (c *Channel) processMediaItem(ctx context.Context, m *MediaInfo, noCaptionYet bool) string {
	switch m.Type {
	case "audio", "voice":
		transcript, err := c.transcribeAudio(ctx, m.FilePath)
		if err != nil {
			slog.Warn("telegram: STT transcription failed, falling back to media placeholder", "type", m.Type, "error", err)
			return ""
		}
		m.Transcript = transcript
		return ""

	case "document":
		if m.FileName == "" || m.FilePath == "" {
			return ""
		}
		docContent, err := extractDocumentContent(m.FilePath, m.FileName)
		if err != nil {
			slog.Warn("document extraction failed", "file", m.FileName, "error", err)
			return ""
		}
		if docContent == "" {
			return ""
		}
		return "\n\n" + docContent

	case "video", "animation":
		if noCaptionYet {
			return "\n\n[Video received — video content analysis is not yet supported, only caption text is processed]"
		}
		return ""

	default:
		return ""
	}
}

// passesMentionGate records the message into pending group history and
// returns false when the bot wasn't mentioned (directly, via @username,
// or by replying to one of the bot's own messages).
func (c *Channel) passesMentionGate(message *telego.Message, msgCtx MessageContext, ic inboundContext, content string) bool {
	botUsername := c.bot.Username()
	wasMentioned := c.detectMention(message, botUsername)
	if !wasMentioned && msgCtx.ReplyInfo != nil && msgCtx.ReplyInfo.IsBotReply {
		wasMentioned = true
	}

	slog.Debug("telegram group mention gate",
		"chat_id", ic.chatID, "bot_username", botUsername, "require_mention", c.requireMention,
		"was_mentioned", wasMentioned, "text_preview", channels.Truncate(content, 60),
	)

	if wasMentioned {
		return true
	}

	c.groupHistory.Record(ic.localKey, channels.HistoryEntry{
		Sender:    ic.senderLabel,
		Body:      content,
		Timestamp: time.Unix(int64(ic.message.Date), 0),
		MessageID: fmt.Sprintf("%d", ic.message.MessageID),
	}, c.historyLimit)
	slog.Debug("telegram group message recorded (no mention)", "chat_id", ic.chatID, "sender", ic.senderLabel)
	return false
}

// passesGroupPairingGate runs after the mention gate (when mention gating
// is on); it requires the group itself to be paired exactly once, then
// caches that approval for subsequent messages.
func (c *Channel) passesGroupPairingGate(ctx context.Context, ic inboundContext) bool {
	if _, cached := c.approvedGroups.Load(ic.chatIDStr); cached {
		return true
	}
	groupSenderID := fmt.Sprintf("group:%d", ic.chatID)
	if c.pairingService.IsPaired(groupSenderID, c.Name()) {
		c.approvedGroups.Store(ic.chatIDStr, true)
		return true
	}
	c.sendGroupPairingReply(ctx, ic.chatID, ic.chatIDStr, groupSenderID)
	return false
}

// annotateForDelivery prepends sender attribution and any pending group
// history onto the message content bound for the agent.
func (c *Channel) annotateForDelivery(ic inboundContext, content string) string {
	if !ic.isGroup {
		return content
	}
	annotated := fmt.Sprintf("[From: %s]\n%s", ic.senderLabel, content)
	if c.historyLimit <= 0 {
		return annotated
	}
	return c.groupHistory.BuildContext(ic.localKey, annotated, c.historyLimit)
}

// startTypingAndPlaceholder starts a self-renewing typing indicator and,
// for DMs only, sends a "Thinking..." placeholder message to edit later.
// Groups skip the placeholder since it drifts away as new messages
// arrive — the eventual reply goes out instead as a reply-to.
func (c *Channel) startTypingAndPlaceholder(ctx context.Context, ic inboundContext) {
	chatIDObj := tu.ID(ic.chatID)
	typingCtrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func() error {
			action := tu.ChatAction(chatIDObj, telego.ChatActionTyping)
			if ic.messageThreadID > 0 {
				action.MessageThreadID = ic.messageThreadID
			}
			return c.bot.SendChatAction(ctx, action)
		},
	})
	if prev, ok := c.typingCtrls.Load(ic.localKey); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(ic.localKey, typingCtrl)
	typingCtrl.Start()

	if prevStop, ok := c.stopThinking.Load(ic.localKey); ok {
		if cf, ok := prevStop.(*thinkingCancel); ok {
			cf.Cancel()
		}
	}
	_, thinkCancel := context.WithCancel(ctx)
	c.stopThinking.Store(ic.localKey, &thinkingCancel{fn: thinkCancel})

	if ic.isGroup {
		return
	}
	thinkMsg := tu.Message(chatIDObj, "Thinking...")
	if sendThreadID := resolveThreadIDForSend(ic.messageThreadID); sendThreadID > 0 {
		thinkMsg.MessageThreadID = sendThreadID
	}
	if pMsg, err := c.bot.SendMessage(ctx, thinkMsg); err == nil {
		c.placeholders.Store(ic.localKey, pMsg.MessageID)
	}
}

// dispatchToAgent publishes the resolved inbound message onto the bus,
// routing voice/audio turns to a dedicated speaking agent when one is
// configured so they don't land on a text-only router agent.
func (c *Channel) dispatchToAgent(ic inboundContext, finalContent string, mediaPaths []string) {
	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", ic.message.MessageID),
		"user_id":    fmt.Sprintf("%d", ic.user.ID),
		"username":   ic.user.Username,
		"first_name": ic.user.FirstName,
		"is_group":   fmt.Sprintf("%t", ic.isGroup),
		"local_key":  ic.localKey,
	}
	if ic.isForum {
		metadata["is_forum"] = "true"
		metadata["message_thread_id"] = fmt.Sprintf("%d", ic.messageThreadID)
	}

	peerKind := "direct"
	if ic.isGroup {
		peerKind = "group"
	}

	targetAgentID := c.voiceAwareTargetAgent(ic)

	slog.Debug("telegram message received", "sender_id", ic.senderID, "chat_id", ic.chatIDStr, "preview", channels.Truncate(finalContent, 50))

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:      c.Name(),
		SenderID:     ic.senderID,
		ChatID:       ic.chatIDStr,
		Content:      finalContent,
		Media:        mediaPaths,
		PeerKind:     peerKind,
		UserID:       ic.userID,
		AgentID:      targetAgentID,
		HistoryLimit: c.historyLimit,
		Metadata:     metadata,
	})
}

func (c *Channel) voiceAwareTargetAgent(ic inboundContext) string {
	targetAgentID := c.AgentID()
	if c.config.VoiceAgentID == "" {
		return targetAgentID
	}
	for _, m := range c.resolveMedia(context.Background(), ic.message) {
		if m.Type == "audio" || m.Type == "voice" {
			slog.Debug("telegram: routing voice inbound to speaking agent", "agent_id", c.config.VoiceAgentID, "media_type", m.Type)
			return c.config.VoiceAgentID
		}
	}
	return targetAgentID
}

// detectMention checks if a Telegram message mentions the bot, via text
// or caption entities, a plain-text @username substring, or a reply to
// one of the bot's own messages.
func (c *Channel) detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			switch entity.Type {
			case "mention":
				mentioned := pair.text[entity.Offset : entity.Offset+entity.Length]
				if strings.EqualFold(mentioned, "@"+botUsername) {
					return true
				}
			case "bot_command":
				cmdText := pair.text[entity.Offset : entity.Offset+entity.Length]
				if strings.Contains(strings.ToLower(cmdText), "@"+lowerBot) {
					return true
				}
			}
		}
	}

	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) {
		return true
	}
	if msg.Caption != "" && strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot) {
		return true
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.Username == botUsername {
		return true
	}
	return false
}

// isServiceMessage reports whether a Telegram message is a service/system
// event (member added/removed, title changed, pinned, ...) rather than
// user-authored content — those have no text, caption, or media.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
