package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nevinhive/clawgate/internal/bus"
	"github.com/nevinhive/clawgate/internal/channels/typing"
	"github.com/nevinhive/clawgate/internal/gateway/chunk"
)

// telegramMaxMessageLen is Telegram's per-message character cap.
const telegramMaxMessageLen = 4096

// Send delivers an outbound message to a Telegram chat, editing the
// "Thinking..." placeholder with the first chunk when one is pending and
// sending any remainder (plus media) as follow-up messages.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	chatIDObj := tu.ID(chatID)

	localKey := msg.ChatID
	if lk := msg.Metadata["local_key"]; lk != "" {
		localKey = lk
	}

	threadID := 0
	fmt.Sscanf(msg.Metadata["message_thread_id"], "%d", &threadID)
	sendThreadID := resolveThreadIDForSend(threadID)

	replyToID := 0
	fmt.Sscanf(msg.Metadata["reply_to_message_id"], "%d", &replyToID)

	// Placeholder update (e.g. LLM retry notification): edit in place, keep
	// the placeholder alive for the eventual final response.
	if msg.Metadata["placeholder_update"] == "true" {
		if pID, ok := c.placeholders.Load(localKey); ok {
			edit := &telego.EditMessageTextParams{ChatID: chatIDObj, MessageID: pID.(int), Text: msg.Content}
			if _, err := c.bot.EditMessageText(ctx, edit); err != nil {
				slog.Debug("telegram: placeholder update edit failed", "error", err)
			}
		}
		return nil
	}

	// Stop typing indicator for this chat/topic.
	if ctrl, ok := c.typingCtrls.LoadAndDelete(localKey); ok {
		ctrl.(*typing.Controller).Stop()
	}

	content := msg.Content

	// NO_REPLY cleanup: delete the placeholder and send nothing.
	if content == "" && len(msg.Media) == 0 {
		if pID, ok := c.placeholders.Load(localKey); ok {
			c.placeholders.Delete(localKey)
			_, _ = c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: chatIDObj, MessageID: pID.(int)})
		}
		return nil
	}

	pieces := chunk.Split(content, telegramMaxMessageLen)
	if len(pieces) == 0 {
		pieces = []string{""}
	}

	editedPlaceholder := false
	if pID, ok := c.placeholders.Load(localKey); ok {
		c.placeholders.Delete(localKey)
		edit := &telego.EditMessageTextParams{ChatID: chatIDObj, MessageID: pID.(int), Text: pieces[0]}
		if _, err := c.bot.EditMessageText(ctx, edit); err == nil {
			editedPlaceholder = true
			pieces = pieces[1:]
		} else {
			slog.Warn("telegram: placeholder edit failed, sending new message",
				"chat_id", chatID, "placeholder_id", pID.(int), "error", err)
		}
	}

	for i, piece := range pieces {
		if i == 0 && editedPlaceholder {
			continue
		}
		sendMsg := tu.Message(chatIDObj, piece)
		if sendThreadID > 0 {
			sendMsg.MessageThreadID = sendThreadID
		}
		if replyToID > 0 {
			sendMsg.ReplyParameters = &telego.ReplyParameters{MessageID: replyToID}
		}
		if _, err := c.bot.SendMessage(ctx, sendMsg); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	for _, media := range msg.Media {
		if err := c.sendMedia(ctx, chatIDObj, sendThreadID, media); err != nil {
			slog.Warn("telegram: failed to send media attachment", "url", media.URL, "error", err)
		}
	}

	return nil
}

// sendMedia delivers a single outbound media attachment, choosing the
// Telegram API method from its content type.
func (c *Channel) sendMedia(ctx context.Context, chatIDObj telego.ChatID, threadID int, media bus.MediaAttachment) error {
	f, err := os.Open(media.URL)
	if err != nil {
		return fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()

	file := tu.File(f)

	switch {
	case isImageContentType(media.ContentType):
		params := tu.Photo(chatIDObj, file)
		params.Caption = media.Caption
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err = c.bot.SendPhoto(ctx, params)
	case isVideoContentType(media.ContentType):
		params := tu.Video(chatIDObj, file)
		params.Caption = media.Caption
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err = c.bot.SendVideo(ctx, params)
	case isAudioContentType(media.ContentType):
		params := tu.Audio(chatIDObj, file)
		params.Caption = media.Caption
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err = c.bot.SendAudio(ctx, params)
	default:
		params := tu.Document(chatIDObj, file)
		params.Caption = media.Caption
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err = c.bot.SendDocument(ctx, params)
	}
	return err
}

func isImageContentType(ct string) bool {
	return strings.HasPrefix(ct, "image/")
}

func isVideoContentType(ct string) bool {
	return strings.HasPrefix(ct, "video/")
}

func isAudioContentType(ct string) bool {
	return strings.HasPrefix(ct, "audio/")
}
