package telegram

import (
	"fmt"

	"github.com/mymmrac/telego"
)

// ReplyInfo describes the message a reply is attached to.
type ReplyInfo struct {
	IsBotReply bool   // true when the replied-to message was sent by this bot
	Sender     string // display name of the replied-to message's author
	Snippet    string // truncated text/caption of the replied-to message
}

// MessageContext carries the surrounding context a raw Telegram message
// implies beyond its own text: what it's a reply to, and any attached
// location.
type MessageContext struct {
	ReplyInfo *ReplyInfo
	Location  *telego.Location
}

const contextSnippetMaxLen = 120

// buildMessageContext inspects a message's reply/location fields and
// resolves them into a MessageContext the caller can fold into the
// content sent to the agent.
func buildMessageContext(msg *telego.Message, botUsername string) MessageContext {
	var ctx MessageContext

	if reply := msg.ReplyToMessage; reply != nil {
		sender := "someone"
		isBot := false
		if reply.From != nil {
			if reply.From.Username != "" {
				sender = "@" + reply.From.Username
			} else {
				sender = reply.From.FirstName
			}
			isBot = botUsername != "" && reply.From.Username == botUsername
		}
		text := reply.Text
		if text == "" {
			text = reply.Caption
		}
		ctx.ReplyInfo = &ReplyInfo{
			IsBotReply: isBot,
			Sender:     sender,
			Snippet:    truncateSnippet(text, contextSnippetMaxLen),
		}
	}

	if msg.Location != nil {
		ctx.Location = msg.Location
	}

	return ctx
}

// enrichContentWithContext prepends reply/location annotations to the
// message content so the agent sees what a human reader would infer
// from Telegram's UI affordances (what this is a reply to, where a
// shared pin points).
func enrichContentWithContext(content string, ctx MessageContext) string {
	var prefix string
	if ctx.ReplyInfo != nil && ctx.ReplyInfo.Snippet != "" {
		prefix += fmt.Sprintf("[Replying to %s: %q]\n", ctx.ReplyInfo.Sender, ctx.ReplyInfo.Snippet)
	}
	if ctx.Location != nil {
		prefix += fmt.Sprintf("[Location: %.5f, %.5f]\n", ctx.Location.Latitude, ctx.Location.Longitude)
	}
	if prefix == "" {
		return content
	}
	return prefix + content
}

func truncateSnippet(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
