// Package agent — assistant reply cleanup.
//
// Models occasionally leak things a user should never see: raw tool-call
// XML from providers that don't support structured tool use cleanly,
// <think> scratchpads, hallucinated system-message echoes, and the
// MEDIA: markers tools use to hand files back to the gateway. This file
// runs a fixed pipeline of narrow stage functions over the raw assistant
// text before it is persisted or delivered.
package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// sanitizeStage is one step of the cleanup pipeline. Stages run in
// order; each sees the previous stage's output.
type sanitizeStage struct {
	name string
	run  func(string) string
}

var sanitizePipeline = []sanitizeStage{
	{"garbled_tool_xml", stripGarbledToolXML},
	{"downgraded_tool_text", stripDowngradedToolCallText},
	{"thinking_tags", stripThinkingTags},
	{"final_tags", stripFinalTags},
	{"echoed_system_message", stripEchoedSystemMessages},
	{"duplicate_blocks", collapseConsecutiveDuplicateBlocks},
	{"media_markers", stripMediaPaths},
	{"leading_blank_lines", stripLeadingBlankLines},
}

// SanitizeAssistantContent runs the full cleanup pipeline over raw
// assistant output before it is saved to the session or sent to a user.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}

	original := content
	for _, stage := range sanitizePipeline {
		content = stage.run(content)
		if content == "" {
			return ""
		}
	}
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized assistant content", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// garbledToolXMLPattern matches XML-like tool-call artifacts some
// providers emit as plain text instead of a structured tool call.
var garbledToolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|functioninvoke|invoke|invfunction_calls|tool_call|tool_use|parameter|minimax:tool_call)[^>]*>`,
)

var garbledToolXMLIndicators = []string{
	"invfunction_calls",
	"functioninvoke",
	"<parameter name=",
	"</parameter",
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<minimax:tool_call",
}

// stripGarbledToolXML drops the whole reply when it looks like a failed
// tool-call attempt leaked into the text channel — partial tool syntax
// is worse for the user than an empty turn.
func stripGarbledToolXML(content string) string {
	lower := strings.ToLower(content)
	hasIndicator := false
	for _, ind := range garbledToolXMLIndicators {
		if strings.Contains(lower, ind) {
			hasIndicator = true
			break
		}
	}
	if !hasIndicator {
		return content
	}

	cleaned := strings.TrimSpace(garbledToolXMLPattern.ReplaceAllString(content, ""))
	slog.Warn("stripped garbled tool-call response", "original_len", len(content), "remaining_len", len(cleaned))
	return ""
}

// stripDowngradedToolCallText removes "[Tool Call: ...]", "[Tool Result
// ...]" and "[Historical context: ...]" blocks some providers echo back
// as text. Go's regexp has no lookahead, so this scans line by line.
func stripDowngradedToolCallText(content string) string {
	if !strings.Contains(content, "[Tool Call:") &&
		!strings.Contains(content, "[Tool Result") &&
		!strings.Contains(content, "[Historical context:") {
		return content
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[Tool Call:") ||
			strings.HasPrefix(trimmed, "[Tool Result") ||
			strings.HasPrefix(trimmed, "[Historical context:") {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == "" || strings.HasPrefix(trimmed, "Arguments:") ||
				strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "}") {
				continue
			}
			skipping = false
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// thinkingTagPatterns strips reasoning scratchpads some providers wrap
// in <think>/<thinking>/<thought>/<antThinking> tags. No backreferences
// in Go's regexp engine, hence one pattern per tag name.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	regexp.MustCompile(`(?is)<antThinking>.*?</antThinking>`),
	regexp.MustCompile(`(?is)<antthinking>.*?</antthinking>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") && !strings.Contains(lower, "<antthinking") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// finalTagPattern strips <final>/</final> wrapper tags while keeping
// the content between them.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

// stripEchoedSystemMessages removes "[System Message] ..." blocks a
// model hallucinated or echoed back into its own reply.
func stripEchoedSystemMessages(content string) string {
	if !strings.Contains(content, "[System Message]") {
		return content
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[System Message]") {
			skipping = true
			continue
		}
		if skipping {
			if strings.TrimSpace(line) == "" {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}

	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	if cleaned != strings.TrimSpace(content) {
		slog.Warn("stripped echoed [System Message] block from assistant reply", "original_len", len(content), "cleaned_len", len(cleaned))
	}
	return cleaned
}

// collapseConsecutiveDuplicateBlocks removes a paragraph block that's an
// exact repeat of the block right before it — a pattern providers fall
// into when retried mid-stream.
func collapseConsecutiveDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}

	collapsed := strings.Join(kept, "\n\n")
	if collapsed != content {
		slog.Debug("collapsed duplicate reply blocks", "original_blocks", len(blocks), "result_blocks", len(kept))
	}
	return collapsed
}

// stripMediaPaths removes MEDIA:/path marker lines — these are how
// tools hand files back to the loop, not text meant for the user; the
// files themselves go out via RunResult.Media instead.
func stripMediaPaths(content string) string {
	if !strings.Contains(content, "MEDIA:") {
		return content
	}
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "MEDIA:") || strings.HasPrefix(trimmed, "[[audio_as_voice]]") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

var leadingBlankLinesPattern = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

func stripLeadingBlankLines(content string) string {
	return leadingBlankLinesPattern.ReplaceAllString(content, "")
}

// silentReplyToken is the sentinel an agent emits when it deliberately
// wants no message delivered to the user (e.g. an ignored group mention).
const silentReplyToken = "NO_REPLY"

// IsSilentReply reports whether text is (or is wrapped around) the
// silent-reply sentinel, tolerating surrounding punctuation the model
// sometimes adds.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == silentReplyToken {
		return true
	}
	if strings.HasPrefix(trimmed, silentReplyToken) {
		rest := trimmed[len(silentReplyToken):]
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, silentReplyToken) {
		before := trimmed[:len(trimmed)-len(silentReplyToken)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
