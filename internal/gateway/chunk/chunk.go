// Package chunk splits long outbound replies into platform-sized pieces and
// batches bursty progress updates into a single flush per interval.
package chunk

import (
	"strings"
	"unicode"

	"github.com/mattn/go-runewidth"
)

// DefaultMaxLen is the chunk size used when a channel doesn't impose its own
// platform limit (Discord and Telegram both cap messages around 2000-4096
// chars; 2000 is the conservative common denominator).
const DefaultMaxLen = 2000

// Split breaks text into pieces whose display width (as counted by
// go-runewidth, which treats wide/emoji runes as two columns) does not
// exceed maxLen. It prefers to cut at a newline, falling back to a space,
// and only hard-breaks mid-word as a last resort. A rune is never split
// across two chunks, and leading whitespace on continuation chunks is
// trimmed.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := windowEnd(runes, start, maxLen)
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}

		cut := breakPoint(runes, start, end)
		chunks = append(chunks, string(runes[start:cut]))
		start = skipLeadingSpace(runes, cut)
	}
	return chunks
}

// windowEnd returns the largest index e such that the display width of
// runes[start:e] is at most maxLen.
func windowEnd(runes []rune, start, maxLen int) int {
	width := 0
	i := start
	for i < len(runes) {
		w := runewidth.RuneWidth(runes[i])
		if width+w > maxLen {
			break
		}
		width += w
		i++
	}
	if i == start && len(runes) > start {
		// A single rune already exceeds maxLen (e.g. maxLen=1 with an emoji) —
		// still emit it whole rather than looping forever.
		i = start + 1
	}
	return i
}

// breakPoint finds the best cut point within runes[start:end), preferring a
// newline, then a space, each only if it falls past the first half of the
// window so chunks aren't pathologically short.
func breakPoint(runes []rune, start, end int) int {
	half := start + (end-start)/2

	for i := end - 1; i > half; i-- {
		if runes[i] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i > half; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

func skipLeadingSpace(runes []rune, i int) int {
	for i < len(runes) && unicode.IsSpace(runes[i]) && runes[i] != '\n' {
		i++
	}
	return i
}

// Join is the inverse convenience used by tests and callers that want to
// verify a round trip preserves content modulo the whitespace Split trims
// at continuation boundaries.
func Join(chunks []string) string {
	return strings.Join(chunks, "")
}
