package chunk

import (
	"strings"
	"testing"
	"time"
)

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	got := Split("hello world", 2000)
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("want single chunk, got %v", got)
	}
}

func TestSplit_EmptyText(t *testing.T) {
	if got := Split("", 2000); got != nil {
		t.Fatalf("want nil for empty input, got %v", got)
	}
}

func TestSplit_PrefersNewlineBoundary(t *testing.T) {
	text := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	chunks := Split(text, 15)
	if len(chunks) != 2 {
		t.Fatalf("want 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != strings.Repeat("a", 10)+"\n" {
		t.Fatalf("first chunk should end at newline, got %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("b", 10) {
		t.Fatalf("second chunk should have leading content, got %q", chunks[1])
	}
}

func TestSplit_FallsBackToSpaceBoundary(t *testing.T) {
	text := strings.Repeat("a", 10) + " " + strings.Repeat("b", 10)
	chunks := Split(text, 15)
	if len(chunks) != 2 {
		t.Fatalf("want 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if strings.HasSuffix(chunks[0], " ") {
		t.Fatalf("trailing space should have been consumed by the cut, got %q", chunks[0])
	}
	if strings.HasPrefix(chunks[1], " ") {
		t.Fatalf("continuation chunk should trim leading whitespace, got %q", chunks[1])
	}
}

func TestSplit_HardBreaksWhenNoBoundary(t *testing.T) {
	text := strings.Repeat("x", 30)
	chunks := Split(text, 10)
	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks of 10, got %d: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len([]rune(c)) != 10 {
			t.Errorf("want chunk of width 10, got %q (%d)", c, len([]rune(c)))
		}
	}
}

func TestSplit_NeverSplitsAMultiByteRune(t *testing.T) {
	text := strings.Repeat("🎉", 5)
	chunks := Split(text, 4) // emoji are width 2, so 2 per chunk
	for _, c := range chunks {
		for _, r := range c {
			if r != '🎉' {
				t.Fatalf("chunk contains a malformed rune: %q", c)
			}
		}
	}
	if Join(chunks) != text {
		t.Fatalf("chunks must reassemble to the original text, got %q", Join(chunks))
	}
}

func TestSplit_DefaultMaxLenWhenUnset(t *testing.T) {
	text := strings.Repeat("a", 100)
	chunks := Split(text, 0)
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk under default max, got %d", len(chunks))
	}
}

func TestReplyQueue_AckEmitsImmediatelyAndStartsTimer(t *testing.T) {
	var got []string
	q := NewReplyQueue(time.Hour, func(s string) { got = append(got, s) })
	q.Push(KindAck, "ack-text")
	if len(got) != 1 || got[0] != "ack-text" {
		t.Fatalf("want ack flushed immediately, got %v", got)
	}
}

func TestReplyQueue_ProgressIsBufferedNotFlushedImmediately(t *testing.T) {
	var got []string
	q := NewReplyQueue(time.Hour, func(s string) { got = append(got, s) })
	q.Push(KindProgress, "working on it")
	if len(got) != 0 {
		t.Fatalf("progress should not flush immediately, got %v", got)
	}
	q.Stop()
}

func TestReplyQueue_FinalFlushesPendingThenFinal(t *testing.T) {
	var got []string
	q := NewReplyQueue(time.Hour, func(s string) { got = append(got, s) })
	q.Push(KindProgress, "step 1")
	q.Push(KindFinal, "done")
	if len(got) != 2 || got[0] != "step 1" || got[1] != "done" {
		t.Fatalf("want [step 1, done], got %v", got)
	}
}

func TestReplyQueue_FinalWithNoPendingOnlyFlushesFinal(t *testing.T) {
	var got []string
	q := NewReplyQueue(time.Hour, func(s string) { got = append(got, s) })
	q.Push(KindFinal, "done")
	if len(got) != 1 || got[0] != "done" {
		t.Fatalf("want [done], got %v", got)
	}
}
