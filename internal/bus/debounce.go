package bus

import (
	"sync"
	"time"
)

// InboundDebouncer merges rapid-fire inbound messages from the same
// sender+chat into a single agent run, so a user typing three quick
// follow-up messages doesn't trigger three separate runs. Pending messages
// for a key are appended together and flushed once that key goes quiet for
// the configured delay.
type InboundDebouncer struct {
	delay   time.Duration
	flush   func(InboundMessage)
	mu      sync.Mutex
	pending map[string]*pendingInbound
	stopped bool
}

type pendingInbound struct {
	msg   InboundMessage
	timer *time.Timer
}

// NewInboundDebouncer creates a debouncer that calls flush with the merged
// message once a sender+chat has been quiet for delay.
func NewInboundDebouncer(delay time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		delay:   delay,
		flush:   flush,
		pending: make(map[string]*pendingInbound),
	}
}

func debounceKey(msg InboundMessage) string {
	return msg.Channel + "\x00" + msg.ChatID + "\x00" + msg.SenderID
}

// Push queues msg for the debounce window, merging it with any message
// already pending for the same sender+chat.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	key := debounceKey(msg)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if existing, ok := d.pending[key]; ok {
		existing.timer.Stop()
		existing.msg = mergeInbound(existing.msg, msg)
		existing.timer = time.AfterFunc(d.delay, func() { d.fire(key) })
		return
	}

	entry := &pendingInbound{msg: msg}
	entry.timer = time.AfterFunc(d.delay, func() { d.fire(key) })
	d.pending[key] = entry
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		d.flush(entry.msg)
	}
}

// mergeInbound folds next into base, concatenating text content and media
// while keeping base's routing metadata (channel, chat, sender).
func mergeInbound(base, next InboundMessage) InboundMessage {
	merged := base
	if merged.Content != "" && next.Content != "" {
		merged.Content = merged.Content + "\n" + next.Content
	} else if next.Content != "" {
		merged.Content = next.Content
	}
	merged.Media = append(merged.Media, next.Media...)
	if next.Metadata != nil {
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]string, len(next.Metadata))
		}
		for k, v := range next.Metadata {
			merged.Metadata[k] = v
		}
	}
	return merged
}

// Stop cancels every pending timer without flushing. Call on shutdown.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}
