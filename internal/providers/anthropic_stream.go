package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// streamState accumulates everything a Messages API SSE stream produces
// across its event sequence, since each event only carries a fragment.
type streamState struct {
	result           *ChatResponse
	toolCallJSON     map[int]string // accumulated partial_json per tool-call index
	rawContentBlocks []json.RawMessage
	currentBlockType string
	thinkingChars    int
}

// ChatStream issues a streaming request and replays text/thinking
// deltas to onChunk as they arrive, returning the fully assembled
// response once the stream closes.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req, true)

	// Retry covers only the connection attempt; once bytes start
	// flowing there's no safe way to resume a partial SSE stream.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	st := &streamState{
		result:       &ChatResponse{FinishReason: "stop"},
		toolCallJSON: make(map[int]string),
	}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // thinking chunks can be large
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if err := p.applySSEEvent(st, currentEvent, data, onChunk); err != nil {
			return nil, err
		}
	}

	for i, rawJSON := range st.toolCallJSON {
		if rawJSON == "" {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(rawJSON), &args)
		st.result.ToolCalls[i].Arguments = args
	}

	if st.result.Usage != nil {
		st.result.Usage.TotalTokens = st.result.Usage.PromptTokens + st.result.Usage.CompletionTokens
		if st.thinkingChars > 0 {
			st.result.Usage.ThinkingTokens = st.thinkingChars / 4
		}
	}

	if len(st.rawContentBlocks) > 0 && len(st.result.ToolCalls) > 0 {
		if b, err := json.Marshal(st.rawContentBlocks); err == nil {
			st.result.RawAssistantContent = b
		}
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return st.result, nil
}

// applySSEEvent folds one decoded server-sent event into the running
// stream state, firing onChunk for anything user-visible.
func (p *AnthropicProvider) applySSEEvent(st *streamState, event, data string, onChunk func(StreamChunk)) error {
	switch event {
	case "message_start":
		var ev anthropicMessageStartEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil
		}
		if st.result.Usage == nil {
			st.result.Usage = &Usage{}
		}
		if ev.Message.Usage.InputTokens > 0 {
			st.result.Usage.PromptTokens = ev.Message.Usage.InputTokens
		}
		st.result.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
		st.result.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens

	case "content_block_start":
		var ev anthropicContentBlockStartEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil
		}
		st.currentBlockType = ev.ContentBlock.Type
		if ev.ContentBlock.Type == "tool_use" {
			st.result.ToolCalls = append(st.result.ToolCalls, ToolCall{
				ID:        ev.ContentBlock.ID,
				Name:      strings.TrimSpace(ev.ContentBlock.Name),
				Arguments: make(map[string]interface{}),
			})
		}
		st.rawContentBlocks = append(st.rawContentBlocks, json.RawMessage(fmt.Sprintf(`{"type":"%s"`, ev.ContentBlock.Type)))

	case "content_block_delta":
		var ev anthropicContentBlockDeltaEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			st.result.Content += ev.Delta.Text
			if onChunk != nil {
				onChunk(StreamChunk{Content: ev.Delta.Text})
			}
		case "thinking_delta":
			st.result.Thinking += ev.Delta.Thinking
			st.thinkingChars += len(ev.Delta.Thinking)
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
			}
		case "input_json_delta":
			if len(st.result.ToolCalls) > 0 {
				idx := len(st.result.ToolCalls) - 1
				st.toolCallJSON[idx] += ev.Delta.PartialJSON
			}
		case "signature_delta":
			// captured via content_block_stop's raw-block reconstruction
		}

	case "content_block_stop":
		if len(st.rawContentBlocks) > 0 {
			idx := len(st.rawContentBlocks) - 1
			if block := p.buildRawBlock(st.currentBlockType, st.result, st.toolCallJSON, idx); block != nil {
				st.rawContentBlocks[idx] = block
			}
		}
		st.currentBlockType = ""

	case "message_delta":
		var ev anthropicMessageDeltaEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil
		}
		if ev.Delta.StopReason != "" {
			switch ev.Delta.StopReason {
			case "tool_use":
				st.result.FinishReason = "tool_calls"
			case "max_tokens":
				st.result.FinishReason = "length"
			default:
				st.result.FinishReason = "stop"
			}
		}
		if ev.Usage.OutputTokens > 0 {
			if st.result.Usage == nil {
				st.result.Usage = &Usage{}
			}
			st.result.Usage.CompletionTokens = ev.Usage.OutputTokens
		}

	case "error":
		var ev anthropicErrorEvent
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}

	case "message_stop":
		// stream complete, nothing further to fold in
	}
	return nil
}
