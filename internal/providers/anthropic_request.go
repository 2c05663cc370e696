package providers

import "encoding/json"

// buildRawBlock reconstructs one complete content block from partial
// streaming state so RawAssistantContent can carry thinking blocks
// (with their signatures) back through tool-use passback.
func (p *AnthropicProvider) buildRawBlock(blockType string, result *ChatResponse, toolCallJSON map[int]string, _ int) json.RawMessage {
	var block map[string]interface{}

	switch blockType {
	case "thinking":
		block = map[string]interface{}{"type": "thinking", "thinking": result.Thinking}
	case "text":
		block = map[string]interface{}{"type": "text", "text": result.Content}
	case "redacted_thinking":
		// We never see the encrypted payload mid-stream; pass the
		// marker through as-is.
		block = map[string]interface{}{"type": "redacted_thinking"}
	case "tool_use":
		if len(result.ToolCalls) == 0 {
			return nil
		}
		tc := result.ToolCalls[len(result.ToolCalls)-1]
		args := make(map[string]interface{})
		if rawJSON, ok := toolCallJSON[len(result.ToolCalls)-1]; ok && rawJSON != "" {
			_ = json.Unmarshal([]byte(rawJSON), &args)
		}
		block = map[string]interface{}{"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": args}
	default:
		return nil
	}

	b, err := json.Marshal(block)
	if err != nil {
		return nil
	}
	return b
}

// buildRequestBody translates a provider-agnostic ChatRequest into the
// Anthropic Messages API wire shape: system text pulled into its own
// top-level field, tool results re-expressed as user-role tool_result
// blocks, and thinking-mode constraints applied when requested.
func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	var systemBlocks []map[string]interface{}
	var messages []map[string]interface{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemBlocks = append(systemBlocks, map[string]interface{}{"type": "text", "text": msg.Content})
		case "user":
			messages = append(messages, anthropicUserMessage(msg))
		case "assistant":
			messages = append(messages, anthropicAssistantMessage(msg))
		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "tool_result", "tool_use_id": msg.ToolCallID, "content": msg.Content},
				},
			})
		}
	}

	body := map[string]interface{}{
		"model":         model,
		"max_tokens":    4096,
		"messages":      messages,
		"cache_control": map[string]interface{}{"type": "ephemeral"},
	}
	if stream {
		body["stream"] = true
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}
	if len(req.Tools) > 0 {
		body["tools"] = anthropicToolDefs(req.Tools)
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}

	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		budget := anthropicThinkingBudget(level)
		body["thinking"] = map[string]interface{}{"type": "enabled", "budget_tokens": budget}
		delete(body, "temperature") // thinking mode rejects an explicit temperature
		if maxTok, ok := body["max_tokens"].(int); !ok || maxTok < budget+4096 {
			body["max_tokens"] = budget + 8192
		}
	}

	return body
}

func anthropicUserMessage(msg Message) map[string]interface{} {
	if len(msg.Images) == 0 {
		return map[string]interface{}{"role": "user", "content": msg.Content}
	}

	blocks := make([]map[string]interface{}, 0, len(msg.Images)+1)
	for _, img := range msg.Images {
		blocks = append(blocks, map[string]interface{}{
			"type":   "image",
			"source": map[string]interface{}{"type": "base64", "media_type": img.MimeType, "data": img.Data},
		})
	}
	if msg.Content != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
	}
	return map[string]interface{}{"role": "user", "content": blocks}
}

func anthropicAssistantMessage(msg Message) map[string]interface{} {
	// Raw content blocks captured from a prior Anthropic response (thinking
	// + its signature) must be replayed verbatim, not rebuilt from text.
	if msg.RawAssistantContent != nil {
		var rawBlocks []json.RawMessage
		if json.Unmarshal(msg.RawAssistantContent, &rawBlocks) == nil && len(rawBlocks) > 0 {
			return map[string]interface{}{"role": "assistant", "content": rawBlocks}
		}
	}

	var blocks []map[string]interface{}
	if msg.Content != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, map[string]interface{}{"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Arguments})
	}
	return map[string]interface{}{"role": "assistant", "content": blocks}
}

func anthropicToolDefs(defs []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(defs))
	for _, t := range defs {
		out = append(out, map[string]interface{}{
			"name":         t.Function.Name,
			"description":  t.Function.Description,
			"input_schema": CleanSchemaForProvider("anthropic", t.Function.Parameters),
		})
	}
	return out
}
