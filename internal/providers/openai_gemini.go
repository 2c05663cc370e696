package providers

// collapseToolCallsWithoutSig drops tool_call/tool_result cycles that are
// missing a thought_signature, which Gemini 2.5+ requires on every
// tool_call echoed back to it. Session history written before this
// signature capture existed doesn't have one, and Gemini's OpenAI shim
// answers those requests with a 400 rather than ignoring the field.
func collapseToolCallsWithoutSig(msgs []Message) []Message {
	collapse := unsignedToolCallIDs(msgs)
	if len(collapse) == 0 {
		return msgs
	}

	out := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		if m.Role == "assistant" && len(m.ToolCalls) > 0 && collapse[m.ToolCalls[0].ID] {
			if m.Content != "" {
				out = append(out, Message{Role: "assistant", Content: m.Content})
			}
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" && collapse[msgs[i+1].ToolCallID] {
				i++
			}
			continue
		}
		if m.Role == "tool" && collapse[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// unsignedToolCallIDs finds every tool-call ID belonging to an assistant
// turn where at least one call in that turn lacks a thought_signature —
// the whole turn has to collapse together, not just the unsigned call.
func unsignedToolCallIDs(msgs []Message) map[string]bool {
	collapse := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		missing := false
		for _, tc := range m.ToolCalls {
			if tc.Metadata["thought_signature"] == "" {
				missing = true
				break
			}
		}
		if missing {
			for _, tc := range m.ToolCalls {
				collapse[tc.ID] = true
			}
		}
	}
	return collapse
}
