package providers

import (
	"context"
	"log/slog"
)

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"
)

// DashScopeProvider wraps OpenAIProvider for Alibaba's DashScope gateway.
// DashScope's compatible-mode endpoint rejects a request that sets both
// "tools" and "stream": true, so ChatStream falls back to a non-streaming
// call and replays it as synthetic chunks whenever tools are attached.
type DashScopeProvider struct {
	*OpenAIProvider
}

func NewDashScopeProvider(apiKey, apiBase, defaultModel string) *DashScopeProvider {
	if apiBase == "" {
		apiBase = dashscopeDefaultBase
	}
	if defaultModel == "" {
		defaultModel = dashscopeDefaultModel
	}
	return &DashScopeProvider{
		OpenAIProvider: NewOpenAIProvider("dashscope", apiKey, apiBase, defaultModel),
	}
}

func (p *DashScopeProvider) Name() string          { return "dashscope" }
func (p *DashScopeProvider) SupportsThinking() bool { return true }

func (p *DashScopeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	req = withDashscopeThinkingOptions(req)

	if len(req.Tools) == 0 {
		return p.OpenAIProvider.ChatStream(ctx, req, onChunk)
	}

	slog.Debug("dashscope: tools attached, downgrading stream to a single Chat call", "model", req.Model)
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	replayAsChunks(resp, onChunk)
	return resp, nil
}

// withDashscopeThinkingOptions rewrites the generic thinking_level option
// into DashScope's own enable_thinking/thinking_budget pair, never
// mutating the caller's Options map.
func withDashscopeThinkingOptions(req ChatRequest) ChatRequest {
	level, ok := req.Options[OptThinkingLevel].(string)
	if !ok || level == "" || level == "off" {
		return req
	}

	opts := make(map[string]interface{}, len(req.Options)+2)
	for k, v := range req.Options {
		opts[k] = v
	}
	opts[OptEnableThinking] = true
	opts[OptThinkingBudget] = dashscopeThinkingBudget(level)
	delete(opts, OptThinkingLevel)
	req.Options = opts
	return req
}

// replayAsChunks synthesizes the StreamChunk callbacks a caller expects
// from ChatStream when the response actually came back in one shot.
func replayAsChunks(resp *ChatResponse, onChunk func(StreamChunk)) {
	if onChunk == nil {
		return
	}
	if resp.Thinking != "" {
		onChunk(StreamChunk{Thinking: resp.Thinking})
	}
	if resp.Content != "" {
		onChunk(StreamChunk{Content: resp.Content})
	}
	onChunk(StreamChunk{Done: true})
}

func dashscopeThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "medium":
		return 16384
	case "high":
		return 32768
	default:
		return 16384
	}
}
