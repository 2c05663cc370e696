package tools

import (
	"context"

	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/providers"
)

// toolContextKey namespaces values threaded through a tool call's context.
type toolContextKey string

const (
	ctxSessionKey toolContextKey = "tool_session_key"
	ctxAgentID    toolContextKey = "tool_agent_id"
	ctxChannel    toolContextKey = "tool_channel"
	ctxChatID     toolContextKey = "tool_chat_id"
	ctxPeerKind   toolContextKey = "tool_peer_kind"

	ctxVisionConfig        toolContextKey = "tool_vision_config"
	ctxImageGenConfig      toolContextKey = "tool_imagegen_config"
	ctxBuiltinToolSettings toolContextKey = "tool_builtin_settings"
	ctxToolWorkspace       toolContextKey = "tool_workspace"
	ctxToolAgentKey        toolContextKey = "tool_agent_key"
	ctxMediaImages         toolContextKey = "tool_media_images"
	ctxSpawnDepth          toolContextKey = "tool_spawn_depth"
)

// WithChannel stores the channel a tool call's originating message arrived on.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

// ChannelFromCtx retrieves the channel for the current tool call, if any.
func ChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

// WithChatID stores the chat/peer ID a tool call's originating message arrived from.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

// ChatIDFromCtx retrieves the chat ID for the current tool call, if any.
func ChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

// WithPeerKind stores whether the originating message was a direct or group chat.
func WithPeerKind(ctx context.Context, peerKind string) context.Context {
	return context.WithValue(ctx, ctxPeerKind, peerKind)
}

// PeerKindFromCtx retrieves the peer kind for the current tool call, if any.
func PeerKindFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxPeerKind).(string)
	return v
}

// WithVisionConfig attaches the agent's read_image tuning to ctx.
func WithVisionConfig(ctx context.Context, cfg *config.VisionConfig) context.Context {
	return context.WithValue(ctx, ctxVisionConfig, cfg)
}

// VisionConfigFromCtx retrieves the current vision config, if any was set.
func VisionConfigFromCtx(ctx context.Context) *config.VisionConfig {
	v, _ := ctx.Value(ctxVisionConfig).(*config.VisionConfig)
	return v
}

// WithImageGenConfig attaches the agent's create_image tuning to ctx.
func WithImageGenConfig(ctx context.Context, cfg *config.ImageGenConfig) context.Context {
	return context.WithValue(ctx, ctxImageGenConfig, cfg)
}

// ImageGenConfigFromCtx retrieves the current image-gen config, if any was set.
func ImageGenConfigFromCtx(ctx context.Context) *config.ImageGenConfig {
	v, _ := ctx.Value(ctxImageGenConfig).(*config.ImageGenConfig)
	return v
}

// WithBuiltinToolSettings attaches the process-wide builtin tool settings to ctx.
func WithBuiltinToolSettings(ctx context.Context, settings BuiltinToolSettings) context.Context {
	return context.WithValue(ctx, ctxBuiltinToolSettings, settings)
}

// BuiltinToolSettingsFromCtx retrieves the builtin tool settings, if any were set.
func BuiltinToolSettingsFromCtx(ctx context.Context) BuiltinToolSettings {
	v, _ := ctx.Value(ctxBuiltinToolSettings).(BuiltinToolSettings)
	return v
}

// WithToolWorkspace stores the effective (possibly per-user) workspace directory a tool call executes against.
func WithToolWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, ctxToolWorkspace, workspace)
}

// ToolWorkspaceFromCtx retrieves the tool workspace directory, if any was set.
func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxToolWorkspace).(string)
	return v
}

// WithToolAgentKey stores a stable per-agent cache/state key for tools that keep local state.
func WithToolAgentKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxToolAgentKey, key)
}

// ToolAgentKeyFromCtx retrieves the tool agent key, if any was set.
func ToolAgentKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxToolAgentKey).(string)
	return v
}

// WithMediaImages attaches images from the inbound message so tools like
// read_image can describe them without re-fetching from the channel.
func WithMediaImages(ctx context.Context, images []providers.ImageContent) context.Context {
	return context.WithValue(ctx, ctxMediaImages, images)
}

// MediaImagesFromCtx retrieves the inbound message's images, if any were set.
func MediaImagesFromCtx(ctx context.Context) []providers.ImageContent {
	v, _ := ctx.Value(ctxMediaImages).([]providers.ImageContent)
	return v
}

// WithSessionKey stores the session key a tool call is executing under.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSessionKey, key)
}

// SessionKeyFromCtx retrieves the session key for the current tool call, if any.
func SessionKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionKey).(string)
	return v
}

// WithSpawnDepth stores how many subagent levels deep the current tool call
// is running at. Missing from ctx (the top-level agent loop) means depth 0.
func WithSpawnDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, ctxSpawnDepth, depth)
}

// SpawnDepthFromCtx retrieves the current spawn depth, defaulting to 0.
func SpawnDepthFromCtx(ctx context.Context) int {
	v, _ := ctx.Value(ctxSpawnDepth).(int)
	return v
}

// WithAgentID stores the agent ID a tool call is executing under.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxAgentID, agentID)
}

// AgentIDFromCtx retrieves the agent ID for the current tool call, if any.
func AgentIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentID).(string)
	return v
}
