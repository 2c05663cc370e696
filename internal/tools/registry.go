package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/nevinhive/clawgate/internal/providers"
)

// Registry holds every tool built into the process, keyed by name.
// PolicyEngine.FilterTools narrows this down to what a given agent/provider
// pair is allowed to see; the agent loop calls ExecuteWithContext to run one.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t to the registry, keyed by t.Name(). Registering the same
// name twice replaces the earlier tool without changing its position.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Unregister removes a tool by name, if present. Used by subagent registries
// to strip tools a child agent shouldn't inherit (spawn, cron, messaging).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name, in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ProviderDefs returns the wire schema for every registered tool, unfiltered.
// Callers that need policy-based restriction should go through
// PolicyEngine.FilterTools instead.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// Execute runs the named tool with no routing metadata attached to ctx.
// Used by callers that aren't relaying a channel message (e.g. subagent
// tool loops, which carry their own context via WithAgentID/WithUserID).
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return tool.Execute(ctx, args)
}

// ExecuteWithContext runs the named tool, attaching the calling message's
// routing metadata to ctx so the tool can see who/where it was invoked from.
// extra carries additional per-call metadata (e.g. media attachments) that
// individual tools may read back out of ctx; callers with nothing extra to
// pass use nil.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID, peerKind, sessionKey string, extra interface{}) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	ctx = WithChannel(ctx, channel)
	ctx = WithChatID(ctx, chatID)
	ctx = WithPeerKind(ctx, peerKind)
	ctx = WithSessionKey(ctx, sessionKey)
	if images, ok := extra.([]providers.ImageContent); ok {
		ctx = WithMediaImages(ctx, images)
	}

	return tool.Execute(ctx, args)
}
