package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// defaultPriority is the provider try-order when the caller doesn't pin one.
var defaultPriority = []string{"codex", "claude", "opencode", "native", "applescript"}

// Router selects and executes against registered ExecProviders, applying
// spec.md §4.7's capability-gated ordered selection with fallback.
type Router struct {
	providers map[string]ExecProvider
	priority  []string
}

// NewRouter creates an exec provider router. An empty priority list uses
// the default order.
func NewRouter(priority []string) *Router {
	if len(priority) == 0 {
		priority = defaultPriority
	}
	return &Router{
		providers: make(map[string]ExecProvider),
		priority:  priority,
	}
}

// Register adds a provider to the router's candidate pool.
func (r *Router) Register(p ExecProvider) {
	r.providers[p.Name()] = p
}

// List returns provider names in priority order alongside their capabilities.
func (r *Router) List() []ProviderInfo {
	infos := make([]ProviderInfo, 0, len(r.priority))
	for _, name := range r.priority {
		p, ok := r.providers[name]
		if !ok {
			continue
		}
		infos = append(infos, ProviderInfo{Name: name, Capability: p.Capability()})
	}
	return infos
}

// ProviderInfo is the capability-annotated listing returned by GET /capabilities.
type ProviderInfo struct {
	Name       string     `json:"name"`
	Capability Capability `json:"capability"`
	Available  bool       `json:"available,omitempty"`
}

// AvailableList probes every known provider and reports which are usable
// right now. Used by GET /providers.
func (r *Router) AvailableList(ctx context.Context) []ProviderInfo {
	infos := r.List()
	for i := range infos {
		p := r.providers[infos[i].Name]
		infos[i].Available = p.IsAvailable(ctx)
	}
	return infos
}

// Select implements spec.md §4.7 steps 1–3: pin to a named provider if
// given, else walk priority order filtering by capability constraints.
func (r *Router) Select(provider string, needsNetwork, needsIsolation, needsWorkspace bool) []ExecProvider {
	if provider != "" {
		p, ok := r.providers[provider]
		if !ok {
			return nil
		}
		return []ExecProvider{p}
	}

	var out []ExecProvider
	for _, name := range r.priority {
		p, ok := r.providers[name]
		if !ok {
			continue
		}
		cap := p.Capability()
		if needsNetwork && !cap.Networking {
			continue
		}
		if needsIsolation && cap.Isolation == "none" {
			continue
		}
		if needsWorkspace && !cap.Workspace {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Execute runs req against the first available provider from Select's
// ordered candidates, falling back to the next on unavailability. Returns
// a synthetic failure result if every candidate is unavailable.
func (r *Router) Execute(ctx context.Context, req ExecRequest, provider string, needsNetwork, needsIsolation, needsWorkspace bool) *ExecResult {
	candidates := r.Select(provider, needsNetwork, needsIsolation, needsWorkspace)
	if len(candidates) == 0 {
		return &ExecResult{Success: false, Stderr: "no_provider_available"}
	}

	var attempted []string
	for i, p := range candidates {
		if !p.IsAvailable(ctx) {
			attempted = append(attempted, p.Name())
			continue
		}

		start := time.Now()
		result, err := p.Exec(ctx, req)
		if err != nil {
			slog.Warn("exec provider failed", "provider", p.Name(), "error", err)
			attempted = append(attempted, p.Name())
			continue
		}
		result.Provider = p.Name()
		result.ElapsedMs = time.Since(start).Milliseconds()
		if i > 0 || len(attempted) > 0 {
			result.Fallback = &FallbackInfo{
				Used:      true,
				Reason:    fmt.Sprintf("preceding provider(s) unavailable or failed: %v", attempted),
				Attempted: attempted,
			}
		}
		return result
	}

	return &ExecResult{
		Success:  false,
		Stderr:   "no_provider_available",
		Fallback: &FallbackInfo{Used: true, Reason: "all candidates unavailable", Attempted: attempted},
	}
}
