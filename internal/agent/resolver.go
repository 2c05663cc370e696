package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nevinhive/clawgate/internal/bootstrap"
	"github.com/nevinhive/clawgate/internal/bus"
	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/providers"
	"github.com/nevinhive/clawgate/internal/skills"
	"github.com/nevinhive/clawgate/internal/store"
	"github.com/nevinhive/clawgate/internal/tools"
	"github.com/nevinhive/clawgate/internal/tracing"
)

// BuildDeps holds the shared dependencies every agent's Loop is built from.
// One BuildDeps is constructed per process; BuildLoop is called once per
// configured agent ID.
type BuildDeps struct {
	Cfg         *config.Config
	ProviderReg *providers.Registry
	Bus         bus.EventPublisher
	Sessions    store.SessionStore
	Tools       *tools.Registry
	ToolPolicy  *tools.PolicyEngine
	Skills      *skills.Loader
	HasMemory   bool
	OnEvent     func(AgentEvent)
	TraceCollector *tracing.Collector

	InjectionAction string
	MaxMessageChars int
}

// BuildLoop constructs a Loop for agentID by merging config.json defaults
// with that agent's overrides (config.AgentSpec), seeding its workspace with
// the standard template files.
func BuildLoop(deps BuildDeps, agentID string) (*Loop, error) {
	resolved := deps.Cfg.ResolveAgent(agentID)

	provider, err := deps.ProviderReg.Get(resolved.Provider)
	if err != nil {
		names := deps.ProviderReg.List()
		if len(names) == 0 {
			return nil, fmt.Errorf("no providers configured for agent %s", agentID)
		}
		provider, _ = deps.ProviderReg.Get(names[0])
		slog.Warn("agent provider not found, using fallback",
			"agent", agentID, "wanted", resolved.Provider, "using", names[0])
	}
	if provider == nil {
		return nil, fmt.Errorf("no provider available for agent %s", agentID)
	}

	workspace := resolved.Workspace
	if workspace != "" {
		workspace = config.ExpandHome(workspace)
		if !filepath.IsAbs(workspace) {
			workspace, _ = filepath.Abs(workspace)
		}
	}
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		slog.Warn("failed to create agent workspace", "workspace", workspace, "agent", agentID, "error", err)
	}

	contextFiles, err := loadContextFiles(workspace)
	if err != nil {
		slog.Warn("failed to seed workspace templates", "agent", agentID, "error", err)
	}

	var agentToolPolicy *config.ToolPolicySpec
	if spec, ok := deps.Cfg.Agents.List[agentID]; ok {
		agentToolPolicy = spec.Tools
	}

	contextWindow := resolved.ContextWindow
	if contextWindow <= 0 {
		contextWindow = 200000
	}
	maxIter := resolved.MaxToolIterations
	if maxIter <= 0 {
		maxIter = 20
	}

	hasMemory := deps.HasMemory
	if resolved.Memory != nil && resolved.Memory.Enabled != nil && !*resolved.Memory.Enabled {
		hasMemory = false
	}

	loop := NewLoop(LoopConfig{
		ID:                agentID,
		Provider:          provider,
		Model:             resolved.Model,
		ContextWindow:     contextWindow,
		MaxIterations:     maxIter,
		Workspace:         workspace,
		Bus:               deps.Bus,
		Sessions:          deps.Sessions,
		Tools:             deps.Tools,
		ToolPolicy:        deps.ToolPolicy,
		AgentToolPolicy:   agentToolPolicy,
		SkillsLoader:      deps.Skills,
		HasMemory:         hasMemory,
		ContextFiles:      contextFiles,
		OnEvent:           deps.OnEvent,
		TraceCollector:    deps.TraceCollector,
		InjectionAction:   deps.InjectionAction,
		MaxMessageChars:   deps.MaxMessageChars,
		CompactionCfg:     resolved.Compaction,
		ContextPruningCfg: resolved.ContextPruning,
		AgentType:         resolved.AgentType,
		ThinkingLevel:     "",
	})

	slog.Info("built agent loop", "agent", agentID, "model", resolved.Model, "provider", provider.Name())
	return loop, nil
}

// loadContextFiles seeds workspaceDir with the standard template files (if
// missing) and reads them back as the Loop's base system-prompt context.
func loadContextFiles(workspaceDir string) ([]bootstrap.ContextFile, error) {
	if _, err := bootstrap.EnsureWorkspaceFiles(workspaceDir); err != nil {
		return nil, err
	}

	names := []string{bootstrap.AgentsFile, bootstrap.SoulFile, bootstrap.ToolsFile, bootstrap.IdentityFile, bootstrap.UserFile, bootstrap.HeartbeatFile}
	var files []bootstrap.ContextFile
	for _, name := range names {
		path := filepath.Join(workspaceDir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		files = append(files, bootstrap.ContextFile{Path: name, Content: string(content)})
	}

	if content, err := os.ReadFile(filepath.Join(workspaceDir, bootstrap.BootstrapFile)); err == nil {
		files = append(files, bootstrap.ContextFile{Path: bootstrap.BootstrapFile, Content: string(content)})
	}

	return files, nil
}
