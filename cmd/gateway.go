package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nevinhive/clawgate/internal/agent"
	"github.com/nevinhive/clawgate/internal/bus"
	"github.com/nevinhive/clawgate/internal/channels"
	"github.com/nevinhive/clawgate/internal/channels/discord"
	"github.com/nevinhive/clawgate/internal/channels/telegram"
	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/cron"
	"github.com/nevinhive/clawgate/internal/gateway"
	"github.com/nevinhive/clawgate/internal/memory"
	"github.com/nevinhive/clawgate/internal/pairing"
	"github.com/nevinhive/clawgate/internal/providers"
	"github.com/nevinhive/clawgate/internal/scheduler"
	"github.com/nevinhive/clawgate/internal/sessions"
	"github.com/nevinhive/clawgate/internal/skills"
	"github.com/nevinhive/clawgate/internal/store"
	"github.com/nevinhive/clawgate/internal/store/file"
	"github.com/nevinhive/clawgate/internal/tools"
	"github.com/nevinhive/clawgate/pkg/protocol"
)

// runGateway wires every subsystem together and blocks until a termination
// signal arrives. It is the single entry point for the `clawgate` (no
// subcommand) invocation.
func runGateway() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		slog.Error("no chat provider configured (set at least one API key under providers.*)")
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	msgBus := bus.New()

	providerReg := buildProviderRegistry(cfg)
	execRouter := buildExecRouter()

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		slog.Error("failed to create workspace", "workspace", workspace, "error", err)
		os.Exit(1)
	}

	sessStore := file.NewFileSessionStore(sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage)))

	retryCfg := cfg.Cron.ToRetryConfig()
	cronStore := file.NewFileCronStore(cron.NewService(cronStorePath(cfg), &retryCfg))

	pairingSvc := pairing.NewService(pairingStorePath(cfg))
	pairingStore := file.NewFilePairingStore(pairingSvc)

	toolReg := tools.NewRegistry()
	restrict := cfg.Agents.Defaults.RestrictToWorkspace
	toolReg.Register(tools.NewReadFileTool(workspace, restrict))
	toolReg.Register(tools.NewWriteFileTool(workspace, restrict))
	toolReg.Register(tools.NewEditFileTool(workspace, restrict))
	toolReg.Register(tools.NewListFilesTool(workspace, restrict))
	toolReg.Register(tools.NewSearchTool(workspace, restrict))
	toolReg.Register(tools.NewExecTool(workspace, restrict))
	toolReg.Register(tools.NewCronTool(cronStore))

	sessionsListTool := tools.NewSessionsListTool()
	sessionsListTool.SetSessionStore(sessStore)
	toolReg.Register(sessionsListTool)

	sessionsHistoryTool := tools.NewSessionsHistoryTool()
	sessionsHistoryTool.SetSessionStore(sessStore)
	toolReg.Register(sessionsHistoryTool)

	sessionsSendTool := tools.NewSessionsSendTool()
	sessionsSendTool.SetSessionStore(sessStore)
	sessionsSendTool.SetMessageBus(msgBus)
	toolReg.Register(sessionsSendTool)

	sessionStatusTool := tools.NewSessionStatusTool()
	sessionStatusTool.SetSessionStore(sessStore)
	toolReg.Register(sessionStatusTool)

	if cfg.Tools.Web.Brave.Enabled || cfg.Tools.Web.DuckDuckGo.Enabled {
		toolReg.Register(tools.NewWebSearchTool(tools.WebSearchConfig{
			BraveAPIKey:     cfg.Tools.Web.Brave.APIKey,
			BraveEnabled:    cfg.Tools.Web.Brave.Enabled,
			BraveMaxResults: cfg.Tools.Web.Brave.MaxResults,
			DDGEnabled:      cfg.Tools.Web.DuckDuckGo.Enabled,
			DDGMaxResults:   cfg.Tools.Web.DuckDuckGo.MaxResults,
			CacheTTL:        10 * time.Minute,
		}))
	}

	hasMemory := true
	var memStore store.MemoryStore
	if memCfg := cfg.Agents.Defaults.Memory; memCfg != nil && memCfg.Enabled != nil && !*memCfg.Enabled {
		hasMemory = false
	}
	if hasMemory {
		memDir := "memory"
		maxResults, maxChunkLen, minScore := 6, 1000, 0.35
		if memCfg := cfg.Agents.Defaults.Memory; memCfg != nil {
			if memCfg.StorageDir != "" {
				memDir = memCfg.StorageDir
			}
			if memCfg.MaxResults > 0 {
				maxResults = memCfg.MaxResults
			}
			if memCfg.MaxChunkLen > 0 {
				maxChunkLen = memCfg.MaxChunkLen
			}
			if memCfg.MinScore > 0 {
				minScore = memCfg.MinScore
			}
		}
		memSvc, err := memory.NewStore(config.ExpandHome(memDir), memory.Config{
			MaxResults:  maxResults,
			MaxChunkLen: maxChunkLen,
			MinScore:    minScore,
		})
		if err != nil {
			slog.Warn("failed to open memory store, disabling memory tools", "error", err)
			hasMemory = false
		} else {
			memStore = file.NewFileMemoryStore(memSvc)
			toolReg.Register(tools.NewMemorySearchTool(memStore))
			toolReg.Register(tools.NewMemoryGetTool(memStore))
		}
	}

	subagentCfg := tools.DefaultSubagentConfig()
	if sc := cfg.Agents.Defaults.Subagents; sc != nil {
		if sc.MaxConcurrent > 0 {
			subagentCfg.MaxConcurrent = sc.MaxConcurrent
		}
		if sc.MaxSpawnDepth > 0 {
			subagentCfg.MaxSpawnDepth = sc.MaxSpawnDepth
		}
		if sc.MaxChildrenPerAgent > 0 {
			subagentCfg.MaxChildrenPerAgent = sc.MaxChildrenPerAgent
		}
		if sc.ArchiveAfterMinutes > 0 {
			subagentCfg.ArchiveAfterMinutes = sc.ArchiveAfterMinutes
		}
	}
	defaultAgentID := cfg.ResolveDefaultAgentID()
	defaultResolved := cfg.ResolveAgent(defaultAgentID)
	if defaultProvider, err := providerReg.Get(defaultResolved.Provider); err == nil {
		subagentModel := subagentCfg.Model
		if subagentModel == "" {
			subagentModel = defaultResolved.Model
		}
		subagentMgr := tools.NewSubagentManager(defaultProvider, subagentModel, msgBus, func() *tools.Registry {
			reg := tools.NewRegistry()
			for _, name := range toolReg.List() {
				if t, ok := toolReg.Get(name); ok {
					reg.Register(t)
				}
			}
			return reg
		}, subagentCfg)
		toolReg.Register(tools.NewSessionsSpawnTool(subagentMgr))
	} else {
		slog.Warn("default agent provider unavailable, subagent spawning disabled", "error", err)
	}

	toolPolicy := tools.NewPolicyEngine(&cfg.Tools)

	skillsLoader, err := skills.NewLoader(filepath.Join(workspace, "skills"))
	if err != nil {
		slog.Warn("failed to load skills", "error", err)
	}

	agentRouter := agent.NewRouter()
	buildDeps := agent.BuildDeps{
		Cfg:             cfg,
		ProviderReg:     providerReg,
		Bus:             msgBus,
		Sessions:        sessStore,
		Tools:           toolReg,
		ToolPolicy:      toolPolicy,
		Skills:          skillsLoader,
		HasMemory:       hasMemory,
		InjectionAction: cfg.Gateway.InjectionAction,
		MaxMessageChars: cfg.Gateway.MaxMessageChars,
		OnEvent: func(event agent.AgentEvent) {
			msgBus.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: event})
		},
	}

	agentIDs := map[string]bool{defaultAgentID: true}
	for id := range cfg.Agents.List {
		agentIDs[config.NormalizeAgentID(id)] = true
	}
	for id := range agentIDs {
		loop, err := agent.BuildLoop(buildDeps, id)
		if err != nil {
			slog.Error("failed to build agent", "agent", id, "error", err)
			continue
		}
		agentRouter.Add(id, loop)
	}
	if len(agentRouter.List()) == 0 {
		slog.Error("no agents could be built, exiting")
		os.Exit(1)
	}

	agentLoops := make(map[string]*agent.Loop)
	for _, id := range agentRouter.List() {
		loop, _ := agentRouter.Get(id)
		agentLoops[id] = loop
	}
	server := gateway.NewServer(cfg, agentLoops, execRouter)

	channelMgr := channels.NewManager(msgBus)
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus, pairingStore, nil, nil)
		if err != nil {
			slog.Error("failed to start telegram channel", "error", err)
		} else {
			channelMgr.RegisterChannel("telegram", tg)
		}
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, msgBus, pairingStore)
		if err != nil {
			slog.Error("failed to start discord channel", "error", err)
		} else {
			channelMgr.RegisterChannel("discord", dc)
		}
	}
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Warn("one or more channels failed to start", "error", err)
	}

	msgBus.Subscribe("channel-streaming", func(event bus.Event) {
		if event.Name != protocol.EventAgent {
			return
		}
		agentEvent, ok := event.Payload.(agent.AgentEvent)
		if !ok {
			return
		}
		channelMgr.HandleAgentEvent(agentEvent.Type, agentEvent.RunID, agentEvent.Payload)
	})

	sched := scheduler.NewScheduler(scheduler.DefaultLanes(), scheduler.DefaultQueueConfig(), makeSchedulerRunFunc(agentRouter, cfg))
	defer sched.Stop()
	sched.SetTokenEstimateFunc(func(sessionKey string) (int, int) {
		history := sessStore.GetHistory(sessionKey)
		lastPT, lastMC := sessStore.GetLastPromptTokens(sessionKey)
		tokens := agent.EstimateTokensWithCalibration(history, lastPT, lastMC)
		cw := sessStore.GetContextWindow(sessionKey)
		if cw <= 0 {
			cw = 200000
		}
		return tokens, cw
	})

	cronStore.SetOnJob(makeCronJobHandler(sched, msgBus, cfg))
	if err := cronStore.Start(); err != nil {
		slog.Warn("cron service failed to start", "error", err)
	}

	heartbeatSvc := setupHeartbeat(cfg, agentRouter, sessStore, msgBus, workspace)
	if heartbeatSvc != nil {
		heartbeatSvc.Start()
	}

	go consumeInboundMessages(ctx, msgBus, agentRouter, cfg, sched, channelMgr, nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig.String())
		channelMgr.StopAll(context.Background())
		cronStore.Stop()
		if heartbeatSvc != nil {
			heartbeatSvc.Stop()
		}
		sched.Stop()
		stop()
	}()

	slog.Info("clawgate starting",
		"host", cfg.Gateway.Host, "port", cfg.Gateway.Port,
		"agents", agentRouter.List(),
		"providers", providerReg.List())
	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("gateway server exited", "error", err)
		os.Exit(1)
	}
}

// buildProviderRegistry registers every chat provider with a configured API key.
func buildProviderRegistry(cfg *config.Config) *providers.Registry {
	reg := providers.NewRegistry()
	p := cfg.Providers

	if p.Anthropic.APIKey != "" {
		reg.Register("anthropic", providers.NewAnthropicProvider(p.Anthropic.APIKey))
	}
	if p.OpenAI.APIKey != "" {
		reg.Register("openai", providers.NewOpenAIProvider("openai", p.OpenAI.APIKey, p.OpenAI.APIBase, "gpt-4o"))
	}
	if p.OpenRouter.APIKey != "" {
		base := p.OpenRouter.APIBase
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		reg.Register("openrouter", providers.NewOpenAIProvider("openrouter", p.OpenRouter.APIKey, base, "anthropic/claude-sonnet-4-5-20250929"))
	}
	if p.Groq.APIKey != "" {
		base := p.Groq.APIBase
		if base == "" {
			base = "https://api.groq.com/openai/v1"
		}
		reg.Register("groq", providers.NewOpenAIProvider("groq", p.Groq.APIKey, base, "llama-3.3-70b-versatile"))
	}
	if p.DeepSeek.APIKey != "" {
		base := p.DeepSeek.APIBase
		if base == "" {
			base = "https://api.deepseek.com/v1"
		}
		reg.Register("deepseek", providers.NewOpenAIProvider("deepseek", p.DeepSeek.APIKey, base, "deepseek-chat"))
	}
	if p.Mistral.APIKey != "" {
		base := p.Mistral.APIBase
		if base == "" {
			base = "https://api.mistral.ai/v1"
		}
		reg.Register("mistral", providers.NewOpenAIProvider("mistral", p.Mistral.APIKey, base, "mistral-large-latest"))
	}
	if p.XAI.APIKey != "" {
		base := p.XAI.APIBase
		if base == "" {
			base = "https://api.x.ai/v1"
		}
		reg.Register("xai", providers.NewOpenAIProvider("xai", p.XAI.APIKey, base, "grok-2-latest"))
	}
	if p.Gemini.APIKey != "" {
		base := p.Gemini.APIBase
		if base == "" {
			base = "https://generativelanguage.googleapis.com/v1beta/openai"
		}
		reg.Register("gemini", providers.NewOpenAIProvider("gemini", p.Gemini.APIKey, base, "gemini-2.0-flash"))
	}

	return reg
}

// buildExecRouter registers every exec provider whose binary or platform
// is plausibly available; Router.AvailableList probes them at call time.
func buildExecRouter() *providers.Router {
	router := providers.NewRouter(nil)
	router.Register(providers.NewCLIProvider("codex", "codex", "--version", providers.Capability{Isolation: "process", Networking: true, Workspace: true}))
	router.Register(providers.NewCLIProvider("claude", "claude", "--version", providers.Capability{Isolation: "process", Networking: true, Workspace: true}))
	router.Register(providers.NewCLIProvider("opencode", "opencode", "--version", providers.Capability{Isolation: "process", Networking: true, Workspace: true}))
	router.Register(providers.NewAppleScriptProvider())
	router.Register(providers.NewNativeProvider())
	return router
}
