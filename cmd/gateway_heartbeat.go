package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nevinhive/clawgate/internal/agent"
	"github.com/nevinhive/clawgate/internal/bus"
	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/heartbeat"
	"github.com/nevinhive/clawgate/internal/sessions"
	"github.com/nevinhive/clawgate/internal/store"
	"github.com/nevinhive/clawgate/pkg/protocol"
)

const defaultHeartbeatPrompt = "Review your pending tasks and make progress on them. " +
	"Reply with HEARTBEAT_OK if there is nothing to report."

// setupHeartbeat builds the heartbeat.Service for the default agent from
// cfg.Agents.Defaults.Heartbeat, wiring its trigger callback to run an
// agent turn and deliver the result through msgBus. Returns nil if
// heartbeats are disabled (no config, or Every == "0m").
func setupHeartbeat(cfg *config.Config, agents *agent.Router, sessStore store.SessionStore, msgBus *bus.MessageBus, workspace string) *heartbeat.Service {
	hbCfg := cfg.Agents.Defaults.Heartbeat
	if hbCfg == nil {
		return nil
	}

	every := 30 * time.Minute
	if hbCfg.Every != "" {
		d, err := time.ParseDuration(hbCfg.Every)
		if err != nil {
			slog.Warn("heartbeat: invalid \"every\" duration, using default", "value", hbCfg.Every, "error", err)
		} else {
			every = d
		}
	}
	if every <= 0 {
		return nil
	}

	var activeHours *heartbeat.ActiveHours
	if hbCfg.ActiveHours != nil {
		activeHours = &heartbeat.ActiveHours{
			Start: hbCfg.ActiveHours.Start,
			End:   hbCfg.ActiveHours.End,
		}
		if hbCfg.ActiveHours.Timezone != "" {
			if loc, err := time.LoadLocation(hbCfg.ActiveHours.Timezone); err == nil {
				activeHours.Location = loc
			} else {
				slog.Warn("heartbeat: invalid timezone, using local", "timezone", hbCfg.ActiveHours.Timezone, "error", err)
			}
		}
	}

	agentID := cfg.ResolveDefaultAgentID()
	sessionKey := hbCfg.Session
	if sessionKey == "" || sessionKey == "main" {
		sessionKey = sessions.BuildAgentMainSessionKey(agentID, "main")
	}

	ackMaxChars := hbCfg.AckMaxChars
	if ackMaxChars <= 0 {
		ackMaxChars = 300
	}

	svc := heartbeat.NewService(heartbeat.Config{
		TaskFile:    filepath.Join(workspace, "HEARTBEAT.md"),
		Every:       every,
		ActiveHours: activeHours,
	})

	svc.RegisterCallback(func(tasks []heartbeat.Task, req heartbeat.Request) (*heartbeat.Result, error) {
		loop, err := agents.Get(agentID)
		if err != nil {
			return nil, err
		}

		prompt := hbCfg.Prompt
		if prompt == "" {
			prompt = defaultHeartbeatPrompt
		}

		result, err := loop.Run(context.Background(), agent.RunRequest{
			SessionKey: sessionKey,
			Message:    prompt,
			Channel:    "heartbeat",
			RunID:      fmt.Sprintf("heartbeat:%s", uuid.NewString()),
			Stream:     false,
			TraceName:  fmt.Sprintf("Heartbeat (%s) - %s", req.Reason, agentID),
			TraceTags:  []string{"heartbeat", string(req.Reason)},
		})
		if err != nil {
			return nil, err
		}

		deliverHeartbeatResult(sessStore, msgBus, agentID, hbCfg, ackMaxChars, result.Content)

		msgBus.Broadcast(bus.Event{Name: protocol.EventHeartbeat, Payload: map[string]string{
			"agent_id": agentID,
			"reason":   string(req.Reason),
		}})

		return &heartbeat.Result{Status: "ok", Response: result.Content}, nil
	})

	return svc
}

// deliverHeartbeatResult applies HEARTBEAT_OK suppression and the
// ackMaxChars threshold, then publishes the remaining content (if any) to
// the configured target channel.
func deliverHeartbeatResult(sessStore store.SessionStore, msgBus *bus.MessageBus, agentID string, hbCfg *config.HeartbeatConfig, ackMaxChars int, content string) {
	stripped, suppressed := heartbeat.StripHeartbeatOK(content)
	if suppressed {
		return
	}
	if stripped != content && len(stripped) <= ackMaxChars {
		// A short remainder trailing/leading HEARTBEAT_OK is still just an
		// acknowledgment, not a report worth delivering.
		return
	}
	if stripped == "" {
		return
	}

	target := hbCfg.Target
	if target == "" {
		target = "last"
	}
	if target == "none" {
		return
	}

	channel, chatID := target, hbCfg.To
	if target == "last" {
		channel, chatID = sessStore.LastUsedChannel(agentID)
	}
	if channel == "" || chatID == "" {
		slog.Warn("heartbeat: no delivery target resolved, dropping response", "agent_id", agentID)
		return
	}

	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: stripped,
	})
}
