package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nevinhive/clawgate/internal/agent"
	"github.com/nevinhive/clawgate/internal/bus"
	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/scheduler"
	"github.com/nevinhive/clawgate/internal/sessions"
	"github.com/nevinhive/clawgate/internal/store"
	"github.com/nevinhive/clawgate/pkg/protocol"
)

// makeCronJobHandler creates a cron job handler that routes through the scheduler's cron lane,
// which bounds how many cron runs execute at once. Each run gets its own session key
// (a fresh run ID), so runs of the same job are not serialized against each other, and
// /stop and /stopall, which cancel the sender's chat session, do not reach them.
func makeCronJobHandler(sched *scheduler.Scheduler, msgBus *bus.MessageBus, cfg *config.Config) func(job *store.CronJob) (*store.CronJobResult, error) {
	return func(job *store.CronJob) (*store.CronJobResult, error) {
		agentID := job.AgentID
		if agentID == "" {
			agentID = cfg.ResolveDefaultAgentID()
		} else {
			agentID = config.NormalizeAgentID(agentID)
		}

		runID := uuid.NewString()
		sessionKey := sessions.BuildCronSessionKey(agentID, job.ID, runID)
		channel := job.Payload.Channel
		if channel == "" {
			channel = "cron"
		}

		// Schedule through cron lane — scheduler handles agent resolution and concurrency
		outCh := sched.Schedule(context.Background(), scheduler.LaneCron, agent.RunRequest{
			SessionKey: sessionKey,
			Message:    job.Payload.Message,
			Channel:    channel,
			ChatID:     job.Payload.To,
			UserID:     job.UserID,
			RunID:      fmt.Sprintf("cron:%s:run:%s", job.ID, runID),
			Stream:     false,
			TraceName:  fmt.Sprintf("Cron [%s] - %s", job.Name, agentID),
			TraceTags:  []string{"cron"},
		})

		// Block until the scheduled run completes
		outcome := <-outCh
		if outcome.Err != nil {
			msgBus.Broadcast(bus.Event{Name: protocol.EventCron, Payload: map[string]string{
				"job_id": job.ID,
				"status": "error",
			}})
			return nil, outcome.Err
		}

		msgBus.Broadcast(bus.Event{Name: protocol.EventCron, Payload: map[string]string{
			"job_id": job.ID,
			"status": "completed",
		}})

		result := outcome.Result

		// If job wants delivery to a channel, publish outbound
		if job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "" {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.To,
				Content: result.Content,
			})
		}

		cronResult := &store.CronJobResult{
			Content: result.Content,
		}
		if result.Usage != nil {
			cronResult.InputTokens = result.Usage.PromptTokens
			cronResult.OutputTokens = result.Usage.CompletionTokens
		}

		return cronResult, nil
	}
}
