package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nevinhive/clawgate/internal/store"
)

// CronTool lets the agent list, schedule, and cancel its own cron jobs.
type CronTool struct {
	store store.CronStore
}

func NewCronTool(cronStore store.CronStore) *CronTool {
	return &CronTool{store: cronStore}
}

func (t *CronTool) Name() string { return "cron" }
func (t *CronTool) Description() string {
	return "Manage scheduled jobs for this agent: list, add, or remove a cron entry"
}
func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"list", "add", "remove"},
				"description": "Operation to perform",
			},
			"id":       map[string]interface{}{"type": "string", "description": "Job ID, required for remove"},
			"name":     map[string]interface{}{"type": "string", "description": "Job name, required for add"},
			"schedule": map[string]interface{}{"type": "string", "description": "Five-field cron expression, required for add"},
			"message":  map[string]interface{}{"type": "string", "description": "Prompt sent to the agent on each run, required for add"},
			"channel":  map[string]interface{}{"type": "string", "description": "Delivery channel, used with deliver"},
			"to":       map[string]interface{}{"type": "string", "description": "Delivery chat ID, used with deliver"},
			"deliver":  map[string]interface{}{"type": "boolean", "description": "Whether to deliver the result to channel/to"},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	agentID := AgentIDFromCtx(ctx)
	if agentID == "" {
		agentID = "default"
	}

	switch action {
	case "list":
		var jobs []*store.CronJob
		for _, j := range t.store.ListJobs() {
			if j.AgentID == agentID {
				jobs = append(jobs, j)
			}
		}
		data, _ := json.Marshal(jobs)
		return SilentResult(string(data))

	case "add":
		name, _ := args["name"].(string)
		schedule, _ := args["schedule"].(string)
		message, _ := args["message"].(string)
		if name == "" || schedule == "" || message == "" {
			return ErrorResult("name, schedule, and message are required for add")
		}
		channel, _ := args["channel"].(string)
		to, _ := args["to"].(string)
		deliver, _ := args["deliver"].(bool)

		job := &store.CronJob{
			Name:     name,
			Schedule: schedule,
			AgentID:  agentID,
			Enabled:  true,
			Payload: store.CronJobPayload{
				Channel: channel,
				Message: message,
				To:      to,
				Deliver: deliver,
			},
		}
		if err := t.store.AddJob(job); err != nil {
			return ErrorResult(fmt.Sprintf("failed to add job: %v", err))
		}
		return SilentResult(fmt.Sprintf("scheduled job %s (%s)", job.ID, job.Name))

	case "remove":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("id is required for remove")
		}
		job, ok := t.store.GetJob(id)
		if !ok {
			return ErrorResult("job not found")
		}
		if job.AgentID != agentID {
			return ErrorResult("job not found")
		}
		if err := t.store.RemoveJob(id); err != nil {
			return ErrorResult(fmt.Sprintf("failed to remove job: %v", err))
		}
		return SilentResult(fmt.Sprintf("removed job %s", id))

	default:
		return ErrorResult(fmt.Sprintf("unknown action: %s", action))
	}
}
