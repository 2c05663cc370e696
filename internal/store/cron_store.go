package store

import "time"

// CronJobPayload carries the message a cron job sends to its agent and,
// optionally, where to deliver the resulting reply.
type CronJobPayload struct {
	Channel string `json:"channel,omitempty"`
	Message string `json:"message"`
	To      string `json:"to,omitempty"`
	Deliver bool   `json:"deliver,omitempty"`
}

// CronJob is one scheduled cron entry.
type CronJob struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	AgentID   string         `json:"agentId"`
	UserID    string         `json:"userId,omitempty"`
	Schedule  string         `json:"schedule"` // five-field cron expression
	Payload   CronJobPayload `json:"payload"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	LastRunAt *time.Time     `json:"lastRunAt,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

// CronJobResult is what the job handler returns for a completed run.
type CronJobResult struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

// CronStore manages scheduled cron jobs and dispatches due jobs to the
// registered handler.
type CronStore interface {
	SetOnJob(fn func(job *CronJob) (*CronJobResult, error))
	Start() error
	Stop()
	AddJob(job *CronJob) error
	RemoveJob(id string) error
	GetJob(id string) (*CronJob, bool)
	ListJobs() []*CronJob
}
