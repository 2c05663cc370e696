package file

import (
	"github.com/nevinhive/clawgate/internal/cron"
	"github.com/nevinhive/clawgate/internal/store"
)

// FileCronStore wraps cron.Service to implement store.CronStore.
type FileCronStore struct {
	svc *cron.Service
}

func NewFileCronStore(svc *cron.Service) *FileCronStore {
	return &FileCronStore{svc: svc}
}

func (f *FileCronStore) SetOnJob(fn func(job *store.CronJob) (*store.CronJobResult, error)) {
	f.svc.SetOnJob(func(j *cron.Job) (*cron.JobResult, error) {
		result, err := fn(jobToStore(j))
		if err != nil {
			return nil, err
		}
		return &cron.JobResult{
			Content:      result.Content,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
		}, nil
	})
}

func (f *FileCronStore) Start() error { return f.svc.Start() }
func (f *FileCronStore) Stop()        { f.svc.Stop() }

func (f *FileCronStore) AddJob(job *store.CronJob) error {
	return f.svc.AddJob(jobFromStore(job))
}

func (f *FileCronStore) RemoveJob(id string) error {
	return f.svc.RemoveJob(id)
}

func (f *FileCronStore) GetJob(id string) (*store.CronJob, bool) {
	j, ok := f.svc.GetJob(id)
	if !ok {
		return nil, false
	}
	return jobToStore(j), true
}

func (f *FileCronStore) ListJobs() []*store.CronJob {
	jobs := f.svc.ListJobs()
	out := make([]*store.CronJob, len(jobs))
	for i, j := range jobs {
		out[i] = jobToStore(j)
	}
	return out
}

func jobToStore(j *cron.Job) *store.CronJob {
	return &store.CronJob{
		ID:      j.ID,
		Name:    j.Name,
		AgentID: j.AgentID,
		UserID:  j.UserID,
		Schedule: j.Schedule,
		Payload: store.CronJobPayload{
			Channel: j.Payload.Channel,
			Message: j.Payload.Message,
			To:      j.Payload.To,
			Deliver: j.Payload.Deliver,
		},
		Enabled:   j.Enabled,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		LastRunAt: j.LastRunAt,
		LastError: j.LastError,
	}
}

func jobFromStore(j *store.CronJob) *cron.Job {
	return &cron.Job{
		ID:       j.ID,
		Name:     j.Name,
		AgentID:  j.AgentID,
		UserID:   j.UserID,
		Schedule: j.Schedule,
		Payload: cron.JobPayload{
			Channel: j.Payload.Channel,
			Message: j.Payload.Message,
			To:      j.Payload.To,
			Deliver: j.Payload.Deliver,
		},
		Enabled:   j.Enabled,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		LastRunAt: j.LastRunAt,
		LastError: j.LastError,
	}
}
