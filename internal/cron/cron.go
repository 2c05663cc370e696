// Package cron evaluates five-field cron expressions against a persisted
// job list and dispatches due jobs to a caller-supplied handler, retrying
// failed handler runs with backoff.
package cron

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

const tickInterval = 30 * time.Second

// RetryConfig controls how many times a failed job handler is retried and
// the backoff between attempts.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// JobPayload carries the message a job sends to its agent and, optionally,
// where to deliver the resulting reply.
type JobPayload struct {
	Channel string `json:"channel,omitempty"`
	Message string `json:"message"`
	To      string `json:"to,omitempty"`
	Deliver bool   `json:"deliver,omitempty"`
}

// Job is one scheduled cron entry.
type Job struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	AgentID   string     `json:"agentId"`
	UserID    string     `json:"userId,omitempty"`
	Schedule  string     `json:"schedule"` // five-field cron expression
	Payload   JobPayload `json:"payload"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// JobResult is what a job handler returns for a completed run.
type JobResult struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

// OnJobFunc runs one due job and reports its outcome.
type OnJobFunc func(job *Job) (*JobResult, error)

// Service loads cron jobs from path, ticks every 30s checking each enabled
// job's schedule against the current minute, and dispatches due jobs to the
// registered OnJobFunc. There is no catch-up: a job whose due minute was
// missed while the process was down or busy simply waits for its next
// occurrence.
type Service struct {
	path  string
	retry RetryConfig

	mu   sync.Mutex
	jobs map[string]*Job

	onJob OnJobFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates a Service backed by the job file at path. A nil retry
// config applies DefaultRetryConfig.
func NewService(path string, retry *RetryConfig) *Service {
	cfg := DefaultRetryConfig()
	if retry != nil {
		cfg = *retry
	}
	s := &Service{
		path:  path,
		retry: cfg,
		jobs:  make(map[string]*Job),
	}
	s.load()
	return s
}

// SetOnJob registers the handler invoked for each due job. Must be called
// before Start.
func (s *Service) SetOnJob(fn OnJobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onJob = fn
}

// AddJob inserts or replaces job, assigning it an ID if empty, and persists
// the job list.
func (s *Service) AddJob(job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.UpdatedAt = now
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if !gronx.IsValid(job.Schedule) {
		return errors.New("cron: invalid schedule expression: " + job.Schedule)
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return s.save()
}

// RemoveJob deletes job id, persisting the job list.
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return errors.New("cron: job not found: " + id)
	}
	return s.save()
}

// GetJob returns job id, if present.
func (s *Service) GetJob(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// ListJobs returns a snapshot of all jobs, in no particular order.
func (s *Service) ListJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Start begins the tick loop in a background goroutine. It returns
// immediately; call Stop to shut the loop down.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.onJob == nil {
		s.mu.Unlock()
		return errors.New("cron: OnJob handler not set")
	}
	if s.stopCh != nil {
		s.mu.Unlock()
		return errors.New("cron: already started")
	}
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop ends the tick loop and waits for any in-flight dispatch to return.
func (s *Service) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	s.wg.Wait()
}

func (s *Service) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Service) tick(now time.Time) {
	now = now.Truncate(time.Minute)
	for _, job := range s.dueJobs(now) {
		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			s.dispatch(job, now)
		}(job)
	}
}

// dueJobs returns the enabled jobs whose schedule matches now, skipping any
// job already evaluated for this exact minute.
func (s *Service) dueJobs(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if job.LastRunAt != nil && job.LastRunAt.Equal(now) {
			continue
		}
		ok, err := gronx.IsDue(job.Schedule, now)
		if err != nil || !ok {
			continue
		}
		runAt := now
		job.LastRunAt = &runAt
		due = append(due, job)
	}
	return due
}

func (s *Service) dispatch(job *Job, runAt time.Time) {
	s.mu.Lock()
	handler := s.onJob
	s.mu.Unlock()
	if handler == nil {
		return
	}

	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		_, lastErr = handler(job)
		if lastErr == nil {
			break
		}
		slog.Warn("cron job failed", "job_id", job.ID, "job", job.Name, "attempt", attempt+1, "error", lastErr)
		if attempt == s.retry.MaxRetries {
			break
		}
		time.Sleep(backoff(s.retry, attempt))
	}

	s.mu.Lock()
	if current, ok := s.jobs[job.ID]; ok {
		current.LastRunAt = &runAt
		if lastErr != nil {
			current.LastError = lastErr.Error()
		} else {
			current.LastError = ""
		}
	}
	s.mu.Unlock()
	if err := s.save(); err != nil {
		slog.Warn("cron: failed to persist job state", "error", err)
	}
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.BaseDelay * (1 << attempt)
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func (s *Service) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		slog.Warn("cron: failed to parse job file", "path", s.path, "error", err)
		return
	}
	s.mu.Lock()
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	s.mu.Unlock()
}

// save persists the job list atomically (temp file + rename), matching
// internal/sessions.Manager.Save.
func (s *Service) save() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, "cron-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
