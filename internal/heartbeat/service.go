// Package heartbeat periodically re-evaluates a Markdown task file and,
// when pending tasks exist, invokes registered callbacks — typically to
// nudge the agent with a tasks-prompt.
package heartbeat

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reason identifies what triggered a heartbeat evaluation. Reasons are
// ordered by priority, highest first, for coalescing concurrent requests.
type Reason string

const (
	ReasonExec      Reason = "exec"
	ReasonCron      Reason = "cron"
	ReasonInterval  Reason = "interval"
	ReasonRequested Reason = "requested"
)

var reasonPriority = map[Reason]int{
	ReasonExec:      4,
	ReasonCron:      3,
	ReasonInterval:  2,
	ReasonRequested: 1,
}

func (r Reason) priority() int { return reasonPriority[r] }

// Request describes one heartbeat trigger.
type Request struct {
	Reason Reason
	Source string
}

// Result is what Trigger, or a registered Callback, reports back.
type Result struct {
	Status     string // "ok", "skipped", "error"
	SkipReason string // "out-of-hours", "no-pending-tasks", "duplicate"
	Tasks      []Task
	Response   string
}

// Callback is invoked once per trigger with the pending tasks. Errors are
// logged and don't stop subsequent callbacks from running.
type Callback func(tasks []Task, req Request) (*Result, error)

// ActiveHours restricts triggers to a time-of-day window. Overnight ranges
// (Start > End, e.g. 22:00→06:00) are supported.
type ActiveHours struct {
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Location *time.Location
}

func (h *ActiveHours) contains(now time.Time) bool {
	if h == nil || h.Start == "" || h.End == "" {
		return true
	}
	loc := h.Location
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	start, err1 := time.ParseInLocation("15:04", h.Start, loc)
	end, err2 := time.ParseInLocation("15:04", h.End, loc)
	if err1 != nil || err2 != nil {
		return true
	}
	nowMin := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// overnight window
	return nowMin >= startMin || nowMin < endMin
}

// Config configures one Service instance.
type Config struct {
	TaskFile        string // path to the watched Markdown task file
	Every           time.Duration
	ActiveHours     *ActiveHours
	CoalesceWindow  time.Duration // default 2s
	DuplicateWindow time.Duration // default 10m
}

func (c Config) withDefaults() Config {
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 2 * time.Second
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 10 * time.Minute
	}
	return c
}

// Service runs the heartbeat loop: a ticker for the configured interval,
// plus an fsnotify watch on the task file so an edit triggers an
// out-of-band re-evaluation instead of waiting for the next tick.
// Concurrent trigger requests are coalesced into one dispatch, taking the
// highest-priority reason, and drained by a single worker goroutine so
// triggers never overlap.
type Service struct {
	cfg Config

	callbacksMu sync.Mutex
	callbacks   []Callback

	mu      sync.Mutex
	pending *Request
	timer   *time.Timer

	dupMu           sync.Mutex
	lastDelivered   string
	lastDeliveredAt time.Time

	reqCh   chan Request
	stopCh  chan struct{}
	wg      sync.WaitGroup
	watcher *fsnotify.Watcher
}

// NewService creates a Service from cfg.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:   cfg.withDefaults(),
		reqCh: make(chan Request, 1),
	}
}

// RegisterCallback adds cb to the list invoked on each trigger, in
// registration order.
func (s *Service) RegisterCallback(cb Callback) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Start begins the ticker and file watcher. Safe to call once.
func (s *Service) Start() error {
	if s.stopCh != nil {
		return errors.New("heartbeat: already started")
	}
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.worker()

	if s.cfg.Every > 0 {
		s.wg.Add(1)
		go s.tickLoop()
	}

	if s.cfg.TaskFile != "" {
		if err := s.startWatcher(); err != nil {
			slog.Warn("heartbeat: file watch disabled", "path", s.cfg.TaskFile, "error", err)
		}
	}

	return nil
}

// Stop ends the ticker, watcher, and worker goroutine.
func (s *Service) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
}

// RequestNow queues a trigger for reason, merging with any trigger already
// pending within the coalescing window.
func (s *Service) RequestNow(reason Reason, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		s.pending = &Request{Reason: reason, Source: source}
		s.timer = time.AfterFunc(s.cfg.CoalesceWindow, s.flushPending)
		return
	}
	if reason.priority() > s.pending.Reason.priority() {
		s.pending.Reason = reason
		s.pending.Source = source
	}
}

func (s *Service) flushPending() {
	s.mu.Lock()
	req := s.pending
	s.pending = nil
	s.mu.Unlock()
	if req == nil {
		return
	}
	select {
	case s.reqCh <- *req:
	case <-s.stopCh:
	}
}

func (s *Service) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RequestNow(ReasonInterval, "interval")
		}
	}
}

func (s *Service) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = w

	dir := filepath.Dir(s.cfg.TaskFile)
	base := filepath.Base(s.cfg.TaskFile)
	if err := w.Add(dir); err != nil {
		w.Close()
		s.watcher = nil
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					s.RequestNow(ReasonRequested, "file-watch")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("heartbeat: watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case req := <-s.reqCh:
			s.trigger(req)
		}
	}
}

// trigger runs one evaluation synchronously and returns its result. Exposed
// for RunJob-style manual invocation and tests; Start's background loops
// call it indirectly through the coalescing channel.
func (s *Service) trigger(req Request) *Result {
	if !s.cfg.ActiveHours.contains(time.Now()) {
		return &Result{Status: "skipped", SkipReason: "out-of-hours"}
	}

	tasks, err := ParseTasks(s.cfg.TaskFile)
	if err != nil {
		slog.Warn("heartbeat: failed to parse task file", "path", s.cfg.TaskFile, "error", err)
		return &Result{Status: "error"}
	}
	pending := PendingTasks(tasks)
	if len(pending) == 0 {
		return &Result{Status: "skipped", SkipReason: "no-pending-tasks"}
	}

	s.callbacksMu.Lock()
	callbacks := make([]Callback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.callbacksMu.Unlock()

	var last *Result
	for _, cb := range callbacks {
		res, err := cb(pending, req)
		if err != nil {
			slog.Warn("heartbeat: callback failed", "reason", req.Reason, "error", err)
			continue
		}
		last = res
	}
	if last == nil {
		return &Result{Status: "error", Tasks: pending}
	}
	last.Tasks = pending

	if req.Reason != ReasonCron && s.isDuplicate(last.Response) {
		last.Status = "skipped"
		last.SkipReason = "duplicate"
	} else if last.Response != "" {
		s.recordDelivered(last.Response)
	}
	return last
}

func (s *Service) isDuplicate(response string) bool {
	if response == "" {
		return false
	}
	s.dupMu.Lock()
	defer s.dupMu.Unlock()
	if s.lastDelivered == "" {
		return false
	}
	if time.Since(s.lastDeliveredAt) > s.cfg.DuplicateWindow {
		return false
	}
	return strings.TrimSpace(s.lastDelivered) == strings.TrimSpace(response)
}

func (s *Service) recordDelivered(response string) {
	s.dupMu.Lock()
	defer s.dupMu.Unlock()
	s.lastDelivered = response
	s.lastDeliveredAt = time.Now()
}

// heartbeatOK is the sentinel a heartbeat-initiated turn returns to mean
// "nothing to deliver".
const heartbeatOK = "HEARTBEAT_OK"

// StripHeartbeatOK applies the HEARTBEAT_OK suppression rule to a
// heartbeat-initiated turn's response: an exact match suppresses delivery
// entirely; a leading or trailing occurrence (followed/preceded by
// whitespace) is stripped and the remainder delivered; an occurrence in the
// middle of the text is left untouched. Never call this for cron-delivered
// responses — those never suppress.
func StripHeartbeatOK(content string) (out string, suppressed bool) {
	if strings.TrimSpace(content) == heartbeatOK {
		return "", true
	}
	if strings.HasPrefix(content, heartbeatOK) {
		rest := content[len(heartbeatOK):]
		if rest == "" || isSpaceByte(rest[0]) {
			return strings.TrimLeft(rest, " \t\n"), false
		}
	}
	if strings.HasSuffix(content, heartbeatOK) {
		prefix := content[:len(content)-len(heartbeatOK)]
		if prefix == "" || isSpaceByte(prefix[len(prefix)-1]) {
			return strings.TrimRight(prefix, " \t\n"), false
		}
	}
	return content, false
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
