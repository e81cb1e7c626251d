package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxTimerDelay caps the master timer so the scheduler never sleeps
// past new work and never arms absurdly long timers.
const MaxTimerDelay = 60 * time.Second

// MinRefireGap keeps second-granularity cron jobs from re-firing inside
// the second they just completed in.
const MinRefireGap = 2 * time.Second

// Executor runs a job's payload.
type Executor interface {
	Execute(ctx context.Context, job *Job) (summary string, err error)
}

// Announcer delivers a result into a user channel.
type Announcer interface {
	Announce(ctx context.Context, channel, to, text string) error
}

// Scheduler owns the job table and the single master timer.
type Scheduler struct {
	store     *Store
	executor  Executor
	announcer Announcer
	webhooks  *WebhookSender
	logger    *slog.Logger

	maxConcurrent int

	mu      sync.Mutex
	jobs    map[string]*Job
	running map[string]bool
	timer   *time.Timer
	stopped bool

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates a scheduler.
func New(store *Store, executor Executor, announcer Announcer, maxConcurrent int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         store,
		executor:      executor,
		announcer:     announcer,
		webhooks:      NewWebhookSender(logger),
		logger:        logger.With("component", "scheduler"),
		maxConcurrent: maxConcurrent,
		jobs:          make(map[string]*Job),
		running:       make(map[string]bool),
		now:           time.Now,
	}
}

// Start loads persisted jobs and arms the master timer.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, job := range jobs {
		if job.terminal() {
			if job.DeleteAfterRun {
				continue
			}
			s.jobs[job.ID] = job
			continue
		}
		if job.State.NextRunAtMs == 0 {
			if next, err := job.Schedule.NextRun(job.ID, s.now()); err == nil && !next.IsZero() {
				job.State.NextRunAtMs = next.UnixMilli()
			}
		}
		s.jobs[job.ID] = job
	}
	s.mu.Unlock()

	s.persist()
	s.armTimer(ctx)
	s.logger.Info("scheduler started", "jobs", len(jobs))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop cancels the master timer and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Add normalizes and persists a new job, then re-arms the timer.
func (s *Scheduler) Add(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	nowMs := s.now().UnixMilli()
	job.CreatedAtMs = nowMs
	job.UpdatedAtMs = nowMs
	if job.SessionTarget == "" {
		job.SessionTarget = TargetMain
	}
	if job.WakeMode == "" {
		job.WakeMode = "now"
	}

	next, err := job.Schedule.NextRun(job.ID, s.now())
	if err != nil {
		return err
	}
	if next.IsZero() && job.Schedule.Kind == ScheduleAt {
		return fmt.Errorf("scheduler: one-shot time %q is in the past", job.Schedule.At)
	}
	job.State.NextRunAtMs = next.UnixMilli()

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.persist()
	s.armTimer(ctx)
	return nil
}

// Update applies changes to a job. Only a schedule change recomputes
// this job's next run; other jobs' timing is never touched.
func (s *Scheduler) Update(ctx context.Context, id string, apply func(*Job)) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: job %q not found", id)
	}

	before := job.Schedule
	apply(job)
	job.UpdatedAtMs = s.now().UnixMilli()

	if job.Schedule != before {
		if next, err := job.Schedule.NextRun(job.ID, s.now()); err == nil {
			job.State.NextRunAtMs = next.UnixMilli()
		}
	}
	s.mu.Unlock()

	s.persist()
	s.armTimer(ctx)
	return nil
}

// Delete removes a job.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: job %q not found", id)
	}
	delete(s.jobs, id)
	s.mu.Unlock()
	return s.persist()
}

// Get returns a copy of a job.
func (s *Scheduler) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// List returns copies of all jobs, sorted by id for stable output.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunResult reports an explicit Run request.
type RunResult struct {
	Ran    bool   `json:"ran"`
	Reason string `json:"reason,omitempty"`
}

// Run fires a job immediately unless it is already running.
func (s *Scheduler) Run(ctx context.Context, id, cause string) (RunResult, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return RunResult{}, fmt.Errorf("scheduler: job %q not found", id)
	}
	if s.running[id] {
		s.mu.Unlock()
		return RunResult{Ran: false, Reason: "already-running"}, nil
	}
	s.running[id] = true
	s.mu.Unlock()

	s.logger.Info("manual run", "job", id, "cause", cause)
	s.executeJob(ctx, job)
	return RunResult{Ran: true}, nil
}

// Tick collects and runs all due jobs, then re-arms the timer. Exposed
// for tests; the master timer calls it on schedule.
func (s *Scheduler) Tick(ctx context.Context) int {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.IsEnabled() || s.running[job.ID] || job.terminal() {
			continue
		}
		if job.State.CooldownUntilMs > nowMs {
			continue
		}
		if job.State.NextRunAtMs != 0 && job.State.NextRunAtMs <= nowMs {
			due = append(due, job)
		}
	}
	// Per-job order inside a batch follows scheduled start time.
	sort.Slice(due, func(i, j int) bool {
		return due[i].State.NextRunAtMs < due[j].State.NextRunAtMs
	})
	for _, job := range due {
		s.running[job.ID] = true
	}
	s.mu.Unlock()

	if len(due) == 0 {
		s.armTimer(ctx)
		return 0
	}

	var sem chan struct{}
	if s.maxConcurrent > 0 {
		sem = make(chan struct{}, s.maxConcurrent)
	}
	for _, job := range due {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			s.executeJob(ctx, job)
		}()
	}

	s.armTimer(ctx)
	return len(due)
}

// executeJob runs one fire end-to-end: state bookkeeping, payload
// execution with panic recovery, rescheduling, and delivery.
func (s *Scheduler) executeJob(ctx context.Context, job *Job) {
	startedAt := s.now()

	s.mu.Lock()
	job.State.LastRunAtMs = startedAt.UnixMilli()
	s.mu.Unlock()
	s.persist()

	var summary string
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("scheduler: job panicked: %v", r)
			}
		}()
		summary, runErr = s.executor.Execute(ctx, job)
	}()

	endedAt := s.now()

	s.mu.Lock()
	job.State.LastDurationMs = endedAt.Sub(startedAt).Milliseconds()
	if runErr != nil {
		job.State.LastStatus = StatusError
		job.State.LastError = runErr.Error()
	} else {
		job.State.LastStatus = StatusOK
		job.State.LastError = ""
	}

	// Reschedule from endedAt plus the refire gap, so second-level cron
	// completing in-second cannot fire twice in one second. The next
	// fire is always strictly in the future.
	switch job.Schedule.Kind {
	case ScheduleAt:
		job.State.NextRunAtMs = 0
	default:
		if next, err := job.Schedule.NextRun(job.ID, endedAt.Add(MinRefireGap)); err == nil && !next.IsZero() {
			job.State.NextRunAtMs = next.UnixMilli()
		}
	}

	deleteNow := job.DeleteAfterRun && job.Schedule.Kind == ScheduleAt
	if deleteNow {
		delete(s.jobs, job.ID)
	}
	delete(s.running, job.ID)
	s.mu.Unlock()

	s.persist()
	s.deliver(ctx, job, startedAt, endedAt, summary, runErr)

	s.logger.Info("job finished",
		"job", job.ID,
		"status", job.State.LastStatus,
		"duration_ms", job.State.LastDurationMs)
}

// deliver routes the result per the job's delivery mode.
func (s *Scheduler) deliver(ctx context.Context, job *Job, startedAt, endedAt time.Time, summary string, runErr error) {
	d := job.Delivery
	if d == nil || d.Mode == "" || d.Mode == DeliverNone {
		return
	}
	switch d.Mode {
	case DeliverAnnounce:
		if s.announcer == nil {
			s.logger.Warn("announce delivery with no announcer", "job", job.ID)
			return
		}
		text := summary
		if runErr != nil {
			text = fmt.Sprintf("job %s failed: %v", job.Name, runErr)
		}
		if text == "" {
			return
		}
		if err := s.announcer.Announce(ctx, d.Channel, d.To, text); err != nil && !d.BestEffort {
			s.logger.Error("announce failed", "job", job.ID, "error", err)
		}
	case DeliverWebhook:
		body := WebhookBody{
			JobID:      job.ID,
			Name:       job.Name,
			Status:     job.State.LastStatus,
			StartedAt:  startedAt.UTC().Format(time.RFC3339),
			EndedAt:    endedAt.UTC().Format(time.RFC3339),
			DurationMs: endedAt.Sub(startedAt).Milliseconds(),
			Summary:    summary,
		}
		if runErr != nil {
			body.Error = runErr.Error()
		}
		if err := s.webhooks.Send(ctx, d.To, body); err != nil && !d.BestEffort {
			s.logger.Error("webhook failed", "job", job.ID, "error", err)
		}
	}
}

// armTimer re-arms the master timer for the earliest due job, capped at
// MaxTimerDelay. The cap doubles as spin-loop protection while runs are
// in flight.
func (s *Scheduler) armTimer(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	delay := MaxTimerDelay
	nowMs := s.now().UnixMilli()
	for _, job := range s.jobs {
		if !job.IsEnabled() || job.State.NextRunAtMs == 0 || s.running[job.ID] {
			continue
		}
		until := time.Duration(job.State.NextRunAtMs-nowMs) * time.Millisecond
		if until < 0 {
			until = 0
		}
		if until < delay {
			delay = until
		}
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		s.Tick(ctx)
	})
}

// persist writes the full job table.
func (s *Scheduler) persist() error {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	if err := s.store.Save(jobs); err != nil {
		s.logger.Error("persisting jobs failed", "error", err)
		return err
	}
	return nil
}
