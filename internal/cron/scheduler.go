package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTickInterval = 15 * time.Second

// Scheduler owns the in-memory job list and the tick loop. Firing a job
// invokes the TurnRunner with a fresh session id of the form
// cron_<jobid>_<random>, so context never accumulates across fires, then
// hands the final text to the Notifier.
type Scheduler struct {
	store        JobStore
	runner       TurnRunner
	notifier     Notifier
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithNotifier configures delivery of fired-job results.
func WithNotifier(notifier Notifier) Option {
	return func(s *Scheduler) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler creates a scheduler over the given store and turn runner.
func NewScheduler(store JobStore, runner TurnRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		runner:       runner,
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: defaultTickInterval,
		jobs:         make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads all persisted jobs, computes next-run times for the active
// non-webhook ones, and begins the tick loop. Engine errors during fires
// are logged, never fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("cron: scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	jobs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("cron: load jobs: %w", err)
	}
	now := s.now()
	s.mu.Lock()
	for _, job := range jobs {
		s.scheduleLocked(job, now)
		s.jobs[job.ID] = job
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(runCtx)
	s.logger.Info("scheduler started", "jobs", len(jobs))
	return nil
}

// Stop halts the tick loop and waits for in-flight fires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// scheduleLocked computes job.NextRun. Webhook jobs simply never get one,
// so the due check in RunDue can't fire them.
func (s *Scheduler) scheduleLocked(job *Job, now time.Time) {
	job.NextRun = time.Time{}
	if !job.Active {
		return
	}
	next, ok, err := nextRun(job.Kind, job.Value, now)
	if err != nil {
		job.LastError = err.Error()
		job.Active = false
		s.logger.Warn("disabling job with invalid schedule", "id", job.ID, "error", err)
		return
	}
	if ok {
		job.NextRun = next
	}
}

// Create validates, persists, and registers a new job.
func (s *Scheduler) Create(ctx context.Context, name string, kind Kind, value, task string) (*Job, error) {
	if name == "" {
		return nil, fmt.Errorf("cron: job name is required")
	}
	if task == "" {
		return nil, fmt.Errorf("cron: job task is required")
	}
	if err := ValidateSchedule(kind, value); err != nil {
		return nil, fmt.Errorf("cron: %w", err)
	}

	job := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		Value:     value,
		Task:      task,
		Active:    true,
		CreatedAt: s.now(),
	}
	if err := s.store.Insert(ctx, job); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.scheduleLocked(job, s.now())
	s.jobs[job.ID] = job
	s.mu.Unlock()

	clone := *job
	return &clone, nil
}

// Delete removes a job by id, from storage and the live set.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

// Jobs returns a snapshot of all registered jobs, ordered by creation.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		clone := *job
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a snapshot of one job.
func (s *Scheduler) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	clone := *job
	return &clone, true
}

// RunDue fires every job whose NextRun has passed. Returns the fire count.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Active && !job.NextRun.IsZero() && !now.Before(job.NextRun) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(ctx, job, now)
	}
	return len(due)
}

// Trigger manually fires a job by id — the only way webhook jobs run, and
// a forced early fire for everything else.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: job not found: %s", id)
	}
	s.fire(ctx, job, s.now())
	return nil
}

func (s *Scheduler) fire(ctx context.Context, job *Job, now time.Time) {
	sessionID := fmt.Sprintf("cron_%s_%s", job.ID, uuid.NewString()[:8])

	s.mu.Lock()
	job.LastRun = now
	s.mu.Unlock()
	if err := s.store.UpdateLastRun(ctx, job.ID, now); err != nil {
		s.logger.Warn("failed to persist last_run", "id", job.ID, "error", err)
	}

	text, err := s.runner.RunTurn(ctx, sessionID, job.Task)

	s.mu.Lock()
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	s.scheduleLocked(job, now)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("cron job failed", "id", job.ID, "name", job.Name, "error", err)
		return
	}
	if s.notifier != nil && text != "" {
		s.notifier.Notify(ctx, job, text)
	}
}
