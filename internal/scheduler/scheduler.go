// Package scheduler runs the periodic crawler jobs from an explicit registry
// that tracks the last run and in-flight state of every job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/metrics"
)

// Default cadences, six-field cron specs with seconds.
const (
	DefaultIngestSchedule = "0 0 0-16/2 * * *"
	DefaultAuditSchedule  = "0 0 19 * * *"
	DefaultStatsSchedule  = "0 0 17 * * *"
)

var (
	// ErrJobRunning is returned when a job is triggered while in flight.
	ErrJobRunning = errors.New("job already running")
	// ErrUnknownJob is returned for unregistered job names.
	ErrUnknownJob = errors.New("unknown job")
)

// JobFunc is one job run. It should honor ctx.
type JobFunc func(ctx context.Context) error

// Job is a registry entry.
type Job struct {
	Name     string
	Schedule string
	Run      JobFunc
}

// JobState is a snapshot of a registered job.
type JobState struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Running      bool          `json:"running"`
	Runs         int64         `json:"runs"`
	Skipped      int64         `json:"skipped"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      *time.Time    `json:"next_run,omitempty"`
}

// Config controls the scheduler.
type Config struct {
	Location *time.Location
	// JobTimeout bounds every run when positive. Zero leaves runs unbounded
	// and relies on the per-call timeouts inside each job.
	JobTimeout time.Duration
}

type entry struct {
	job   Job
	id    cron.EntryID
	state JobState
}

// Scheduler owns the cron loop and the job registry.
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*entry
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates a stopped Scheduler.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cronLogger := zapCronLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		cfg:     cfg,
		logger:  logger,
		jobs:    make(map[string]*entry),
		baseCtx: context.Background(),
	}
}

// Register adds a job. Names must be unique and the schedule must parse.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	name := job.Name
	id, err := s.cron.AddFunc(job.Schedule, func() {
		if err := s.execute(s.context(), name); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q for %s: %w", job.Schedule, job.Name, err)
	}
	s.jobs[name] = &entry{job: job, id: id, state: JobState{Name: name, Schedule: job.Schedule}}
	return nil
}

// Start begins firing jobs. Scheduled runs derive from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.Jobs())), zap.String("location", s.cfg.Location.String()))
}

// Stop halts the cron loop and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	triggered := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(triggered)
	}()
	for _, done := range []<-chan struct{}{cronDone.Done(), triggered} {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("scheduler stop: %w", ctx.Err())
		}
	}
	return nil
}

// RunNow runs a job synchronously under the overlap guard.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	return s.execute(ctx, name)
}

// Trigger starts a job in the background and returns once it is in flight.
func (s *Scheduler) Trigger(name string) error {
	e, err := s.acquire(name)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(s.context(), e); err != nil {
			s.logger.Warn("triggered job failed", zap.String("job", name), zap.Error(err))
		}
	}()
	return nil
}

// Jobs returns the registry state sorted by name.
func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, e := range s.jobs {
		state := e.state
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			state.NextRun = &next
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) execute(ctx context.Context, name string) error {
	e, err := s.acquire(name)
	if err != nil {
		return err
	}
	return s.run(ctx, e)
}

func (s *Scheduler) acquire(name string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if e.state.Running {
		e.state.Skipped++
		metrics.ObserveJobOverlapSkip(name)
		s.logger.Warn("job still running, skipping", zap.String("job", name))
		return nil, fmt.Errorf("%s: %w", name, ErrJobRunning)
	}
	e.state.Running = true
	return e, nil
}

func (s *Scheduler) run(ctx context.Context, e *entry) (err error) {
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	s.logger.Info("job started", zap.String("job", e.job.Name))
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job", e.job.Name), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
		s.finish(e, start, err)
		if err != nil {
			err = fmt.Errorf("job %s: %w", e.job.Name, err)
		}
	}()
	return e.job.Run(ctx)
}

// finish records the outcome and releases the in-flight flag.
func (s *Scheduler) finish(e *entry, start time.Time, err error) {
	duration := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ObserveJobRun(e.job.Name, status, duration)

	s.mu.Lock()
	started := start.In(s.cfg.Location)
	e.state.Running = false
	e.state.Runs++
	e.state.LastRun = &started
	e.state.LastDuration = duration
	e.state.LastError = ""
	if err != nil {
		e.state.LastError = err.Error()
	}
	s.mu.Unlock()

	s.logger.Info("job finished", zap.String("job", e.job.Name), zap.String("status", status), zap.Duration("duration", duration))
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
