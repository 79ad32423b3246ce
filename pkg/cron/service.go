// Package cron runs the bridge's periodic maintenance jobs.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Service schedules named jobs. A job never overlaps with itself: a tick
// that arrives while the previous run is still going is skipped.
type Service struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	jobs    map[string]*job
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type job struct {
	id    cron.EntryID
	fn    JobFunc
	state JobState
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Logger *zerolog.Logger
	// Timeout bounds each run. Zero means no bound.
	Timeout time.Duration
}

// NewService creates a stopped Service.
func NewService(opts ServiceOptions) *Service {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "cron").Logger()

	adapter := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger:  logger,
		timeout: opts.Timeout,
		jobs:    make(map[string]*job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddJob registers fn under name.
func (s *Service) AddJob(name string, schedule Schedule, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %q has no function", name)
	}
	spec, err := Spec(schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("service is stopped")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}

	j := &job{fn: fn, state: JobState{Name: name, Schedule: schedule}}
	id, err := s.cron.AddFunc(spec, func() { s.run(j) })
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	j.id = id
	s.jobs[name] = j

	s.logger.Info().Str("job", name).Str("spec", spec).Msg("Job scheduled")
	return nil
}

// RemoveJob unschedules a job. Unknown names are ignored.
func (s *Service) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[name]; ok {
		s.cron.Remove(j.id)
		delete(s.jobs, name)
	}
}

// RunNow runs a job immediately on the caller's goroutine.
func (s *Service) RunNow(name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	return s.run(j)
}

func (s *Service) run(j *job) error {
	start := time.Now()
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	defer cancel()

	err := j.fn(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	j.state.LastRunAt = start
	j.state.LastDuration = duration
	j.state.Runs++
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
		j.state.ConsecutiveErrors++
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
		j.state.ConsecutiveErrors = 0
	}
	errCount := j.state.ConsecutiveErrors
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("job", j.state.Name).Int("consecutiveErrors", errCount).Msg("Job failed")
	} else {
		s.logger.Debug().Str("job", j.state.Name).Dur("duration", duration).Msg("Job completed")
	}
	return err
}

// Start begins scheduling. Calling Start twice is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Int("jobCount", len(s.jobs)).Msg("Cron service started")
}

// Stop stops scheduling and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info().Msg("Cron service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the state of every job sorted by name.
func (s *Service) Status() []JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.state
		if entry := s.cron.Entry(j.id); entry.Valid() {
			st.NextRunAt = entry.Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
