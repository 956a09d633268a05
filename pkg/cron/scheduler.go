package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	ErrJobExists   = errors.New("job already registered")
	ErrJobNotFound = errors.New("job not found")
	ErrJobRunning  = errors.New("job is already running")
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec parses a 5-field cron expression or a descriptor such as
// "@hourly" or "@every 30m"
func ParseSpec(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

type job struct {
	state   JobState
	fn      JobFunc
	entryID cron.EntryID
}

// Config configures a Scheduler
type Config struct {
	// Dispatch defaults to calling the job inline
	Dispatch Dispatcher
	Logger   zerolog.Logger
	Location *time.Location
}

// Scheduler runs named maintenance jobs on cron schedules. A job never
// overlaps itself.
type Scheduler struct {
	cron     *cron.Cron
	dispatch Dispatcher
	logger   zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler
func New(cfg Config) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	dispatch := cfg.Dispatch
	if dispatch == nil {
		dispatch = func(ctx context.Context, _ string, fn JobFunc) error { return fn(ctx) }
	}
	logger := cfg.Logger.With().Str("component", "cron").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithLogger(cronLogger{logger})),
		dispatch: dispatch,
		logger:   logger,
		jobs:     make(map[string]*job),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add registers fn under name
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s has no function", name)
	}
	if _, err := ParseSpec(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}

	j := &job{state: JobState{Name: name, Spec: spec}, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { _ = s.run(s.ctx, name) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	j.entryID = id
	s.jobs[name] = j

	s.logger.Info().Str("job", name).Str("spec", spec).Msg("Job scheduled")
	return nil
}

// Start begins firing jobs
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs or ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a job immediately, outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	return s.run(ctx, name)
}

func (s *Scheduler) run(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if j.state.Running {
		s.mu.Unlock()
		s.logger.Debug().Str("job", name).Msg("Job still running, skipping activation")
		return ErrJobRunning
	}
	j.state.Running = true
	fn := j.fn
	s.mu.Unlock()

	start := time.Now()
	err := s.dispatch(ctx, name, fn)
	elapsed := time.Since(start)

	s.mu.Lock()
	j.state.Running = false
	j.state.LastRunAt = start
	j.state.LastDuration = elapsed
	j.state.Runs++
	switch {
	case err == nil:
		j.state.LastStatus = StatusOK
		j.state.LastError = ""
		j.state.ConsecutiveErrors = 0
	case errors.Is(err, context.Canceled):
		j.state.LastStatus = StatusSkipped
		j.state.LastError = err.Error()
	default:
		j.state.LastStatus = StatusError
		j.state.LastError = err.Error()
		j.state.ConsecutiveErrors++
	}
	consecutive := j.state.ConsecutiveErrors
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("job", name).Int("consecutive_errors", consecutive).Msg("Job failed")
	} else {
		s.logger.Debug().Str("job", name).Dur("duration", elapsed).Msg("Job completed")
	}
	return err
}

// Jobs returns the state of every job, sorted by name
func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		state := j.state
		if entry := s.cron.Entry(j.entryID); entry.Valid() {
			state.NextRunAt = entry.Next
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger routes robfig/cron's logging through zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
