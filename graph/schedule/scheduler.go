// Package schedule runs the cron trigger loop: every interval it scans the
// active schedules and starts an execution for each one whose previous fire
// time fell within the last interval (plus a buffer) and that has not been
// triggered for that fire time yet.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dshills/stepflow/graph/store"
)

// InitiatorPrefix marks executions started by the scheduler. The full
// initiator is "scheduler:<schedule-id>".
const InitiatorPrefix = "scheduler:"

// ScheduleKey is the input key carrying schedule metadata into a run.
const ScheduleKey = "_schedule"

const (
	defaultInterval    = 60 * time.Second
	defaultBuffer      = 10 * time.Second
	defaultStopTimeout = 10 * time.Second

	// maxFireSteps bounds the walk over fire times inside one window.
	maxFireSteps = 2048
)

var (
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("scheduler is already running")

	// ErrNotRunning is returned by Stop on a scheduler that was not started.
	ErrNotRunning = errors.New("scheduler is not running")

	// ErrStopTimeout is returned by Stop when the loop ignored cancellation.
	ErrStopTimeout = errors.New("scheduler loop did not exit after cancellation")
)

// SchedulingError reports a schedule that cannot be evaluated: a malformed
// cron expression or an unknown timezone. The schedule is skipped for the
// tick; the others are unaffected.
type SchedulingError struct {
	ScheduleID string
	Cause      error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("schedule %s: %v", e.ScheduleID, e.Cause)
}

// Unwrap returns the parse error.
func (e *SchedulingError) Unwrap() error {
	return e.Cause
}

// Request describes an execution the scheduler wants started.
type Request struct {
	WorkflowID string
	Input      map[string]any

	// ExecutedBy is "scheduler:<schedule-id>".
	ExecutedBy string

	// ScheduledFor is the cron fire time being served, in UTC. The
	// idempotency check looks executions up by this time.
	ScheduledFor time.Time
}

// Trigger starts executions. It must persist the execution before
// returning so the next tick sees it.
type Trigger interface {
	Trigger(ctx context.Context, req Request) (executionID string, err error)
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, req Request) (string, error)

// Trigger implements Trigger.
func (f TriggerFunc) Trigger(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the scan period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBuffer widens the due window beyond the interval to absorb timing
// jitter of the loop itself.
func WithBuffer(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.buffer = d
		}
	}
}

// WithStopTimeout bounds how long Stop waits for the loop before cancelling it.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler is the cron trigger loop. Create it with New, run it with
// Start and shut it down with Stop.
type Scheduler struct {
	store   store.Store
	trigger Trigger
	parser  cron.Parser

	interval    time.Duration
	buffer      time.Duration
	stopTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     *Metrics

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// New creates a Scheduler.
func New(st store.Store, trigger Trigger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       st,
		trigger:     trigger,
		parser:      NewParser(),
		interval:    defaultInterval,
		buffer:      defaultBuffer,
		stopTimeout: defaultStopTimeout,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewParser returns the cron parser used for schedules: five fields
// (minute hour day-of-month month day-of-week) plus descriptors such as
// "@hourly".
func NewParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Start launches the loop. The first scan happens immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.cancel = cancel

	s.logger.Info("starting workflow scheduler", slog.Duration("interval", s.interval))
	go s.loop(loopCtx, s.stopCh, s.done)
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Stop signals the loop and waits for it to finish its current scan. After
// the stop timeout the loop context is cancelled; if the loop still does not
// exit within another timeout, ErrStopTimeout is returned.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	stopCh, done, cancel := s.stopCh, s.done, s.cancel
	s.stopCh, s.done, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if done == nil {
		return ErrNotRunning
	}
	defer cancel()

	s.logger.Info("stopping workflow scheduler")
	close(stopCh)

	select {
	case <-done:
		return nil
	case <-time.After(s.stopTimeout):
	}

	s.logger.Warn("scheduler loop did not terminate gracefully, cancelling")
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(s.stopTimeout):
		return ErrStopTimeout
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("error in scheduler loop", slog.Any("error", err))
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// TickReport summarizes one scan.
type TickReport struct {
	Scanned   int
	Triggered map[string]string // schedule id -> execution id
	Skipped   map[string]string // schedule id -> reason
	Errors    map[string]error  // schedule id -> error
}

// Skip reasons reported in TickReport.Skipped and in metrics.
const (
	SkipNotDue          = "not_due"
	SkipAlreadyExecuted = "already_executed"
)

// Tick scans the active schedules once. It fails only when the schedules
// cannot be listed; per-schedule problems are logged and reported.
func (s *Scheduler) Tick(ctx context.Context) (*TickReport, error) {
	s.metrics.recordTick()

	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active schedules: %w", err)
	}

	report := &TickReport{
		Scanned:   len(schedules),
		Triggered: map[string]string{},
		Skipped:   map[string]string{},
		Errors:    map[string]error{},
	}
	s.logger.Debug("scanning schedules", slog.Int("count", len(schedules)))

	now := s.now()
	for _, sc := range schedules {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		execID, skip, err := s.process(ctx, sc, now)
		switch {
		case err != nil:
			report.Errors[sc.ID] = err
			s.metrics.recordError(err)
			s.logger.Error("error processing schedule",
				slog.String("schedule_id", sc.ID),
				slog.String("workflow_id", sc.WorkflowID),
				slog.Any("error", err))
		case skip != "":
			report.Skipped[sc.ID] = skip
			s.metrics.recordSkip(skip)
		default:
			report.Triggered[sc.ID] = execID
			s.metrics.recordTrigger()
		}
	}
	return report, nil
}

func (s *Scheduler) process(ctx context.Context, sc *store.Schedule, now time.Time) (string, string, error) {
	sched, loc, err := s.parse(sc)
	if err != nil {
		return "", "", err
	}

	nowInZone := now.In(loc)
	prev, ok := lastFire(sched, nowInZone, s.interval+s.buffer)
	if !ok {
		return "", SkipNotDue, nil
	}
	next := sched.Next(nowInZone)

	executedBy := InitiatorPrefix + sc.ID
	windowStart := prev.UTC().Truncate(time.Minute)
	_, err = s.store.FindExecutionByInitiator(ctx, sc.WorkflowID, executedBy, windowStart, windowStart.Add(time.Minute))
	switch {
	case err == nil:
		s.logger.Debug("schedule already executed",
			slog.String("schedule_id", sc.ID), slog.Time("scheduled_time", prev))
		return "", SkipAlreadyExecuted, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", "", fmt.Errorf("check previous executions: %w", err)
	}

	input := make(map[string]any, len(sc.Inputs)+1)
	for k, v := range sc.Inputs {
		input[k] = v
	}
	input[ScheduleKey] = map[string]any{
		"schedule_id":         sc.ID,
		"scheduled_time":      prev.Format(time.RFC3339),
		"next_scheduled_time": next.Format(time.RFC3339),
		"timezone":            loc.String(),
	}

	s.logger.Info("executing scheduled workflow",
		slog.String("workflow_id", sc.WorkflowID), slog.String("schedule_id", sc.ID))

	execID, err := s.trigger.Trigger(ctx, Request{
		WorkflowID:   sc.WorkflowID,
		Input:        input,
		ExecutedBy:   executedBy,
		ScheduledFor: windowStart,
	})
	if err != nil {
		return "", "", fmt.Errorf("trigger workflow %s: %w", sc.WorkflowID, err)
	}

	s.logger.Info("scheduled workflow execution",
		slog.String("execution_id", execID),
		slog.String("workflow_id", sc.WorkflowID),
		slog.String("schedule_id", sc.ID))
	return execID, "", nil
}

func (s *Scheduler) parse(sc *store.Schedule) (cron.Schedule, *time.Location, error) {
	tz := sc.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, nil, &SchedulingError{ScheduleID: sc.ID, Cause: fmt.Errorf("invalid timezone %q: %w", tz, err)}
	}
	sched, err := s.parser.Parse(sc.CronExpression)
	if err != nil {
		return nil, nil, &SchedulingError{ScheduleID: sc.ID, Cause: fmt.Errorf("invalid cron expression %q: %w", sc.CronExpression, err)}
	}
	return sched, loc, nil
}

// lastFire returns the latest fire time in [now-window, now].
func lastFire(sched cron.Schedule, now time.Time, window time.Duration) (time.Time, bool) {
	// Next is strictly after its argument and works in whole seconds.
	fire := sched.Next(now.Add(-window).Add(-time.Second))
	if fire.IsZero() || fire.After(now) || now.Sub(fire) > window {
		return time.Time{}, false
	}
	for i := 0; i < maxFireSteps; i++ {
		n := sched.Next(fire)
		if n.IsZero() || n.After(now) || !n.After(fire) {
			break
		}
		fire = n
	}
	return fire, true
}

// Validate checks a cron expression and timezone as the scheduler would.
func Validate(expression, timezone string) error {
	_, err := Preview(expression, timezone, time.Now(), 1)
	return err
}

// Preview returns the next n fire times after from, in the schedule's zone.
func Preview(expression, timezone string, from time.Time, n int) ([]time.Time, error) {
	s := &Scheduler{parser: NewParser()}
	sched, loc, err := s.parse(&store.Schedule{CronExpression: expression, Timezone: timezone})
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
