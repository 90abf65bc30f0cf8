package graph

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(st, dispatcher, sink,
//	    graph.WithMaxConcurrent(16),
//	    graph.WithDefaultStepTimeout(2*time.Minute),
//	    graph.WithLeaseTTL(10*time.Minute),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

// Options configures Engine execution behavior. Zero values are replaced
// by defaults in New.
type Options struct {
	// MaxConcurrent bounds how many steps of one parallel tick run at once.
	// Default: 8.
	MaxConcurrent int

	// DefaultStepTimeout applies to steps without a config "timeout".
	// Default: 0 (no timeout).
	DefaultStepTimeout time.Duration

	// LeaseTTL is how long a claim on an execution stays valid without
	// renewal. The lease is renewed at every tick, so it should exceed the
	// longest step timeout. Default: 5m.
	LeaseTTL time.Duration

	// WorkerID identifies this engine in execution claims.
	// Default: "<hostname>-<pid>-<random>".
	WorkerID string

	Metrics *PrometheusMetrics
	Logger  *slog.Logger
	Now     func() time.Time
}

const (
	defaultMaxConcurrent = 8
	defaultLeaseTTL      = 5 * time.Minute
)

// WithMaxConcurrent sets the maximum number of steps executing concurrently
// within one tick.
//
// Tuning guidance:
//   - I/O-bound workflows (http, llm steps): 10-50 depending on external limits
//   - script-heavy workflows: runtime.NumCPU()
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return &EngineError{Message: fmt.Sprintf("max concurrent must be >= 1, got %d", n), Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxConcurrent = n
		return nil
	}
}

// WithDefaultStepTimeout sets the timeout for steps that configure none.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "default step timeout cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.DefaultStepTimeout = d
		return nil
	}
}

// WithLeaseTTL sets the execution claim lifetime.
func WithLeaseTTL(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return &EngineError{Message: "lease TTL must be positive", Code: "INVALID_OPTION"}
		}
		cfg.opts.LeaseTTL = d
		return nil
	}
}

// WithWorkerID sets the identity used when claiming executions. Engines in
// different processes must use different ids.
func WithWorkerID(id string) Option {
	return func(cfg *engineConfig) error {
		if id == "" {
			return &EngineError{Message: "worker id cannot be empty", Code: "INVALID_OPTION"}
		}
		cfg.opts.WorkerID = id
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = m
		return nil
	}
}

// WithLogger sets the logger for engine diagnostics that are not part of an
// execution's own log (sink failures, lease release errors).
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Logger = l
		return nil
	}
}

// WithClock overrides the time source used for step timings.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Now = now
		return nil
	}
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrent == 0 {
		o.MaxConcurrent = defaultMaxConcurrent
	}
	if o.LeaseTTL == 0 {
		o.LeaseTTL = defaultLeaseTTL
	}
	if o.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "stepflow"
		}
		o.WorkerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
