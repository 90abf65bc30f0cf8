package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/emit"
	"github.com/dshills/stepflow/graph/model"
	"github.com/dshills/stepflow/graph/model/anthropic"
	"github.com/dshills/stepflow/graph/model/google"
	"github.com/dshills/stepflow/graph/model/openai"
	"github.com/dshills/stepflow/graph/step"
	"github.com/dshills/stepflow/graph/store"
	"github.com/dshills/stepflow/graph/tool"
	"github.com/dshills/stepflow/internal/broadcast"
	"github.com/dshills/stepflow/internal/config"
	"github.com/dshills/stepflow/internal/runner"
)

// app carries what every subcommand shares once the root pre-run has
// loaded configuration.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

// stack is the assembled engine and its collaborators.
type stack struct {
	store      store.Store
	dispatcher *graph.Dispatcher
	costs      *model.CostTracker
	registry   *prometheus.Registry
	hub        *broadcast.Hub
	tracer     *sdktrace.TracerProvider
	engine     *graph.Engine
	runner     *runner.Runner

	closers []func() error
}

type stackOptions struct {
	// hub enables live websocket streaming of execution events.
	hub bool

	// events mirrors execution events to the given emitter.
	events emit.Emitter
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	db := a.cfg.Database
	switch db.Driver {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(db.DSN)
	case "mysql":
		return store.NewMySQLStore(db.DSN)
	case "postgres":
		return store.NewPostgresStore(ctx, db.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", db.Driver)
	}
}

// chatModels builds a chat model for every provider that has an API key.
func (a *app) chatModels() (map[string]model.ChatModel, []func() error, error) {
	llm := a.cfg.LLM
	models := map[string]model.ChatModel{}
	var closers []func() error

	if llm.Anthropic.APIKey != "" {
		m, err := anthropic.NewChatModel(llm.Anthropic.APIKey, llm.Anthropic.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic: %w", err)
		}
		models["anthropic"] = m
	}
	if llm.OpenAI.APIKey != "" {
		m, err := openai.NewChatModel(llm.OpenAI.APIKey, llm.OpenAI.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("openai: %w", err)
		}
		models["openai"] = m
	}
	if llm.Google.APIKey != "" {
		m, err := google.NewChatModel(llm.Google.APIKey, llm.Google.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("google: %w", err)
		}
		models["google"] = m
		closers = append(closers, m.Close)
	}
	return models, closers, nil
}

func (a *app) build(ctx context.Context, opts stackOptions) (*stack, error) {
	s := &stack{
		costs:    model.NewCostTracker(),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Database.Driver, err)
	}
	s.store = st
	s.closers = append(s.closers, st.Close)

	models, closers, err := a.chatModels()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.closers = append(s.closers, closers...)
	if len(models) == 0 {
		a.logger.Debug("no llm provider configured; llm steps will fail")
	}

	s.dispatcher, err = step.NewRegistry(step.Options{
		Script:          tool.NewScriptTool(tool.WithAllowedCommands(a.cfg.Script.AllowedCommands...)),
		Models:          models,
		DefaultProvider: a.cfg.LLM.DefaultProvider,
		Costs:           s.costs,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("register step types: %w", err)
	}

	var emitters emit.MultiEmitter
	if opts.events != nil {
		emitters = append(emitters, opts.events)
	}
	if a.cfg.Tracing.Enabled {
		s.tracer = sdktrace.NewTracerProvider()
		otel.SetTracerProvider(s.tracer)
		emitters = append(emitters, emit.NewOTelEmitter(s.tracer.Tracer(a.cfg.Tracing.ServiceName)))
	}

	sinkOpts := []emit.SinkOption{emit.WithLogger(a.logger)}
	if len(emitters) > 0 {
		sinkOpts = append(sinkOpts, emit.WithEmitter(emitters))
	}
	if opts.hub {
		s.hub = broadcast.NewHub(broadcast.WithLogger(a.logger))
		sinkOpts = append(sinkOpts, emit.WithBroadcaster(s.hub))
	}

	engineOpts := []graph.Option{
		graph.WithMaxConcurrent(a.cfg.Engine.MaxConcurrent),
		graph.WithDefaultStepTimeout(a.cfg.Engine.DefaultStepTimeout),
		graph.WithLeaseTTL(a.cfg.Engine.LeaseTTL),
		graph.WithMetrics(graph.NewPrometheusMetrics(s.registry)),
		graph.WithLogger(a.logger),
	}
	if a.cfg.Engine.WorkerID != "" {
		engineOpts = append(engineOpts, graph.WithWorkerID(a.cfg.Engine.WorkerID))
	}
	s.engine, err = graph.New(st, s.dispatcher, emit.NewSink(st, sinkOpts...), engineOpts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.runner = runner.New(st, s.engine, runner.WithLogger(a.logger))
	return s, nil
}

// Close releases the store, providers, hub and tracer. The runner must
// already be shut down.
func (s *stack) Close() error {
	var errs []error
	if s.hub != nil {
		errs = append(errs, s.hub.Close())
	}
	if s.tracer != nil {
		errs = append(errs, s.tracer.Shutdown(context.Background()))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// tracerProvider avoids handing a typed nil to api.Config.
func tracerProvider(s *stack) trace.TracerProvider {
	if s.tracer == nil {
		return nil
	}
	return s.tracer
}
