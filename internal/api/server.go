// Package api exposes workflows, executions and schedules over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/store"
	"github.com/dshills/stepflow/internal/broadcast"
	"github.com/dshills/stepflow/internal/ctxlog"
	"github.com/dshills/stepflow/internal/runner"
)

// Config holds the collaborators of the API server. Store, Runner and
// Dispatcher are required.
type Config struct {
	Store      store.Store
	Runner     *runner.Runner
	Dispatcher *graph.Dispatcher

	// Hub serves live execution streams. When nil the stream route
	// answers 404.
	Hub *broadcast.Hub

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// TracerProvider enables otel request spans when set.
	TracerProvider trace.TracerProvider
	ServiceName    string

	Logger *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	store      store.Store
	runner     *runner.Runner
	dispatcher *graph.Dispatcher
	hub        *broadcast.Hub
	logger     *slog.Logger

	echo *echo.Echo
}

// New builds the server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stepflow"
	}

	s := &Server{
		store:      cfg.Store,
		runner:     cfg.Runner,
		dispatcher: cfg.Dispatcher,
		hub:        cfg.Hub,
		logger:     cfg.Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.TracerProvider != nil {
		e.Use(otelecho.Middleware(cfg.ServiceName, otelecho.WithTracerProvider(cfg.TracerProvider)))
	}
	e.Use(s.requestLogger())

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	v1 := e.Group("/api/v1")
	v1.POST("/workflows", s.createWorkflow)
	v1.POST("/workflows/validate", s.validateWorkflow)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.POST("/workflows/:id/executions", s.startExecution)
	v1.GET("/workflows/:id/executions", s.listExecutions)
	v1.POST("/workflows/:id/schedules", s.createSchedule)
	v1.GET("/schedules/:id", s.getSchedule)
	v1.GET("/executions/:id", s.getExecution)
	v1.POST("/executions/:id/cancel", s.cancelExecution)
	v1.GET("/executions/:id/logs", s.listLogs)
	v1.GET("/executions/:id/stream", s.streamExecution)

	s.echo = e
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("api server starting", slog.String("address", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestLogger logs each request and attaches a request-scoped logger to
// the request context.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	logged := middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
				s.logger.Warn("request failed", attrs...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return logged(func(c echo.Context) error {
			req := c.Request()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := ctxlog.WithLogger(req.Context(), s.logger.With(slog.String("request_id", id)))
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		})
	}
}

func (s *Server) health(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// httpError maps domain errors onto HTTP statuses.
func httpError(err error) error {
	var ve *graph.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrTerminalStatus),
		errors.Is(err, runner.ErrWorkflowInactive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
