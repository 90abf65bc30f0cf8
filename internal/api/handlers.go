package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/schedule"
	"github.com/dshills/stepflow/graph/store"
	"github.com/dshills/stepflow/internal/ctxlog"
	"github.com/dshills/stepflow/internal/runner"
)

const (
	defaultListLimit = 50
	previewCount     = 5
)

type createWorkflowRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Definition  json.RawMessage `json:"definition"`
	IsActive    *bool           `json:"is_active"`
	CreatedBy   string          `json:"created_by"`
}

// createWorkflow validates and stores a workflow
// (POST /api/v1/workflows)
func (s *Server) createWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if _, _, err := s.dispatcher.Check(req.Definition); err != nil {
		return httpError(err)
	}

	wf := &store.Workflow{
		Name:        req.Name,
		Description: req.Description,
		Definition:  req.Definition,
		IsActive:    req.IsActive == nil || *req.IsActive,
		CreatedBy:   req.CreatedBy,
	}
	if err := s.store.SaveWorkflow(c.Request().Context(), wf); err != nil {
		return httpError(err)
	}
	ctxlog.FromContext(c.Request().Context()).Info("workflow created", "workflow_id", wf.ID)
	return c.JSON(http.StatusCreated, wf)
}

// validateWorkflow checks a definition without storing it
// (POST /api/v1/workflows/validate)
func (s *Server) validateWorkflow(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	def, g, err := s.dispatcher.Check(body)
	if err != nil {
		var ve *graph.ValidationError
		if !errors.As(err, &ve) {
			return httpError(err)
		}
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"valid":   false,
			"code":    ve.Code,
			"error":   ve.Error(),
			"step_id": ve.StepID,
			"path":    ve.Path,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"valid":       true,
		"steps":       len(def.Steps),
		"entry_steps": g.EntrySteps(),
	})
}

// getWorkflow (GET /api/v1/workflows/:id)
func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

type startExecutionRequest struct {
	Inputs     map[string]any `json:"inputs"`
	ExecutedBy string         `json:"executed_by"`
}

// startExecution creates an execution and runs it in the background
// (POST /api/v1/workflows/:id/executions)
func (s *Server) startExecution(c echo.Context) error {
	var req startExecutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.ExecutedBy == "" {
		req.ExecutedBy = "api"
	}

	exec, err := s.runner.Start(c.Request().Context(), runner.StartRequest{
		WorkflowID: c.Param("id"),
		Input:      req.Inputs,
		ExecutedBy: req.ExecutedBy,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, exec)
}

// listExecutions (GET /api/v1/workflows/:id/executions?limit=)
func (s *Server) listExecutions(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	execs, err := s.store.ListExecutions(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return httpError(err)
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	return c.JSON(http.StatusOK, execs)
}

// getExecution (GET /api/v1/executions/:id)
func (s *Server) getExecution(c echo.Context) error {
	exec, err := s.store.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, exec)
}

// cancelExecution (POST /api/v1/executions/:id/cancel)
func (s *Server) cancelExecution(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.runner.Cancel(ctx, id); err != nil {
		return httpError(err)
	}
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, exec)
}

// listLogs (GET /api/v1/executions/:id/logs?limit=)
func (s *Server) listLogs(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.store.GetExecution(ctx, id); err != nil {
		return httpError(err)
	}
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	logs, err := s.store.ListLogs(ctx, id, limit)
	if err != nil {
		return httpError(err)
	}
	if logs == nil {
		logs = []*store.ExecutionLog{}
	}
	return c.JSON(http.StatusOK, logs)
}

// streamExecution upgrades to a websocket that receives the execution's
// live events (GET /api/v1/executions/:id/stream)
func (s *Server) streamExecution(c echo.Context) error {
	if s.hub == nil {
		return echo.NewHTTPError(http.StatusNotFound, "live streaming is disabled")
	}
	exec, err := s.store.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if exec.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "execution already finished: "+string(exec.Status))
	}
	if err := s.hub.Serve(c.Response(), c.Request(), exec.ID); err != nil {
		// The upgrader has already answered the client.
		ctxlog.FromContext(c.Request().Context()).Warn("websocket upgrade failed", "error", err)
	}
	return nil
}

type createScheduleRequest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	CronExpression string         `json:"cron_expression"`
	Timezone       string         `json:"timezone"`
	Inputs         map[string]any `json:"execution_inputs"`
	IsActive       *bool          `json:"is_active"`
}

// createSchedule attaches a cron schedule to a workflow
// (POST /api/v1/workflows/:id/schedules)
func (s *Server) createSchedule(c echo.Context) error {
	ctx := c.Request().Context()
	var req createScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if err := schedule.Validate(req.CronExpression, req.Timezone); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	wf, err := s.store.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	sc := &store.Schedule{
		WorkflowID:     wf.ID,
		Name:           req.Name,
		Description:    req.Description,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Inputs:         req.Inputs,
		IsActive:       req.IsActive == nil || *req.IsActive,
	}
	if err := s.store.SaveSchedule(ctx, sc); err != nil {
		return httpError(err)
	}
	if !wf.IsScheduled {
		wf.IsScheduled = true
		if err := s.store.SaveWorkflow(ctx, wf); err != nil {
			return httpError(err)
		}
	}
	return c.JSON(http.StatusCreated, sc)
}

type scheduleView struct {
	*store.Schedule
	NextRuns []time.Time `json:"next_runs"`
}

// getSchedule returns a schedule with its upcoming fire times
// (GET /api/v1/schedules/:id)
func (s *Server) getSchedule(c echo.Context) error {
	sc, err := s.store.GetSchedule(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	next, err := schedule.Preview(sc.CronExpression, sc.Timezone, time.Now(), previewCount)
	if err != nil {
		// Unparseable schedules are shown without a preview.
		next = []time.Time{}
	}
	return c.JSON(http.StatusOK, scheduleView{Schedule: sc, NextRuns: next})
}

func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	return n, nil
}
