package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/emit"
	"github.com/dshills/stepflow/graph/store"
	"github.com/dshills/stepflow/internal/broadcast"
	"github.com/dshills/stepflow/internal/runner"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	st      *store.MemStore
	runner  *runner.Runner
	hub     *broadcast.Hub
	srv     *httptest.Server
	release chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		st:      store.NewMemStore(),
		hub:     broadcast.NewHub(broadcast.WithLogger(quiet)),
		release: make(chan struct{}),
	}

	d := graph.NewDispatcher()
	d.MustRegister("echo", graph.HandlerFunc(func(_ context.Context, _ graph.StepContext, input, _ map[string]any) (graph.StepResult, error) {
		return graph.StepResult{Output: map[string]any{"seen": input}}, nil
	}))
	d.MustRegister("gate", graph.HandlerFunc(func(ctx context.Context, _ graph.StepContext, _, _ map[string]any) (graph.StepResult, error) {
		select {
		case <-env.release:
			return graph.StepResult{Output: map[string]any{"opened": true}}, nil
		case <-ctx.Done():
			return graph.StepResult{}, ctx.Err()
		}
	}))

	registry := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(registry)
	sink := emit.NewSink(env.st, emit.WithBroadcaster(env.hub), emit.WithLogger(quiet))
	engine, err := graph.New(env.st, d, sink, graph.WithLogger(quiet), graph.WithMetrics(metrics))
	require.NoError(t, err)

	env.runner = runner.New(env.st, engine, runner.WithLogger(quiet))
	server := New(Config{
		Store:      env.st,
		Runner:     env.runner,
		Dispatcher: d,
		Hub:        env.hub,
		Gatherer:   registry,
		Logger:     quiet,
	})
	env.srv = httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.runner.Shutdown(ctx)
		_ = env.hub.Close()
		env.srv.Close()
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func (env *testEnv) createWorkflow(t *testing.T, steps ...graph.Step) string {
	t.Helper()
	resp, body := env.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"name":       "orders",
		"definition": graph.Definition{Steps: steps},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return body["id"].(string)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	wfID := env.createWorkflow(t, graph.Step{ID: "a", Type: "echo"})
	resp, _ = env.do(t, http.MethodPost, "/api/v1/workflows/"+wfID+"/executions", map[string]any{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, env.runner.Wait(context.Background()))

	metrics, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	text, _ := io.ReadAll(metrics.Body)
	assert.Contains(t, string(text), `stepflow_executions_total{status="completed"} 1`)
}

func TestWorkflowValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/workflows/validate", graph.Definition{
		Steps:       []graph.Step{{ID: "a", Type: "echo"}, {ID: "b", Type: "echo"}},
		Connections: []graph.Connection{{From: "a", To: "b"}, {From: "b", To: "a"}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "CYCLE_DETECTED", body["code"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/workflows/validate", graph.Definition{
		Steps:       []graph.Step{{ID: "a", Type: "echo"}, {ID: "b", Type: "echo"}},
		Connections: []graph.Connection{{From: "a", To: "b"}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, float64(2), body["steps"])
	assert.Equal(t, []any{"a"}, body["entry_steps"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"name":       "bad",
		"definition": graph.Definition{Steps: []graph.Step{{ID: "a", Type: "teleport"}}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{"definition": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecutionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	wfID := env.createWorkflow(t, graph.Step{ID: "a", Type: "echo"})

	resp, body := env.do(t, http.MethodPost, "/api/v1/workflows/"+wfID+"/executions", map[string]any{
		"inputs":      map[string]any{"order": "o-1"},
		"executed_by": "user:ada",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	execID := body["id"].(string)
	require.NoError(t, env.runner.Wait(context.Background()))

	resp, body = env.do(t, http.MethodGet, "/api/v1/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "user:ada", body["executed_by"])

	logsResp, err := http.Get(env.srv.URL + "/api/v1/executions/" + execID + "/logs")
	require.NoError(t, err)
	defer logsResp.Body.Close()
	var logs []map[string]any
	require.NoError(t, json.NewDecoder(logsResp.Body).Decode(&logs))
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0]["message"], "Starting workflow execution")

	listResp, err := http.Get(env.srv.URL + "/api/v1/workflows/" + wfID + "/executions?limit=5")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var execs []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&execs))
	assert.Len(t, execs, 1)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/workflows/nope/executions", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/workflows/"+wfID+"/executions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRunningExecution(t *testing.T) {
	env := newTestEnv(t)
	wfID := env.createWorkflow(t, graph.Step{ID: "wait", Type: "gate"})

	resp, body := env.do(t, http.MethodPost, "/api/v1/workflows/"+wfID+"/executions", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	execID := body["id"].(string)

	require.Eventually(t, func() bool {
		exec, err := env.st.GetExecution(context.Background(), execID)
		return err == nil && exec.Status == store.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	resp, body = env.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
	require.NoError(t, env.runner.Wait(context.Background()))
}

func TestStreamExecution(t *testing.T) {
	env := newTestEnv(t)
	wfID := env.createWorkflow(t, graph.Step{ID: "wait", Type: "gate"}, graph.Step{ID: "after", Type: "echo"})

	resp, body := env.do(t, http.MethodPost, "/api/v1/workflows/"+wfID+"/executions", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	execID := body["id"].(string)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/executions/" + execID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Subscribers(execID) == 1 }, time.Second, 5*time.Millisecond)

	close(env.release)

	var last map[string]any
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		assert.Equal(t, execID, frame["run_id"])
		last = frame
	}
	require.NotNil(t, last)
	assert.Equal(t, "run_completed", last["type"])
	assert.Equal(t, true, last["success"])

	resp, _ = env.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/stream", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t)
	wfID := env.createWorkflow(t, graph.Step{ID: "a", Type: "echo"})

	resp, _ := env.do(t, http.MethodPost, "/api/v1/workflows/"+wfID+"/schedules", map[string]any{
		"cron_expression": "every day",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/v1/workflows/"+wfID+"/schedules", map[string]any{
		"name":             "nightly",
		"cron_expression":  "0 3 * * *",
		"timezone":         "Europe/Paris",
		"execution_inputs": map[string]any{"mode": "full"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	scheduleID := body["id"].(string)
	assert.Equal(t, true, body["is_active"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/schedules/"+scheduleID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0 3 * * *", body["cron_expression"])
	assert.Len(t, body["next_runs"], previewCount)

	wf, err := env.st.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	assert.True(t, wf.IsScheduled)
}
