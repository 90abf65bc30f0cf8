package step

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/tool"
)

func statusServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"` + r.URL.Query().Get("id") + `"}`))
		case "/moved":
			w.WriteHeader(http.StatusNotModified)
		case "/echo":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"received": body, "auth": r.Header.Get("Authorization")})
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStep_Branches(t *testing.T) {
	srv := statusServer(t)
	h := &httpStep{tool: tool.NewHTTPTool()}

	tests := []struct {
		path   string
		status int
		branch string
	}{
		{"/ok", 200, BranchSuccess},
		{"/moved", 304, BranchRedirect},
		{"/missing", 404, BranchError},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res, err := h.Execute(context.Background(), graph.StepContext{}, nil, map[string]any{"url": srv.URL + tt.path})
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Output["status"])
			assert.Equal(t, tt.branch, res.Branch)
		})
	}
}

func TestHTTPStep_Templates(t *testing.T) {
	srv := statusServer(t)
	h := &httpStep{tool: tool.NewHTTPTool()}

	sc := graph.StepContext{Variables: map[string]any{"token": "t-1"}}
	input := map[string]any{"user": map[string]any{"id": "u-9", "plan": "pro"}}

	res, err := h.Execute(context.Background(), sc, input, map[string]any{
		"url":     srv.URL + "/echo",
		"method":  "POST",
		"headers": map[string]any{"Authorization": "Bearer {{$vars.token}}"},
		"body":    map[string]any{"user": "{{user.id}}", "plan": "{{user.plan}}"},
	})
	require.NoError(t, err)

	body := res.Output["body"].(map[string]any)
	assert.Equal(t, "Bearer t-1", body["auth"])
	assert.Equal(t, map[string]any{"user": "u-9", "plan": "pro"}, body["received"])

	res, err = h.Execute(context.Background(), sc, input, map[string]any{
		"url": srv.URL + "/ok?id={{user.id}}",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "u-9"}, res.Output["body"])
}

func TestHTTPStep_SendInput(t *testing.T) {
	srv := statusServer(t)
	h := &httpStep{tool: tool.NewHTTPTool()}

	res, err := h.Execute(context.Background(), graph.StepContext{}, map[string]any{"n": 1}, map[string]any{
		"url":        srv.URL + "/echo",
		"method":     "POST",
		"send_input": true,
	})
	require.NoError(t, err)
	body := res.Output["body"].(map[string]any)
	assert.Equal(t, map[string]any{"n": float64(1)}, body["received"])
}

func TestHTTPStep_FailOnError(t *testing.T) {
	srv := statusServer(t)
	h := &httpStep{tool: tool.NewHTTPTool()}

	_, err := h.Execute(context.Background(), graph.StepContext{}, nil, map[string]any{
		"url":           srv.URL + "/missing",
		"fail_on_error": true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestHTTPStep_MissingURL(t *testing.T) {
	h := &httpStep{tool: tool.NewHTTPTool()}
	_, err := h.Execute(context.Background(), graph.StepContext{}, nil, map[string]any{})
	assert.Error(t, err)
}
