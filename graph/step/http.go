package step

import (
	"context"
	"fmt"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/tool"
)

// Branch labels produced by the http step.
const (
	BranchSuccess  = "success"
	BranchRedirect = "redirect"
	BranchError    = "error"
)

// httpStep performs a request with tool.HTTPTool.
//
// Config: url (required), method, headers, query, body. Strings in url,
// headers, query and body are rendered as {{path}} templates against the
// input. With send_input set and no body, the step input is sent as JSON.
//
// The branch follows the status: success below 300, redirect for 3xx, error
// from 400. A 4xx/5xx only fails the step when fail_on_error is set.
type httpStep struct {
	tool *tool.HTTPTool
}

func (h *httpStep) Execute(ctx context.Context, sc graph.StepContext, input, config map[string]any) (graph.StepResult, error) {
	doc, err := newDocument(input, sc.Variables)
	if err != nil {
		return graph.StepResult{}, err
	}

	req := map[string]any{
		"url":    doc.render(graph.ConfigString(config, "url", "")),
		"method": graph.ConfigString(config, "method", "GET"),
	}
	for _, key := range []string{"headers", "query", "body"} {
		if v, ok := config[key]; ok {
			req[key] = doc.renderValue(v)
		}
	}
	if _, ok := req["body"]; !ok && graph.ConfigBool(config, "send_input", false) {
		req["body"] = input
	}

	out, err := h.tool.Call(ctx, req)
	if err != nil {
		return graph.StepResult{}, err
	}

	status, _ := out["status"].(int)
	branch := BranchSuccess
	switch {
	case status >= 400:
		branch = BranchError
	case status >= 300:
		branch = BranchRedirect
	}

	if branch == BranchError && graph.ConfigBool(config, "fail_on_error", false) {
		return graph.StepResult{}, fmt.Errorf("HTTP %d from %s", status, req["url"])
	}
	return graph.StepResult{Output: out, Branch: branch}, nil
}
