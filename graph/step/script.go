package step

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/tool"
)

// BranchFailure is taken by a script step that exited non-zero.
const BranchFailure = "failure"

// scriptStep runs a local command with tool.ScriptTool.
//
// Config: command (required), args, env, dir and stdin. Without stdin the
// step input is written to the command as JSON. Strings in args and env are
// rendered as {{path}} templates.
//
// Output holds result (stdout parsed as JSON when possible), stdout, stderr,
// exit_code and success. A non-zero exit takes the failure branch, or fails
// the step when fail_on_error is set.
type scriptStep struct {
	tool *tool.ScriptTool
}

func (s *scriptStep) Execute(ctx context.Context, sc graph.StepContext, input, config map[string]any) (graph.StepResult, error) {
	doc, err := newDocument(input, sc.Variables)
	if err != nil {
		return graph.StepResult{}, err
	}

	command := graph.ConfigString(config, "command", "")
	req := map[string]any{
		"command": command,
		"stdin":   input,
	}
	if v, ok := config["stdin"]; ok {
		req["stdin"] = doc.renderValue(v)
	}
	for _, key := range []string{"args", "env"} {
		if v, ok := config[key]; ok {
			req[key] = doc.renderValue(v)
		}
	}
	if dir := graph.ConfigString(config, "dir", ""); dir != "" {
		req["dir"] = dir
	}

	out, err := s.tool.Call(ctx, req)
	if err != nil {
		return graph.StepResult{}, err
	}

	if out["success"] == true {
		return graph.StepResult{Output: out, Branch: BranchSuccess}, nil
	}
	if graph.ConfigBool(config, "fail_on_error", false) {
		stderr, _ := out["stderr"].(string)
		return graph.StepResult{}, fmt.Errorf("command %s exited with status %v: %s",
			command, out["exit_code"], strings.TrimSpace(stderr))
	}
	return graph.StepResult{Output: out, Branch: BranchFailure}, nil
}
