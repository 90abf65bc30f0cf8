package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/emit"
	"github.com/dshills/stepflow/graph/store"
	"github.com/dshills/stepflow/internal/runner"
)

type runOptions struct {
	workflowID string
	name       string
	input      string
	inputFile  string
	events     string
	history    bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [definition-file]",
		Short: "Execute a workflow once and print its result",
		Long: `Execute a workflow synchronously.

With a definition file (JSON or YAML) the workflow is stored first and then
run; with --workflow an already stored workflow is run. The run result is
printed to stdout as JSON and the command fails when the run did not succeed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (opts.workflowID == "") {
				return fmt.Errorf("pass either a definition file or --workflow")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var file string
			if len(args) == 1 {
				file = args[0]
			}
			return a.run(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), file, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.workflowID, "workflow", "w", "", "id of a stored workflow to run")
	f.StringVar(&opts.name, "name", "", "workflow name when storing a definition file (default: file name)")
	f.StringVarP(&opts.input, "input", "i", "", "input object as inline JSON or YAML")
	f.StringVar(&opts.inputFile, "input-file", "", "file holding the input object")
	f.StringVar(&opts.events, "events", "text", "execution event output on stderr: text, json or none")
	f.BoolVar(&opts.history, "history", false, "include the run's step events in the printed result")
	return cmd
}

func (a *app) run(ctx context.Context, stdout, stderr io.Writer, file string, opts *runOptions) error {
	input, err := readInput(opts.input, opts.inputFile)
	if err != nil {
		return err
	}

	history := emit.NewBufferedEmitter()
	events := emit.MultiEmitter{history}
	switch opts.events {
	case "text":
		events = append(events, emit.NewLogEmitter(stderr, false))
	case "json":
		events = append(events, emit.NewLogEmitter(stderr, true))
	case "none":
	default:
		return fmt.Errorf("unknown --events value %q", opts.events)
	}

	s, err := a.build(ctx, stackOptions{events: events})
	if err != nil {
		return err
	}
	defer s.Close()

	workflowID := opts.workflowID
	if file != "" {
		workflowID, err = storeDefinition(ctx, s, file, opts.name)
		if err != nil {
			return err
		}
	}

	result, err := s.runner.Run(ctx, runner.StartRequest{
		WorkflowID: workflowID,
		Input:      input,
		ExecutedBy: "cli",
	})
	if err != nil {
		return err
	}

	exec, err := s.store.GetExecution(context.WithoutCancel(ctx), result.ExecutionID)
	if err != nil {
		return err
	}
	summary := map[string]any{
		"execution_id":   exec.ID,
		"workflow_id":    exec.WorkflowID,
		"status":         exec.Status,
		"completed":      result.Completed,
		"failed":         result.Failed,
		"skipped":        result.Skipped,
		"unprocessed":    result.Unprocessed,
		"branches_taken": result.BranchesTaken,
		"output":         exec.Output,
		"llm_cost_usd":   s.costs.ExecutionCost(exec.ID),
	}
	if opts.history {
		var payloads []map[string]any
		for _, ev := range history.GetHistory(exec.ID) {
			payloads = append(payloads, ev.Payload())
		}
		summary["events"] = payloads
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}

	if !result.Success {
		return fmt.Errorf("execution %s finished as %s: %v", exec.ID, exec.Status, result.Err)
	}
	return nil
}

// storeDefinition validates a definition file against the registered step
// types and saves it as a new workflow.
func storeDefinition(ctx context.Context, s *stack, file, name string) (string, error) {
	def, err := graph.LoadDefinitionFile(file)
	if err != nil {
		return "", err
	}
	data, err := def.Marshal()
	if err != nil {
		return "", err
	}
	if _, _, err := s.dispatcher.Check(data); err != nil {
		return "", err
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	wf := &store.Workflow{
		ID:         uuid.NewString(),
		Name:       name,
		Definition: data,
		IsActive:   true,
		CreatedBy:  "cli",
	}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return "", fmt.Errorf("save workflow: %w", err)
	}
	return wf.ID, nil
}

// readInput decodes the run input from an inline document or a file. YAML
// is a superset of JSON so one decoder serves both.
func readInput(inline, file string) (map[string]any, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	}
	raw := []byte(inline)
	if file != "" {
		var err error
		if raw, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := yaml.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return input, nil
}
