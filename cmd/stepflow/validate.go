package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/step"
)

func newValidateCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition-file>...",
		Short: "Check workflow definition files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Only step type names matter here, so no provider is configured.
			d, err := step.NewRegistry(step.Options{})
			if err != nil {
				return err
			}
			failed := 0
			for _, file := range args {
				if err := validateFile(cmd.OutOrStdout(), d, file); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", file, err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateFile(w io.Writer, d *graph.Dispatcher, file string) error {
	def, err := graph.LoadDefinitionFile(file)
	if err != nil {
		return err
	}
	data, err := def.Marshal()
	if err != nil {
		return err
	}
	_, g, err := d.Check(data)
	if err != nil {
		var ve *graph.ValidationError
		if errors.As(err, &ve) && ve.StepID != "" {
			return fmt.Errorf("step %s: %w", ve.StepID, err)
		}
		return err
	}
	fmt.Fprintf(w, "%s: ok (%d steps, entry %s, order %s)\n", file, g.Len(),
		strings.Join(g.EntrySteps(), ","), strings.Join(g.Order(), " -> "))
	return nil
}
