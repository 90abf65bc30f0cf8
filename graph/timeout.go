package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// stepTimeout picks the timeout for a step:
//  1. config "timeout" (seconds or a duration string)
//  2. the engine default
//  3. 0, meaning unlimited
func stepTimeout(config map[string]any, defaultTimeout time.Duration) time.Duration {
	if t := ConfigSeconds(config, "timeout"); t > 0 {
		return t
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// dispatchWithTimeout dispatches a step under its timeout. A handler that
// overruns gets a *StepExecutionError wrapping an EngineError with code
// STEP_TIMEOUT, whatever the handler itself returned.
func dispatchWithTimeout(ctx context.Context, d *Dispatcher, sc StepContext, input map[string]any, timeout time.Duration) (StepResult, string, error) {
	if timeout == 0 {
		return d.Dispatch(ctx, sc, input)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, stack, err := d.Dispatch(timeoutCtx, sc, input)

	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return StepResult{}, stack, &StepExecutionError{
			StepID:   sc.Step.ID,
			StepType: sc.Step.Type,
			Cause: &EngineError{
				Message: fmt.Sprintf("step %s exceeded timeout of %v", sc.Step.ID, timeout),
				Code:    "STEP_TIMEOUT",
				Cause:   context.DeadlineExceeded,
			},
		}
	}
	return result, stack, err
}
