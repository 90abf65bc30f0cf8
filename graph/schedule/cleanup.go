package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/stepflow/graph/store"
)

// DefaultRetentionDays is the retention used when CleanupOldExecutions is
// called with a non-positive value.
const DefaultRetentionDays = 30

// CleanupOldExecutions deletes terminal executions, and their logs, that
// completed more than daysToKeep days before now. It returns the number of
// executions removed.
func CleanupOldExecutions(ctx context.Context, st store.Store, daysToKeep int, now time.Time) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = DefaultRetentionDays
	}
	cutoff := now.Add(-time.Duration(daysToKeep) * 24 * time.Hour)
	n, err := st.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup executions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}
