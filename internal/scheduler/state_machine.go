// Package scheduler implements the task state machine and resource-fit
// node selection: submission through approval, dispatch, execution, and
// terminal/recoverable states.
package scheduler

import (
	"fmt"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
)

// validEdges enumerates every allowed status transition. A transition not
// present here (including any edge out of a terminal state, except the
// documented VPS lost->running recovery) is rejected.
var validEdges = map[types.TaskStatus][]types.TaskStatus{
	types.TaskStatusPendingApproval: {types.TaskStatusPending, types.TaskStatusRejected},
	types.TaskStatusPending:         {types.TaskStatusAssigning},
	types.TaskStatusAssigning:       {types.TaskStatusRunning, types.TaskStatusFailed},
	types.TaskStatusRunning: {
		types.TaskStatusCompleted,
		types.TaskStatusFailed,
		types.TaskStatusKilled,
		types.TaskStatusKilledOOM,
		types.TaskStatusStopped,
		types.TaskStatusPaused,
		types.TaskStatusLost,
	},
	types.TaskStatusPaused: {types.TaskStatusRunning},
	types.TaskStatusLost:   {}, // handled by the VPS recovery exception below
}

// ValidateTransition reports whether moving task task from its current
// status to next is legal. isVPS must be true for VPS tasks, to permit
// the documented lost -> running recovery exception.
func ValidateTransition(current, next types.TaskStatus, isVPS bool) error {
	if current == next {
		return fmt.Errorf("scheduler: task is already in status %q", current)
	}

	if current == types.TaskStatusLost && next == types.TaskStatusRunning {
		if !isVPS {
			return fmt.Errorf("scheduler: only VPS tasks may recover from lost to running")
		}
		return nil
	}

	for _, allowed := range validEdges[current] {
		if allowed == next {
			return nil
		}
	}

	if current.Terminal() {
		return fmt.Errorf("scheduler: task status %q is terminal, cannot transition to %q", current, next)
	}
	return fmt.Errorf("scheduler: invalid transition %q -> %q", current, next)
}
