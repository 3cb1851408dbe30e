package executor

import (
	"fmt"
	"time"

	"agentdeck/internal/model"
)

// SpawnError covers a missing tool binary or an unexpected nonzero exit.
// No turn is persisted for a failed spawn.
type SpawnError struct {
	Tool   model.Tool
	Detail string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn %s: %s: %v", e.Tool, e.Detail, e.Err)
	}
	return fmt.Sprintf("spawn %s: %s", e.Tool, e.Detail)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

type TimeoutError struct {
	ExecutionID string
	After       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution %s timed out after %s", e.ExecutionID, e.After)
}

type CancelledError struct {
	ExecutionID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("execution %s cancelled", e.ExecutionID)
}
