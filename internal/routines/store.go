package routines

import (
	"context"
	"time"
)

// Store defines the interface for task persistence.
type Store interface {
	// Task CRUD operations

	// CreateRoutine creates a new scheduled task.
	CreateRoutine(ctx context.Context, task *Routine) error

	// GetRoutine retrieves a task by ID.
	GetRoutine(ctx context.Context, id string) (*Routine, error)

	// UpdateRoutine updates an existing task.
	UpdateRoutine(ctx context.Context, task *Routine) error

	// DeleteRoutine deletes a task by ID.
	DeleteRoutine(ctx context.Context, id string) error

	// ListRoutines returns tasks with optional filtering.
	ListRoutines(ctx context.Context, opts ListRoutinesOptions) ([]*Routine, error)

	// Execution operations

	// CreateRun creates a new task execution record.
	CreateRun(ctx context.Context, exec *RoutineRun) error

	// GetRun retrieves an execution by ID.
	GetRun(ctx context.Context, id string) (*RoutineRun, error)

	// UpdateRun updates an execution record.
	UpdateRun(ctx context.Context, exec *RoutineRun) error

	// ListRuns returns executions for a task.
	ListRuns(ctx context.Context, taskID string, opts ListRunsOptions) ([]*RoutineRun, error)

	// Scheduling operations

	// GetDueRoutines returns tasks due for execution.
	// This should only return tasks where NextRunAt <= now and Status is active.
	GetDueRoutines(ctx context.Context, now time.Time, limit int) ([]*Routine, error)

	// AcquireRun attempts to acquire a lock on a pending execution.
	// Uses SELECT FOR UPDATE SKIP LOCKED for distributed locking.
	// Returns the execution if acquired, nil if not available.
	AcquireRun(ctx context.Context, workerID string, lockDuration time.Duration) (*RoutineRun, error)

	// ReleaseRun releases the lock on an execution.
	ReleaseRun(ctx context.Context, executionID string) error

	// CompleteRun marks an execution as complete with the given status.
	CompleteRun(ctx context.Context, executionID string, status RunStatus, response string, err string) error

	// GetRunningRuns returns executions currently running for a task.
	// Used to check for overlap when AllowOverlap is false.
	GetRunningRuns(ctx context.Context, taskID string) ([]*RoutineRun, error)

	// CleanupStaleRuns finds executions that have been running longer
	// than the specified timeout and marks them as timed out.
	CleanupStaleRuns(ctx context.Context, timeout time.Duration) (int, error)
}

// ListRoutinesOptions configures task listing.
type ListRoutinesOptions struct {
	// Status filters by task status.
	Status *RoutineStatus

	// AgentID filters by agent.
	AgentID string

	// Limit is the maximum number of tasks to return.
	Limit int

	// Offset for pagination.
	Offset int

	// IncludeDisabled includes disabled tasks (default false).
	IncludeDisabled bool
}

// ListRunsOptions configures execution listing.
type ListRunsOptions struct {
	// Status filters by execution status.
	Status *RunStatus

	// Limit is the maximum number of executions to return.
	Limit int

	// Offset for pagination.
	Offset int

	// Since filters to executions after this time.
	Since *time.Time

	// Until filters to executions before this time.
	Until *time.Time
}

// Closer is implemented by stores that need cleanup.
type Closer interface {
	Close() error
}
