// Package routines implements the RoutineEngine: stored recipes that
// decide *when* an agent turn runs on its own, without an interactive
// connection driving it. A Routine couples a trigger (cron schedule,
// event regex, or manual invocation) to a prompt; firing it creates a
// Task (internal/tasks) executed through the same pipeline as an
// interactive chat turn.
package routines

import (
	"encoding/json"
	"time"
)

// TriggerTag discriminates Trigger.
type TriggerTag string

const (
	TriggerCron   TriggerTag = "cron"
	TriggerEvent  TriggerTag = "event"
	TriggerManual TriggerTag = "manual"
)

// Trigger decides when a Routine becomes eligible to run.
type Trigger struct {
	Tag TriggerTag

	// Cron: standard 5-field cron expression, minute precision.
	Cron string

	// Event: an anchored regular expression matched against dispatched
	// event names.
	Event string
}

// RoutineStatus tracks whether a routine is scheduled for its next run.
type RoutineStatus string

const (
	RoutineStatusActive   RoutineStatus = "active"
	RoutineStatusPaused   RoutineStatus = "paused"
	RoutineStatusDisabled RoutineStatus = "disabled"
)

// Routine is a stored, named trigger+prompt recipe. Field shape follows
// spec.md §3's Routine data model.
type Routine struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Prompt  string  `json:"prompt"`
	Trigger Trigger `json:"trigger"`

	Enabled bool `json:"enabled"`

	CooldownSecs int `json:"cooldown_secs,omitempty"`
	MaxFailures  int `json:"max_failures,omitempty"`
	FailureCount int `json:"failure_count"`

	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastRunID   string     `json:"last_run_id,omitempty"`

	// AgentID identifies which agent runs the routine.
	AgentID string `json:"agent_id"`

	// Status mirrors Enabled/Paused for the store's scheduling queries;
	// Enabled is the field spec.md's invariants govern directly.
	Status RoutineStatus `json:"status"`

	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	Config RoutineConfig `json:"config"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// disableIfExhausted applies spec.md §4.7's invariant: once failure_count
// reaches max_failures, the routine disables itself on the next tick.
func (r *Routine) disableIfExhausted() {
	if r.MaxFailures > 0 && r.FailureCount >= r.MaxFailures {
		r.Enabled = false
		r.Status = RoutineStatusDisabled
	}
}

// recordSuccess resets the failure count and timestamps a successful run.
func (r *Routine) recordSuccess(at time.Time) {
	r.FailureCount = 0
	r.LastSuccess = &at
	r.LastRun = &at
}

// recordFailure increments the failure count, timestamps the run, and
// disables the routine if it has now exhausted max_failures.
func (r *Routine) recordFailure(at time.Time) {
	r.FailureCount++
	r.LastRun = &at
	r.disableIfExhausted()
}

// ExecutionType selects which executor a routine run is dispatched to.
type ExecutionType string

const (
	// ExecutionTypeAgent runs the prompt through the agent runtime (the
	// default).
	ExecutionTypeAgent ExecutionType = "agent"
	// ExecutionTypeMessage sends the prompt directly to a channel
	// without invoking the agent, for simple reminder-style routines.
	ExecutionTypeMessage ExecutionType = "message"
)

// RoutineConfig holds execution configuration for a routine's runs,
// analogous to a scheduled task's per-run options.
type RoutineConfig struct {
	Timeout       time.Duration `json:"timeout,omitempty"`
	MaxRetries    int           `json:"max_retries,omitempty"`
	RetryDelay    time.Duration `json:"retry_delay,omitempty"`
	AllowOverlap  bool          `json:"allow_overlap,omitempty"`
	Channel       string        `json:"channel,omitempty"`
	ChannelID     string        `json:"channel_id,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	SystemPrompt  string        `json:"system_prompt,omitempty"`
	Model         string        `json:"model,omitempty"`
	ExecutionType ExecutionType `json:"execution_type,omitempty"`
}

// RunStatus represents the state of a single firing of a routine.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimedOut  RunStatus = "timed_out"
	RunStatusCancelled RunStatus = "cancelled"
)

// RoutineRun is one execution of a Routine.
type RoutineRun struct {
	ID        string    `json:"id"`
	RoutineID string    `json:"routine_id"`
	Status    RunStatus `json:"status"`

	// TriggerTag records which trigger fired this run (for event-fired
	// runs in particular, since a routine may be reachable by both a
	// cron tick and a matching event).
	TriggerTag TriggerTag `json:"trigger_tag"`
	// TriggerDetail carries the event name that matched, when TriggerTag
	// is event; empty otherwise.
	TriggerDetail string `json:"trigger_detail,omitempty"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	Prompt    string `json:"prompt"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`

	AttemptNumber int `json:"attempt_number"`

	WorkerID    string     `json:"worker_id,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	Duration time.Duration `json:"duration,omitempty"`
}

// IsTerminal returns true if the run is in a terminal state.
func (r *RoutineRun) IsTerminal() bool {
	switch r.Status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// MarshalConfig marshals RoutineConfig to JSON.
func (c RoutineConfig) MarshalConfig() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalConfig unmarshals JSON to RoutineConfig.
func UnmarshalConfig(data []byte) (RoutineConfig, error) {
	var c RoutineConfig
	if len(data) == 0 {
		return c, nil
	}
	err := json.Unmarshal(data, &c)
	return c, err
}

// DefaultRoutineConfig returns a RoutineConfig with sensible defaults.
func DefaultRoutineConfig() RoutineConfig {
	return RoutineConfig{
		Timeout:      5 * time.Minute,
		MaxRetries:   0,
		RetryDelay:   30 * time.Second,
		AllowOverlap: false,
	}
}
