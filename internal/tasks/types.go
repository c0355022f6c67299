// Package tasks implements the task manager: tracked units of
// long-running work (shell commands, sub-agent sessions, cron-triggered
// runs, MCP tool calls, browser automation, file operations, web
// requests, or anything else an agent starts and wants progress on).
//
// A Task is distinct from a Routine (internal/routines): a Routine is a
// stored recipe that decides *when* something runs, a Task is the
// runtime record of *one run in progress*.
package tasks

import (
	"sync/atomic"
	"time"
)

// ID is a monotonically increasing task identifier, unique for the
// lifetime of the gateway process.
type ID uint64

var idCounter uint64

// NextID allocates the next task ID.
func NextID() ID {
	return ID(atomic.AddUint64(&idCounter, 1))
}

func (id ID) String() string {
	return "#" + itoa(uint64(id))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Kind identifies what a task represents and determines which fields of
// Kind carry meaning.
type KindTag string

const (
	KindCommand  KindTag = "command"
	KindSubAgent KindTag = "sub_agent"
	KindCronJob  KindTag = "cron_job"
	KindMCPTool  KindTag = "mcp_tool"
	KindBrowser  KindTag = "browser"
	KindFileOp   KindTag = "file_op"
	KindWebRequest KindTag = "web_request"
	KindCustom   KindTag = "custom"
)

// Kind is a tagged union over the task kinds a TaskManager can track.
// Exactly the fields relevant to Tag are meaningful; the rest are zero.
type Kind struct {
	Tag KindTag

	// Command
	Command string
	PID     *int

	// SubAgent
	SessionKey string
	Label      string

	// CronJob
	JobID   string
	JobName string

	// MCPTool
	Server string
	Tool   string

	// Browser
	Action string
	URL    string

	// FileOp
	Operation string
	Path      string

	// WebRequest
	Method string
	// URL reused from Browser above.

	// Custom
	Name    string
	Details string
}

// DisplayName returns a short, human-facing label for the kind.
func (k Kind) DisplayName() string {
	switch k.Tag {
	case KindCommand:
		return "Command"
	case KindSubAgent:
		return "Sub-agent"
	case KindCronJob:
		return "Cron job"
	case KindMCPTool:
		return "MCP"
	case KindBrowser:
		return "Browser"
	case KindFileOp:
		return "File"
	case KindWebRequest:
		return "Web"
	case KindCustom:
		return k.Name
	default:
		return string(k.Tag)
	}
}

// Description returns a one-line detailed description of the kind.
func (k Kind) Description() string {
	switch k.Tag {
	case KindCommand:
		if k.PID != nil {
			return k.Command + " (pid " + itoa(uint64(*k.PID)) + ")"
		}
		return k.Command
	case KindSubAgent:
		if k.Label != "" {
			return k.Label
		}
		return k.SessionKey
	case KindCronJob:
		if k.JobName != "" {
			return k.JobName
		}
		return k.JobID
	case KindMCPTool:
		return k.Server + ":" + k.Tool
	case KindBrowser:
		if k.URL != "" {
			return k.Action + " " + k.URL
		}
		return k.Action
	case KindFileOp:
		return k.Operation + " " + k.Path
	case KindWebRequest:
		return k.Method + " " + k.URL
	case KindCustom:
		if k.Details != "" {
			return k.Name + ": " + k.Details
		}
		return k.Name
	default:
		return ""
	}
}

// StatusTag discriminates Status.
type StatusTag string

const (
	StatusPending         StatusTag = "pending"
	StatusRunning         StatusTag = "running"
	StatusBackground      StatusTag = "background"
	StatusPaused          StatusTag = "paused"
	StatusCompleted       StatusTag = "completed"
	StatusFailed          StatusTag = "failed"
	StatusCancelled       StatusTag = "cancelled"
	StatusWaitingForInput StatusTag = "waiting_for_input"
)

// Status is a tagged union over a task's lifecycle state, mirroring
// spec.md's state diagram for §4.6.
type Status struct {
	Tag StatusTag

	// Running / Background
	Progress *float32
	Message  string

	// Paused
	Reason string

	// Completed
	Summary string
	Output  string

	// Failed
	Error     string
	Retryable bool

	// WaitingForInput
	Prompt string
}

// IsTerminal reports whether the status can never transition again.
func (s Status) IsTerminal() bool {
	switch s.Tag {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsRunning reports whether the task is actively running, foreground or
// background.
func (s Status) IsRunning() bool {
	return s.Tag == StatusRunning || s.Tag == StatusBackground
}

// IsForeground reports whether the task is eligible to hold the
// session's foreground pointer.
func (s Status) IsForeground() bool {
	return s.Tag == StatusRunning || s.Tag == StatusWaitingForInput
}

// Task is one tracked unit of work owned by a TaskManager.
type Task struct {
	ID     ID
	Kind   Kind
	Status Status

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	SessionKey string
	Label      string

	StreamOutput bool
	OutputBuffer string
}

// New creates a pending task of the given kind.
func New(kind Kind) *Task {
	return &Task{
		ID:        NextID(),
		Kind:      kind,
		Status:    Status{Tag: StatusPending},
		CreatedAt: time.Now(),
	}
}

// DisplayLabel returns the task's user label, or the kind's description
// if no label was set.
func (t *Task) DisplayLabel() string {
	if t.Label != "" {
		return t.Label
	}
	return t.Kind.Description()
}

// Elapsed returns the time since the task started, or nil if it has not
// started. If the task has finished, the elapsed time is fixed at its
// finish time rather than growing.
func (t *Task) Elapsed() *time.Duration {
	if t.StartedAt == nil {
		return nil
	}
	end := time.Now()
	if t.FinishedAt != nil {
		end = *t.FinishedAt
	}
	d := end.Sub(*t.StartedAt)
	return &d
}
