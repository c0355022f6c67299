package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// GraceWindow is how long a cancelled task is given to terminate
// cooperatively before its OS process (Command kind only) is killed.
var GraceWindow = 10 * time.Second

// control holds the per-task state a TaskManager needs to drive a
// running task from the outside: a cancel signal, an input channel for
// WaitingForInput, and (for Command kind tasks) the *exec.Cmd so
// Cancel can kill the OS process if the grace window expires.
type control struct {
	cancel  context.CancelFunc
	input   chan string
	cmd     *exec.Cmd
	session string
}

// Manager is the TaskManager of spec.md §4.6: it owns every Task in
// the gateway, tracks which task (if any) is foreground per session,
// and exposes the operations that drive a task through its state
// machine. Safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	tasks      map[ID]*Task
	foreground map[string]ID // session key -> foreground task ID
	controls   map[ID]*control
	logger     *slog.Logger
}

// NewManager creates an empty TaskManager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "task-manager")
	}
	return &Manager{
		tasks:      make(map[ID]*Task),
		foreground: make(map[string]ID),
		controls:   make(map[ID]*control),
		logger:     logger,
	}
}

// Create registers a new task in Pending state and returns it. The
// task is not yet running; call Start to transition it.
func (m *Manager) Create(kind Kind, sessionKey, label string) *Task {
	t := New(kind)
	t.SessionKey = sessionKey
	t.Label = label

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	m.logger.Info("task created", "task_id", t.ID, "kind", kind.Tag, "session", sessionKey)
	return t
}

// Start transitions a Pending task to Running (or Background, if
// foreground is false), setting started_at exactly once. cancel is
// called if the task is later cancelled; cmd may be nil for task kinds
// that don't run an OS process.
func (m *Manager) Start(id ID, foreground bool, cancel context.CancelFunc, cmd *exec.Cmd) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.Tag != StatusPending {
		return fmt.Errorf("task %s is not pending (status %s)", id, t.Status.Tag)
	}

	now := time.Now()
	t.StartedAt = &now
	if foreground {
		t.Status = Status{Tag: StatusRunning}
	} else {
		t.Status = Status{Tag: StatusBackground}
	}

	m.controls[id] = &control{cancel: cancel, input: make(chan string, 1), cmd: cmd, session: t.SessionKey}

	if foreground {
		m.setForegroundLocked(t.SessionKey, id)
	}
	return nil
}

// SetForeground promotes a running/background task to foreground,
// demoting whatever task (if any) currently holds the foreground slot
// for that session to background. Enforces "exactly one task is
// foreground per session at any time."
func (m *Manager) SetForeground(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is terminal", id)
	}

	t.Status = Status{Tag: StatusRunning}
	m.setForegroundLocked(t.SessionKey, id)
	return nil
}

// SetBackground demotes a task to background. If it currently holds
// the foreground slot for its session, the slot is cleared.
func (m *Manager) SetBackground(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is terminal", id)
	}

	t.Status = Status{Tag: StatusBackground}
	if m.foreground[t.SessionKey] == id {
		delete(m.foreground, t.SessionKey)
	}
	return nil
}

func (m *Manager) setForegroundLocked(sessionKey string, id ID) {
	if prev, ok := m.foreground[sessionKey]; ok && prev != id {
		if prevTask, ok := m.tasks[prev]; ok && !prevTask.Status.IsTerminal() {
			prevTask.Status = Status{Tag: StatusBackground}
		}
	}
	m.foreground[sessionKey] = id
}

// UpdateProgress updates a Running or Background task's progress and
// message. Per spec.md §4.6 this is an idempotent no-op, not an error,
// when called against a task that is not in a progress-bearing state
// (the "wrong caller" case — e.g. a stale goroutine racing a
// cancellation).
func (m *Manager) UpdateProgress(id ID, progress *float32, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return
	}
	switch t.Status.Tag {
	case StatusRunning, StatusBackground:
		t.Status.Progress = progress
		t.Status.Message = message
	default:
		// Silently ignored: task is not in a state that carries progress.
	}
}

// Complete transitions a task to Completed. No-op if already terminal.
func (m *Manager) Complete(id ID, summary, output string) error {
	return m.finish(id, Status{Tag: StatusCompleted, Summary: summary, Output: output})
}

// Fail transitions a task to Failed. No-op if already terminal.
func (m *Manager) Fail(id ID, errMsg string, retryable bool) error {
	return m.finish(id, Status{Tag: StatusFailed, Error: errMsg, Retryable: retryable})
}

func (m *Manager) finish(id ID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	t.FinishedAt = &now
	t.Status = status
	if m.foreground[t.SessionKey] == id {
		delete(m.foreground, t.SessionKey)
	}
	delete(m.controls, id)
	return nil
}

// Cancel requests cooperative cancellation of a running task. The
// task's context is cancelled immediately; if it has not reached a
// terminal state within GraceWindow, the OS process backing a Command
// task is killed directly.
func (m *Manager) Cancel(id ID) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	ctl := m.controls[id]
	m.mu.Unlock()

	if ctl != nil && ctl.cancel != nil {
		ctl.cancel()
	}

	go m.enforceGraceWindow(id, ctl)

	return m.finish(id, Status{Tag: StatusCancelled})
}

func (m *Manager) enforceGraceWindow(id ID, ctl *control) {
	if ctl == nil || ctl.cmd == nil || ctl.cmd.Process == nil {
		return
	}
	timer := time.NewTimer(GraceWindow)
	defer timer.Stop()
	<-timer.C

	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok || t.Status.Tag != StatusCancelled {
		return
	}

	if err := ctl.cmd.Process.Kill(); err != nil {
		m.logger.Warn("failed to kill task process after grace window", "task_id", id, "error", err)
	} else {
		m.logger.Info("killed task process after grace window expired", "task_id", id)
	}
}

// ProvideInput delivers input to a task waiting in WaitingForInput.
// Only tasks that opt into that sub-state accept input; other states
// return an error.
func (m *Manager) ProvideInput(id ID, input string) error {
	m.mu.RLock()
	t, ok := m.tasks[id]
	ctl := m.controls[id]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.Tag != StatusWaitingForInput {
		return fmt.Errorf("task %s is not waiting for input (status %s)", id, t.Status.Tag)
	}
	if ctl == nil || ctl.input == nil {
		return fmt.Errorf("task %s has no input channel", id)
	}

	select {
	case ctl.input <- input:
	default:
		return fmt.Errorf("task %s input channel is full", id)
	}

	m.mu.Lock()
	t.Status = Status{Tag: StatusRunning}
	m.mu.Unlock()
	return nil
}

// AwaitInput returns the channel a running task should block on after
// entering WaitingForInput. Call EnterWaitingForInput first.
func (m *Manager) AwaitInput(id ID) (<-chan string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctl, ok := m.controls[id]
	if !ok {
		return nil, false
	}
	return ctl.input, true
}

// EnterWaitingForInput transitions a Running task into WaitingForInput
// with the given prompt. Only tasks that opt into this sub-state
// should call it.
func (m *Manager) EnterWaitingForInput(id ID, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.Tag != StatusRunning {
		return fmt.Errorf("task %s is not running (status %s)", id, t.Status.Tag)
	}
	t.Status = Status{Tag: StatusWaitingForInput, Prompt: prompt}
	return nil
}

// Pause transitions a Running task to Paused. Only valid for task
// kinds whose executor supports pausing; the manager itself does not
// enforce which kinds qualify, it trusts the caller.
func (m *Manager) Pause(id ID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.Tag != StatusRunning {
		return fmt.Errorf("task %s is not running (status %s)", id, t.Status.Tag)
	}
	t.Status = Status{Tag: StatusPaused, Reason: reason}
	return nil
}

// Resume transitions a Paused task back to Running.
func (m *Manager) Resume(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.Tag != StatusPaused {
		return fmt.Errorf("task %s is not paused (status %s)", id, t.Status.Tag)
	}
	t.Status = Status{Tag: StatusRunning}
	return nil
}

// Get returns a task by ID.
func (m *Manager) Get(id ID) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Foreground returns the foreground task for a session, if any.
func (m *Manager) Foreground(sessionKey string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.foreground[sessionKey]
	if !ok {
		return nil, false
	}
	t, ok := m.tasks[id]
	return t, ok
}

// ListOptions configures List.
type ListOptions struct {
	SessionKey      string // filter to one session; empty means all sessions
	IncludeComplete bool   // include terminal-state tasks
}

// List returns tasks matching the given options, ordered by creation.
func (m *Manager) List(opts ListOptions) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if opts.SessionKey != "" && t.SessionKey != opts.SessionKey {
			continue
		}
		if !opts.IncludeComplete && t.Status.IsTerminal() {
			continue
		}
		out = append(out, t)
	}
	return out
}

// AppendOutput appends to a task's rolling output buffer when
// StreamOutput is enabled, and is a no-op otherwise.
func (m *Manager) AppendOutput(id ID, chunk string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || !t.StreamOutput {
		return
	}
	t.OutputBuffer += chunk
}
