package routines

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine is the RoutineEngine of spec.md §4.7: it evaluates cron
// schedules on a tick and matches dispatched events against every
// registered Event-trigger routine, firing eligible routines through
// the same Scheduler/Executor pipeline used for interactive turns.
type Engine struct {
	store     Store
	scheduler *Scheduler
	logger    *slog.Logger

	tickInterval time.Duration

	mu       sync.RWMutex
	matchers map[string]*regexp.Regexp // routine ID -> compiled anchored regex
	cooldown map[string]time.Time      // routine ID -> time cooldown expires

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// EngineConfig configures the routine engine.
type EngineConfig struct {
	// TickInterval is how often cron schedules are evaluated. Defaults
	// to 1 second per spec.md §4.7.
	TickInterval time.Duration
	Logger       *slog.Logger
}

// NewEngine builds a RoutineEngine over an existing Scheduler (which
// already owns the store and executor).
func NewEngine(scheduler *Scheduler, store Store, config EngineConfig) *Engine {
	if config.TickInterval <= 0 {
		config.TickInterval = 1 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "routine-engine")
	}
	return &Engine{
		store:        store,
		scheduler:    scheduler,
		logger:       logger,
		tickInterval: config.TickInterval,
		matchers:     make(map[string]*regexp.Regexp),
		cooldown:     make(map[string]time.Time),
	}
}

// RegisterEventTrigger compiles and caches the anchored regex for an
// Event-triggered routine. Must be called once per routine at
// registration (and again after any Trigger.Event update).
func (e *Engine) RegisterEventTrigger(routineID, pattern string) error {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return fmt.Errorf("compile event pattern for routine %s: %w", routineID, err)
	}
	e.mu.Lock()
	e.matchers[routineID] = re
	e.mu.Unlock()
	return nil
}

// UnregisterEventTrigger drops a routine's cached matcher (e.g. on
// delete or trigger change away from Event).
func (e *Engine) UnregisterEventTrigger(routineID string) {
	e.mu.Lock()
	delete(e.matchers, routineID)
	delete(e.cooldown, routineID)
	e.mu.Unlock()
}

// Start begins the cron-check tick loop. DispatchEvent may be called at
// any time, independent of Start/Stop.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.tickLoop(ctx)
}

// Stop halts the tick loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckCronSchedules(ctx)
		}
	}
}

// CheckCronSchedules evaluates due Cron-triggered routines; due-ness and
// rescheduling is delegated to the embedded Scheduler's poll logic,
// which already understands Trigger.Tag == TriggerCron.
func (e *Engine) CheckCronSchedules(ctx context.Context) {
	e.scheduler.pollDueTasks(ctx)
}

// DispatchEvent matches event against every registered Event-trigger
// routine. All matchers run independent of each other (order does not
// matter); every eligible match fires its routine.
func (e *Engine) DispatchEvent(ctx context.Context, event string) {
	e.mu.RLock()
	matched := make([]string, 0)
	for routineID, re := range e.matchers {
		if re.MatchString(event) {
			matched = append(matched, routineID)
		}
	}
	e.mu.RUnlock()

	for _, routineID := range matched {
		routine, err := e.store.GetRoutine(ctx, routineID)
		if err != nil || routine == nil {
			continue
		}
		if !e.eligible(routine) {
			continue
		}
		if err := e.fire(ctx, routine, TriggerEvent, event); err != nil {
			e.logger.Error("failed to fire event-triggered routine",
				"routine_id", routine.ID, "event", event, "error", err)
		}
	}
}

// Fire manually triggers a routine regardless of its configured
// trigger, per spec.md §3's Manual trigger variant.
func (e *Engine) Fire(ctx context.Context, routineID string) error {
	routine, err := e.store.GetRoutine(ctx, routineID)
	if err != nil {
		return err
	}
	if routine == nil {
		return fmt.Errorf("routine %s not found", routineID)
	}
	if !e.eligible(routine) {
		return fmt.Errorf("routine %s is not eligible to run", routineID)
	}
	return e.fire(ctx, routine, TriggerManual, "")
}

// eligible implements spec.md §4.7's eligibility rule: enabled,
// not in cooldown, and not flagged to disable.
func (e *Engine) eligible(r *Routine) bool {
	if !r.Enabled {
		return false
	}
	e.mu.RLock()
	until, inCooldown := e.cooldown[r.ID]
	e.mu.RUnlock()
	if inCooldown && time.Now().Before(until) {
		return false
	}
	return true
}

func (e *Engine) fire(ctx context.Context, routine *Routine, trigger TriggerTag, detail string) error {
	if routine.CooldownSecs > 0 {
		e.mu.Lock()
		e.cooldown[routine.ID] = time.Now().Add(time.Duration(routine.CooldownSecs) * time.Second)
		e.mu.Unlock()
	}

	run := &RoutineRun{
		ID:            uuid.NewString(),
		RoutineID:     routine.ID,
		Status:        RunStatusPending,
		TriggerTag:    trigger,
		TriggerDetail: detail,
		ScheduledAt:   time.Now(),
		Prompt:        routine.Prompt,
		AttemptNumber: 1,
	}
	return e.store.CreateRun(ctx, run)
}
