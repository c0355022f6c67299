package routines

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, used in the default cgo-free build
)

// SQLiteStore is the default routines.db-backed Store: a single SQLite
// file, one process. Unlike CockroachStore it has no distributed
// locking story — AcquireRun is guarded by an in-process mutex, which
// is all a single gateway process needs.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a routines database at
// path. Pass ":memory:" for an ephemeral in-process store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite does not support concurrent writers

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS routines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			trigger_tag TEXT NOT NULL,
			trigger_cron TEXT,
			trigger_event TEXT,
			prompt TEXT NOT NULL,
			config BLOB,
			status TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			cooldown_secs INTEGER NOT NULL DEFAULT 0,
			max_failures INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			next_run_at DATETIME NOT NULL,
			last_run_at DATETIME,
			last_run_id TEXT,
			last_run DATETIME,
			last_success DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_routines_next_run ON routines(next_run_at);
		CREATE INDEX IF NOT EXISTS idx_routines_status ON routines(status);

		CREATE TABLE IF NOT EXISTS routine_runs (
			id TEXT PRIMARY KEY,
			routine_id TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_tag TEXT NOT NULL,
			trigger_detail TEXT,
			scheduled_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			session_id TEXT,
			prompt TEXT NOT NULL,
			response TEXT,
			error TEXT,
			attempt_number INTEGER NOT NULL DEFAULT 1,
			worker_id TEXT,
			locked_at DATETIME,
			locked_until DATETIME,
			duration INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_routine ON routine_runs(routine_id);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON routine_runs(status, scheduled_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate routines schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRoutine(ctx context.Context, r *Routine) error {
	configJSON, err := r.Config.MarshalConfig()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routines (
			id, name, agent_id, trigger_tag, trigger_cron, trigger_event,
			prompt, config, status, enabled, cooldown_secs, max_failures,
			failure_count, next_run_at, last_run_at, last_run_id,
			last_run, last_success, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Name, r.AgentID, string(r.Trigger.Tag), nullableString(r.Trigger.Cron), nullableString(r.Trigger.Event),
		r.Prompt, configJSON, string(r.Status), r.Enabled, r.CooldownSecs, r.MaxFailures,
		r.FailureCount, r.NextRunAt, nullableTime(r.LastRunAt), nullableString(r.LastRunID),
		nullableTime(r.LastRun), nullableTime(r.LastSuccess), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create routine: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRoutine(ctx context.Context, id string) (*Routine, error) {
	row := s.db.QueryRowContext(ctx, routineSelectColumns+` FROM routines WHERE id = ?`, id)
	r, err := scanRoutine(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get routine: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRoutine(ctx context.Context, r *Routine) error {
	configJSON, err := r.Config.MarshalConfig()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	r.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		UPDATE routines SET
			name = ?, agent_id = ?, trigger_tag = ?, trigger_cron = ?, trigger_event = ?,
			prompt = ?, config = ?, status = ?, enabled = ?, cooldown_secs = ?,
			max_failures = ?, failure_count = ?, next_run_at = ?, last_run_at = ?,
			last_run_id = ?, last_run = ?, last_success = ?, updated_at = ?
		WHERE id = ?
	`,
		r.Name, r.AgentID, string(r.Trigger.Tag), nullableString(r.Trigger.Cron), nullableString(r.Trigger.Event),
		r.Prompt, configJSON, string(r.Status), r.Enabled, r.CooldownSecs,
		r.MaxFailures, r.FailureCount, r.NextRunAt, nullableTime(r.LastRunAt),
		nullableString(r.LastRunID), nullableTime(r.LastRun), nullableTime(r.LastSuccess), r.UpdatedAt,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update routine: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRoutine(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete routine: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRoutines(ctx context.Context, opts ListRoutinesOptions) ([]*Routine, error) {
	query := routineSelectColumns + ` FROM routines WHERE 1=1`
	args := []any{}

	if opts.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*opts.Status))
	}
	if opts.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, opts.AgentID)
	}
	if !opts.IncludeDisabled {
		query += " AND status != ?"
		args = append(args, string(RoutineStatusDisabled))
	}
	query += " ORDER BY next_run_at ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	defer rows.Close()

	var routines []*Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan routine: %w", err)
		}
		routines = append(routines, r)
	}
	return routines, rows.Err()
}

func (s *SQLiteStore) GetDueRoutines(ctx context.Context, now time.Time, limit int) ([]*Routine, error) {
	query := routineSelectColumns + `
		FROM routines
		WHERE status = ? AND trigger_tag = ? AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`
	args := []any{string(RoutineStatusActive), string(TriggerCron), now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get due routines: %w", err)
	}
	defer rows.Close()

	var routines []*Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan routine: %w", err)
		}
		routines = append(routines, r)
	}
	return routines, rows.Err()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *RoutineRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routine_runs (
			id, routine_id, status, trigger_tag, trigger_detail, scheduled_at,
			started_at, finished_at, session_id, prompt, response, error,
			attempt_number, worker_id, locked_at, locked_until, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.RoutineID, string(run.Status), string(run.TriggerTag), nullableString(run.TriggerDetail), run.ScheduledAt,
		nullableTime(run.StartedAt), nullableTime(run.FinishedAt), nullableString(run.SessionID), run.Prompt, nullableString(run.Response), nullableString(run.Error),
		run.AttemptNumber, nullableString(run.WorkerID), nullableTime(run.LockedAt), nullableTime(run.LockedUntil), int64(run.Duration),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RoutineRun, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` FROM routine_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *RoutineRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE routine_runs SET
			status = ?, started_at = ?, finished_at = ?, session_id = ?,
			response = ?, error = ?, attempt_number = ?, worker_id = ?,
			locked_at = ?, locked_until = ?, duration = ?
		WHERE id = ?
	`,
		string(run.Status), nullableTime(run.StartedAt), nullableTime(run.FinishedAt), nullableString(run.SessionID),
		nullableString(run.Response), nullableString(run.Error), run.AttemptNumber, nullableString(run.WorkerID),
		nullableTime(run.LockedAt), nullableTime(run.LockedUntil), int64(run.Duration),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, routineID string, opts ListRunsOptions) ([]*RoutineRun, error) {
	query := runSelectColumns + ` FROM routine_runs WHERE routine_id = ?`
	args := []any{routineID}

	if opts.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*opts.Status))
	}
	if opts.Since != nil {
		query += " AND scheduled_at >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND scheduled_at <= ?"
		args = append(args, *opts.Until)
	}
	query += " ORDER BY scheduled_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RoutineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AcquireRun serializes on an in-process mutex rather than a database
// row lock: SQLite only ever backs one gateway process at a time, so
// there is no second worker to race against.
func (s *SQLiteStore) AcquireRun(ctx context.Context, workerID string, lockDuration time.Duration) (*RoutineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	lockUntil := now.Add(lockDuration)

	row := s.db.QueryRowContext(ctx, runSelectColumns+`
		FROM routine_runs
		WHERE status = ? AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY scheduled_at ASC
		LIMIT 1
	`, string(RunStatusPending), now)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE routine_runs SET status = ?, worker_id = ?, locked_at = ?, locked_until = ?, started_at = ?
		WHERE id = ?
	`, string(RunStatusRunning), workerID, now, lockUntil, now, run.ID)
	if err != nil {
		return nil, fmt.Errorf("update run lock: %w", err)
	}

	run.Status = RunStatusRunning
	run.WorkerID = workerID
	run.LockedAt = &now
	run.LockedUntil = &lockUntil
	run.StartedAt = &now
	return run, nil
}

func (s *SQLiteStore) ReleaseRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE routine_runs SET locked_at = NULL, locked_until = NULL, worker_id = NULL WHERE id = ?
	`, runID)
	if err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status RunStatus, response, errMsg string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}

	now := time.Now()
	var duration time.Duration
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE routine_runs SET
			status = ?, finished_at = ?, response = ?, error = ?, duration = ?,
			locked_at = NULL, locked_until = NULL
		WHERE id = ?
	`, string(status), now, nullableString(response), nullableString(errMsg), int64(duration), runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRunningRuns(ctx context.Context, routineID string) ([]*RoutineRun, error) {
	rows, err := s.db.QueryContext(ctx, runSelectColumns+`
		FROM routine_runs WHERE routine_id = ? AND status = ?
	`, routineID, string(RunStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("get running runs: %w", err)
	}
	defer rows.Close()

	var runs []*RoutineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) CleanupStaleRuns(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout)
	result, err := s.db.ExecContext(ctx, `
		UPDATE routine_runs SET status = ?, finished_at = CURRENT_TIMESTAMP, error = ?
		WHERE status = ? AND started_at < ?
	`, string(RunStatusTimedOut), "execution timed out", string(RunStatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale runs: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(count), nil
}
