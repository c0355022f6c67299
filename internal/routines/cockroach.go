package routines

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// CockroachConfig holds configuration for a Postgres/CockroachDB
// connection. This is an alternate Store backend to the default
// sqlite-backed routines.db (see sqlite.go); it exists for deployments
// that already run a Postgres fleet and want a shared routines store
// across several gateway hosts.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns default configuration.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// CockroachStore implements Store using CockroachDB/Postgres.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStoreFromDSN creates a new CockroachDB routine store.
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &CockroachStore{db: db}, nil
}

// Close releases database resources.
func (s *CockroachStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateRoutine creates a new routine.
func (s *CockroachStore) CreateRoutine(ctx context.Context, r *Routine) error {
	if r == nil {
		return fmt.Errorf("routine is required")
	}

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
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
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

// GetRoutine retrieves a routine by ID.
func (s *CockroachStore) GetRoutine(ctx context.Context, id string) (*Routine, error) {
	row := s.db.QueryRowContext(ctx, routineSelectColumns+` FROM routines WHERE id = $1`, id)

	r, err := scanRoutine(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get routine: %w", err)
	}
	return r, nil
}

// UpdateRoutine updates an existing routine.
func (s *CockroachStore) UpdateRoutine(ctx context.Context, r *Routine) error {
	if r == nil {
		return fmt.Errorf("routine is required")
	}

	configJSON, err := r.Config.MarshalConfig()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	r.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		UPDATE routines SET
			name = $2, agent_id = $3, trigger_tag = $4, trigger_cron = $5, trigger_event = $6,
			prompt = $7, config = $8, status = $9, enabled = $10, cooldown_secs = $11,
			max_failures = $12, failure_count = $13, next_run_at = $14, last_run_at = $15,
			last_run_id = $16, last_run = $17, last_success = $18, updated_at = $19
		WHERE id = $1
	`,
		r.ID, r.Name, r.AgentID, string(r.Trigger.Tag), nullableString(r.Trigger.Cron), nullableString(r.Trigger.Event),
		r.Prompt, configJSON, string(r.Status), r.Enabled, r.CooldownSecs,
		r.MaxFailures, r.FailureCount, r.NextRunAt, nullableTime(r.LastRunAt),
		nullableString(r.LastRunID), nullableTime(r.LastRun), nullableTime(r.LastSuccess), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update routine: %w", err)
	}
	return nil
}

// DeleteRoutine deletes a routine by ID.
func (s *CockroachStore) DeleteRoutine(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete routine: %w", err)
	}
	return nil
}

// ListRoutines returns routines with optional filtering.
func (s *CockroachStore) ListRoutines(ctx context.Context, opts ListRoutinesOptions) ([]*Routine, error) {
	query := routineSelectColumns + ` FROM routines WHERE 1=1`
	args := []any{}
	argPos := 1

	if opts.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(*opts.Status))
		argPos++
	}
	if opts.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argPos)
		args = append(args, opts.AgentID)
		argPos++
	}
	if !opts.IncludeDisabled {
		query += fmt.Sprintf(" AND status != $%d", argPos)
		args = append(args, string(RoutineStatusDisabled))
		argPos++
	}
	query += " ORDER BY next_run_at ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	return routines, nil
}

// GetDueRoutines returns Cron-triggered routines due for execution.
func (s *CockroachStore) GetDueRoutines(ctx context.Context, now time.Time, limit int) ([]*Routine, error) {
	query := routineSelectColumns + `
		FROM routines
		WHERE status = $1 AND trigger_tag = $2 AND next_run_at <= $3
		ORDER BY next_run_at ASC
	`
	args := []any{string(RoutineStatusActive), string(TriggerCron), now}

	if limit > 0 {
		query += " LIMIT $4"
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get due routines: %w", err)
	}
	return routines, nil
}

// CreateRun creates a new routine run record.
func (s *CockroachStore) CreateRun(ctx context.Context, run *RoutineRun) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routine_runs (
			id, routine_id, status, trigger_tag, trigger_detail, scheduled_at,
			started_at, finished_at, session_id, prompt, response, error,
			attempt_number, worker_id, locked_at, locked_until, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		run.ID, run.RoutineID, string(run.Status), string(run.TriggerTag), nullableString(run.TriggerDetail), run.ScheduledAt,
		nullableTime(run.StartedAt), nullableTime(run.FinishedAt), nullableString(run.SessionID), run.Prompt, nullableString(run.Response), nullableString(run.Error),
		run.AttemptNumber, nullableString(run.WorkerID), nullableTime(run.LockedAt), nullableTime(run.LockedUntil), run.Duration,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *CockroachStore) GetRun(ctx context.Context, id string) (*RoutineRun, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` FROM routine_runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// UpdateRun updates a run record.
func (s *CockroachStore) UpdateRun(ctx context.Context, run *RoutineRun) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE routine_runs SET
			status = $2, started_at = $3, finished_at = $4, session_id = $5,
			response = $6, error = $7, attempt_number = $8, worker_id = $9,
			locked_at = $10, locked_until = $11, duration = $12
		WHERE id = $1
	`,
		run.ID, string(run.Status), nullableTime(run.StartedAt), nullableTime(run.FinishedAt), nullableString(run.SessionID),
		nullableString(run.Response), nullableString(run.Error), run.AttemptNumber, nullableString(run.WorkerID),
		nullableTime(run.LockedAt), nullableTime(run.LockedUntil), run.Duration,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// ListRuns returns runs for a routine.
func (s *CockroachStore) ListRuns(ctx context.Context, routineID string, opts ListRunsOptions) ([]*RoutineRun, error) {
	query := runSelectColumns + ` FROM routine_runs WHERE routine_id = $1`
	args := []any{routineID}
	argPos := 2

	if opts.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(*opts.Status))
		argPos++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND scheduled_at >= $%d", argPos)
		args = append(args, *opts.Since)
		argPos++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND scheduled_at <= $%d", argPos)
		args = append(args, *opts.Until)
		argPos++
	}
	query += " ORDER BY scheduled_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// AcquireRun attempts to acquire a lock on a pending run.
// Uses SELECT FOR UPDATE SKIP LOCKED so multiple gateway processes
// sharing one Postgres instance never double-fire the same run.
func (s *CockroachStore) AcquireRun(ctx context.Context, workerID string, lockDuration time.Duration) (*RoutineRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			_ = rerr
		}
	}()

	now := time.Now()
	lockUntil := now.Add(lockDuration)

	row := tx.QueryRowContext(ctx, runSelectColumns+`
		FROM routine_runs
		WHERE status = $1 AND (locked_until IS NULL OR locked_until < $2)
		ORDER BY scheduled_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(RunStatusPending), now)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE routine_runs SET status = $1, worker_id = $2, locked_at = $3, locked_until = $4, started_at = $5
		WHERE id = $6
	`, string(RunStatusRunning), workerID, now, lockUntil, now, run.ID)
	if err != nil {
		return nil, fmt.Errorf("update run lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	run.Status = RunStatusRunning
	run.WorkerID = workerID
	run.LockedAt = &now
	run.LockedUntil = &lockUntil
	run.StartedAt = &now

	return run, nil
}

// ReleaseRun releases the lock on a run.
func (s *CockroachStore) ReleaseRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE routine_runs SET locked_at = NULL, locked_until = NULL, worker_id = NULL WHERE id = $1
	`, runID)
	if err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	return nil
}

// CompleteRun marks a run as complete with the given status.
func (s *CockroachStore) CompleteRun(ctx context.Context, runID string, status RunStatus, response string, errMsg string) error {
	now := time.Now()

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}

	var duration time.Duration
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE routine_runs SET
			status = $1, finished_at = $2, response = $3, error = $4, duration = $5,
			locked_at = NULL, locked_until = NULL
		WHERE id = $6
	`,
		string(status), now, nullableString(response), nullableString(errMsg), duration, runID,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// GetRunningRuns returns runs currently running for a routine.
func (s *CockroachStore) GetRunningRuns(ctx context.Context, routineID string) ([]*RoutineRun, error) {
	rows, err := s.db.QueryContext(ctx, runSelectColumns+`
		FROM routine_runs WHERE routine_id = $1 AND status = $2
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get running runs: %w", err)
	}
	return runs, nil
}

// CleanupStaleRuns finds runs that have been running longer than the
// specified timeout and marks them as timed out.
func (s *CockroachStore) CleanupStaleRuns(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout)

	result, err := s.db.ExecContext(ctx, `
		UPDATE routine_runs SET status = $1, finished_at = NOW(), error = $2
		WHERE status = $3 AND started_at < $4
	`,
		string(RunStatusTimedOut), "execution timed out", string(RunStatusRunning), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(count), nil
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const routineSelectColumns = `
	SELECT id, name, agent_id, trigger_tag, trigger_cron, trigger_event,
		   prompt, config, status, enabled, cooldown_secs, max_failures,
		   failure_count, next_run_at, last_run_at, last_run_id,
		   last_run, last_success, created_at, updated_at`

func scanRoutine(s scanner) (*Routine, error) {
	var r Routine
	var (
		triggerCron  sql.NullString
		triggerEvent sql.NullString
		configJSON   []byte
		status       string
		triggerTag   string
		lastRunAt    sql.NullTime
		lastRunID    sql.NullString
		lastRun      sql.NullTime
		lastSuccess  sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.Name, &r.AgentID, &triggerTag, &triggerCron, &triggerEvent,
		&r.Prompt, &configJSON, &status, &r.Enabled, &r.CooldownSecs, &r.MaxFailures,
		&r.FailureCount, &r.NextRunAt, &lastRunAt, &lastRunID, &lastRun, &lastSuccess,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = RoutineStatus(status)
	r.Trigger = Trigger{Tag: TriggerTag(triggerTag)}
	if triggerCron.Valid {
		r.Trigger.Cron = triggerCron.String
	}
	if triggerEvent.Valid {
		r.Trigger.Event = triggerEvent.String
	}
	if lastRunAt.Valid {
		r.LastRunAt = &lastRunAt.Time
	}
	if lastRunID.Valid {
		r.LastRunID = lastRunID.String
	}
	if lastRun.Valid {
		r.LastRun = &lastRun.Time
	}
	if lastSuccess.Valid {
		r.LastSuccess = &lastSuccess.Time
	}

	if len(configJSON) > 0 {
		r.Config, err = UnmarshalConfig(configJSON)
		if err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	return &r, nil
}

const runSelectColumns = `
	SELECT id, routine_id, status, trigger_tag, trigger_detail, scheduled_at,
		   started_at, finished_at, session_id, prompt, response, error,
		   attempt_number, worker_id, locked_at, locked_until, duration`

func scanRun(s scanner) (*RoutineRun, error) {
	var run RoutineRun
	var (
		status        string
		triggerTag    string
		triggerDetail sql.NullString
		startedAt     sql.NullTime
		finishedAt    sql.NullTime
		sessionID     sql.NullString
		response      sql.NullString
		errorMsg      sql.NullString
		workerID      sql.NullString
		lockedAt      sql.NullTime
		lockedUntil   sql.NullTime
		duration      int64
	)

	err := s.Scan(
		&run.ID, &run.RoutineID, &status, &triggerTag, &triggerDetail, &run.ScheduledAt,
		&startedAt, &finishedAt, &sessionID, &run.Prompt, &response, &errorMsg,
		&run.AttemptNumber, &workerID, &lockedAt, &lockedUntil, &duration,
	)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.TriggerTag = TriggerTag(triggerTag)
	run.Duration = time.Duration(duration)

	if triggerDetail.Valid {
		run.TriggerDetail = triggerDetail.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if sessionID.Valid {
		run.SessionID = sessionID.String
	}
	if response.Valid {
		run.Response = response.String
	}
	if errorMsg.Valid {
		run.Error = errorMsg.String
	}
	if workerID.Valid {
		run.WorkerID = workerID.String
	}
	if lockedAt.Valid {
		run.LockedAt = &lockedAt.Time
	}
	if lockedUntil.Valid {
		run.LockedUntil = &lockedUntil.Time
	}

	return &run, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
