package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sumit189/cronhook/common/models"
)

// EnsureSchema creates tables if they don't exist. Timestamps are unix milliseconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL CHECK(kind IN ('cron','interval','oneoff')),
  cron_expression TEXT NOT NULL DEFAULT '',
  interval_seconds INTEGER NOT NULL DEFAULT 0,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  status TEXT NOT NULL CHECK(status IN ('active','paused','deleted','completed')),
  next_run_at INTEGER,
  last_run_at INTEGER,
  target TEXT NOT NULL,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  backoff_seconds INTEGER NOT NULL DEFAULT 60,
  backoff_type TEXT NOT NULL DEFAULT 'exponential',
  locked_by TEXT,
  locked_until INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_run_at);
CREATE INDEX IF NOT EXISTS idx_schedules_tenant ON schedules(tenant_id, created_at);
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  tenant_id TEXT NOT NULL,
  run_at INTEGER NOT NULL,
  attempt INTEGER NOT NULL CHECK(attempt >= 1),
  status TEXT NOT NULL CHECK(status IN ('queued','running','success','failed','timed_out','dead_letter')),
  worker_id TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  response_summary TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  target TEXT NOT NULL,
  max_attempts INTEGER NOT NULL,
  backoff_seconds INTEGER NOT NULL,
  backoff_type TEXT NOT NULL,
  dispatch_at INTEGER NOT NULL,
  finished_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  FOREIGN KEY(schedule_id) REFERENCES schedules(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_occurrence ON runs(schedule_id, run_at, attempt);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_runs_tenant_status ON runs(tenant_id, status);
`
	_, err := db.Exec(schema)
	return err
}

const scheduleColumns = `id,tenant_id,user_id,name,kind,cron_expression,interval_seconds,timezone,status,next_run_at,last_run_at,target,max_attempts,backoff_seconds,backoff_type,created_at,updated_at`

const runColumns = `id,schedule_id,tenant_id,run_at,attempt,status,worker_id,duration_ms,response_summary,error_message,target,max_attempts,backoff_seconds,backoff_type,dispatch_at,finished_at,created_at,updated_at`

type SQLite struct{ db *sql.DB }

var _ Store = (*SQLite)(nil)

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// the relational layout keeps a oneoff instant in cron_expression
func encodeTrigger(t models.Trigger) string {
	if t.Kind == models.KindOneOff && t.RunOnceAt != nil {
		return t.RunOnceAt.UTC().Format(time.RFC3339Nano)
	}
	return t.CronExpression
}

func decodeTrigger(kind, expr string, interval int64, tz string) (models.Trigger, error) {
	t := models.Trigger{Kind: models.ScheduleKind(kind), IntervalSeconds: interval, Timezone: tz}
	if t.Kind == models.KindOneOff {
		at, err := time.Parse(time.RFC3339Nano, expr)
		if err != nil {
			return t, fmt.Errorf("oneoff instant %q: %w", expr, err)
		}
		at = at.UTC()
		t.RunOnceAt = &at
		return t, nil
	}
	t.CronExpression = expr
	return t, nil
}

func scanSchedule(row scanner) (models.Schedule, error) {
	var (
		s                      models.Schedule
		kind, expr, tz, target string
		interval               int64
		nextRun, lastRun       sql.NullInt64
		created, updated       int64
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.UserID, &s.Name, &kind, &expr, &interval, &tz, &s.Status,
		&nextRun, &lastRun, &target, &s.Retry.MaxAttempts, &s.Retry.BackoffSeconds, &s.Retry.BackoffType,
		&created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Schedule{}, ErrNotFound
		}
		return models.Schedule{}, err
	}
	if s.Trigger, err = decodeTrigger(kind, expr, interval, tz); err != nil {
		return models.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(target), &s.Target); err != nil {
		return models.Schedule{}, fmt.Errorf("decode target: %w", err)
	}
	s.NextRunAt = fromNullMs(nextRun)
	s.LastRunAt = fromNullMs(lastRun)
	s.CreatedAt = fromMs(created)
	s.UpdatedAt = fromMs(updated)
	return s, nil
}

func scanRun(row scanner) (models.Run, error) {
	var (
		r                                  models.Run
		target                             string
		runAt, dispatchAt, created, updated int64
		finished                           sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.ScheduleID, &r.TenantID, &runAt, &r.Attempt, &r.Status, &r.WorkerID,
		&r.DurationMs, &r.ResponseSummary, &r.ErrorMessage, &target, &r.Retry.MaxAttempts,
		&r.Retry.BackoffSeconds, &r.Retry.BackoffType, &dispatchAt, &finished, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Run{}, ErrNotFound
		}
		return models.Run{}, err
	}
	if err := json.Unmarshal([]byte(target), &r.Target); err != nil {
		return models.Run{}, fmt.Errorf("decode target: %w", err)
	}
	r.RunAt = fromMs(runAt)
	r.DispatchAt = fromMs(dispatchAt)
	r.FinishedAt = fromNullMs(finished)
	r.CreatedAt = fromMs(created)
	r.UpdatedAt = fromMs(updated)
	return r, nil
}

func (r *SQLite) CreateSchedule(ctx context.Context, s models.Schedule) error {
	target, err := json.Marshal(s.Target)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.UserID, s.Name, s.Trigger.Kind, encodeTrigger(s.Trigger), s.Trigger.IntervalSeconds,
		timezoneOrUTC(s.Trigger.Timezone), s.Status, msPtr(s.NextRunAt), msPtr(s.LastRunAt), string(target),
		s.Retry.MaxAttempts, s.Retry.BackoffSeconds, s.Retry.BackoffType, ms(s.CreatedAt), ms(s.UpdatedAt))
	return storageErr("create schedule", err)
}

func timezoneOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}

func (r *SQLite) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
	return s, storageErr("get schedule", err)
}

func (r *SQLite) querySchedules(ctx context.Context, op, query string, args ...any) ([]models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var schedules []models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		schedules = append(schedules, s)
	}
	return schedules, storageErr(op, rows.Err())
}

func (r *SQLite) ListSchedules(ctx context.Context, tenantID string, limit int) ([]models.Schedule, error) {
	return r.querySchedules(ctx, "list schedules", `
SELECT `+scheduleColumns+` FROM schedules
WHERE tenant_id=? AND status != 'deleted'
ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
}

func (r *SQLite) UpdateDefinition(ctx context.Context, s models.Schedule) error {
	target, err := json.Marshal(s.Target)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules
SET name=?, kind=?, cron_expression=?, interval_seconds=?, timezone=?, target=?,
    max_attempts=?, backoff_seconds=?, backoff_type=?, updated_at=?
WHERE id=? AND status != 'deleted'`,
		s.Name, s.Trigger.Kind, encodeTrigger(s.Trigger), s.Trigger.IntervalSeconds, timezoneOrUTC(s.Trigger.Timezone),
		string(target), s.Retry.MaxAttempts, s.Retry.BackoffSeconds, s.Retry.BackoffType, ms(time.Now()), s.ID)
	return storageErr("update schedule", expectOne(res, err, ErrNotFound))
}

func (r *SQLite) SetStatus(ctx context.Context, id string, status models.ScheduleStatus, nextRunAt *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET status=?, next_run_at=?, updated_at=? WHERE id=? AND status != 'deleted'`,
		status, msPtr(nextRunAt), ms(time.Now()), id)
	return storageErr("set schedule status", expectOne(res, err, ErrNotFound))
}

func expectOne(res sql.Result, err, none error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return none
	}
	return nil
}

func (r *SQLite) FetchDue(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	return r.querySchedules(ctx, "fetch due", `
SELECT `+scheduleColumns+` FROM schedules
WHERE status='active' AND next_run_at <= ?
ORDER BY next_run_at ASC LIMIT ?`, ms(now), limit)
}

func insertRun(ctx context.Context, ex execer, run models.Run) error {
	target, err := json.Marshal(run.Target)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
INSERT INTO runs (`+runColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ScheduleID, run.TenantID, ms(run.RunAt), run.Attempt, run.Status, run.WorkerID,
		run.DurationMs, run.ResponseSummary, run.ErrorMessage, string(target), run.Retry.MaxAttempts,
		run.Retry.BackoffSeconds, run.Retry.BackoffType, ms(run.DispatchAt), msPtr(run.FinishedAt),
		ms(run.CreatedAt), ms(run.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrStaleOccurrence
	}
	return err
}

func (r *SQLite) CommitOccurrence(ctx context.Context, occ Occurrence, dispatch DispatchFunc) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin occurrence", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	status := models.ScheduleActive
	if occ.NextRunAt == nil {
		status = models.ScheduleCompleted
	}
	res, err := tx.ExecContext(ctx, `
UPDATE schedules SET next_run_at=?, last_run_at=?, status=?, updated_at=?
WHERE id=? AND status='active' AND next_run_at=?`,
		msPtr(occ.NextRunAt), ms(occ.Run.RunAt), status, ms(time.Now()), occ.ScheduleID, ms(occ.Expected))
	if err = expectOne(res, err, ErrStaleOccurrence); err != nil {
		return storageErr("advance schedule", err)
	}
	if err = insertRun(ctx, tx, occ.Run); err != nil {
		return storageErr("insert run", err)
	}
	if err = dispatch(ctx, occ.Run); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return storageErr("commit occurrence", err)
	}
	return nil
}

func (r *SQLite) TryLockSchedule(ctx context.Context, id, owner string, until, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET locked_by=?, locked_until=?
WHERE id=? AND (locked_until IS NULL OR locked_until <= ?)`, owner, ms(until), id, ms(now))
	if err != nil {
		return false, storageErr("lock schedule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("lock schedule", err)
	}
	return n == 1, nil
}

func (r *SQLite) UnlockSchedule(ctx context.Context, id, owner string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET locked_by=NULL, locked_until=NULL WHERE id=? AND locked_by=?`, id, owner)
	return storageErr("unlock schedule", err)
}

func (r *SQLite) GetRun(ctx context.Context, id string) (models.Run, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	return run, storageErr("get run", err)
}

func (r *SQLite) queryRuns(ctx context.Context, op, query string, args ...any) ([]models.Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		runs = append(runs, run)
	}
	return runs, storageErr(op, rows.Err())
}

func (r *SQLite) ListRuns(ctx context.Context, scheduleID string, limit int) ([]models.Run, error) {
	return r.queryRuns(ctx, "list runs", `
SELECT `+runColumns+` FROM runs WHERE schedule_id=?
ORDER BY run_at DESC, attempt DESC LIMIT ?`, scheduleID, limit)
}

func (r *SQLite) ListRunsByStatus(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]models.Run, error) {
	if tenantID == "" {
		return r.queryRuns(ctx, "list runs by status", `
SELECT `+runColumns+` FROM runs WHERE status=?
ORDER BY updated_at DESC LIMIT ?`, status, limit)
	}
	return r.queryRuns(ctx, "list runs by status", `
SELECT `+runColumns+` FROM runs WHERE tenant_id=? AND status=?
ORDER BY updated_at DESC LIMIT ?`, tenantID, status, limit)
}

func (r *SQLite) MarkRunning(ctx context.Context, runID, workerID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE runs SET status='running', worker_id=?, updated_at=? WHERE id=? AND status='queued'`,
		workerID, ms(now), runID)
	if err != nil {
		return false, storageErr("mark running", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("mark running", err)
	}
	return n == 1, nil
}

func (r *SQLite) ApplyOutcome(ctx context.Context, runID string, resolve ResolveFunc, dispatch DispatchFunc) (res Resolution, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Resolution{}, storageErr("begin outcome", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	run, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, runID))
	if err != nil {
		return Resolution{}, storageErr("load run", err)
	}
	res, err = resolve(run)
	if err != nil || res.Noop {
		return res, err
	}

	upd := res.Run
	result, err := tx.ExecContext(ctx, `
UPDATE runs
SET status=?, worker_id=?, duration_ms=?, response_summary=?, error_message=?, finished_at=?, updated_at=?
WHERE id=? AND status IN ('queued','running')`,
		upd.Status, upd.WorkerID, upd.DurationMs, upd.ResponseSummary, upd.ErrorMessage, msPtr(upd.FinishedAt),
		ms(upd.UpdatedAt), upd.ID)
	if err = expectOne(result, err, ErrStaleOccurrence); err != nil {
		if errors.Is(err, ErrStaleOccurrence) {
			return Resolution{Noop: true, Run: run}, nil
		}
		return Resolution{}, storageErr("update run", err)
	}

	if res.Retry != nil {
		if err = insertRun(ctx, tx, *res.Retry); err != nil {
			if errors.Is(err, ErrStaleOccurrence) {
				return Resolution{Noop: true, Run: run}, nil
			}
			return Resolution{}, storageErr("insert retry", err)
		}
		if err = dispatch(ctx, *res.Retry); err != nil {
			return Resolution{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return Resolution{}, storageErr("commit outcome", err)
	}
	committed = true
	return res, nil
}

func (r *SQLite) ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]models.Run, error) {
	return r.queryRuns(ctx, "list stale runs", `
SELECT `+runColumns+` FROM runs
WHERE status IN ('queued','running') AND updated_at < ? AND dispatch_at < ?
ORDER BY updated_at ASC LIMIT ?`, ms(before), ms(before), limit)
}

func (r *SQLite) TouchRun(ctx context.Context, runID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE runs SET updated_at=? WHERE id=? AND status IN ('queued','running')`, ms(now), runID)
	return storageErr("touch run", err)
}
