package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLJournal stores runs in the workflow_runs and workflow_steps tables
// created by the store migrations.
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal returns a Journal backed by db.
func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// formatLease stores the zero time as an empty string, which sorts before
// every real lease and so reads as expired.
func formatLease(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func (j *SQLJournal) CreateRun(ctx context.Context, rec RunRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, function_id, event, payload, status, error, owner, lease_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FunctionID, rec.Event, string(rec.Payload), string(rec.Status), rec.Error,
		rec.Owner, formatLease(rec.LeaseUntil), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", rec.ID, err)
	}
	return nil
}

func (j *SQLJournal) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const runColumns = `id, function_id, event, payload, status, COALESCE(error, ''), owner, lease_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (RunRecord, error) {
	var rec RunRecord
	var payload, status, lease, created, updated string
	if err := s.Scan(&rec.ID, &rec.FunctionID, &rec.Event, &payload, &status, &rec.Error, &rec.Owner, &lease, &created, &updated); err != nil {
		return rec, err
	}
	rec.LeaseUntil = parseTime(lease)
	rec.Payload = json.RawMessage(payload)
	rec.Status = RunStatus(status)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

func (j *SQLJournal) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run %s: %w", id, err)
	}
	return &rec, nil
}

func (j *SQLJournal) queryRuns(ctx context.Context, query string, args ...any) ([]RunRecord, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *SQLJournal) PendingRuns(ctx context.Context) ([]RunRecord, error) {
	return j.queryRuns(ctx, `SELECT `+runColumns+` FROM workflow_runs
		WHERE status IN (?, ?) ORDER BY created_at ASC, rowid ASC`,
		string(RunQueued), string(RunRunning))
}

func (j *SQLJournal) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return j.queryRuns(ctx, `SELECT `+runColumns+` FROM workflow_runs
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

func (j *SQLJournal) LoadSteps(ctx context.Context, runID string) (map[string]json.RawMessage, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT name, output FROM workflow_steps WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	steps := make(map[string]json.RawMessage)
	for rows.Next() {
		var name, output string
		if err := rows.Scan(&name, &output); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		steps[name] = json.RawMessage(output)
	}
	return steps, rows.Err()
}

func (j *SQLJournal) SaveStep(ctx context.Context, runID, name string, output json.RawMessage) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (run_id, name, output, completed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET output = excluded.output, completed_at = excluded.completed_at`,
		runID, name, string(output), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving step %s of run %s: %w", name, runID, err)
	}
	return nil
}

// ClaimRun takes the run inside a transaction so only one of several
// dispatchers sharing the database wins it.
func (j *SQLJournal) ClaimRun(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning claim of run %s: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, owner = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND (owner = '' OR owner = ? OR lease_until < ?)`,
		string(RunRunning), owner, formatLease(leaseUntil), formatTime(now),
		id, string(RunQueued), string(RunRunning), owner, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("claiming run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking claim of run %s: %w", id, err)
	}
	if n != 1 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing claim of run %s: %w", id, err)
	}
	return true, nil
}

func (j *SQLJournal) RenewLease(ctx context.Context, id, owner string, leaseUntil time.Time) (bool, error) {
	res, err := j.db.ExecContext(ctx,
		`UPDATE workflow_runs SET lease_until = ? WHERE id = ? AND owner = ? AND status = ?`,
		formatLease(leaseUntil), id, owner, string(RunRunning))
	if err != nil {
		return false, fmt.Errorf("renewing lease of run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking lease of run %s: %w", id, err)
	}
	return n == 1, nil
}

func (j *SQLJournal) ReleaseRun(ctx context.Context, id, owner string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE workflow_runs SET owner = '', lease_until = '' WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("releasing run %s: %w", id, err)
	}
	return nil
}

var _ Journal = (*SQLJournal)(nil)
