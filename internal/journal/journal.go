// Package journal keeps an audit trail of runs and retention deletions in
// SQLite. It is write-mostly: snapshot history always comes from the
// destination directory, never from here.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxErrorBytes = 16 * 1024

// stampLayout is fixed width so stamps sort as text in time order.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (j *Journal) WithClock(now func() time.Time) *Journal {
	j.now = now
	return j
}

func (j *Journal) stamp() string {
	return j.now().UTC().Format(stampLayout)
}

// Begin records a new running run and returns its ID.
func (j *Journal) Begin(ctx context.Context, origin Origin) (string, error) {
	if origin == "" {
		return "", fmt.Errorf("origin is empty")
	}
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx, `
INSERT INTO runs(id, origin, status, started_at)
VALUES(?, ?, ?, ?);
`, id, string(origin), StatusRunning, j.stamp())
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// Finish stores the outcome of a run.
func (j *Journal) Finish(ctx context.Context, runID string, o Outcome) error {
	var (
		snapshot  any
		errorKind any
		errText   any
		syncCode  any
	)
	if o.Snapshot != "" {
		snapshot = o.Snapshot
	}
	if o.ErrorKind != "" {
		errorKind = o.ErrorKind
	}
	if o.Err != nil {
		errText = truncate(o.Err.Error(), maxErrorBytes)
	}
	if o.SyncCode != nil {
		syncCode = *o.SyncCode
	}

	res, err := j.db.ExecContext(ctx, `
UPDATE runs
SET status = ?, snapshot = ?, finished_at = ?, error_kind = ?, error = ?, sync_code = ?,
    deleted = ?, delete_failures = ?
WHERE id = ?;
`, o.Status, snapshot, j.stamp(), errorKind, errText, syncCode, o.Deleted, o.DeleteFailures, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordDeletion stores one retention removal. delErr is nil on success.
func (j *Journal) RecordDeletion(ctx context.Context, runID, snapshot string, delErr error) error {
	var errText any
	if delErr != nil {
		errText = truncate(delErr.Error(), maxErrorBytes)
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO deletions(run_id, snapshot, deleted_at, error)
VALUES(?, ?, ?, ?);
`, runID, snapshot, j.stamp(), errText)
	if err != nil {
		return fmt.Errorf("record deletion: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, origin, status, snapshot, started_at, finished_at, error_kind, error, sync_code,
       deleted, delete_failures
FROM runs
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Get returns one run by ID.
func (j *Journal) Get(ctx context.Context, runID string) (Run, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, origin, status, snapshot, started_at, finished_at, error_kind, error, sync_code,
       deleted, delete_failures
FROM runs
WHERE id = ?;
`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return r, err
}

// Deletions returns the removals recorded for a run in insertion order.
func (j *Journal) Deletions(ctx context.Context, runID string) ([]Deletion, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT run_id, snapshot, deleted_at, error
FROM deletions
WHERE run_id = ?
ORDER BY id ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list deletions: %w", err)
	}
	defer rows.Close()

	var out []Deletion
	for rows.Next() {
		var (
			d        Deletion
			atS      string
			errorStr sql.NullString
		)
		if err := rows.Scan(&d.RunID, &d.Snapshot, &atS, &errorStr); err != nil {
			return nil, fmt.Errorf("scan deletion: %w", err)
		}
		if t, err := time.Parse(stampLayout, atS); err == nil {
			d.DeletedAt = t
		}
		if errorStr.Valid {
			d.Error = errorStr.String
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deletions: %w", err)
	}
	return out, nil
}

// Prune removes finished runs older than olderThan together with their
// deletions. It returns the number of runs removed.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := j.now().UTC().Add(-olderThan).Format(stampLayout)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune runs: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM deletions
WHERE run_id IN (SELECT id FROM runs WHERE started_at < ? AND status != ?);
`, cutoff, StatusRunning); err != nil {
		return 0, fmt.Errorf("prune deletions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
DELETE FROM runs WHERE started_at < ? AND status != ?;
`, cutoff, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune runs: commit: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r           Run
		origin      string
		status      string
		snapshot    sql.NullString
		startedAtS  string
		finishedAtS sql.NullString
		errorKind   sql.NullString
		errText     sql.NullString
		syncCode    sql.NullInt64
	)
	if err := row.Scan(&r.ID, &origin, &status, &snapshot, &startedAtS, &finishedAtS,
		&errorKind, &errText, &syncCode, &r.Deleted, &r.DeleteFailures); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.Origin = Origin(origin)
	r.Status = Status(status)
	if snapshot.Valid {
		r.Snapshot = snapshot.String
	}
	if t, err := time.Parse(stampLayout, startedAtS); err == nil {
		r.StartedAt = t
	}
	if finishedAtS.Valid {
		if t, err := time.Parse(stampLayout, finishedAtS.String); err == nil {
			r.FinishedAt = &t
		}
	}
	if errorKind.Valid {
		r.ErrorKind = errorKind.String
	}
	if errText.Valid {
		r.Error = errText.String
	}
	if syncCode.Valid {
		code := int(syncCode.Int64)
		r.SyncCode = &code
	}
	return r, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
