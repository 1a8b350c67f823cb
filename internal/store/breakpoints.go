package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/pkg/models"
)

// CreateBreakpoint inserts a breakpoint and fills in its assigned ID.
func (t *Tx) CreateBreakpoint(bp *models.Breakpoint) error {
	if bp.Reason == "" {
		return errkind.New(errkind.Validation, "store", "breakpoint reason is required")
	}
	if bp.CreatedAt.IsZero() {
		bp.CreatedAt = time.Now().UTC()
	}

	res, err := t.tx.Exec(`
		INSERT INTO breakpoints (task_id, reason, created_at, resolved_at, note)
		VALUES (?, ?, ?, ?, ?)`,
		bp.TaskID, bp.Reason, formatTime(bp.CreatedAt), formatNullableTime(bp.ResolvedAt), bp.Note)
	if err != nil {
		return mapWriteErr(err, "create breakpoint")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return mapWriteErr(err, "create breakpoint")
	}
	bp.ID = id
	return nil
}

func scanBreakpoint(row interface{ Scan(...any) error }) (*models.Breakpoint, error) {
	var bp models.Breakpoint
	var createdAt string
	var resolvedAt, note sql.NullString

	err := row.Scan(&bp.ID, &bp.TaskID, &bp.Reason, &createdAt, &resolvedAt, &note)
	if err != nil {
		return nil, err
	}

	if bp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	bp.ResolvedAt = parseNullableTime(resolvedAt)
	bp.Note = note.String
	return &bp, nil
}

// GetBreakpoint fetches a breakpoint by ID.
func (t *Tx) GetBreakpoint(id int64) (*models.Breakpoint, error) {
	row := t.tx.QueryRow(`SELECT id, task_id, reason, created_at, resolved_at, note
		FROM breakpoints WHERE id = ?`, id)
	bp, err := scanBreakpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "store", "breakpoint %d not found", id)
	}
	if err != nil {
		return nil, mapWriteErr(err, "get breakpoint")
	}
	return bp, nil
}

// ResolveBreakpoint stamps the resolution time and note. Resolving an
// already resolved breakpoint returns StateError.
func (t *Tx) ResolveBreakpoint(id int64, note string) error {
	res, err := t.tx.Exec(`
		UPDATE breakpoints SET resolved_at = ?, note = ?
		WHERE id = ? AND resolved_at IS NULL`,
		formatTime(time.Now().UTC()), note, id)
	if err != nil {
		return mapWriteErr(err, "resolve breakpoint")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return mapWriteErr(err, "resolve breakpoint")
	}
	if n == 0 {
		if _, err := t.GetBreakpoint(id); err != nil {
			return err
		}
		return errkind.New(errkind.StateError, "store", "breakpoint %d already resolved", id)
	}
	return nil
}

// OpenBreakpoints returns the unresolved breakpoints for a task, oldest
// first.
func (t *Tx) OpenBreakpoints(taskID int64) ([]*models.Breakpoint, error) {
	rows, err := t.tx.Query(`SELECT id, task_id, reason, created_at, resolved_at, note
		FROM breakpoints WHERE task_id = ? AND resolved_at IS NULL ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, mapWriteErr(err, "list open breakpoints")
	}
	defer rows.Close()

	var bps []*models.Breakpoint
	for rows.Next() {
		bp, err := scanBreakpoint(rows)
		if err != nil {
			return nil, mapWriteErr(err, "scan breakpoint")
		}
		bps = append(bps, bp)
	}
	return bps, rows.Err()
}

// CreateRetryRecord inserts a retry record and fills in its assigned ID.
func (t *Tx) CreateRetryRecord(r *models.RetryRecord) error {
	res, err := t.tx.Exec(`
		INSERT INTO retries (task_id, attempt, scheduled_at, delay_ms, outcome)
		VALUES (?, ?, ?, ?, ?)`,
		r.TaskID, r.Attempt, formatTime(r.ScheduledAt), r.Delay.Milliseconds(), r.Outcome)
	if err != nil {
		return mapWriteErr(err, "create retry record")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return mapWriteErr(err, "create retry record")
	}
	r.ID = id
	return nil
}

// SetRetryOutcome records what a scheduled retry led to.
func (t *Tx) SetRetryOutcome(id int64, outcome string) error {
	res, err := t.tx.Exec(`UPDATE retries SET outcome = ? WHERE id = ?`, outcome, id)
	if err != nil {
		return mapWriteErr(err, "set retry outcome")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapWriteErr(err, "set retry outcome")
	}
	if n == 0 {
		return errkind.New(errkind.NotFound, "store", "retry record %d not found", id)
	}
	return nil
}

func scanRetry(row interface{ Scan(...any) error }) (*models.RetryRecord, error) {
	var r models.RetryRecord
	var scheduledAt string
	var delayMS int64
	var outcome sql.NullString

	err := row.Scan(&r.ID, &r.TaskID, &r.Attempt, &scheduledAt, &delayMS, &outcome)
	if err != nil {
		return nil, err
	}

	if r.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, err
	}
	r.Delay = time.Duration(delayMS) * time.Millisecond
	r.Outcome = outcome.String
	return &r, nil
}

// ListRetries returns a task's retry records in order of creation.
func (t *Tx) ListRetries(taskID int64) ([]*models.RetryRecord, error) {
	return t.queryRetries(`SELECT id, task_id, attempt, scheduled_at, delay_ms, outcome
		FROM retries WHERE task_id = ? ORDER BY id ASC`, taskID)
}

// DueRetries returns retry records of retrying items in a project whose
// scheduled time has passed.
func (t *Tx) DueRetries(projectID int64, now time.Time) ([]*models.RetryRecord, error) {
	return t.queryRetries(`
		SELECT r.id, r.task_id, r.attempt, r.scheduled_at, r.delay_ms, r.outcome
		FROM retries r
		JOIN work_items w ON w.id = r.task_id AND w.deleted = 0
		WHERE w.project_id = ? AND w.status = ? AND r.scheduled_at <= ?
		ORDER BY r.scheduled_at ASC, r.id ASC`,
		projectID, string(models.StatusRetrying), formatTime(now))
}

func (t *Tx) queryRetries(query string, args ...any) ([]*models.RetryRecord, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, mapWriteErr(err, "list retries")
	}
	defer rows.Close()

	var retries []*models.RetryRecord
	for rows.Next() {
		r, err := scanRetry(rows)
		if err != nil {
			return nil, mapWriteErr(err, "scan retry record")
		}
		retries = append(retries, r)
	}
	return retries, rows.Err()
}
