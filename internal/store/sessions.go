package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/pkg/models"
)

// CreateSession inserts a session row. The caller assigns the ID.
func (t *Tx) CreateSession(s *models.Session) error {
	if s.ID == "" {
		return errkind.New(errkind.Validation, "store", "session id is required")
	}
	if s.Status == "" {
		s.Status = models.SessionActive
	}
	if !s.Status.Valid() {
		return errkind.New(errkind.Validation, "store", "invalid session status %q", s.Status)
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	s.Version = 1

	var successor *string
	if s.SuccessorID != "" {
		successor = &s.SuccessorID
	}

	_, err := t.tx.Exec(`
		INSERT INTO sessions (id, project_id, milestone_id, started_at, ended_at, status,
			tok_input, tok_cache_read, tok_cache_creation, tok_output,
			summary, window_limit, successor_id, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		s.ID, s.ProjectID, s.MilestoneID, formatTime(s.StartedAt), formatNullableTime(s.EndedAt),
		string(s.Status), s.Tokens.Input, s.Tokens.CacheRead, s.Tokens.CacheCreation, s.Tokens.Output,
		s.Summary, s.WindowLimit, successor)
	if err != nil {
		return mapWriteErr(err, "create session")
	}
	return nil
}

const sessionColumns = `id, project_id, milestone_id, started_at, ended_at, status,
	tok_input, tok_cache_read, tok_cache_creation, tok_output,
	summary, window_limit, successor_id, version`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	var startedAt, status string
	var endedAt, summary, successorID sql.NullString
	var milestoneID sql.NullInt64

	err := row.Scan(&s.ID, &s.ProjectID, &milestoneID, &startedAt, &endedAt, &status,
		&s.Tokens.Input, &s.Tokens.CacheRead, &s.Tokens.CacheCreation, &s.Tokens.Output,
		&summary, &s.WindowLimit, &successorID, &s.Version)
	if err != nil {
		return nil, err
	}

	if milestoneID.Valid {
		s.MilestoneID = &milestoneID.Int64
	}
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	s.EndedAt = parseNullableTime(endedAt)
	s.Status = models.SessionStatus(status)
	s.Summary = summary.String
	s.SuccessorID = successorID.String
	return &s, nil
}

// GetSession fetches a session by ID.
func (t *Tx) GetSession(id string) (*models.Session, error) {
	row := t.tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "store", "session %s not found", id)
	}
	if err != nil {
		return nil, mapWriteErr(err, "get session")
	}
	return s, nil
}

// ActiveSession returns the project's active session, or NotFound.
func (t *Tx) ActiveSession(projectID int64) (*models.Session, error) {
	row := t.tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		projectID, string(models.SessionActive))
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "store", "no active session for project %d", projectID)
	}
	if err != nil {
		return nil, mapWriteErr(err, "get active session")
	}
	return s, nil
}

// ListSessions returns a project's sessions newest first.
func (t *Tx) ListSessions(projectID int64) ([]*models.Session, error) {
	rows, err := t.tx.Query(`SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? ORDER BY started_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, mapWriteErr(err, "list sessions")
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, mapWriteErr(err, "scan session")
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSession writes back a session guarded by its version counter.
func (t *Tx) UpdateSession(s *models.Session) error {
	if !s.Status.Valid() {
		return errkind.New(errkind.Validation, "store", "invalid session status %q", s.Status)
	}

	var successor *string
	if s.SuccessorID != "" {
		successor = &s.SuccessorID
	}

	res, err := t.tx.Exec(`
		UPDATE sessions
		SET ended_at = ?, status = ?,
			tok_input = ?, tok_cache_read = ?, tok_cache_creation = ?, tok_output = ?,
			summary = ?, window_limit = ?, successor_id = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		formatNullableTime(s.EndedAt), string(s.Status),
		s.Tokens.Input, s.Tokens.CacheRead, s.Tokens.CacheCreation, s.Tokens.Output,
		s.Summary, s.WindowLimit, successor, s.ID, s.Version)
	if err != nil {
		return mapWriteErr(err, "update session")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return mapWriteErr(err, "update session")
	}
	if n == 0 {
		var exists int
		if err := t.tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, s.ID).Scan(&exists); err != nil {
			return mapWriteErr(err, "update session")
		}
		if exists == 0 {
			return errkind.New(errkind.NotFound, "store", "session %s not found", s.ID)
		}
		return errkind.New(errkind.Conflict, "store", "session %s was modified concurrently", s.ID)
	}
	s.Version++
	return nil
}

// CreateIteration inserts an iteration row and fills in its assigned ID.
func (t *Tx) CreateIteration(it *models.Iteration) error {
	if it.Index < 1 {
		return errkind.New(errkind.Validation, "store", "iteration index must be >= 1")
	}
	if it.StartedAt.IsZero() {
		it.StartedAt = time.Now().UTC()
	}

	res, err := t.tx.Exec(`
		INSERT INTO iterations (task_id, session_id, idx, prompt_digest, response_digest,
			tok_input, tok_cache_read, tok_cache_creation, tok_output,
			validation_ok, quality, confidence, decision, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.TaskID, it.SessionID, it.Index, it.PromptDigest, it.ResponseDigest,
		it.Tokens.Input, it.Tokens.CacheRead, it.Tokens.CacheCreation, it.Tokens.Output,
		boolToInt(it.ValidationOK), it.Quality, it.Confidence, it.Decision,
		formatTime(it.StartedAt), formatNullableTime(it.EndedAt))
	if err != nil {
		return mapWriteErr(err, "create iteration")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return mapWriteErr(err, "create iteration")
	}
	it.ID = id
	return nil
}

// FinishIteration records the outcome of an open iteration. Iterations
// are immutable once ended; finishing twice returns StateError.
func (t *Tx) FinishIteration(it *models.Iteration) error {
	if it.EndedAt == nil {
		now := time.Now().UTC()
		it.EndedAt = &now
	}

	res, err := t.tx.Exec(`
		UPDATE iterations
		SET response_digest = ?, tok_input = ?, tok_cache_read = ?, tok_cache_creation = ?, tok_output = ?,
			validation_ok = ?, quality = ?, confidence = ?, decision = ?, ended_at = ?
		WHERE id = ? AND ended_at IS NULL`,
		it.ResponseDigest, it.Tokens.Input, it.Tokens.CacheRead, it.Tokens.CacheCreation, it.Tokens.Output,
		boolToInt(it.ValidationOK), it.Quality, it.Confidence, it.Decision,
		formatNullableTime(it.EndedAt), it.ID)
	if err != nil {
		return mapWriteErr(err, "finish iteration")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return mapWriteErr(err, "finish iteration")
	}
	if n == 0 {
		return errkind.New(errkind.StateError, "store", "iteration %d already ended or missing", it.ID)
	}
	return nil
}

const iterationColumns = `id, task_id, session_id, idx, prompt_digest, response_digest,
	tok_input, tok_cache_read, tok_cache_creation, tok_output,
	validation_ok, quality, confidence, decision, started_at, ended_at`

func scanIteration(row interface{ Scan(...any) error }) (*models.Iteration, error) {
	var it models.Iteration
	var promptDigest, responseDigest, decision sql.NullString
	var validationOK int
	var startedAt string
	var endedAt sql.NullString

	err := row.Scan(&it.ID, &it.TaskID, &it.SessionID, &it.Index,
		&promptDigest, &responseDigest,
		&it.Tokens.Input, &it.Tokens.CacheRead, &it.Tokens.CacheCreation, &it.Tokens.Output,
		&validationOK, &it.Quality, &it.Confidence, &decision, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	it.PromptDigest = promptDigest.String
	it.ResponseDigest = responseDigest.String
	it.ValidationOK = validationOK != 0
	it.Decision = decision.String
	if it.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	it.EndedAt = parseNullableTime(endedAt)
	return &it, nil
}

// ListIterationsByTask returns a task's iterations in execution order.
func (t *Tx) ListIterationsByTask(taskID int64) ([]*models.Iteration, error) {
	return t.queryIterations(`SELECT `+iterationColumns+` FROM iterations
		WHERE task_id = ? ORDER BY id ASC`, taskID)
}

// ListIterationsBySession returns a session's iterations in execution order.
func (t *Tx) ListIterationsBySession(sessionID string) ([]*models.Iteration, error) {
	return t.queryIterations(`SELECT `+iterationColumns+` FROM iterations
		WHERE session_id = ? ORDER BY id ASC`, sessionID)
}

func (t *Tx) queryIterations(query string, args ...any) ([]*models.Iteration, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, mapWriteErr(err, "list iterations")
	}
	defer rows.Close()

	var iterations []*models.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, mapWriteErr(err, "scan iteration")
		}
		iterations = append(iterations, it)
	}
	return iterations, rows.Err()
}

// AppendCheckpoint writes the next checkpoint for a session, assigning
// the index inside the transaction so it is monotone per session.
func (t *Tx) AppendCheckpoint(sessionID, snapshot string) (*models.Checkpoint, error) {
	var next int
	row := t.tx.QueryRow(`SELECT COALESCE(MAX(idx), 0) + 1 FROM checkpoints WHERE session_id = ?`, sessionID)
	if err := row.Scan(&next); err != nil {
		return nil, mapWriteErr(err, "next checkpoint index")
	}

	cp := &models.Checkpoint{
		SessionID: sessionID,
		Index:     next,
		Snapshot:  snapshot,
		CreatedAt: time.Now().UTC(),
	}
	res, err := t.tx.Exec(`
		INSERT INTO checkpoints (session_id, idx, snapshot, created_at) VALUES (?, ?, ?, ?)`,
		cp.SessionID, cp.Index, cp.Snapshot, formatTime(cp.CreatedAt))
	if err != nil {
		return nil, mapWriteErr(err, "append checkpoint")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, mapWriteErr(err, "append checkpoint")
	}
	cp.ID = id
	return cp, nil
}

// LatestCheckpoint returns the highest-index checkpoint for a session,
// or NotFound when the session has none.
func (t *Tx) LatestCheckpoint(sessionID string) (*models.Checkpoint, error) {
	row := t.tx.QueryRow(`SELECT id, session_id, idx, snapshot, created_at FROM checkpoints
		WHERE session_id = ? ORDER BY idx DESC LIMIT 1`, sessionID)

	var cp models.Checkpoint
	var createdAt string
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.Index, &cp.Snapshot, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "store", "no checkpoints for session %s", sessionID)
	}
	if err != nil {
		return nil, mapWriteErr(err, "latest checkpoint")
	}
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints returns a session's checkpoints in index order.
func (t *Tx) ListCheckpoints(sessionID string) ([]*models.Checkpoint, error) {
	rows, err := t.tx.Query(`SELECT id, session_id, idx, snapshot, created_at FROM checkpoints
		WHERE session_id = ? ORDER BY idx ASC`, sessionID)
	if err != nil {
		return nil, mapWriteErr(err, "list checkpoints")
	}
	defer rows.Close()

	var checkpoints []*models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		var createdAt string
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.Index, &cp.Snapshot, &createdAt); err != nil {
			return nil, mapWriteErr(err, "scan checkpoint")
		}
		if cp.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, rows.Err()
}
