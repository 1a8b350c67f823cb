package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/pkg/models"
)

// CreateMilestone inserts a milestone and fills in its assigned ID.
func (t *Tx) CreateMilestone(m *models.Milestone) error {
	if m.Name == "" {
		return errkind.New(errkind.Validation, "store", "milestone name is required")
	}
	if m.Status == "" {
		m.Status = models.MilestonePending
	}

	required, err := json.Marshal(m.RequiredEpicIDs)
	if err != nil {
		return errkind.Wrap(err, errkind.Validation, "store", "encode required epics")
	}
	if m.RequiredEpicIDs == nil {
		required = []byte("[]")
	}

	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Version = 1

	res, err := t.tx.Exec(`
		INSERT INTO milestones (project_id, name, required_epics, status, version_label, created_at, updated_at, deleted, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1)`,
		m.ProjectID, m.Name, string(required), string(m.Status), m.VersionLabel,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if err != nil {
		return mapWriteErr(err, "create milestone")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return mapWriteErr(err, "create milestone")
	}
	m.ID = id
	return nil
}

const milestoneColumns = `id, project_id, name, required_epics, status, version_label, created_at, updated_at, deleted, version`

func scanMilestone(row interface{ Scan(...any) error }) (*models.Milestone, error) {
	var m models.Milestone
	var required, status, createdAt, updatedAt string
	var versionLabel sql.NullString
	var deleted int

	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &required, &status,
		&versionLabel, &createdAt, &updatedAt, &deleted, &m.Version)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(required), &m.RequiredEpicIDs); err != nil {
		return nil, err
	}
	m.Status = models.MilestoneStatus(status)
	m.VersionLabel = versionLabel.String
	m.Deleted = deleted != 0
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMilestone fetches a milestone by ID.
func (t *Tx) GetMilestone(id int64) (*models.Milestone, error) {
	row := t.tx.QueryRow(`SELECT `+milestoneColumns+` FROM milestones WHERE id = ? AND deleted = 0`, id)
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "store", "milestone %d not found", id)
	}
	if err != nil {
		return nil, mapWriteErr(err, "get milestone")
	}
	return m, nil
}

// ListMilestones returns a project's milestones ordered by creation.
func (t *Tx) ListMilestones(projectID int64) ([]*models.Milestone, error) {
	rows, err := t.tx.Query(`SELECT `+milestoneColumns+` FROM milestones
		WHERE project_id = ? AND deleted = 0 ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, mapWriteErr(err, "list milestones")
	}
	defer rows.Close()

	var milestones []*models.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, mapWriteErr(err, "scan milestone")
		}
		milestones = append(milestones, m)
	}
	return milestones, rows.Err()
}

// UpdateMilestone writes back a milestone guarded by its version counter.
func (t *Tx) UpdateMilestone(m *models.Milestone) error {
	required, err := json.Marshal(m.RequiredEpicIDs)
	if err != nil {
		return errkind.Wrap(err, errkind.Validation, "store", "encode required epics")
	}
	if m.RequiredEpicIDs == nil {
		required = []byte("[]")
	}
	m.UpdatedAt = time.Now().UTC()

	res, err := t.tx.Exec(`
		UPDATE milestones
		SET name = ?, required_epics = ?, status = ?, version_label = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND deleted = 0`,
		m.Name, string(required), string(m.Status), m.VersionLabel,
		formatTime(m.UpdatedAt), m.ID, m.Version)
	if err != nil {
		return mapWriteErr(err, "update milestone")
	}
	if err := t.checkVersionedWrite(res, "milestones", m.ID); err != nil {
		return err
	}
	m.Version++
	return nil
}
