package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/pkg/models"
)

// CreateProject inserts a new project and fills in its assigned ID.
func (t *Tx) CreateProject(p *models.Project) error {
	if p.Name == "" {
		return errkind.New(errkind.Validation, "store", "project name is required")
	}
	if p.Status == "" {
		p.Status = models.ProjectActive
	}
	if !p.Status.Valid() {
		return errkind.New(errkind.Validation, "store", "invalid project status %q", p.Status)
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Version = 1

	res, err := t.tx.Exec(`
		INSERT INTO projects (name, description, work_dir, status, created_at, updated_at, deleted, version)
		VALUES (?, ?, ?, ?, ?, ?, 0, 1)`,
		p.Name, p.Description, p.WorkDir, string(p.Status),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return mapWriteErr(err, "create project")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return mapWriteErr(err, "create project")
	}
	p.ID = id
	return nil
}

const projectColumns = `id, name, description, work_dir, status, created_at, updated_at, deleted, version`

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	var p models.Project
	var status, createdAt, updatedAt string
	var deleted int

	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.WorkDir, &status,
		&createdAt, &updatedAt, &deleted, &p.Version)
	if err != nil {
		return nil, err
	}

	p.Status = models.ProjectStatus(status)
	p.Deleted = deleted != 0
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProject fetches a project by ID. Soft-deleted projects are not found.
func (t *Tx) GetProject(id int64) (*models.Project, error) {
	row := t.tx.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ? AND deleted = 0`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "store", "project %d not found", id)
	}
	if err != nil {
		return nil, mapWriteErr(err, "get project")
	}
	return p, nil
}

// GetProjectByName fetches a project by its unique name.
func (t *Tx) GetProjectByName(name string) (*models.Project, error) {
	row := t.tx.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE name = ? AND deleted = 0`, name)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "store", "project %q not found", name)
	}
	if err != nil {
		return nil, mapWriteErr(err, "get project by name")
	}
	return p, nil
}

// ListProjects returns all non-deleted projects ordered by creation.
func (t *Tx) ListProjects() ([]*models.Project, error) {
	rows, err := t.tx.Query(`SELECT ` + projectColumns + ` FROM projects WHERE deleted = 0 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, mapWriteErr(err, "list projects")
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, mapWriteErr(err, "scan project")
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject writes back a project guarded by its version counter.
// Returns Conflict if the stored version moved, NotFound if the row is
// gone or soft-deleted.
func (t *Tx) UpdateProject(p *models.Project) error {
	if !p.Status.Valid() {
		return errkind.New(errkind.Validation, "store", "invalid project status %q", p.Status)
	}
	p.UpdatedAt = time.Now().UTC()

	res, err := t.tx.Exec(`
		UPDATE projects
		SET name = ?, description = ?, work_dir = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND deleted = 0`,
		p.Name, p.Description, p.WorkDir, string(p.Status),
		formatTime(p.UpdatedAt), p.ID, p.Version)
	if err != nil {
		return mapWriteErr(err, "update project")
	}
	if err := t.checkVersionedWrite(res, "projects", p.ID); err != nil {
		return err
	}
	p.Version++
	return nil
}

// SoftDeleteProject marks a project deleted without removing its rows.
func (t *Tx) SoftDeleteProject(id int64) error {
	res, err := t.tx.Exec(`
		UPDATE projects SET deleted = 1, updated_at = ?, version = version + 1
		WHERE id = ? AND deleted = 0`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return mapWriteErr(err, "soft delete project")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapWriteErr(err, "soft delete project")
	}
	if n == 0 {
		return errkind.New(errkind.NotFound, "store", "project %d not found", id)
	}
	return nil
}

// checkVersionedWrite distinguishes a version conflict from a missing
// row after a guarded UPDATE affected zero rows.
func (t *Tx) checkVersionedWrite(res sql.Result, table string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapWriteErr(err, "update "+table)
	}
	if n > 0 {
		return nil
	}

	var exists int
	row := t.tx.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE id = ? AND deleted = 0`, id)
	if err := row.Scan(&exists); err != nil {
		return mapWriteErr(err, "update "+table)
	}
	if exists == 0 {
		return errkind.New(errkind.NotFound, "store", "%s row %d not found", table, id)
	}
	return errkind.New(errkind.Conflict, "store", "%s row %d was modified concurrently", table, id)
}
