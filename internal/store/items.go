package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/pkg/models"
)

// ErrDuplicateKey is returned by CreateWorkItem when the idempotency
// key is already taken; the existing item is returned alongside it.
var ErrDuplicateKey = errors.New("idempotency key already used")

// CreateWorkItem inserts a work item and fills in its assigned ID.
// If the item's metadata carries an idempotency key that was already
// used within the project, the previously created item is returned
// together with ErrDuplicateKey and nothing is written.
func (t *Tx) CreateWorkItem(item *models.WorkItem) (*models.WorkItem, error) {
	if !item.Type.Valid() {
		return nil, errkind.New(errkind.Validation, "store", "invalid work item type %q", item.Type)
	}
	if item.Title == "" {
		return nil, errkind.New(errkind.Validation, "store", "work item title is required")
	}
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if !item.Status.Valid() {
		return nil, errkind.New(errkind.Validation, "store", "invalid work item status %q", item.Status)
	}
	if item.Priority == 0 {
		item.Priority = models.DefaultPriority
	}
	item.Priority = models.ClampPriority(item.Priority)
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 3
	}

	var idemKey *string
	if k := item.Metadata.IdempotencyKey(); k != "" {
		idemKey = &k
		existing, err := t.getWorkItemByIdemKey(item.ProjectID, k)
		if err == nil {
			return existing, ErrDuplicateKey
		}
		if !errkind.IsKind(err, errkind.NotFound) {
			return nil, err
		}
	}

	metadata, err := marshalMetadata(item.Metadata)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Validation, "store", "encode metadata")
	}

	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.Version = 1

	res, err := t.tx.Exec(`
		INSERT INTO work_items (project_id, type, title, description, parent_id, priority,
			status, task_type, attempts, max_attempts, metadata, idempotency_key,
			requires_adr, has_architectural_changes, changes_summary,
			created_at, updated_at, deleted, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1)`,
		item.ProjectID, string(item.Type), item.Title, item.Description, item.ParentID,
		item.Priority, string(item.Status), string(item.TaskType),
		item.Attempts, item.MaxAttempts, metadata, idemKey,
		boolToInt(item.RequiresADR), boolToInt(item.HasArchitecturalChanges), item.ChangesSummary,
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt))
	if err != nil {
		return nil, mapWriteErr(err, "create work item")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, mapWriteErr(err, "create work item")
	}
	item.ID = id

	// Normalize metadata dependencies into the edge table so the graph
	// has a single authoritative representation.
	for _, dep := range item.Metadata.Dependencies() {
		if err := t.AddDependency(item.ID, dep); err != nil {
			return nil, err
		}
	}
	return item, nil
}

const workItemColumns = `id, project_id, type, title, description, parent_id, priority,
	status, task_type, attempts, max_attempts, metadata,
	requires_adr, has_architectural_changes, changes_summary,
	created_at, updated_at, deleted, version`

func scanWorkItem(row interface{ Scan(...any) error }) (*models.WorkItem, error) {
	var item models.WorkItem
	var itemType, status, createdAt, updatedAt string
	var taskType, description, changesSummary sql.NullString
	var parentID sql.NullInt64
	var metadata sql.NullString
	var requiresADR, hasArch, deleted int

	err := row.Scan(&item.ID, &item.ProjectID, &itemType, &item.Title, &description,
		&parentID, &item.Priority, &status, &taskType,
		&item.Attempts, &item.MaxAttempts, &metadata,
		&requiresADR, &hasArch, &changesSummary,
		&createdAt, &updatedAt, &deleted, &item.Version)
	if err != nil {
		return nil, err
	}

	item.Type = models.WorkItemType(itemType)
	item.Status = models.WorkItemStatus(status)
	item.Description = description.String
	item.ChangesSummary = changesSummary.String
	if taskType.Valid {
		item.TaskType = models.TaskType(taskType.String)
	}
	if parentID.Valid {
		item.ParentID = &parentID.Int64
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	item.RequiresADR = requiresADR != 0
	item.HasArchitecturalChanges = hasArch != 0
	item.Deleted = deleted != 0
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetWorkItem fetches a work item by ID. Soft-deleted items are not found.
func (t *Tx) GetWorkItem(id int64) (*models.WorkItem, error) {
	row := t.tx.QueryRow(`SELECT `+workItemColumns+` FROM work_items WHERE id = ? AND deleted = 0`, id)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "store", "work item %d not found", id)
	}
	if err != nil {
		return nil, mapWriteErr(err, "get work item")
	}
	return item, nil
}

func (t *Tx) getWorkItemByIdemKey(projectID int64, key string) (*models.WorkItem, error) {
	row := t.tx.QueryRow(`SELECT `+workItemColumns+` FROM work_items
		WHERE project_id = ? AND idempotency_key = ? AND deleted = 0`, projectID, key)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "store", "no work item for idempotency key")
	}
	if err != nil {
		return nil, mapWriteErr(err, "get work item by idempotency key")
	}
	return item, nil
}

// UpdateWorkItem writes back a work item guarded by its version counter.
func (t *Tx) UpdateWorkItem(item *models.WorkItem) error {
	if !item.Status.Valid() {
		return errkind.New(errkind.Validation, "store", "invalid work item status %q", item.Status)
	}
	item.Priority = models.ClampPriority(item.Priority)

	metadata, err := marshalMetadata(item.Metadata)
	if err != nil {
		return errkind.Wrap(err, errkind.Validation, "store", "encode metadata")
	}
	item.UpdatedAt = time.Now().UTC()

	res, err := t.tx.Exec(`
		UPDATE work_items
		SET title = ?, description = ?, parent_id = ?, priority = ?, status = ?,
			task_type = ?, attempts = ?, max_attempts = ?, metadata = ?,
			requires_adr = ?, has_architectural_changes = ?, changes_summary = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND deleted = 0`,
		item.Title, item.Description, item.ParentID, item.Priority, string(item.Status),
		string(item.TaskType), item.Attempts, item.MaxAttempts, metadata,
		boolToInt(item.RequiresADR), boolToInt(item.HasArchitecturalChanges), item.ChangesSummary,
		formatTime(item.UpdatedAt), item.ID, item.Version)
	if err != nil {
		return mapWriteErr(err, "update work item")
	}
	if err := t.checkVersionedWrite(res, "work_items", item.ID); err != nil {
		return err
	}
	item.Version++
	return nil
}

// SoftDeleteWorkItem marks a work item deleted. The id remains valid
// for history but the item stops appearing in reads and the graph.
func (t *Tx) SoftDeleteWorkItem(id int64) error {
	res, err := t.tx.Exec(`
		UPDATE work_items SET deleted = 1, updated_at = ?, version = version + 1
		WHERE id = ? AND deleted = 0`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return mapWriteErr(err, "soft delete work item")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapWriteErr(err, "soft delete work item")
	}
	if n == 0 {
		return errkind.New(errkind.NotFound, "store", "work item %d not found", id)
	}
	return nil
}

// ListWorkItems returns all non-deleted items for a project in queue
// order: priority descending, then created_at, then id.
func (t *Tx) ListWorkItems(projectID int64) ([]*models.WorkItem, error) {
	return t.queryWorkItems(`SELECT `+workItemColumns+` FROM work_items
		WHERE project_id = ? AND deleted = 0
		ORDER BY priority DESC, created_at ASC, id ASC`, projectID)
}

// ListWorkItemsByStatus returns a project's items in the given statuses,
// in queue order.
func (t *Tx) ListWorkItemsByStatus(projectID int64, statuses ...models.WorkItemStatus) ([]*models.WorkItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(statuses)+1)
	args = append(args, projectID)
	for _, s := range statuses {
		args = append(args, string(s))
	}

	return t.queryWorkItems(`SELECT `+workItemColumns+` FROM work_items
		WHERE project_id = ? AND status IN (`+placeholders+`) AND deleted = 0
		ORDER BY priority DESC, created_at ASC, id ASC`, args...)
}

// ListChildren returns the non-deleted direct children of an item.
func (t *Tx) ListChildren(parentID int64) ([]*models.WorkItem, error) {
	return t.queryWorkItems(`SELECT `+workItemColumns+` FROM work_items
		WHERE parent_id = ? AND deleted = 0
		ORDER BY priority DESC, created_at ASC, id ASC`, parentID)
}

// ListOrphans returns stories and subtasks whose parent is soft-deleted
// or missing. Orphans are reported, never auto-deleted.
func (t *Tx) ListOrphans(projectID int64) ([]*models.WorkItem, error) {
	return t.queryWorkItems(`SELECT `+workItemColumns+` FROM work_items w
		WHERE w.project_id = ? AND w.deleted = 0 AND w.parent_id IS NOT NULL
		AND NOT EXISTS (
			SELECT 1 FROM work_items p WHERE p.id = w.parent_id AND p.deleted = 0
		)
		ORDER BY w.id ASC`, projectID)
}

func (t *Tx) queryWorkItems(query string, args ...any) ([]*models.WorkItem, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, mapWriteErr(err, "list work items")
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, mapWriteErr(err, "scan work item")
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AddDependency records that dependent waits on dependsOn. Both items
// must exist in the same project. Inserting the same edge twice is a
// no-op; self-edges are rejected.
func (t *Tx) AddDependency(dependentID, dependsOnID int64) error {
	if dependentID == dependsOnID {
		return errkind.New(errkind.Validation, "store", "work item %d cannot depend on itself", dependentID)
	}
	dependent, err := t.GetWorkItem(dependentID)
	if err != nil {
		return err
	}
	dependsOn, err := t.GetWorkItem(dependsOnID)
	if err != nil {
		return err
	}
	if dependent.ProjectID != dependsOn.ProjectID {
		return errkind.New(errkind.Validation, "store",
			"dependency crosses projects: work item %d is in project %d, work item %d in project %d",
			dependentID, dependent.ProjectID, dependsOnID, dependsOn.ProjectID)
	}
	_, err = t.tx.Exec(`
		INSERT OR IGNORE INTO work_item_deps (dependent_id, depends_on_id) VALUES (?, ?)`,
		dependentID, dependsOnID)
	if err != nil {
		return mapWriteErr(err, "add dependency")
	}
	return nil
}

// RemoveDependency deletes a dependency edge if it exists.
func (t *Tx) RemoveDependency(dependentID, dependsOnID int64) error {
	_, err := t.tx.Exec(`
		DELETE FROM work_item_deps WHERE dependent_id = ? AND depends_on_id = ?`,
		dependentID, dependsOnID)
	if err != nil {
		return mapWriteErr(err, "remove dependency")
	}
	return nil
}

// DependenciesOf returns the ids the given item waits on, ascending.
func (t *Tx) DependenciesOf(id int64) ([]int64, error) {
	return t.queryIDs(`SELECT depends_on_id FROM work_item_deps
		WHERE dependent_id = ? ORDER BY depends_on_id ASC`, id)
}

// DependentsOf returns the ids waiting on the given item, ascending.
func (t *Tx) DependentsOf(id int64) ([]int64, error) {
	return t.queryIDs(`SELECT dependent_id FROM work_item_deps
		WHERE depends_on_id = ? ORDER BY dependent_id ASC`, id)
}

// DependencyEdge is one row of the dependency relation.
type DependencyEdge struct {
	DependentID int64
	DependsOnID int64
}

// ListDependencyEdges returns every edge between non-deleted items of a
// project.
func (t *Tx) ListDependencyEdges(projectID int64) ([]DependencyEdge, error) {
	rows, err := t.tx.Query(`
		SELECT d.dependent_id, d.depends_on_id
		FROM work_item_deps d
		JOIN work_items a ON a.id = d.dependent_id AND a.deleted = 0
		JOIN work_items b ON b.id = d.depends_on_id AND b.deleted = 0
		WHERE a.project_id = ?
		ORDER BY d.dependent_id ASC, d.depends_on_id ASC`, projectID)
	if err != nil {
		return nil, mapWriteErr(err, "list dependency edges")
	}
	defer rows.Close()

	var edges []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.DependentID, &e.DependsOnID); err != nil {
			return nil, mapWriteErr(err, "scan dependency edge")
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// CountIncompleteDependencies returns how many of an item's
// dependencies have not completed yet. Soft-deleted dependencies no
// longer gate readiness.
func (t *Tx) CountIncompleteDependencies(id int64) (int, error) {
	var n int
	row := t.tx.QueryRow(`
		SELECT COUNT(*)
		FROM work_item_deps d
		JOIN work_items w ON w.id = d.depends_on_id
		WHERE d.dependent_id = ? AND w.deleted = 0 AND w.status != ?`,
		id, string(models.StatusCompleted))
	if err := row.Scan(&n); err != nil {
		return 0, mapWriteErr(err, "count incomplete dependencies")
	}
	return n, nil
}

func (t *Tx) queryIDs(query string, args ...any) ([]int64, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, mapWriteErr(err, "query ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapWriteErr(err, "scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalMetadata(m models.Metadata) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
