// Package models defines the persistent entities shared across loom:
// projects, the hierarchical work-item model, milestones, execution
// sessions, iterations, checkpoints, and breakpoints.
package models

import (
	"encoding/json"
	"time"
)

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	// ProjectActive indicates the project accepts and schedules work.
	ProjectActive ProjectStatus = "active"
	// ProjectInactive indicates the project is paused by the caller.
	ProjectInactive ProjectStatus = "inactive"
	// ProjectArchived indicates the project is retained for history only.
	ProjectArchived ProjectStatus = "archived"
)

// Valid returns true if the status is a known value.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectInactive, ProjectArchived:
		return true
	default:
		return false
	}
}

// Project is the top-level container for work items and milestones.
type Project struct {
	// ID is the store-assigned identifier.
	ID int64 `json:"id"`
	// Name is the unique project name.
	Name string `json:"name"`
	// Description provides free-form detail about the project.
	Description string `json:"description,omitempty"`
	// WorkDir is the working-directory path agents operate in.
	WorkDir string `json:"work_dir,omitempty"`
	// Status is the current lifecycle state.
	Status ProjectStatus `json:"status"`
	// CreatedAt is when the project was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the project was last modified.
	UpdatedAt time.Time `json:"updated_at"`
	// Deleted marks the project as soft-deleted.
	Deleted bool `json:"deleted,omitempty"`
	// Version is the optimistic-concurrency counter.
	Version int64 `json:"version"`
}

// WorkItemType is the granularity level of a work item.
type WorkItemType string

const (
	TypeEpic    WorkItemType = "epic"
	TypeStory   WorkItemType = "story"
	TypeTask    WorkItemType = "task"
	TypeSubtask WorkItemType = "subtask"
)

// Valid returns true if the type is a known value.
func (t WorkItemType) Valid() bool {
	switch t {
	case TypeEpic, TypeStory, TypeTask, TypeSubtask:
		return true
	default:
		return false
	}
}

// WorkItemStatus represents the scheduling state of a work item.
// Transitions between statuses are owned exclusively by the scheduler.
type WorkItemStatus string

const (
	StatusPending   WorkItemStatus = "pending"
	StatusReady     WorkItemStatus = "ready"
	StatusRunning   WorkItemStatus = "running"
	StatusBlocked   WorkItemStatus = "blocked"
	StatusRetrying  WorkItemStatus = "retrying"
	StatusCompleted WorkItemStatus = "completed"
	StatusFailed    WorkItemStatus = "failed"
	StatusCancelled WorkItemStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s WorkItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusRunning, StatusBlocked,
		StatusRetrying, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are permitted.
func (s WorkItemStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskType is the fine-grained work label used for turn budgeting.
type TaskType string

const (
	TaskValidation     TaskType = "validation"
	TaskCodeGeneration TaskType = "code_generation"
	TaskRefactoring    TaskType = "refactoring"
	TaskDebugging      TaskType = "debugging"
	TaskErrorAnalysis  TaskType = "error_analysis"
	TaskPlanning       TaskType = "planning"
	TaskDocumentation  TaskType = "documentation"
	TaskTesting        TaskType = "testing"
)

// Priority bounds for work items. Effective priority after boosting is
// clamped to the same range.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ClampPriority bounds a priority value to [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// WorkItem is the unifying entity for epics, stories, tasks, and subtasks.
type WorkItem struct {
	// ID is the store-assigned identifier.
	ID int64 `json:"id"`
	// ProjectID is the owning project.
	ProjectID int64 `json:"project_id"`
	// Type is the granularity level (epic, story, task, subtask).
	Type WorkItemType `json:"type"`
	// Title is the short description of the item.
	Title string `json:"title"`
	// Description provides detailed information about the item.
	Description string `json:"description,omitempty"`
	// ParentID references the parent item, if any. Epics have none,
	// stories reference an epic, subtasks reference a task.
	ParentID *int64 `json:"parent_id,omitempty"`
	// Priority is the base scheduling priority in [1..10].
	Priority int `json:"priority"`
	// Status is the current scheduling state.
	Status WorkItemStatus `json:"status"`
	// TaskType is the fine-grained label used for turn budgeting.
	TaskType TaskType `json:"task_type,omitempty"`
	// Attempts is the number of execution attempts so far.
	Attempts int `json:"attempts"`
	// MaxAttempts bounds failed->retrying transitions.
	MaxAttempts int `json:"max_attempts"`
	// Metadata is an opaque map; well-known keys have typed accessors.
	Metadata Metadata `json:"metadata,omitempty"`
	// RequiresADR flags the item for architecture-decision records.
	RequiresADR bool `json:"requires_adr,omitempty"`
	// HasArchitecturalChanges flags completed architectural work.
	HasArchitecturalChanges bool `json:"has_architectural_changes,omitempty"`
	// ChangesSummary is free text set on completion.
	ChangesSummary string `json:"changes_summary,omitempty"`
	// CreatedAt is when the item was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the item was last modified.
	UpdatedAt time.Time `json:"updated_at"`
	// Deleted marks the item as soft-deleted.
	Deleted bool `json:"deleted,omitempty"`
	// Version is the optimistic-concurrency counter.
	Version int64 `json:"version"`
}

// Metadata is an opaque schemaless map attached to a work item.
// Well-known keys must be read through the typed accessors.
type Metadata map[string]any

// Well-known metadata keys.
const (
	MetaDependencies   = "dependencies"
	MetaDeadline       = "deadline"
	MetaIdempotencyKey = "idempotency_key"
)

// Dependencies returns the work-item ids listed under the
// "dependencies" key. Accepts the JSON number encodings produced by
// round-tripping through the store.
func (m Metadata) Dependencies() []int64 {
	raw, ok := m[MetaDependencies]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		// Direct []int64 is used by in-process callers.
		if ids, ok := raw.([]int64); ok {
			return ids
		}
		return nil
	}
	ids := make([]int64, 0, len(list))
	for _, v := range list {
		switch n := v.(type) {
		case int64:
			ids = append(ids, n)
		case int:
			ids = append(ids, int64(n))
		case float64:
			ids = append(ids, int64(n))
		case json.Number:
			if i, err := n.Int64(); err == nil {
				ids = append(ids, i)
			}
		}
	}
	return ids
}

// Deadline returns the deadline stored under the "deadline" key, if
// present and parseable as RFC3339.
func (m Metadata) Deadline() (time.Time, bool) {
	raw, ok := m[MetaDeadline]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// IdempotencyKey returns the caller-supplied idempotency key, if any.
func (m Metadata) IdempotencyKey() string {
	if v, ok := m[MetaIdempotencyKey].(string); ok {
		return v
	}
	return ""
}

// MilestoneStatus represents the state of a milestone.
type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "pending"
	MilestoneAchieved MilestoneStatus = "achieved"
)

// Milestone is a zero-duration checkpoint tied to a set of epics.
// It is achieved only when every required epic is completed.
type Milestone struct {
	// ID is the store-assigned identifier.
	ID int64 `json:"id"`
	// ProjectID is the owning project.
	ProjectID int64 `json:"project_id"`
	// Name is the milestone name.
	Name string `json:"name"`
	// RequiredEpicIDs lists the epics that must complete.
	RequiredEpicIDs []int64 `json:"required_epic_ids"`
	// Status is pending or achieved.
	Status MilestoneStatus `json:"status"`
	// VersionLabel is an optional release label (e.g. "v1.2").
	VersionLabel string `json:"version_label,omitempty"`
	// CreatedAt is when the milestone was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the milestone was last modified.
	UpdatedAt time.Time `json:"updated_at"`
	// Deleted marks the milestone as soft-deleted.
	Deleted bool `json:"deleted,omitempty"`
	// Version is the optimistic-concurrency counter.
	Version int64 `json:"version"`
}
