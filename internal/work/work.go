// Package work enforces the hierarchy invariants of the work model:
// epics own stories, stories own tasks, tasks own subtasks, and
// milestones gate on sets of completed epics. Every mutation runs in
// one store transaction.
package work

import (
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/models"
)

// Service validates and creates work items and milestones.
type Service struct {
	db    *store.DB
	bus   *events.Bus
	debug *logging.DebugLogger
}

// Option configures a Service.
type Option func(*Service)

// WithBus sets the event bus epic_completed and milestone_achieved are
// announced on.
func WithBus(bus *events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithDebugLogger sets the debug logger.
func WithDebugLogger(dl *logging.DebugLogger) Option {
	return func(s *Service) { s.debug = dl }
}

// NewService creates a work-model service over the store.
func NewService(db *store.DB, opts ...Option) *Service {
	s := &Service{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEpic creates a top-level epic. Any parent on the template is
// discarded.
func (s *Service) CreateEpic(projectID int64, epic *models.WorkItem) (*models.WorkItem, error) {
	epic.ProjectID = projectID
	epic.Type = models.TypeEpic
	epic.ParentID = nil

	var out *models.WorkItem
	err := s.db.Update(func(tx *store.Tx) error {
		if _, err := tx.GetProject(projectID); err != nil {
			return err
		}
		created, err := tx.CreateWorkItem(epic)
		if err == store.ErrDuplicateKey {
			out = created
			return nil
		}
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateStory creates a story under an epic in the same project.
func (s *Service) CreateStory(projectID, epicID int64, story *models.WorkItem) (*models.WorkItem, error) {
	story.ProjectID = projectID
	story.Type = models.TypeStory
	story.ParentID = &epicID

	var out *models.WorkItem
	err := s.db.Update(func(tx *store.Tx) error {
		parent, err := tx.GetWorkItem(epicID)
		if err != nil {
			return err
		}
		if parent.Type != models.TypeEpic {
			return errkind.New(errkind.Validation, "work",
				"story parent %d is a %s, not an epic", epicID, parent.Type)
		}
		if parent.ProjectID != projectID {
			return errkind.New(errkind.Validation, "work",
				"epic %d belongs to project %d, not %d", epicID, parent.ProjectID, projectID)
		}
		out, err = tx.CreateWorkItem(story)
		if err == store.ErrDuplicateKey {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTask creates a task (parent optional, must be a story) or a
// subtask (parent required, must be a task).
func (s *Service) CreateTask(projectID int64, task *models.WorkItem) (*models.WorkItem, error) {
	task.ProjectID = projectID
	if task.Type == "" {
		task.Type = models.TypeTask
	}
	if task.Type != models.TypeTask && task.Type != models.TypeSubtask {
		return nil, errkind.New(errkind.Validation, "work",
			"CreateTask accepts task or subtask, got %s", task.Type)
	}

	var out *models.WorkItem
	err := s.db.Update(func(tx *store.Tx) error {
		if err := s.checkTaskParent(tx, projectID, task); err != nil {
			return err
		}
		var err error
		out, err = tx.CreateWorkItem(task)
		if err == store.ErrDuplicateKey {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) checkTaskParent(tx *store.Tx, projectID int64, task *models.WorkItem) error {
	if task.ParentID == nil {
		if task.Type == models.TypeSubtask {
			return errkind.New(errkind.Validation, "work", "subtask requires a parent task")
		}
		return nil
	}

	parent, err := tx.GetWorkItem(*task.ParentID)
	if err != nil {
		return err
	}
	if parent.ProjectID != projectID {
		return errkind.New(errkind.Validation, "work",
			"parent %d belongs to project %d, not %d", parent.ID, parent.ProjectID, projectID)
	}

	switch task.Type {
	case models.TypeTask:
		if parent.Type != models.TypeStory {
			return errkind.New(errkind.Validation, "work",
				"task parent %d is a %s, not a story", parent.ID, parent.Type)
		}
	case models.TypeSubtask:
		if parent.Type != models.TypeTask {
			return errkind.New(errkind.Validation, "work",
				"subtask parent %d is a %s, not a task", parent.ID, parent.Type)
		}
	}
	return nil
}

// CreateMilestone creates a milestone after verifying every required
// epic exists in the project and is actually an epic.
func (s *Service) CreateMilestone(projectID int64, m *models.Milestone) (*models.Milestone, error) {
	m.ProjectID = projectID

	err := s.db.Update(func(tx *store.Tx) error {
		for _, epicID := range m.RequiredEpicIDs {
			item, err := tx.GetWorkItem(epicID)
			if err != nil {
				return err
			}
			if item.Type != models.TypeEpic {
				return errkind.New(errkind.Validation, "work",
					"milestone requires %d, a %s, not an epic", epicID, item.Type)
			}
			if item.ProjectID != projectID {
				return errkind.New(errkind.Validation, "work",
					"epic %d belongs to project %d, not %d", epicID, item.ProjectID, projectID)
			}
		}
		return tx.CreateMilestone(m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CompleteEpic marks an epic completed directly (epics are not pulled
// through the executor queue) and emits epic_completed.
func (s *Service) CompleteEpic(epicID int64) error {
	var epic *models.WorkItem
	err := s.db.Update(func(tx *store.Tx) error {
		var err error
		epic, err = tx.GetWorkItem(epicID)
		if err != nil {
			return err
		}
		if epic.Type != models.TypeEpic {
			return errkind.New(errkind.Validation, "work", "%d is a %s, not an epic", epicID, epic.Type)
		}
		if epic.Status == models.StatusCompleted {
			return nil
		}
		if epic.Status.Terminal() {
			return errkind.New(errkind.StateError, "work",
				"epic %d is already terminal (%s)", epicID, epic.Status)
		}
		epic.Status = models.StatusCompleted
		return tx.UpdateWorkItem(epic)
	})
	if err != nil {
		return err
	}

	s.debug.Log("[work] epic %d completed", epicID)
	s.bus.Emit(events.Event{
		Type:      events.EventEpicCompleted,
		ProjectID: epic.ProjectID,
		TaskID:    epicID,
	})
	return nil
}

// AchieveMilestone marks a milestone achieved, valid only when every
// required epic is completed. Achieving twice is a no-op.
func (s *Service) AchieveMilestone(milestoneID int64) error {
	var m *models.Milestone
	achieved := false
	err := s.db.Update(func(tx *store.Tx) error {
		var err error
		m, err = tx.GetMilestone(milestoneID)
		if err != nil {
			return err
		}
		if m.Status == models.MilestoneAchieved {
			return nil
		}

		for _, epicID := range m.RequiredEpicIDs {
			epic, err := tx.GetWorkItem(epicID)
			if err != nil {
				return err
			}
			if epic.Status != models.StatusCompleted {
				return errkind.New(errkind.StateError, "work",
					"milestone %d requires epic %d, currently %s", milestoneID, epicID, epic.Status)
			}
		}

		m.Status = models.MilestoneAchieved
		achieved = true
		return tx.UpdateMilestone(m)
	})
	if err != nil {
		return err
	}
	if achieved {
		s.debug.Log("[work] milestone %d achieved", milestoneID)
		s.bus.Emit(events.Event{
			Type:      events.EventMilestoneAchieved,
			ProjectID: m.ProjectID,
			Payload:   map[string]any{"milestone_id": milestoneID},
		})
	}
	return nil
}

// ListOrphans surfaces stories and subtasks whose parent was
// soft-deleted. Deletion never cascades; orphans are reported, not
// removed.
func (s *Service) ListOrphans(projectID int64) ([]*models.WorkItem, error) {
	var orphans []*models.WorkItem
	err := s.db.View(func(tx *store.Tx) error {
		var err error
		orphans, err = tx.ListOrphans(projectID)
		return err
	})
	return orphans, err
}
