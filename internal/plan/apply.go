package plan

import (
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/graph"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/scheduler"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/work"
	"github.com/loomctl/loom/pkg/models"
)

// Result maps the plan's symbolic names to store ids after an apply.
type Result struct {
	ProjectID  int64
	Epics      map[string]int64
	Stories    map[string]int64
	Tasks      map[string]int64
	Milestones map[string]int64
}

// Applier writes validated plans to the store. Epics and stories go
// through the work service, executable tasks through the scheduler so
// they enter the queue, and every item carries an idempotency key
// derived from its plan name so re-applying is harmless.
type Applier struct {
	db    *store.DB
	works *work.Service
	sched *scheduler.Scheduler
	debug *logging.DebugLogger
}

// NewApplier creates an Applier.
func NewApplier(db *store.DB, works *work.Service, sched *scheduler.Scheduler, debug *logging.DebugLogger) *Applier {
	return &Applier{db: db, works: works, sched: sched, debug: debug}
}

// Apply writes the plan to the store and returns the name-to-id
// mapping. The project is created if it does not exist yet.
func (a *Applier) Apply(pf *File) (*Result, error) {
	if err := pf.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Epics:      make(map[string]int64),
		Stories:    make(map[string]int64),
		Tasks:      make(map[string]int64),
		Milestones: make(map[string]int64),
	}

	projectID, err := a.ensureProject(pf.Project)
	if err != nil {
		return nil, err
	}
	res.ProjectID = projectID

	for _, e := range pf.Epics {
		epic, err := a.works.CreateEpic(projectID, &models.WorkItem{
			Title:       e.Title,
			Description: e.Description,
			Priority:    models.DefaultPriority,
			Metadata:    models.Metadata{models.MetaIdempotencyKey: planKey(e.Name)},
		})
		if err != nil {
			return nil, err
		}
		res.Epics[e.Name] = epic.ID

		for _, st := range e.Stories {
			story, err := a.works.CreateStory(projectID, epic.ID, &models.WorkItem{
				Title:       st.Title,
				Description: st.Description,
				Priority:    models.DefaultPriority,
				Metadata:    models.Metadata{models.MetaIdempotencyKey: planKey(st.Name)},
			})
			if err != nil {
				return nil, err
			}
			res.Stories[st.Name] = story.ID
		}
	}

	if err := a.applyTasks(pf, projectID, res); err != nil {
		return nil, err
	}

	for _, m := range pf.Milestones {
		id, err := a.ensureMilestone(projectID, m, res.Epics)
		if err != nil {
			return nil, err
		}
		res.Milestones[m.Name] = id
	}

	a.debug.Log("[plan] applied plan for project %q: %d epics, %d tasks, %d milestones",
		pf.Project.Name, len(res.Epics), len(res.Tasks), len(res.Milestones))
	return res, nil
}

// execRecord is one executable item flattened out of the plan tree.
type execRecord struct {
	name       string
	typ        models.WorkItemType
	spec       TaskSpec
	parentName string // story name for tasks, task name for subtasks
}

// applyTasks creates tasks and subtasks in an order where every
// dependency and parent already exists, so ids resolve as we go.
func (a *Applier) applyTasks(pf *File, projectID int64, res *Result) error {
	var records []execRecord
	for _, e := range pf.Epics {
		for _, st := range e.Stories {
			for _, t := range st.Tasks {
				records = append(records, execRecord{
					name: t.Name, typ: models.TypeTask, spec: t, parentName: st.Name,
				})
				for _, sub := range t.Subtasks {
					records = append(records, execRecord{
						name: sub.Name,
						typ:  models.TypeSubtask,
						spec: TaskSpec{
							Name:        sub.Name,
							Title:       sub.Title,
							Description: sub.Description,
							TaskType:    sub.TaskType,
							Priority:    sub.Priority,
							DependsOn:   sub.DependsOn,
						},
						parentName: t.Name,
					})
				}
			}
		}
	}

	order, err := creationOrder(records)
	if err != nil {
		return err
	}

	for _, rec := range order {
		parentID, err := a.resolveParent(rec, res)
		if err != nil {
			return err
		}

		deps := make([]int64, 0, len(rec.spec.DependsOn))
		for _, d := range rec.spec.DependsOn {
			deps = append(deps, res.Tasks[d])
		}

		meta := models.Metadata{models.MetaIdempotencyKey: planKey(rec.name)}
		if len(deps) > 0 {
			meta[models.MetaDependencies] = deps
		}
		if rec.spec.Deadline != "" {
			meta[models.MetaDeadline] = rec.spec.Deadline
		}

		priority := rec.spec.Priority
		if priority == 0 {
			priority = models.DefaultPriority
		}

		item, err := a.sched.Schedule(&models.WorkItem{
			ProjectID:   projectID,
			Type:        rec.typ,
			Title:       rec.spec.Title,
			Description: rec.spec.Description,
			ParentID:    &parentID,
			Priority:    priority,
			TaskType:    models.TaskType(rec.spec.TaskType),
			MaxAttempts: rec.spec.MaxAttempts,
			Metadata:    meta,
		})
		if err != nil {
			return err
		}
		res.Tasks[rec.name] = item.ID
	}
	return nil
}

func (a *Applier) resolveParent(rec execRecord, res *Result) (int64, error) {
	var id int64
	var ok bool
	if rec.typ == models.TypeSubtask {
		id, ok = res.Tasks[rec.parentName]
	} else {
		id, ok = res.Stories[rec.parentName]
	}
	if !ok {
		return 0, errkind.New(errkind.StateError, "plan",
			"parent %q of %q was not created", rec.parentName, rec.name)
	}
	return id, nil
}

// creationOrder topologically sorts the records so dependencies and
// parent tasks come first. Validation already rejected cycles.
func creationOrder(records []execRecord) ([]execRecord, error) {
	index := make(map[string]int64, len(records))
	byID := make(map[int64]execRecord, len(records))
	for i, rec := range records {
		id := int64(i + 1)
		index[rec.name] = id
		byID[id] = rec
	}

	g := graph.New(nil)
	for id := range byID {
		g.AddNode(id)
	}
	for _, rec := range records {
		for _, d := range rec.spec.DependsOn {
			g.AddEdge(index[rec.name], index[d])
		}
		// Subtasks also wait for their parent task to exist.
		if rec.typ == models.TypeSubtask {
			g.AddEdge(index[rec.name], index[rec.parentName])
		}
	}

	order, err := g.TopoSort()
	if err != nil {
		return nil, err
	}
	out := make([]execRecord, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// ensureProject finds the project by name or creates it.
func (a *Applier) ensureProject(spec ProjectSpec) (int64, error) {
	var id int64
	err := a.db.Update(func(tx *store.Tx) error {
		existing, err := tx.GetProjectByName(spec.Name)
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errkind.IsKind(err, errkind.NotFound) {
			return err
		}
		p := &models.Project{
			Name:        spec.Name,
			Description: spec.Description,
			WorkDir:     spec.WorkDir,
			Status:      models.ProjectActive,
		}
		if err := tx.CreateProject(p); err != nil {
			return err
		}
		id = p.ID
		return nil
	})
	return id, err
}

// ensureMilestone skips milestones that already exist by name.
func (a *Applier) ensureMilestone(projectID int64, spec MilestoneSpec, epics map[string]int64) (int64, error) {
	var existingID int64
	err := a.db.View(func(tx *store.Tx) error {
		milestones, err := tx.ListMilestones(projectID)
		if err != nil {
			return err
		}
		for _, m := range milestones {
			if m.Name == spec.Name {
				existingID = m.ID
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if existingID != 0 {
		return existingID, nil
	}

	required := make([]int64, 0, len(spec.Requires))
	for _, name := range spec.Requires {
		required = append(required, epics[name])
	}
	m, err := a.works.CreateMilestone(projectID, &models.Milestone{
		Name:            spec.Name,
		RequiredEpicIDs: required,
		VersionLabel:    spec.Version,
	})
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

func planKey(name string) string {
	return "plan/" + name
}
