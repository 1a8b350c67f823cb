package breakpoint

import (
	"testing"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/scheduler"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, *scheduler.Scheduler, *store.DB, *models.Project) {
	t.Helper()
	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	p := &models.Project{Name: "proj"}
	err = db.Update(func(tx *store.Tx) error {
		return tx.CreateProject(p)
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	sched := scheduler.New(db, config.RetryConfig{BaseDelaySeconds: 1, Factor: 2, MaxAttempts: 3})
	t.Cleanup(sched.Stop)
	return NewManager(db, sched), sched, db, p
}

func runTask(t *testing.T, sched *scheduler.Scheduler, p *models.Project, title string) *models.WorkItem {
	t.Helper()
	item, err := sched.Schedule(&models.WorkItem{ProjectID: p.ID, Type: models.TypeTask, Title: title})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	running, err := sched.Next(p.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if running == nil || running.ID != item.ID {
		t.Fatalf("expected task %d running, got %+v", item.ID, running)
	}
	return item
}

func getStatus(t *testing.T, db *store.DB, id int64) models.WorkItemStatus {
	t.Helper()
	var status models.WorkItemStatus
	err := db.View(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(id)
		if err != nil {
			return err
		}
		status = item.Status
		return nil
	})
	if err != nil {
		t.Fatalf("get item %d: %v", id, err)
	}
	return status
}

func TestRaiseBlocksTask(t *testing.T) {
	m, sched, db, p := newTestManager(t)
	task := runTask(t, sched, p, "U")

	bp, err := m.Raise(task.ID, "low confidence")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if bp.ID == 0 {
		t.Error("expected assigned breakpoint id")
	}
	if got := getStatus(t, db, task.ID); got != models.StatusBlocked {
		t.Errorf("expected blocked, got %s", got)
	}

	// The blocked task never comes out of the queue.
	next, err := sched.Next(p.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != nil {
		t.Errorf("expected empty queue while blocked, got task %d", next.ID)
	}
}

func TestRaiseRequiresRunning(t *testing.T) {
	m, sched, _, p := newTestManager(t)
	item, err := sched.Schedule(&models.WorkItem{ProjectID: p.ID, Type: models.TypeTask, Title: "idle"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	_, err = m.Raise(item.ID, "not running")
	if !errkind.IsKind(err, errkind.StateError) {
		t.Errorf("expected state error, got %v", err)
	}
}

func TestResolveContinue(t *testing.T) {
	m, sched, db, p := newTestManager(t)
	task := runTask(t, sched, p, "U")

	bp, err := m.Raise(task.ID, "review")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}

	if err := m.Resolve(bp.ID, "approved", Continue); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := getStatus(t, db, task.ID); got != models.StatusReady {
		t.Errorf("expected ready after continue, got %s", got)
	}

	// The task is schedulable again.
	next, err := sched.Next(p.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.ID != task.ID {
		t.Errorf("expected task %d schedulable, got %+v", task.ID, next)
	}
}

func TestResolveCancel(t *testing.T) {
	m, sched, db, p := newTestManager(t)
	task := runTask(t, sched, p, "U")

	bp, err := m.Raise(task.ID, "wrong direction")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := m.Resolve(bp.ID, "abandoning", CancelTask); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := getStatus(t, db, task.ID); got != models.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}
}

func TestResolveTwiceFails(t *testing.T) {
	m, sched, _, p := newTestManager(t)
	task := runTask(t, sched, p, "U")

	bp, err := m.Raise(task.ID, "review")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := m.Resolve(bp.ID, "ok", Continue); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	err = m.Resolve(bp.ID, "again", Continue)
	if !errkind.IsKind(err, errkind.StateError) {
		t.Errorf("expected state error, got %v", err)
	}
}
