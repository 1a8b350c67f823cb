package store

import (
	"errors"
	"testing"
	"time"

	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func createTestProject(t *testing.T, db *DB) *models.Project {
	t.Helper()
	p := &models.Project{Name: "test-project", WorkDir: "/tmp/test"}
	err := db.Update(func(tx *Tx) error {
		return tx.CreateProject(p)
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func createTestItem(t *testing.T, db *DB, p *models.Project, typ models.WorkItemType, title string, mutate func(*models.WorkItem)) *models.WorkItem {
	t.Helper()
	item := &models.WorkItem{ProjectID: p.ID, Type: typ, Title: title}
	if mutate != nil {
		mutate(item)
	}
	err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateWorkItem(item)
		return err
	})
	if err != nil {
		t.Fatalf("create work item %q: %v", title, err)
	}
	return item
}

func TestProjectLifecycle(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)

	if p.ID == 0 {
		t.Fatal("expected assigned project id")
	}
	if p.Status != models.ProjectActive {
		t.Errorf("expected active status, got %s", p.Status)
	}

	err := db.View(func(tx *Tx) error {
		got, err := tx.GetProjectByName("test-project")
		if err != nil {
			return err
		}
		if got.ID != p.ID {
			t.Errorf("expected id %d, got %d", p.ID, got.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("get project: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		return tx.SoftDeleteProject(p.ID)
	})
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		_, err := tx.GetProject(p.ID)
		return err
	})
	if !errkind.IsKind(err, errkind.NotFound) {
		t.Errorf("expected not found after soft delete, got %v", err)
	}
}

func TestOptimisticConcurrency(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)
	item := createTestItem(t, db, p, models.TypeTask, "task", nil)

	stale := *item
	err := db.Update(func(tx *Tx) error {
		item.Title = "renamed"
		return tx.UpdateWorkItem(item)
	})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		stale.Title = "stale write"
		return tx.UpdateWorkItem(&stale)
	})
	if !errkind.IsKind(err, errkind.Conflict) {
		t.Errorf("expected conflict for stale version, got %v", err)
	}
}

func TestCreateWorkItemNormalizesDependencies(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)
	dep1 := createTestItem(t, db, p, models.TypeTask, "dep-1", nil)
	dep2 := createTestItem(t, db, p, models.TypeTask, "dep-2", nil)

	item := createTestItem(t, db, p, models.TypeTask, "dependent", func(w *models.WorkItem) {
		w.Metadata = models.Metadata{
			models.MetaDependencies: []int64{dep1.ID, dep2.ID},
		}
	})

	err := db.View(func(tx *Tx) error {
		deps, err := tx.DependenciesOf(item.ID)
		if err != nil {
			return err
		}
		if len(deps) != 2 || deps[0] != dep1.ID || deps[1] != dep2.ID {
			t.Errorf("expected edges [%d %d], got %v", dep1.ID, dep2.ID, deps)
		}

		dependents, err := tx.DependentsOf(dep1.ID)
		if err != nil {
			return err
		}
		if len(dependents) != 1 || dependents[0] != item.ID {
			t.Errorf("expected dependents [%d], got %v", item.ID, dependents)
		}

		n, err := tx.CountIncompleteDependencies(item.ID)
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("expected 2 incomplete dependencies, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestAddDependencyRejectsCrossProject(t *testing.T) {
	db := newTestDB(t)
	p1 := createTestProject(t, db)

	p2 := &models.Project{Name: "other-project", WorkDir: "/tmp/other"}
	err := db.Update(func(tx *Tx) error {
		return tx.CreateProject(p2)
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	a := createTestItem(t, db, p1, models.TypeTask, "in-first", nil)
	b := createTestItem(t, db, p2, models.TypeTask, "in-second", nil)

	err = db.Update(func(tx *Tx) error {
		return tx.AddDependency(a.ID, b.ID)
	})
	if !errkind.IsKind(err, errkind.Validation) {
		t.Errorf("expected validation error for cross-project edge, got %v", err)
	}
}

func TestIdempotencyKeyDedup(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)

	first := createTestItem(t, db, p, models.TypeTask, "once", func(w *models.WorkItem) {
		w.Metadata = models.Metadata{models.MetaIdempotencyKey: "key-1"}
	})

	dup := &models.WorkItem{
		ProjectID: p.ID,
		Type:      models.TypeTask,
		Title:     "once again",
		Metadata:  models.Metadata{models.MetaIdempotencyKey: "key-1"},
	}
	var existing *models.WorkItem
	err := db.Update(func(tx *Tx) error {
		var err error
		existing, err = tx.CreateWorkItem(dup)
		return err
	})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if existing == nil || existing.ID != first.ID {
		t.Errorf("expected existing item %d back, got %+v", first.ID, existing)
	}
}

func TestQueueOrdering(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)

	low := createTestItem(t, db, p, models.TypeTask, "low", func(w *models.WorkItem) {
		w.Priority = 2
		w.Status = models.StatusReady
	})
	high := createTestItem(t, db, p, models.TypeTask, "high", func(w *models.WorkItem) {
		w.Priority = 9
		w.Status = models.StatusReady
	})
	mid := createTestItem(t, db, p, models.TypeTask, "mid", func(w *models.WorkItem) {
		w.Priority = 5
		w.Status = models.StatusReady
	})

	err := db.View(func(tx *Tx) error {
		items, err := tx.ListWorkItemsByStatus(p.ID, models.StatusReady)
		if err != nil {
			return err
		}
		if len(items) != 3 {
			t.Fatalf("expected 3 items, got %d", len(items))
		}
		want := []int64{high.ID, mid.ID, low.ID}
		for i, id := range want {
			if items[i].ID != id {
				t.Errorf("position %d: expected id %d, got %d", i, id, items[i].ID)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestListOrphans(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)

	epic := createTestItem(t, db, p, models.TypeEpic, "epic", nil)
	story := createTestItem(t, db, p, models.TypeStory, "story", func(w *models.WorkItem) {
		w.ParentID = &epic.ID
	})

	err := db.Update(func(tx *Tx) error {
		return tx.SoftDeleteWorkItem(epic.ID)
	})
	if err != nil {
		t.Fatalf("soft delete epic: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		orphans, err := tx.ListOrphans(p.ID)
		if err != nil {
			return err
		}
		if len(orphans) != 1 || orphans[0].ID != story.ID {
			t.Errorf("expected orphan [%d], got %+v", story.ID, orphans)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMilestoneRoundTrip(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)
	epic := createTestItem(t, db, p, models.TypeEpic, "epic", nil)

	m := &models.Milestone{
		ProjectID:       p.ID,
		Name:            "v1.0",
		RequiredEpicIDs: []int64{epic.ID},
		VersionLabel:    "v1.0.0",
	}
	err := db.Update(func(tx *Tx) error {
		return tx.CreateMilestone(m)
	})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		got, err := tx.GetMilestone(m.ID)
		if err != nil {
			return err
		}
		if got.Status != models.MilestonePending {
			t.Errorf("expected pending, got %s", got.Status)
		}
		if len(got.RequiredEpicIDs) != 1 || got.RequiredEpicIDs[0] != epic.ID {
			t.Errorf("expected required epics [%d], got %v", epic.ID, got.RequiredEpicIDs)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSessionLedger(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)

	s := &models.Session{ID: "sess-1", ProjectID: p.ID, WindowLimit: 100000}
	err := db.Update(func(tx *Tx) error {
		return tx.CreateSession(s)
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		s.Tokens = s.Tokens.Add(models.TokenUsage{Input: 1000, Output: 500})
		return tx.UpdateSession(s)
	})
	if err != nil {
		t.Fatalf("update session: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		got, err := tx.ActiveSession(p.ID)
		if err != nil {
			return err
		}
		if got.Tokens.Total() != 1500 {
			t.Errorf("expected ledger total 1500, got %d", got.Tokens.Total())
		}
		if got.Utilization() != 0.015 {
			t.Errorf("expected utilization 0.015, got %f", got.Utilization())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	// Stale session write conflicts.
	stale := models.Session{ID: "sess-1", ProjectID: p.ID, Status: models.SessionActive, Version: 1}
	err = db.Update(func(tx *Tx) error {
		return tx.UpdateSession(&stale)
	})
	if !errkind.IsKind(err, errkind.Conflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestIterationImmutableAfterEnd(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)
	task := createTestItem(t, db, p, models.TypeTask, "task", nil)

	s := &models.Session{ID: "sess-1", ProjectID: p.ID}
	it := &models.Iteration{TaskID: task.ID, SessionID: s.ID, Index: 1, PromptDigest: "abc"}
	err := db.Update(func(tx *Tx) error {
		if err := tx.CreateSession(s); err != nil {
			return err
		}
		return tx.CreateIteration(it)
	})
	if err != nil {
		t.Fatalf("create iteration: %v", err)
	}

	it.Quality = 0.9
	err = db.Update(func(tx *Tx) error {
		return tx.FinishIteration(it)
	})
	if err != nil {
		t.Fatalf("finish iteration: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		return tx.FinishIteration(it)
	})
	if !errkind.IsKind(err, errkind.StateError) {
		t.Errorf("expected state error on double finish, got %v", err)
	}
}

func TestCheckpointIndexMonotone(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)
	s := &models.Session{ID: "sess-1", ProjectID: p.ID}
	err := db.Update(func(tx *Tx) error {
		return tx.CreateSession(s)
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 1; i <= 3; i++ {
		err := db.Update(func(tx *Tx) error {
			cp, err := tx.AppendCheckpoint(s.ID, "snapshot")
			if err != nil {
				return err
			}
			if cp.Index != i {
				t.Errorf("expected index %d, got %d", i, cp.Index)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("append checkpoint %d: %v", i, err)
		}
	}

	err = db.View(func(tx *Tx) error {
		cp, err := tx.LatestCheckpoint(s.ID)
		if err != nil {
			return err
		}
		if cp.Index != 3 {
			t.Errorf("expected latest index 3, got %d", cp.Index)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestBreakpointResolveOnce(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)
	task := createTestItem(t, db, p, models.TypeTask, "task", nil)

	bp := &models.Breakpoint{TaskID: task.ID, Reason: "architectural review"}
	err := db.Update(func(tx *Tx) error {
		return tx.CreateBreakpoint(bp)
	})
	if err != nil {
		t.Fatalf("create breakpoint: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		return tx.ResolveBreakpoint(bp.ID, "approved")
	})
	if err != nil {
		t.Fatalf("resolve breakpoint: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		return tx.ResolveBreakpoint(bp.ID, "again")
	})
	if !errkind.IsKind(err, errkind.StateError) {
		t.Errorf("expected state error on double resolve, got %v", err)
	}

	err = db.View(func(tx *Tx) error {
		open, err := tx.OpenBreakpoints(task.ID)
		if err != nil {
			return err
		}
		if len(open) != 0 {
			t.Errorf("expected no open breakpoints, got %d", len(open))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestDueRetries(t *testing.T) {
	db := newTestDB(t)
	p := createTestProject(t, db)
	task := createTestItem(t, db, p, models.TypeTask, "task", func(w *models.WorkItem) {
		w.Status = models.StatusRetrying
	})

	past := &models.RetryRecord{TaskID: task.ID, Attempt: 1,
		ScheduledAt: time.Now().Add(-time.Minute), Delay: time.Minute}
	future := &models.RetryRecord{TaskID: task.ID, Attempt: 2,
		ScheduledAt: time.Now().Add(time.Hour), Delay: 2 * time.Minute}
	err := db.Update(func(tx *Tx) error {
		if err := tx.CreateRetryRecord(past); err != nil {
			return err
		}
		return tx.CreateRetryRecord(future)
	})
	if err != nil {
		t.Fatalf("create retries: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		due, err := tx.DueRetries(p.ID, time.Now())
		if err != nil {
			return err
		}
		if len(due) != 1 || due[0].ID != past.ID {
			t.Errorf("expected only past retry due, got %+v", due)
		}
		if due[0].Delay != time.Minute {
			t.Errorf("expected delay 1m, got %v", due[0].Delay)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
