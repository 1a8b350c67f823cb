package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loomctl/loom/internal/agentapi"
	"github.com/loomctl/loom/internal/breakpoint"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/executor"
	"github.com/loomctl/loom/internal/scheduler"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/window"
	"github.com/loomctl/loom/pkg/models"
)

// fixedAgent returns the same response for every dispatch.
type fixedAgent struct {
	text string
}

func (a *fixedAgent) Send(_ context.Context, _ agentapi.Request) (*agentapi.Response, error) {
	return &agentapi.Response{
		Text:   a.text,
		Tokens: models.TokenUsage{Input: 100, Output: 50},
	}, nil
}

func strongResponse(title string) string {
	var b strings.Builder
	b.WriteString("Implemented " + title + " end to end.\n\n")
	b.WriteString("```go\npackage demo\n\nfunc Run() error {\n\treturn nil\n}\n```\n\n")
	for i := 0; i < 30; i++ {
		b.WriteString("The change keeps the interface small and covers the relevant edge cases.\n")
	}
	return b.String()
}

type testEnv struct {
	runner  *Runner
	sched   *scheduler.Scheduler
	db      *store.DB
	project *models.Project
}

func newTestEnv(t *testing.T, agent agentapi.Agent, retry config.RetryConfig) *testEnv {
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

	cfg := config.Default()
	sched := scheduler.New(db, retry)
	t.Cleanup(sched.Stop)
	windows := window.NewManager(db, cfg.Session, nil)
	bps := breakpoint.NewManager(db, sched)
	exec := executor.New(executor.Params{
		DB:          db,
		Agent:       agent,
		Windows:     windows,
		Breakpoints: bps,
		Execution:   cfg.Execution,
		Thresholds:  cfg.Decision.Thresholds,
		Timeouts:    cfg.Timeouts,
		WorkDir:     t.TempDir(),
	})

	r := New(Params{
		DB:           db,
		Scheduler:    sched,
		Executor:     exec,
		Windows:      windows,
		Agent:        agent,
		MaxParallel:  2,
		PollInterval: 10 * time.Millisecond,
	})
	return &testEnv{runner: r, sched: sched, db: db, project: p}
}

func (e *testEnv) schedule(t *testing.T, item *models.WorkItem) *models.WorkItem {
	t.Helper()
	item.ProjectID = e.project.ID
	out, err := e.sched.Schedule(item)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return out
}

func (e *testEnv) status(t *testing.T, id int64) models.WorkItemStatus {
	t.Helper()
	var status models.WorkItemStatus
	err := e.db.View(func(tx *store.Tx) error {
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

func TestRunDrainsDependencyChain(t *testing.T) {
	const title = "refactor billing pipeline"
	env := newTestEnv(t, &fixedAgent{text: strongResponse(title)}, config.Default().Scheduler.Retry)

	first := env.schedule(t, &models.WorkItem{Type: models.TypeTask, Title: title})
	second := env.schedule(t, &models.WorkItem{
		Type:     models.TypeTask,
		Title:    title,
		Metadata: models.Metadata{models.MetaDependencies: []int64{first.ID}},
	})

	stats, err := env.runner.Run(context.Background(), env.project.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Completed != 2 {
		t.Errorf("expected 2 completed, got %+v", stats)
	}
	if got := env.status(t, first.ID); got != models.StatusCompleted {
		t.Errorf("first task: expected completed, got %s", got)
	}
	if got := env.status(t, second.ID); got != models.StatusCompleted {
		t.Errorf("second task: expected completed, got %s", got)
	}
}

func TestRunExitsWithBlockedTask(t *testing.T) {
	// Weak but valid response: low quality, low confidence, escalates.
	env := newTestEnv(t, &fixedAgent{text: "Done, I think."}, config.Default().Scheduler.Retry)
	task := env.schedule(t, &models.WorkItem{Type: models.TypeTask, Title: "wire billing export"})

	stats, err := env.runner.Run(context.Background(), env.project.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Blocked != 1 {
		t.Errorf("expected 1 blocked, got %+v", stats)
	}
	if got := env.status(t, task.ID); got != models.StatusBlocked {
		t.Errorf("expected blocked, got %s", got)
	}
}

func TestRunRecoversStaleRunningTask(t *testing.T) {
	const title = "restore ingest worker"
	retry := config.RetryConfig{BaseDelaySeconds: 1, Factor: 2.0, Jitter: 0, MaxAttempts: 3}
	env := newTestEnv(t, &fixedAgent{text: strongResponse(title)}, retry)

	task := env.schedule(t, &models.WorkItem{Type: models.TypeTask, Title: title})
	// Simulate a previous process dying mid-execution.
	running, err := env.sched.Next(env.project.ID)
	if err != nil || running == nil || running.ID != task.ID {
		t.Fatalf("next: %v (%+v)", err, running)
	}

	stats, err := env.runner.Run(context.Background(), env.project.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Recovered != 1 {
		t.Errorf("expected 1 recovered, got %+v", stats)
	}
	if got := env.status(t, task.ID); got != models.StatusCompleted {
		t.Errorf("expected completed after recovery, got %s", got)
	}
}

func (e *testEnv) sessions(t *testing.T) []*models.Session {
	t.Helper()
	var out []*models.Session
	err := e.db.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.ListSessions(e.project.ID)
		return err
	})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	return out
}

func TestRunClosesSessionOnDrain(t *testing.T) {
	const title = "drain the queue"
	env := newTestEnv(t, &fixedAgent{text: strongResponse(title)}, config.Default().Scheduler.Retry)
	env.schedule(t, &models.WorkItem{Type: models.TypeTask, Title: title})

	if _, err := env.runner.Run(context.Background(), env.project.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	sessions := env.sessions(t)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.Status != models.SessionCompleted {
		t.Errorf("expected completed session, got %s", s.Status)
	}
	if s.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}
	if !strings.Contains(s.Summary, "run drained") {
		t.Errorf("expected drain summary, got %q", s.Summary)
	}
}

func TestRunAbandonsSessionOnInterrupt(t *testing.T) {
	env := newTestEnv(t, &fixedAgent{text: "irrelevant"}, config.Default().Scheduler.Retry)
	env.schedule(t, &models.WorkItem{Type: models.TypeTask, Title: "never runs"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.runner.Run(ctx, env.project.ID)
	if !errkind.IsKind(err, errkind.Cancelled) {
		t.Fatalf("expected cancelled error, got %v", err)
	}

	sessions := env.sessions(t)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.Status != models.SessionAbandoned {
		t.Errorf("expected abandoned session, got %s", s.Status)
	}
	if s.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}
}

func TestRunAbortsOnDeadlock(t *testing.T) {
	env := newTestEnv(t, &fixedAgent{text: "irrelevant"}, config.Default().Scheduler.Retry)
	a := env.schedule(t, &models.WorkItem{Type: models.TypeTask, Title: "a"})
	b := env.schedule(t, &models.WorkItem{Type: models.TypeTask, Title: "b"})

	err := env.db.Update(func(tx *store.Tx) error {
		if err := tx.AddDependency(a.ID, b.ID); err != nil {
			return err
		}
		return tx.AddDependency(b.ID, a.ID)
	})
	if err != nil {
		t.Fatalf("add dependencies: %v", err)
	}

	_, err = env.runner.Run(context.Background(), env.project.ID)
	if !errkind.IsKind(err, errkind.Deadlock) {
		t.Errorf("expected deadlock error, got %v", err)
	}
}

func TestGatePauseAndResume(t *testing.T) {
	g := NewGate()
	g.Pause()
	if !g.IsPaused() {
		t.Fatal("expected paused")
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	g.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil after resume, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after resume")
	}
}

func TestGateStopUnblocksWaiters(t *testing.T) {
	g := NewGate()
	g.Pause()

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()
	g.Stop()

	select {
	case err := <-done:
		if !errkind.IsKind(err, errkind.Cancelled) {
			t.Errorf("expected cancelled error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after stop")
	}
}
