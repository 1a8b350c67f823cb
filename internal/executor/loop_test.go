package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomctl/loom/internal/agentapi"
	"github.com/loomctl/loom/internal/breakpoint"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/scheduler"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/window"
	"github.com/loomctl/loom/pkg/models"
)

// scriptedAgent replays canned responses in order, repeating the last
// one when the script runs out.
type scriptedAgent struct {
	responses []string
	calls     int
	tokens    models.TokenUsage
}

func (a *scriptedAgent) Send(_ context.Context, _ agentapi.Request) (*agentapi.Response, error) {
	i := a.calls
	if i >= len(a.responses) {
		i = len(a.responses) - 1
	}
	a.calls++
	usage := a.tokens
	if usage == (models.TokenUsage{}) {
		usage = models.TokenUsage{Input: 100, Output: 50}
	}
	return &agentapi.Response{Text: a.responses[i], Tokens: usage}, nil
}

type harness struct {
	executor *Executor
	sched    *scheduler.Scheduler
	windows  *window.Manager
	db       *store.DB
	project  *models.Project
}

func newHarness(t *testing.T, agent agentapi.Agent, workDir string) *harness {
	t.Helper()
	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	p := &models.Project{Name: "proj", WorkDir: workDir}
	err = db.Update(func(tx *store.Tx) error {
		return tx.CreateProject(p)
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	cfg := config.Default()
	sched := scheduler.New(db, cfg.Scheduler.Retry)
	t.Cleanup(sched.Stop)
	windows := window.NewManager(db, cfg.Session, nil)
	bps := breakpoint.NewManager(db, sched)

	exec := New(Params{
		DB:          db,
		Agent:       agent,
		Windows:     windows,
		Breakpoints: bps,
		Execution:   cfg.Execution,
		Thresholds:  cfg.Decision.Thresholds,
		Timeouts:    cfg.Timeouts,
		WorkDir:     workDir,
	})
	return &harness{executor: exec, sched: sched, windows: windows, db: db, project: p}
}

// startTask schedules a task and pulls it into running.
func (h *harness) startTask(t *testing.T, item *models.WorkItem) (*models.WorkItem, *models.Session) {
	t.Helper()
	item.ProjectID = h.project.ID
	if _, err := h.sched.Schedule(item); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	running, err := h.sched.Next(h.project.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if running == nil {
		t.Fatal("expected a runnable task")
	}
	session, err := h.windows.StartSession(h.project.ID, nil, 200_000)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return running, session
}

func goodResponse(title string) string {
	var b strings.Builder
	b.WriteString("Implemented " + title + " as requested.\n\n")
	b.WriteString("```go\npackage demo\n\nfunc Run() error {\n\treturn nil\n}\n```\n\n")
	for i := 0; i < 30; i++ {
		b.WriteString("The implementation handles the relevant edge cases and keeps the interface small.\n")
	}
	return b.String()
}

func mediumResponse() string {
	var b strings.Builder
	b.WriteString("Progress on the work so far, touching main.go for the core changes.\n\n")
	b.WriteString("```go\npackage demo\n```\n\n")
	for i := 0; i < 30; i++ {
		b.WriteString("Further adjustments are still needed before this is ready.\n")
	}
	return b.String()
}

func TestExecuteCompletesOnStrongResponse(t *testing.T) {
	agent := &scriptedAgent{responses: []string{goodResponse("parser module cleanup")}}
	h := newHarness(t, agent, t.TempDir())

	task, session := h.startTask(t, &models.WorkItem{
		Type:  models.TypeTask,
		Title: "parser module cleanup",
	})

	res, err := h.executor.Execute(context.Background(), task, session)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != models.OutcomeSuccess {
		t.Errorf("expected success, got %s", res.Outcome)
	}
	if res.Iterations != 1 {
		t.Errorf("expected 1 iteration, got %d", res.Iterations)
	}

	// Iteration row recorded with the decision.
	err = h.db.View(func(tx *store.Tx) error {
		iterations, err := tx.ListIterationsByTask(task.ID)
		if err != nil {
			return err
		}
		if len(iterations) != 1 {
			t.Fatalf("expected 1 iteration row, got %d", len(iterations))
		}
		it := iterations[0]
		if !it.ValidationOK || it.Decision != "complete" {
			t.Errorf("unexpected iteration record: %+v", it)
		}
		if it.EndedAt == nil {
			t.Error("expected iteration to be finished")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	// Ledger reflects the dispatch.
	s, err := h.windows.ActiveSession(h.project.ID)
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if s.Tokens.Total() != 150 {
		t.Errorf("expected 150 tokens on ledger, got %d", s.Tokens.Total())
	}
}

func TestExecuteEscalatesOnLowConfidence(t *testing.T) {
	// Valid but weak: low substance, no relevance to the task title.
	agent := &scriptedAgent{responses: []string{"Done, I think."}}
	h := newHarness(t, agent, t.TempDir())

	task, session := h.startTask(t, &models.WorkItem{
		Type:  models.TypeTask,
		Title: "wire billing export",
	})

	res, err := h.executor.Execute(context.Background(), task, session)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != models.OutcomeBlocked {
		t.Fatalf("expected blocked, got %s", res.Outcome)
	}
	if res.BreakpointID == 0 {
		t.Error("expected a breakpoint handle")
	}

	var status models.WorkItemStatus
	err = h.db.View(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(task.ID)
		if err != nil {
			return err
		}
		status = item.Status
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if status != models.StatusBlocked {
		t.Errorf("expected blocked status, got %s", status)
	}

	// The blocked task is not schedulable.
	next, err := h.sched.Next(h.project.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != nil {
		t.Errorf("expected gated queue, got task %d", next.ID)
	}
}

func TestExecuteRetriesFailedValidationThenEscalates(t *testing.T) {
	// Unterminated code fence fails structural validation every time.
	agent := &scriptedAgent{responses: []string{"```go\nfunc broken() {"}}
	h := newHarness(t, agent, t.TempDir())

	task, session := h.startTask(t, &models.WorkItem{
		Type:  models.TypeTask,
		Title: "anything",
	})

	res, err := h.executor.Execute(context.Background(), task, session)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != models.OutcomeBlocked {
		t.Fatalf("expected blocked, got %s", res.Outcome)
	}
	// Two retries within the iteration budget, then escalation.
	if res.Iterations != 3 {
		t.Errorf("expected 3 iterations, got %d", res.Iterations)
	}
}

func TestExecuteExhaustionRunsDeliverableAssessment(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, workDir, "main.go", validGoFile)

	agent := &scriptedAgent{responses: []string{mediumResponse()}}
	h := newHarness(t, agent, workDir)

	task, session := h.startTask(t, &models.WorkItem{
		Type:     models.TypeTask,
		TaskType: models.TaskDocumentation,
		Title:    "zzzz qqqq",
	})
	// Drop the work-item-type override so documentation's 3-turn cap applies.
	h.executor.execCfg.MaxTurns.ByWorkItemType = nil

	res, err := h.executor.Execute(context.Background(), task, session)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Assessment == nil {
		t.Fatal("expected a deliverable assessment")
	}
	if res.Iterations != 3 {
		t.Errorf("expected 3 iterations, got %d", res.Iterations)
	}
	// main.go exists, parses, and is substantial.
	if res.Outcome != models.OutcomeSuccessWithLimits {
		t.Errorf("expected success_with_limits, got %s (quality %.2f)", res.Outcome, res.Assessment.Quality)
	}
}

func TestExhaustionFlagWriteFailureLogged(t *testing.T) {
	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db.Close()

	logPath := filepath.Join(t.TempDir(), "debug.log")
	debug, err := logging.NewDebugLogger(logPath)
	if err != nil {
		t.Fatalf("debug logger: %v", err)
	}

	exec := New(Params{DB: db, Debug: debug})
	exec.markExhaustion(&models.WorkItem{ID: 42})
	debug.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "record turn exhaustion") {
		t.Errorf("expected the write failure in the debug log, got %q", data)
	}
}

// silentWriterAgent writes a deliverable to the work dir but never
// mentions it in the response text.
type silentWriterAgent struct {
	dir  string
	text string
}

func (a *silentWriterAgent) Send(_ context.Context, _ agentapi.Request) (*agentapi.Response, error) {
	path := filepath.Join(a.dir, "exporter.go")
	if err := os.WriteFile(path, []byte(validGoFile), 0644); err != nil {
		return nil, err
	}
	// Let the filesystem event land before the iteration ends.
	time.Sleep(50 * time.Millisecond)
	return &agentapi.Response{Text: a.text, Tokens: models.TokenUsage{Input: 100, Output: 50}}, nil
}

func TestExecuteExhaustionSeesUnannouncedDeliverables(t *testing.T) {
	workDir := t.TempDir()

	// Valid but mediocre response with no recognizable file paths.
	var b strings.Builder
	b.WriteString("Progress on the exporter wiring so far.\n\n")
	b.WriteString("```go\npackage demo\n```\n\n")
	for i := 0; i < 30; i++ {
		b.WriteString("Further adjustments are still needed before this is ready.\n")
	}

	h := newHarness(t, &silentWriterAgent{dir: workDir, text: b.String()}, workDir)

	task, session := h.startTask(t, &models.WorkItem{
		Type:     models.TypeTask,
		TaskType: models.TaskDocumentation,
		Title:    "exporter wiring",
	})
	h.executor.execCfg.MaxTurns.ByWorkItemType = nil

	res, err := h.executor.Execute(context.Background(), task, session)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Assessment == nil {
		t.Fatal("expected a deliverable assessment")
	}
	if res.Outcome == models.OutcomeFailed {
		t.Errorf("expected the watched file to count, got failed (quality %.2f)", res.Assessment.Quality)
	}
	found := false
	for _, f := range res.Assessment.Files {
		if f.Path == "exporter.go" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected exporter.go among deliverables, got %+v", res.Assessment.Files)
	}
}

func TestExecuteCancelledBetweenIterations(t *testing.T) {
	agent := &scriptedAgent{responses: []string{mediumResponse()}}
	h := newHarness(t, agent, t.TempDir())

	task, session := h.startTask(t, &models.WorkItem{
		Type:  models.TypeTask,
		Title: "long haul",
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.executor.Execute(ctx, task, session)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
