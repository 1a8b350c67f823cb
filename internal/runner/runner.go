// Package runner is the outer run loop: it recovers state left by a
// previous process, pulls runnable tasks from the scheduler, executes
// them in parallel workers, and feeds each outcome back into the state
// machine until the project drains.
package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomctl/loom/internal/agentapi"
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/executor"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/scheduler"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/window"
	"github.com/loomctl/loom/pkg/models"
)

// defaultPollInterval paces the loop when nothing is runnable.
const defaultPollInterval = 250 * time.Millisecond

// Stats summarizes one Run.
type Stats struct {
	// Completed counts tasks that reached completed.
	Completed int
	// Failed counts tasks that ended failed or were sent to retry.
	Failed int
	// Blocked counts tasks that escalated to a breakpoint.
	Blocked int
	// Recovered counts stale running tasks failed over at startup.
	Recovered int
}

// Runner drives a project's queue to empty.
type Runner struct {
	db      *store.DB
	sched   *scheduler.Scheduler
	exec    *executor.Executor
	windows *window.Manager
	agent   agentapi.Agent
	gate    *Gate
	debug   *logging.DebugLogger

	maxParallel int
	poll        time.Duration
}

// Params collects the runner's collaborators.
type Params struct {
	DB          *store.DB
	Scheduler   *scheduler.Scheduler
	Executor    *executor.Executor
	Windows     *window.Manager
	Agent       agentapi.Agent
	Gate        *Gate
	Debug       *logging.DebugLogger
	MaxParallel int
	// PollInterval overrides the idle pacing; zero means the default.
	PollInterval time.Duration
}

// New creates a Runner.
func New(p Params) *Runner {
	r := &Runner{
		db:          p.DB,
		sched:       p.Scheduler,
		exec:        p.Executor,
		windows:     p.Windows,
		agent:       p.Agent,
		gate:        p.Gate,
		debug:       p.Debug,
		maxParallel: p.MaxParallel,
		poll:        p.PollInterval,
	}
	if r.gate == nil {
		r.gate = NewGate()
	}
	if r.maxParallel < 1 {
		r.maxParallel = 1
	}
	if r.poll <= 0 {
		r.poll = defaultPollInterval
	}
	return r
}

// Gate returns the pause gate so callers can pause and resume the loop.
func (r *Runner) Gate() *Gate {
	return r.gate
}

// Run pulls and executes tasks until the project drains: no task is
// ready, running, or waiting on a retry timer. Tasks left blocked on
// breakpoints do not keep the loop alive; resolving them and running
// again picks the work back up. A dependency deadlock aborts the run.
func (r *Runner) Run(ctx context.Context, projectID int64) (Stats, error) {
	var stats Stats

	recovered, err := r.recover(projectID)
	if err != nil {
		return stats, err
	}
	stats.Recovered = recovered

	if err := r.ensureSession(projectID); err != nil {
		return stats, err
	}

	var completed, failed, blocked atomic.Int32
	var inflight atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)

	var interrupted, drainedExit bool

	for {
		if err := gctx.Err(); err != nil {
			interrupted = true
			break
		}
		if err := r.gate.Wait(gctx); err != nil {
			interrupted = true
			break
		}

		task, err := r.sched.Next(projectID)
		if err != nil {
			// Deadlocks and store failures both abort the run.
			_ = g.Wait()
			return r.collect(&stats, &completed, &failed, &blocked), err
		}

		if task == nil {
			if inflight.Load() > 0 {
				r.sleep(gctx)
				continue
			}
			drained, err := r.drained(projectID)
			if err != nil {
				_ = g.Wait()
				return r.collect(&stats, &completed, &failed, &blocked), err
			}
			if drained {
				drainedExit = true
				break
			}
			// Retry timers still pending; wait for them to release work.
			r.sleep(gctx)
			continue
		}

		inflight.Add(1)
		t := task
		g.Go(func() error {
			defer inflight.Add(-1)
			outcome, err := r.runTask(gctx, t)
			if err != nil {
				return err
			}
			switch outcome {
			case models.OutcomeSuccess, models.OutcomeSuccessWithLimits:
				completed.Add(1)
			case models.OutcomeBlocked:
				blocked.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.abandonSession(projectID)
		return r.collect(&stats, &completed, &failed, &blocked), err
	}
	final := r.collect(&stats, &completed, &failed, &blocked)
	if interrupted {
		r.abandonSession(projectID)
	}
	if err := ctx.Err(); err != nil {
		return final, errkind.Wrap(err, errkind.Cancelled, "runner", "run cancelled")
	}
	if drainedExit {
		if err := r.closeSession(projectID, final); err != nil {
			return final, err
		}
	}
	return final, nil
}

// closeSession completes the project's active session once the queue
// drains, stamping a summary of the run.
func (r *Runner) closeSession(projectID int64, stats Stats) error {
	session, err := r.windows.ActiveSession(projectID)
	if err != nil {
		if errkind.IsKind(err, errkind.NotFound) {
			return nil
		}
		return err
	}
	summary := fmt.Sprintf("run drained: %d completed, %d failed, %d blocked",
		stats.Completed, stats.Failed, stats.Blocked)
	return r.windows.Close(session.ID, summary)
}

// abandonSession marks the active session abandoned after an
// interrupted run. Best effort: the next run starts fresh either way.
func (r *Runner) abandonSession(projectID int64) {
	session, err := r.windows.ActiveSession(projectID)
	if err != nil {
		if !errkind.IsKind(err, errkind.NotFound) {
			r.debug.Log("[runner] abandon session lookup: %v", err)
		}
		return
	}
	if err := r.windows.Abandon(session.ID); err != nil {
		r.debug.Log("[runner] abandon session %s: %v", session.ID, err)
	}
}

// runTask executes one task and feeds the outcome back into the
// scheduler. Execution errors are recorded as failures rather than
// aborting the loop, except for store-level failures.
func (r *Runner) runTask(ctx context.Context, task *models.WorkItem) (models.Outcome, error) {
	session, err := r.windows.ActiveSession(task.ProjectID)
	if err != nil {
		return "", err
	}

	res, err := r.exec.Execute(ctx, task, session)
	if err != nil {
		if errkind.IsKind(err, errkind.Cancelled) {
			// Shutdown; the task stays failed->retrying for the next run.
			if ferr := r.sched.Fail(task.ID, errkind.Unavailable, "run interrupted"); ferr != nil {
				return "", ferr
			}
			return models.OutcomeFailed, nil
		}
		kind := errkind.KindOf(err)
		if kind == "" {
			kind = errkind.Unavailable
		}
		r.debug.Log("[runner] task %d execution error (%s): %v", task.ID, kind, err)
		if ferr := r.sched.Fail(task.ID, kind, err.Error()); ferr != nil {
			return "", ferr
		}
		return models.OutcomeFailed, nil
	}

	switch res.Outcome {
	case models.OutcomeSuccess, models.OutcomeSuccessWithLimits:
		if err := r.sched.Complete(task.ID); err != nil {
			return "", err
		}
	case models.OutcomePartial:
		if err := r.sched.Fail(task.ID, errkind.ProtocolError, "partial deliverables after turn exhaustion"); err != nil {
			return "", err
		}
	case models.OutcomeFailed:
		if err := r.sched.Fail(task.ID, errkind.ProtocolError, "no usable deliverables"); err != nil {
			return "", err
		}
	case models.OutcomeBlocked:
		// The executor already raised the breakpoint and blocked the task.
	}
	return res.Outcome, nil
}

// recover fails over tasks left running by a dead process and releases
// retry wakeups whose scheduled time has passed.
func (r *Runner) recover(projectID int64) (int, error) {
	var stale []*models.WorkItem
	err := r.db.View(func(tx *store.Tx) error {
		var err error
		stale, err = tx.ListWorkItemsByStatus(projectID, models.StatusRunning)
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, item := range stale {
		if err := r.sched.Fail(item.ID, errkind.Unavailable, "recovered after restart"); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		r.debug.Log("[runner] recovered %d tasks left running by a previous process", len(stale))
	}

	released, err := r.sched.ReleaseDue(projectID)
	if err != nil {
		return len(stale), err
	}
	if released > 0 {
		r.debug.Log("[runner] released %d overdue retries", released)
	}
	return len(stale), nil
}

// ensureSession guarantees the project has an active session before
// dispatching.
func (r *Runner) ensureSession(projectID int64) error {
	_, err := r.windows.ActiveSession(projectID)
	if err == nil {
		return nil
	}
	if !errkind.IsKind(err, errkind.NotFound) {
		return err
	}
	limit := r.windows.ResolveLimit(r.agent)
	_, err = r.windows.StartSession(projectID, nil, limit)
	return err
}

// drained reports whether nothing will become runnable on its own:
// no executable task is ready, running, or retrying. Pending tasks
// at that point are gated on failed, cancelled, or blocked work.
func (r *Runner) drained(projectID int64) (bool, error) {
	var live int
	err := r.db.View(func(tx *store.Tx) error {
		items, err := tx.ListWorkItemsByStatus(projectID,
			models.StatusReady, models.StatusRunning, models.StatusRetrying)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.Type == models.TypeTask || item.Type == models.TypeSubtask {
				live++
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return live == 0, nil
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.poll):
	}
}

func (r *Runner) collect(stats *Stats, completed, failed, blocked *atomic.Int32) Stats {
	stats.Completed = int(completed.Load())
	stats.Failed = int(failed.Load())
	stats.Blocked = int(blocked.Load())
	return *stats
}
