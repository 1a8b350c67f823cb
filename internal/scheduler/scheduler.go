// Package scheduler owns the work-item state machine. Every status
// transition in the system goes through it, persists atomically with
// its cause, and is announced on the event bus. It exposes a pull-based
// queue: Next promotes the highest effective-priority ready item to
// running.
package scheduler

import (
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/graph"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/models"
)

// metadata key recording why the last transition happened.
const metaLastCause = "last_cause"

// allowedTransitions is the full transition table. Absence means
// StateError.
var allowedTransitions = map[models.WorkItemStatus][]models.WorkItemStatus{
	models.StatusPending:  {models.StatusReady, models.StatusCancelled},
	models.StatusReady:    {models.StatusRunning, models.StatusCancelled},
	models.StatusRunning:  {models.StatusCompleted, models.StatusFailed, models.StatusBlocked, models.StatusCancelled},
	models.StatusFailed:   {models.StatusRetrying, models.StatusCancelled},
	models.StatusRetrying: {models.StatusReady, models.StatusCancelled},
	models.StatusBlocked:  {models.StatusReady, models.StatusCancelled},
}

func transitionAllowed(from, to models.WorkItemStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Scheduler coordinates work-item transitions for all projects backed
// by one store. A process-wide mutex guards queue decisions; record
// writes additionally rely on the store's optimistic versioning.
type Scheduler struct {
	// db is the store of record.
	db *store.DB
	// retry holds the backoff policy.
	retry config.RetryConfig
	// bus receives transition events; may be nil.
	bus *events.Bus
	// debug is the optional debug logger.
	debug *logging.DebugLogger
	// timers holds pending retry wakeups keyed by task id.
	timers map[int64]*time.Timer
	// now is the clock, replaceable in tests.
	now func() time.Time
	// mu protects timers and serializes queue decisions.
	mu sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBus sets the event bus transitions are announced on.
func WithBus(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithDebugLogger sets the debug logger.
func WithDebugLogger(dl *logging.DebugLogger) Option {
	return func(s *Scheduler) { s.debug = dl }
}

// WithClock replaces the clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler over the given store with the given retry
// policy.
func New(db *store.DB, retry config.RetryConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:     db,
		retry:  retry,
		timers: make(map[int64]*time.Timer),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stop cancels all pending retry wakeups.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Schedule creates a work item in the queue. Items with all
// dependencies already completed (or none) enter as ready, others as
// pending. If the item's metadata carries an idempotency key seen
// before in the project, the previously created item is returned and
// nothing changes.
func (s *Scheduler) Schedule(item *models.WorkItem) (*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *models.WorkItem
	err := s.db.Update(func(tx *store.Tx) error {
		item.Status = models.StatusPending
		created, err := tx.CreateWorkItem(item)
		if err == store.ErrDuplicateKey {
			out = created
			return nil
		}
		if err != nil {
			return err
		}

		n, err := tx.CountIncompleteDependencies(created.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := s.transition(tx, created, models.StatusReady, "dependencies satisfied"); err != nil {
				return err
			}
		}
		out = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Next returns the highest effective-priority ready item of a project
// and marks it running in the same transaction, or nil when nothing is
// runnable. Before promoting it verifies the live dependency graph of
// pending and ready items is acyclic; a cycle fails fast with a
// Deadlock error naming the participants.
func (s *Scheduler) Next(projectID int64) (*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var picked *models.WorkItem
	err := s.db.Update(func(tx *store.Tx) error {
		if cycle, err := s.findCycle(tx, projectID); err != nil {
			return err
		} else if cycle != nil {
			return errkind.NewDeadlock("scheduler", cycle)
		}

		candidates, err := tx.ListWorkItemsByStatus(projectID, models.StatusReady)
		if err != nil {
			return err
		}

		now := s.now()
		var best *models.WorkItem
		bestPriority := 0
		for _, c := range candidates {
			// Dependencies can be added after promotion; re-verify.
			n, err := tx.CountIncompleteDependencies(c.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			open, err := tx.OpenBreakpoints(c.ID)
			if err != nil {
				return err
			}
			if len(open) > 0 {
				continue
			}

			p, err := s.effectivePriority(tx, c, now)
			if err != nil {
				return err
			}
			// Boosts can lift a lower-base item level with a higher
			// one, so ties break on creation time explicitly.
			if best == nil || p > bestPriority || (p == bestPriority && createdBefore(c, best)) {
				best, bestPriority = c, p
			}
		}
		if best == nil {
			return nil
		}

		best.Attempts++
		if err := s.transition(tx, best, models.StatusRunning, "picked by next"); err != nil {
			return err
		}
		picked = best
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

func createdBefore(a, b *models.WorkItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Complete marks a running task completed and, in the same transaction,
// promotes every dependent whose dependencies are now all completed.
// Completing an already completed task is a no-op.
func (s *Scheduler) Complete(taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(taskID)
		if err != nil {
			return err
		}
		if item.Status == models.StatusCompleted {
			return nil
		}
		if err := s.transition(tx, item, models.StatusCompleted, "completed"); err != nil {
			return err
		}
		if err := stampRetryOutcome(tx, taskID, "completed"); err != nil {
			return err
		}

		dependents, err := tx.DependentsOf(taskID)
		if err != nil {
			return err
		}
		for _, depID := range dependents {
			dep, err := tx.GetWorkItem(depID)
			if errkind.IsKind(err, errkind.NotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if dep.Status != models.StatusPending {
				continue
			}
			n, err := tx.CountIncompleteDependencies(depID)
			if err != nil {
				return err
			}
			if n == 0 {
				if err := s.transition(tx, dep, models.StatusReady, "dependencies satisfied"); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Fail records a failure of a running task. Non-retryable kinds
// (validation, authentication, not found, user cancellation) end the
// task as failed. Retryable kinds within the attempt budget move it to
// retrying with an exponential-backoff delay and a scheduled wakeup.
func (s *Scheduler) Fail(taskID int64, kind errkind.Kind, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wakeup time.Duration
	retrying := false
	err := s.db.Update(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(taskID)
		if err != nil {
			return err
		}
		if err := s.transition(tx, item, models.StatusFailed, cause); err != nil {
			return err
		}
		if err := stampRetryOutcome(tx, taskID, "failed"); err != nil {
			return err
		}

		if !kind.Retryable() || item.Attempts >= item.MaxAttempts {
			return nil
		}

		delay := s.retryDelay(item.Attempts)
		if err := s.transition(tx, item, models.StatusRetrying, "retry scheduled"); err != nil {
			return err
		}
		record := &models.RetryRecord{
			TaskID:      taskID,
			Attempt:     item.Attempts,
			ScheduledAt: s.now().Add(delay),
			Delay:       delay,
		}
		if err := tx.CreateRetryRecord(record); err != nil {
			return err
		}
		wakeup = delay
		retrying = true
		return nil
	})
	if err != nil {
		return err
	}
	if retrying {
		s.armTimerLocked(taskID, wakeup)
	}
	return nil
}

// Retry moves a failed task back into the retrying state if budget
// remains, with the same backoff policy Fail applies.
func (s *Scheduler) Retry(taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wakeup time.Duration
	err := s.db.Update(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(taskID)
		if err != nil {
			return err
		}
		if item.Attempts >= item.MaxAttempts {
			return errkind.New(errkind.BudgetExhausted, "scheduler",
				"task %d has no retry budget (%d/%d attempts)", taskID, item.Attempts, item.MaxAttempts)
		}
		delay := s.retryDelay(item.Attempts)
		if err := s.transition(tx, item, models.StatusRetrying, "manual retry"); err != nil {
			return err
		}
		record := &models.RetryRecord{
			TaskID:      taskID,
			Attempt:     item.Attempts,
			ScheduledAt: s.now().Add(delay),
			Delay:       delay,
		}
		if err := tx.CreateRetryRecord(record); err != nil {
			return err
		}
		wakeup = delay
		return nil
	})
	if err != nil {
		return err
	}
	s.armTimerLocked(taskID, wakeup)
	return nil
}

// Release returns a retrying task to ready. Normally invoked by the
// retry wakeup timer; safe to call directly for recovery.
func (s *Scheduler) Release(taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(taskID)
}

func (s *Scheduler) releaseLocked(taskID int64) error {
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
	return s.db.Update(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(taskID)
		if err != nil {
			return err
		}
		if item.Status != models.StatusRetrying {
			// Timer raced a cancel or manual release.
			return nil
		}
		return s.transition(tx, item, models.StatusReady, "retry delay elapsed")
	})
}

// ReleaseDue returns every retrying task of a project whose scheduled
// retry time has passed. Used at startup to recover wakeups lost with
// the previous process.
func (s *Scheduler) ReleaseDue(projectID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.RetryRecord
	err := s.db.View(func(tx *store.Tx) error {
		var err error
		due, err = tx.DueRetries(projectID, s.now())
		return err
	})
	if err != nil {
		return 0, err
	}

	released := 0
	seen := make(map[int64]bool)
	for _, r := range due {
		if seen[r.TaskID] {
			continue
		}
		seen[r.TaskID] = true
		if err := s.releaseLocked(r.TaskID); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Block moves a running task to blocked. Used by breakpoints.
func (s *Scheduler) Block(taskID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(taskID)
		if err != nil {
			return err
		}
		return s.transition(tx, item, models.StatusBlocked, reason)
	})
}

// Unblock returns a blocked task to ready after its breakpoint is
// resolved.
func (s *Scheduler) Unblock(taskID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(taskID)
		if err != nil {
			return err
		}
		return s.transition(tx, item, models.StatusReady, reason)
	})
}

// Cancel terminally cancels a task from any non-terminal state,
// recording the reason.
func (s *Scheduler) Cancel(taskID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
	return s.db.Update(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(taskID)
		if err != nil {
			return err
		}
		if item.Status.Terminal() {
			return errkind.New(errkind.StateError, "scheduler",
				"task %d is already terminal (%s)", taskID, item.Status)
		}
		if err := s.transition(tx, item, models.StatusCancelled, reason); err != nil {
			return err
		}
		return stampRetryOutcome(tx, taskID, "cancelled")
	})
}

// stampRetryOutcome closes the task's newest retry record, if one is
// still open, with how the attempt it scheduled actually ended.
func stampRetryOutcome(tx *store.Tx, taskID int64, outcome string) error {
	records, err := tx.ListRetries(taskID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	last := records[len(records)-1]
	if last.Outcome != "" {
		return nil
	}
	return tx.SetRetryOutcome(last.ID, outcome)
}

// DetectDeadlock reports one cycle among a project's pending and ready
// items, or nil when the live graph is acyclic.
func (s *Scheduler) DetectDeadlock(projectID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cycle []int64
	err := s.db.View(func(tx *store.Tx) error {
		var err error
		cycle, err = s.findCycle(tx, projectID)
		return err
	})
	return cycle, err
}

func (s *Scheduler) findCycle(tx *store.Tx, projectID int64) ([]int64, error) {
	items, err := tx.ListWorkItemsByStatus(projectID, models.StatusPending, models.StatusReady)
	if err != nil {
		return nil, err
	}
	live := make(map[int64]bool, len(items))
	g := graph.New(nil)
	for _, item := range items {
		live[item.ID] = true
		g.AddNode(item.ID)
	}

	edges, err := tx.ListDependencyEdges(projectID)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if live[e.DependentID] && live[e.DependsOnID] {
			g.AddEdge(e.DependentID, e.DependsOnID)
		}
	}
	return g.FindCycle(), nil
}

// transition validates the status change against the table, persists
// the item with the cause recorded, and emits task_state_changed.
func (s *Scheduler) transition(tx *store.Tx, item *models.WorkItem, to models.WorkItemStatus, cause string) error {
	from := item.Status
	if !transitionAllowed(from, to) {
		return errkind.New(errkind.StateError, "scheduler",
			"illegal transition %s -> %s for task %d", from, to, item.ID)
	}

	item.Status = to
	if item.Metadata == nil {
		item.Metadata = models.Metadata{}
	}
	item.Metadata[metaLastCause] = cause
	if err := tx.UpdateWorkItem(item); err != nil {
		return err
	}

	s.debug.Log("[scheduler] task %d: %s -> %s (%s)", item.ID, from, to, cause)
	s.bus.Emit(events.Event{
		Type:      events.EventTaskStateChanged,
		ProjectID: item.ProjectID,
		TaskID:    item.ID,
		From:      string(from),
		To:        string(to),
		Reason:    cause,
	})
	return nil
}

// effectivePriority applies the read-time boosts: +2 when a metadata
// deadline is within 24h, +1 when more than three dependents wait on
// the item, +1 when retrying after an attempt that looked promising.
// The result is clamped to the base priority range.
func (s *Scheduler) effectivePriority(tx *store.Tx, item *models.WorkItem, now time.Time) (int, error) {
	p := item.Priority

	if deadline, ok := item.Metadata.Deadline(); ok {
		if deadline.Sub(now) <= 24*time.Hour {
			p += 2
		}
	}

	dependents, err := tx.DependentsOf(item.ID)
	if err != nil {
		return 0, err
	}
	waiting := 0
	for _, depID := range dependents {
		dep, err := tx.GetWorkItem(depID)
		if errkind.IsKind(err, errkind.NotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !dep.Status.Terminal() {
			waiting++
		}
	}
	if waiting > 3 {
		p++
	}

	if item.Attempts > 0 {
		promising, err := s.lastAttemptPromising(tx, item.ID)
		if err != nil {
			return 0, err
		}
		if promising {
			p++
		}
	}

	return models.ClampPriority(p), nil
}

// lastAttemptPromising reports whether the task's most recent iteration
// passed validation or scored at least 0.5 quality.
func (s *Scheduler) lastAttemptPromising(tx *store.Tx, taskID int64) (bool, error) {
	iterations, err := tx.ListIterationsByTask(taskID)
	if err != nil {
		return false, err
	}
	if len(iterations) == 0 {
		return false, nil
	}
	last := iterations[len(iterations)-1]
	return last.ValidationOK || last.Quality >= 0.5, nil
}

// retryDelay computes base * factor^(attempt-1) with jitter, floored at
// the base delay.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	base := s.retry.BaseDelay()
	if base <= 0 {
		base = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	factor := s.retry.Factor
	if factor < 1 {
		factor = 2.0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = factor
	b.RandomizationFactor = s.retry.Jitter
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d < base {
		d = base
	}
	return d
}

// armTimerLocked schedules the retrying -> ready wakeup. Callers hold mu.
func (s *Scheduler) armTimerLocked(taskID int64, delay time.Duration) {
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
	}
	s.timers[taskID] = time.AfterFunc(delay, func() {
		if err := s.Release(taskID); err != nil {
			s.debug.Log("[scheduler] release task %d after retry delay: %v", taskID, err)
		}
	})
}
