// Package breakpoint manages execution pauses that need external
// resolution: a raised breakpoint blocks its task until an operator
// resolves it with a continue or cancel disposition.
package breakpoint

import (
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/scheduler"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/models"
)

// Disposition is the operator's choice when resolving a breakpoint.
type Disposition string

const (
	// Continue returns the task to the ready queue.
	Continue Disposition = "continue"
	// CancelTask terminally cancels the task.
	CancelTask Disposition = "cancel"
)

// Manager raises and resolves breakpoints. Status transitions go
// through the scheduler; this package owns only the breakpoint records.
type Manager struct {
	db        *store.DB
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	debug     *logging.DebugLogger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus sets the event bus breakpoint_raised is announced on.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithDebugLogger sets the debug logger.
func WithDebugLogger(dl *logging.DebugLogger) Option {
	return func(m *Manager) { m.debug = dl }
}

// NewManager creates a breakpoint manager bound to a store and
// scheduler.
func NewManager(db *store.DB, sched *scheduler.Scheduler, opts ...Option) *Manager {
	m := &Manager{db: db, scheduler: sched}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Raise pauses a running task: it transitions to blocked, the record
// persists, and the breakpoint id is returned as the resolution handle.
func (m *Manager) Raise(taskID int64, reason string) (*models.Breakpoint, error) {
	if err := m.scheduler.Block(taskID, "breakpoint: "+reason); err != nil {
		return nil, err
	}

	bp := &models.Breakpoint{TaskID: taskID, Reason: reason}
	err := m.db.Update(func(tx *store.Tx) error {
		return tx.CreateBreakpoint(bp)
	})
	if err != nil {
		return nil, err
	}

	m.debug.Log("[breakpoint] raised %d on task %d: %s", bp.ID, taskID, reason)

	var projectID int64
	m.db.View(func(tx *store.Tx) error {
		if item, err := tx.GetWorkItem(taskID); err == nil {
			projectID = item.ProjectID
		}
		return nil
	})
	m.bus.Emit(events.Event{
		Type:      events.EventBreakpointRaised,
		ProjectID: projectID,
		TaskID:    taskID,
		Reason:    reason,
	})
	return bp, nil
}

// Resolve closes a breakpoint with a note. Continue returns the task to
// ready; cancel terminates it. Resolving twice returns StateError.
func (m *Manager) Resolve(breakpointID int64, note string, disposition Disposition) error {
	var taskID int64
	err := m.db.Update(func(tx *store.Tx) error {
		bp, err := tx.GetBreakpoint(breakpointID)
		if err != nil {
			return err
		}
		taskID = bp.TaskID
		return tx.ResolveBreakpoint(breakpointID, note)
	})
	if err != nil {
		return err
	}

	switch disposition {
	case Continue:
		// Other unresolved breakpoints keep gating Next.
		return m.scheduler.Unblock(taskID, "breakpoint resolved")
	case CancelTask:
		return m.scheduler.Cancel(taskID, "breakpoint resolution: "+note)
	default:
		return errkind.New(errkind.Validation, "breakpoint",
			"unknown disposition %q", disposition)
	}
}

// Open returns the unresolved breakpoints for a task.
func (m *Manager) Open(taskID int64) ([]*models.Breakpoint, error) {
	var bps []*models.Breakpoint
	err := m.db.View(func(tx *store.Tx) error {
		var err error
		bps, err = tx.OpenBreakpoints(taskID)
		return err
	})
	return bps, err
}
