package models

import "time"

// SessionStatus represents the state of an execution session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
	SessionRefreshed SessionStatus = "refreshed"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionAbandoned, SessionRefreshed:
		return true
	default:
		return false
	}
}

// TokenUsage is the four-way token breakdown reported by the agent for
// one response, and the cumulative ledger shape on sessions.
type TokenUsage struct {
	// Input is the number of non-cached input tokens.
	Input int64 `json:"input"`
	// CacheRead is the number of cache-read input tokens.
	CacheRead int64 `json:"cache_read"`
	// CacheCreation is the number of cache-creation input tokens.
	CacheCreation int64 `json:"cache_creation"`
	// Output is the number of output tokens.
	Output int64 `json:"output"`
}

// Total returns the sum of all four token counts.
func (u TokenUsage) Total() int64 {
	return u.Input + u.CacheRead + u.CacheCreation + u.Output
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Input:         u.Input + other.Input,
		CacheRead:     u.CacheRead + other.CacheRead,
		CacheCreation: u.CacheCreation + other.CacheCreation,
		Output:        u.Output + other.Output,
	}
}

// Session is the continuous agent context shared across iterations
// until a refresh produces a successor.
type Session struct {
	// ID is a caller-assigned UUID.
	ID string `json:"id"`
	// ProjectID is the owning project.
	ProjectID int64 `json:"project_id"`
	// MilestoneID optionally scopes the session to a milestone.
	MilestoneID *int64 `json:"milestone_id,omitempty"`
	// StartedAt is when the session began.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the session closed, if it has.
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// Status is the current session state.
	Status SessionStatus `json:"status"`
	// Tokens is the cumulative ledger across all iterations.
	Tokens TokenUsage `json:"tokens"`
	// Summary is set when the session ends or is refreshed.
	Summary string `json:"summary,omitempty"`
	// WindowLimit is the effective context-window token budget.
	WindowLimit int64 `json:"window_limit"`
	// SuccessorID is the id of the session created by a refresh.
	SuccessorID string `json:"successor_id,omitempty"`
	// Version is the optimistic-concurrency counter.
	Version int64 `json:"version"`
}

// Utilization returns cumulative tokens divided by the window limit.
// Returns 0 when no limit is set.
func (s *Session) Utilization() float64 {
	if s.WindowLimit <= 0 {
		return 0
	}
	return float64(s.Tokens.Total()) / float64(s.WindowLimit)
}

// Iteration is one prompt/response round with the agent inside a task
// execution. Rows never mutate after EndedAt is set.
type Iteration struct {
	// ID is the store-assigned identifier.
	ID int64 `json:"id"`
	// TaskID is the executing work item.
	TaskID int64 `json:"task_id"`
	// SessionID is the session the iteration ran in.
	SessionID string `json:"session_id"`
	// Index is the 1-based position within the execution.
	Index int `json:"index"`
	// PromptDigest is a short hash of the dispatched prompt.
	PromptDigest string `json:"prompt_digest"`
	// ResponseDigest is a short hash of the agent response.
	ResponseDigest string `json:"response_digest"`
	// Tokens is the per-response breakdown.
	Tokens TokenUsage `json:"tokens"`
	// ValidationOK records whether structural validation passed.
	ValidationOK bool `json:"validation_ok"`
	// Quality is the quality-control score in [0..1].
	Quality float64 `json:"quality"`
	// Confidence is the ensemble confidence score in [0..1].
	Confidence float64 `json:"confidence"`
	// Decision is the decision-engine label applied after scoring.
	Decision string `json:"decision"`
	// StartedAt is when the iteration began.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the iteration finished.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// Checkpoint is an append-only working-memory snapshot for a session.
type Checkpoint struct {
	// ID is the store-assigned identifier.
	ID int64 `json:"id"`
	// SessionID is the owning session.
	SessionID string `json:"session_id"`
	// Index increases monotonically per session.
	Index int `json:"index"`
	// Snapshot is the serialized working memory.
	Snapshot string `json:"snapshot"`
	// CreatedAt is when the checkpoint was taken.
	CreatedAt time.Time `json:"created_at"`
}

// Breakpoint records a pause requiring external resolution before the
// owning task can resume.
type Breakpoint struct {
	// ID is the store-assigned identifier.
	ID int64 `json:"id"`
	// TaskID is the blocked work item.
	TaskID int64 `json:"task_id"`
	// Reason explains why execution paused.
	Reason string `json:"reason"`
	// CreatedAt is when the breakpoint was raised.
	CreatedAt time.Time `json:"created_at"`
	// ResolvedAt is when the breakpoint was resolved, if it has been.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	// Note is the resolution note.
	Note string `json:"note,omitempty"`
}

// Resolved returns true if the breakpoint has been resolved.
func (b *Breakpoint) Resolved() bool {
	return b.ResolvedAt != nil
}

// RetryRecord captures one scheduled retry of a task.
type RetryRecord struct {
	// ID is the store-assigned identifier.
	ID int64 `json:"id"`
	// TaskID is the retried work item.
	TaskID int64 `json:"task_id"`
	// Attempt is the attempt index the retry was scheduled for.
	Attempt int `json:"attempt"`
	// ScheduledAt is when the task becomes ready again.
	ScheduledAt time.Time `json:"scheduled_at"`
	// Delay is the backoff delay that was applied.
	Delay time.Duration `json:"delay"`
	// Outcome records what the retry led to, once known.
	Outcome string `json:"outcome,omitempty"`
}

// Outcome classifies how a task execution ended. Partial and
// success-with-limits are produced only by deliverable assessment.
type Outcome string

const (
	// OutcomeSuccess means the task completed within its limits.
	OutcomeSuccess Outcome = "success"
	// OutcomeSuccessWithLimits means the turn cap was hit but
	// deliverables were acceptable (quality >= 0.7, files present).
	OutcomeSuccessWithLimits Outcome = "success_with_limits"
	// OutcomePartial means some usable deliverables were produced.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed means no acceptable deliverables were produced.
	OutcomeFailed Outcome = "failed"
	// OutcomeBlocked means execution escalated to a breakpoint.
	OutcomeBlocked Outcome = "blocked"
)
