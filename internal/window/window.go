// Package window manages execution sessions and their context-window
// budget: the cumulative token ledger, utilization zones, checkpoints,
// and the refresh that carries compressed context into a successor
// session.
package window

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/agentapi"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/llm"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/models"
)

// Zone classifies session utilization against the configured
// thresholds.
type Zone string

const (
	ZoneGreen     Zone = "green"
	ZoneYellow    Zone = "yellow"
	ZoneOrange    Zone = "orange"
	ZoneRed       Zone = "red"
	ZoneEmergency Zone = "emergency"
)

// ZoneFor maps a utilization ratio onto a zone.
func ZoneFor(utilization float64, zones config.ZonesConfig) Zone {
	switch {
	case utilization >= zones.Emergency:
		return ZoneEmergency
	case utilization >= zones.Red:
		return ZoneRed
	case utilization >= zones.Orange:
		return ZoneOrange
	case utilization >= zones.Yellow:
		return ZoneYellow
	default:
		return ZoneGreen
	}
}

// Profile tunes context-management behavior to the window size.
type Profile struct {
	// Name identifies the profile.
	Name string
	// SummarizeThreshold is the utilization at which summarization of
	// older material should begin.
	SummarizeThreshold float64
	// RetainIterations is how many recent iterations keep full detail.
	RetainIterations int
	// CheckpointEvery is the checkpoint cadence in iterations.
	CheckpointEvery int
}

// ProfileForLimit selects the optimization profile for a window size.
// Small windows manage context aggressively; large ones barely at all.
func ProfileForLimit(limit int64) Profile {
	switch {
	case limit < 8_000:
		return Profile{Name: "ultra-aggressive", SummarizeThreshold: 0.30, RetainIterations: 1, CheckpointEvery: 1}
	case limit < 32_000:
		return Profile{Name: "aggressive", SummarizeThreshold: 0.40, RetainIterations: 2, CheckpointEvery: 2}
	case limit < 100_000:
		return Profile{Name: "balanced-aggressive", SummarizeThreshold: 0.50, RetainIterations: 4, CheckpointEvery: 3}
	case limit < 250_000:
		return Profile{Name: "balanced", SummarizeThreshold: 0.60, RetainIterations: 8, CheckpointEvery: 5}
	default:
		return Profile{Name: "minimal", SummarizeThreshold: 0.75, RetainIterations: 16, CheckpointEvery: 10}
	}
}

// ProfileByName returns a named profile, or ok=false for "auto" and
// unknown names.
func ProfileByName(name string) (Profile, bool) {
	for _, limit := range []int64{4_000, 16_000, 64_000, 160_000, 400_000} {
		p := ProfileForLimit(limit)
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// Manager owns sessions: creation, the token ledger, zone tracking,
// checkpoints, and refresh. It is the single writer of session rows.
type Manager struct {
	// db is the store of record.
	db *store.DB
	// cfg holds zones, limits, and refresh policy.
	cfg config.SessionConfig
	// supervisor summarizes sessions on refresh; may be nil.
	supervisor llm.Supervisor
	// bus receives session_refreshed events; may be nil.
	bus *events.Bus
	// debug is the optional debug logger.
	debug *logging.DebugLogger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus sets the event bus.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithDebugLogger sets the debug logger.
func WithDebugLogger(dl *logging.DebugLogger) Option {
	return func(m *Manager) { m.debug = dl }
}

// NewManager creates a session manager. supervisor may be nil; refresh
// then always uses the deterministic digest fallback.
func NewManager(db *store.DB, cfg config.SessionConfig, supervisor llm.Supervisor, opts ...Option) *Manager {
	m := &Manager{db: db, cfg: cfg, supervisor: supervisor}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ResolveLimit determines the effective window limit: an explicit
// configured number wins, then the agent-published capability, then the
// conservative default.
func (m *Manager) ResolveLimit(agent agentapi.Agent) int64 {
	if m.cfg.ContextWindow.Limit != "" && m.cfg.ContextWindow.Limit != "auto" {
		var limit int64
		if _, err := fmt.Sscanf(m.cfg.ContextWindow.Limit, "%d", &limit); err == nil && limit > 0 {
			return limit
		}
	}
	if limiter, ok := agent.(agentapi.ContextLimiter); ok {
		if limit := limiter.ContextLimit(); limit > 0 {
			return limit
		}
	}
	return agentapi.DefaultContextLimit
}

// Profile returns the active optimization profile: the configured name
// if set and known, otherwise auto-selection by window limit.
func (m *Manager) Profile(limit int64) Profile {
	if name := m.cfg.OptimizationProfile; name != "" && name != "auto" {
		if p, ok := ProfileByName(name); ok {
			return p
		}
	}
	return ProfileForLimit(limit)
}

// StartSession creates a new active session with a fresh UUID.
func (m *Manager) StartSession(projectID int64, milestoneID *int64, limit int64) (*models.Session, error) {
	s := &models.Session{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		MilestoneID: milestoneID,
		Status:      models.SessionActive,
		WindowLimit: limit,
	}
	err := m.db.Update(func(tx *store.Tx) error {
		return tx.CreateSession(s)
	})
	if err != nil {
		return nil, err
	}
	m.debug.Log("[window] started session %s (limit=%d, profile=%s)",
		s.ID, limit, m.Profile(limit).Name)
	return s, nil
}

// ActiveSession returns the project's active session or NotFound.
func (m *Manager) ActiveSession(projectID int64) (*models.Session, error) {
	var s *models.Session
	err := m.db.View(func(tx *store.Tx) error {
		var err error
		s, err = tx.ActiveSession(projectID)
		return err
	})
	return s, err
}

// Close marks an active session completed, stamping the end time and
// the closing summary. Used when a run drains its queue.
func (m *Manager) Close(sessionID, summary string) error {
	return m.end(sessionID, models.SessionCompleted, summary)
}

// Abandon marks an active session abandoned. Used when a run is
// interrupted before it drains; the next run starts a fresh session.
func (m *Manager) Abandon(sessionID string) error {
	return m.end(sessionID, models.SessionAbandoned, "")
}

func (m *Manager) end(sessionID string, status models.SessionStatus, summary string) error {
	err := m.db.Update(func(tx *store.Tx) error {
		s, err := tx.GetSession(sessionID)
		if err != nil {
			return err
		}
		if s.Status != models.SessionActive {
			return errkind.New(errkind.StateError, "window",
				"session %s is %s, not active", sessionID, s.Status)
		}
		now := time.Now().UTC()
		s.Status = status
		s.EndedAt = &now
		if summary != "" {
			s.Summary = summary
		}
		return tx.UpdateSession(s)
	})
	if err != nil {
		return err
	}
	m.debug.Log("[window] session %s ended as %s", sessionID, status)
	return nil
}

// AddIterationTokens adds one iteration's usage to the session ledger
// atomically and returns the zone the session is now in.
func (m *Manager) AddIterationTokens(sessionID string, usage models.TokenUsage) (Zone, error) {
	var zone Zone
	err := m.db.Update(func(tx *store.Tx) error {
		s, err := tx.GetSession(sessionID)
		if err != nil {
			return err
		}
		if s.Status != models.SessionActive {
			return errkind.New(errkind.StateError, "window",
				"session %s is %s, not active", sessionID, s.Status)
		}
		s.Tokens = s.Tokens.Add(usage)
		if err := tx.UpdateSession(s); err != nil {
			return err
		}
		zone = ZoneFor(s.Utilization(), m.cfg.ContextWindow.Zones)
		return nil
	})
	if err != nil {
		return "", err
	}
	return zone, nil
}

// ZoneOf maps a utilization ratio onto a zone using the configured
// thresholds.
func (m *Manager) ZoneOf(utilization float64) Zone {
	return ZoneFor(utilization, m.cfg.ContextWindow.Zones)
}

// ShouldRefresh reports whether the zone mandates a refresh under the
// configured policy. Orange and above refresh when auto_refresh is on;
// emergency always refreshes.
func (m *Manager) ShouldRefresh(zone Zone) bool {
	if zone == ZoneEmergency {
		return true
	}
	if !m.cfg.ContextWindow.AutoRefresh {
		return false
	}
	return zone == ZoneOrange || zone == ZoneRed
}

// Refresh closes a session and creates its successor. The summary is
// produced by the supervising LLM when available, otherwise by a
// deterministic aggregation of iteration digests. The successor starts
// with an empty ledger plus the summary's token estimate; the old row
// is marked refreshed with the summary and successor id in the same
// transaction.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (*models.Session, error) {
	var old *models.Session
	var iterations []*models.Iteration
	var latest *models.Checkpoint
	err := m.db.View(func(tx *store.Tx) error {
		var err error
		old, err = tx.GetSession(sessionID)
		if err != nil {
			return err
		}
		if old.Status != models.SessionActive {
			return errkind.New(errkind.StateError, "window",
				"session %s is %s, not active", sessionID, old.Status)
		}
		if iterations, err = tx.ListIterationsBySession(sessionID); err != nil {
			return err
		}
		latest, err = tx.LatestCheckpoint(sessionID)
		if errkind.IsKind(err, errkind.NotFound) {
			latest, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	summary := m.summarize(ctx, old, iterations, latest)

	successor := &models.Session{
		ID:          uuid.NewString(),
		ProjectID:   old.ProjectID,
		MilestoneID: old.MilestoneID,
		Status:      models.SessionActive,
		WindowLimit: old.WindowLimit,
		Summary:     summary,
		// Estimate the summary's footprint so the new ledger is not
		// pretending to be empty.
		Tokens: models.TokenUsage{Input: estimateTokens(summary)},
	}

	err = m.db.Update(func(tx *store.Tx) error {
		now := time.Now().UTC()
		old.Status = models.SessionRefreshed
		old.EndedAt = &now
		old.Summary = summary
		old.SuccessorID = successor.ID
		if err := tx.UpdateSession(old); err != nil {
			return err
		}
		return tx.CreateSession(successor)
	})
	if err != nil {
		return nil, err
	}

	m.debug.Log("[window] refreshed session %s -> %s (was %.0f%% of %d)",
		old.ID, successor.ID, old.Utilization()*100, old.WindowLimit)
	m.bus.Emit(events.Event{
		Type:      events.EventSessionRefreshed,
		ProjectID: old.ProjectID,
		SessionID: old.ID,
		Payload:   map[string]any{"successor_id": successor.ID},
	})
	return successor, nil
}

// Checkpoint appends a working-memory snapshot to the session.
func (m *Manager) Checkpoint(sessionID, snapshot string) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	err := m.db.Update(func(tx *store.Tx) error {
		var err error
		cp, err = tx.AppendCheckpoint(sessionID, snapshot)
		return err
	})
	return cp, err
}

// summarize produces the refresh summary, degrading to the digest
// fallback when the supervisor is missing or fails. The session's
// latest checkpoint, when one exists, is carried into either form.
func (m *Manager) summarize(ctx context.Context, s *models.Session, iterations []*models.Iteration, cp *models.Checkpoint) string {
	if m.supervisor != nil && m.supervisor.Available() {
		prompt := refreshPrompt(s, iterations, cp)
		text, err := m.supervisor.Generate(ctx, prompt, llm.Options{
			System:    "Summarize the session history for a successor agent. Preserve decisions, open threads, and file-level state. Be dense.",
			MaxTokens: 1024,
		})
		if err == nil {
			return text
		}
		m.debug.Log("[window] supervisor summary failed, using digest fallback: %v", err)
	}
	return digestSummary(s, iterations, cp)
}

func refreshPrompt(s *models.Session, iterations []*models.Iteration, cp *models.Checkpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s used %d of %d tokens across %d iterations.\n",
		s.ID, s.Tokens.Total(), s.WindowLimit, len(iterations))
	for _, it := range iterations {
		fmt.Fprintf(&b, "- task %d iteration %d: decision=%s quality=%.2f validated=%v\n",
			it.TaskID, it.Index, it.Decision, it.Quality, it.ValidationOK)
	}
	if cp != nil {
		fmt.Fprintf(&b, "Latest checkpoint #%d: %s\n", cp.Index, cp.Snapshot)
	}
	return b.String()
}

// digestSummary is the deterministic fallback: an aggregation of
// iteration outcomes, response digests, and the last checkpoint.
func digestSummary(s *models.Session, iterations []*models.Iteration, cp *models.Checkpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s: %d iterations, %d tokens", s.ID, len(iterations), s.Tokens.Total())
	for _, it := range iterations {
		fmt.Fprintf(&b, "; task %d#%d %s %s", it.TaskID, it.Index, it.Decision, it.ResponseDigest)
	}
	if cp != nil {
		fmt.Fprintf(&b, "; checkpoint#%d %s", cp.Index, cp.Snapshot)
	}
	return b.String()
}

// estimateTokens approximates token count at four characters per token.
func estimateTokens(text string) int64 {
	return int64(len(text) / 4)
}
