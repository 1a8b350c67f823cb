package window

import (
	"context"
	"strings"
	"testing"

	"github.com/loomctl/loom/internal/agentapi"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/models"
)

func defaultZones() config.ZonesConfig {
	return config.ZonesConfig{Yellow: 0.50, Orange: 0.70, Red: 0.85, Emergency: 0.95}
}

func newTestManager(t *testing.T) (*Manager, *store.DB, *models.Project) {
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

	cfg := config.SessionConfig{
		ContextWindow: config.ContextWindowConfig{
			Limit:       "auto",
			Zones:       defaultZones(),
			AutoRefresh: true,
		},
		OptimizationProfile: "auto",
	}
	return NewManager(db, cfg, nil), db, p
}

func TestZoneBoundaries(t *testing.T) {
	zones := defaultZones()
	cases := []struct {
		utilization float64
		want        Zone
	}{
		{0.0, ZoneGreen},
		{0.49, ZoneGreen},
		{0.50, ZoneYellow},
		{0.69, ZoneYellow},
		{0.70, ZoneOrange},
		{0.805, ZoneOrange},
		{0.85, ZoneRed},
		{0.94, ZoneRed},
		{0.95, ZoneEmergency},
		{1.2, ZoneEmergency},
	}
	for _, c := range cases {
		if got := ZoneFor(c.utilization, zones); got != c.want {
			t.Errorf("ZoneFor(%.2f) = %s, want %s", c.utilization, got, c.want)
		}
	}
}

func TestProfileForLimit(t *testing.T) {
	cases := []struct {
		limit int64
		want  string
	}{
		{4_000, "ultra-aggressive"},
		{8_000, "aggressive"},
		{32_000, "balanced-aggressive"},
		{100_000, "balanced"},
		{250_000, "minimal"},
		{1_000_000, "minimal"},
	}
	for _, c := range cases {
		if got := ProfileForLimit(c.limit); got.Name != c.want {
			t.Errorf("ProfileForLimit(%d) = %s, want %s", c.limit, got.Name, c.want)
		}
	}
}

func TestLedgerAndZoneProgression(t *testing.T) {
	m, _, p := newTestManager(t)

	s, err := m.StartSession(p.ID, nil, 100_000)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	zone, err := m.AddIterationTokens(s.ID, models.TokenUsage{Input: 30_000, Output: 10_000})
	if err != nil {
		t.Fatalf("add tokens: %v", err)
	}
	if zone != ZoneGreen {
		t.Errorf("expected green at 40%%, got %s", zone)
	}

	zone, err = m.AddIterationTokens(s.ID, models.TokenUsage{Input: 20_000})
	if err != nil {
		t.Fatalf("add tokens: %v", err)
	}
	if zone != ZoneYellow {
		t.Errorf("expected yellow at 60%%, got %s", zone)
	}

	zone, err = m.AddIterationTokens(s.ID, models.TokenUsage{Output: 30_000})
	if err != nil {
		t.Fatalf("add tokens: %v", err)
	}
	if zone != ZoneRed {
		t.Errorf("expected red at 90%%, got %s", zone)
	}
}

func TestShouldRefreshPolicy(t *testing.T) {
	m, _, _ := newTestManager(t)

	if m.ShouldRefresh(ZoneGreen) || m.ShouldRefresh(ZoneYellow) {
		t.Error("green/yellow must not refresh")
	}
	if !m.ShouldRefresh(ZoneOrange) || !m.ShouldRefresh(ZoneRed) {
		t.Error("orange/red must refresh with auto_refresh on")
	}
	if !m.ShouldRefresh(ZoneEmergency) {
		t.Error("emergency must always refresh")
	}

	m.cfg.ContextWindow.AutoRefresh = false
	if m.ShouldRefresh(ZoneOrange) || m.ShouldRefresh(ZoneRed) {
		t.Error("orange/red must not refresh with auto_refresh off")
	}
	if !m.ShouldRefresh(ZoneEmergency) {
		t.Error("emergency refreshes regardless of auto_refresh")
	}
}

func TestRefreshCreatesSuccessor(t *testing.T) {
	m, db, p := newTestManager(t)

	s, err := m.StartSession(p.ID, nil, 200_000)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	zone, err := m.AddIterationTokens(s.ID, models.TokenUsage{Input: 120_000, Output: 41_000})
	if err != nil {
		t.Fatalf("add tokens: %v", err)
	}
	if zone != ZoneOrange {
		t.Fatalf("expected orange at 161k/200k, got %s", zone)
	}
	if !m.ShouldRefresh(zone) {
		t.Fatal("expected refresh to be mandated")
	}

	successor, err := m.Refresh(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if successor.ID == s.ID {
		t.Error("successor must be a new session")
	}
	if ZoneFor(successor.Utilization(), defaultZones()) != ZoneGreen {
		t.Errorf("successor should start green, utilization %.2f", successor.Utilization())
	}

	err = db.View(func(tx *store.Tx) error {
		old, err := tx.GetSession(s.ID)
		if err != nil {
			return err
		}
		if old.Status != models.SessionRefreshed {
			t.Errorf("expected refreshed, got %s", old.Status)
		}
		if old.Summary == "" {
			t.Error("expected non-empty summary on the old session")
		}
		if old.SuccessorID != successor.ID {
			t.Errorf("expected successor id %s, got %s", successor.ID, old.SuccessorID)
		}
		if old.EndedAt == nil {
			t.Error("expected ended_at to be set")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	// The refreshed session no longer accepts tokens.
	_, err = m.AddIterationTokens(s.ID, models.TokenUsage{Input: 1})
	if !errkind.IsKind(err, errkind.StateError) {
		t.Errorf("expected state error on refreshed session, got %v", err)
	}
}

func TestRefreshRejectsInactiveSession(t *testing.T) {
	m, _, p := newTestManager(t)

	s, err := m.StartSession(p.ID, nil, 100_000)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := m.Refresh(context.Background(), s.ID); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	_, err = m.Refresh(context.Background(), s.ID)
	if !errkind.IsKind(err, errkind.StateError) {
		t.Errorf("expected state error refreshing a refreshed session, got %v", err)
	}
}

func TestCheckpointAppends(t *testing.T) {
	m, _, p := newTestManager(t)

	s, err := m.StartSession(p.ID, nil, 100_000)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	first, err := m.Checkpoint(s.ID, "state one")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	second, err := m.Checkpoint(s.ID, "state two")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if first.Index != 1 || second.Index != 2 {
		t.Errorf("expected indexes 1 and 2, got %d and %d", first.Index, second.Index)
	}
}

func TestRefreshCarriesLatestCheckpoint(t *testing.T) {
	m, _, p := newTestManager(t)

	s, err := m.StartSession(p.ID, nil, 100_000)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := m.Checkpoint(s.ID, "half the parser ported"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := m.Checkpoint(s.ID, "parser ported, codegen pending"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	successor, err := m.Refresh(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !strings.Contains(successor.Summary, "parser ported, codegen pending") {
		t.Errorf("expected the latest checkpoint in the summary, got %q", successor.Summary)
	}
	if strings.Contains(successor.Summary, "half the parser ported") {
		t.Errorf("expected only the latest checkpoint, got %q", successor.Summary)
	}
}

func TestSessionCloseAndAbandon(t *testing.T) {
	m, db, p := newTestManager(t)

	s, err := m.StartSession(p.ID, nil, 100_000)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := m.Close(s.ID, "all work drained"); err != nil {
		t.Fatalf("close: %v", err)
	}

	err = db.View(func(tx *store.Tx) error {
		got, err := tx.GetSession(s.ID)
		if err != nil {
			return err
		}
		if got.Status != models.SessionCompleted {
			t.Errorf("expected completed, got %s", got.Status)
		}
		if got.EndedAt == nil {
			t.Error("expected ended_at to be set")
		}
		if got.Summary != "all work drained" {
			t.Errorf("unexpected summary %q", got.Summary)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	// Ended sessions cannot be ended again.
	if err := m.Abandon(s.ID); !errkind.IsKind(err, errkind.StateError) {
		t.Errorf("expected state error, got %v", err)
	}

	s2, err := m.StartSession(p.ID, nil, 100_000)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := m.Abandon(s2.ID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	err = db.View(func(tx *store.Tx) error {
		got, err := tx.GetSession(s2.ID)
		if err != nil {
			return err
		}
		if got.Status != models.SessionAbandoned {
			t.Errorf("expected abandoned, got %s", got.Status)
		}
		if got.EndedAt == nil {
			t.Error("expected ended_at to be set")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestResolveLimitPrecedence(t *testing.T) {
	m, _, _ := newTestManager(t)

	// Explicit numeric limit wins.
	m.cfg.ContextWindow.Limit = "150000"
	if got := m.ResolveLimit(nil); got != 150_000 {
		t.Errorf("expected explicit 150000, got %d", got)
	}

	// Auto falls to the published capability.
	m.cfg.ContextWindow.Limit = "auto"
	if got := m.ResolveLimit(publishingAgent{limit: 200_000}); got != 200_000 {
		t.Errorf("expected published 200000, got %d", got)
	}

	// No capability: conservative default.
	if got := m.ResolveLimit(nil); got != 100_000 {
		t.Errorf("expected default 100000, got %d", got)
	}
}

type publishingAgent struct {
	limit int64
}

func (p publishingAgent) Send(_ context.Context, _ agentapi.Request) (*agentapi.Response, error) {
	return &agentapi.Response{Text: "ok"}, nil
}

func (p publishingAgent) ContextLimit() int64 { return p.limit }
