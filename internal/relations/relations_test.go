package relations

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

func newTestUpdater(t *testing.T) (*Updater, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	u := New(st)
	u.now = func() time.Time { return time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC) }
	return u, st
}

func mentionMemory(userID string) *types.Memory {
	return &types.Memory{ID: uuid.NewString(), UserID: userID}
}

func touchOnce(t *testing.T, u *Updater, selfID, otherID string, valence float64, sensitive ...string) {
	t.Helper()
	feats := types.Features{
		People:    []types.Mention{{Surface: "Mom", EntityID: otherID}},
		Valence:   valence,
		Sensitive: sensitive,
	}
	if err := u.Apply(selfID, mentionMemory("alice"), feats); err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
}

func TestApplyBuildsEdge(t *testing.T) {
	u, st := newTestUpdater(t)
	at := time.Now()
	self, _ := st.UpsertEntity("alice", types.EntityPerson, "alice", at)
	mom, _ := st.UpsertEntity("alice", types.EntityPerson, "Mom", at)

	touchOnce(t, u, self.ID, mom.ID, -0.8, "illness")

	rel, err := st.GetRelationship("alice", self.ID, mom.ID)
	if err != nil {
		t.Fatalf("Failed to get relationship: %v", err)
	}
	if rel == nil {
		t.Fatal("Edge not created")
	}
	if rel.Interactions != 1 {
		t.Errorf("Interactions = %d, want 1", rel.Interactions)
	}
	// First observation seeds the EMA outright.
	if rel.ValenceEMA != -0.8 {
		t.Errorf("ValenceEMA = %v, want -0.8", rel.ValenceEMA)
	}
	if len(rel.Sensitivities) != 1 || rel.Sensitivities[0] != "illness" {
		t.Errorf("Sensitivities = %v, want [illness]", rel.Sensitivities)
	}
	if rel.Trend != types.TrendStable {
		t.Errorf("Trend = %s, want stable with one observation", rel.Trend)
	}

	// The same topic does not accumulate duplicates.
	touchOnce(t, u, self.ID, mom.ID, -0.5, "illness")
	rel, _ = st.GetRelationship("alice", self.ID, mom.ID)
	if len(rel.Sensitivities) != 1 {
		t.Errorf("Sensitivities = %v, want still one entry", rel.Sensitivities)
	}
}

func TestApplySkipsSelfAndUnresolved(t *testing.T) {
	u, st := newTestUpdater(t)
	at := time.Now()
	self, _ := st.UpsertEntity("alice", types.EntityPerson, "alice", at)

	feats := types.Features{People: []types.Mention{
		{Surface: "alice", EntityID: self.ID}, // self edge
		{Surface: "Stranger"},                 // unresolved
	}}
	if err := u.Apply(self.ID, mentionMemory("alice"), feats); err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	rels, err := st.RelationshipsFrom("alice", self.ID)
	if err != nil {
		t.Fatalf("Failed to list edges: %v", err)
	}
	if len(rels) != 0 {
		t.Errorf("Got %d edges, want none", len(rels))
	}
}

func TestDecliningTrendAndPressure(t *testing.T) {
	u, st := newTestUpdater(t)
	at := time.Now()
	self, _ := st.UpsertEntity("alice", types.EntityPerson, "alice", at)
	mom, _ := st.UpsertEntity("alice", types.EntityPerson, "Mom", at)
	if err := st.SetCareCircle("alice", mom.ID, true); err != nil {
		t.Fatalf("Failed to set care circle: %v", err)
	}

	// A mildly negative start, then a run of bad interactions: the recent
	// mean falls well below the slow EMA.
	touchOnce(t, u, self.ID, mom.ID, -0.3)
	for i := 0; i < 3; i++ {
		touchOnce(t, u, self.ID, mom.ID, -0.9)
	}

	rel, err := st.GetRelationship("alice", self.ID, mom.ID)
	if err != nil {
		t.Fatalf("Failed to get relationship: %v", err)
	}
	if rel.Trend != types.TrendDeclining {
		t.Fatalf("Trend = %s (ema %.3f, recent %v), want declining", rel.Trend, rel.ValenceEMA, rel.RecentValences)
	}

	signals, err := u.CheckPressure("alice", self.ID)
	if err != nil {
		t.Fatalf("Failed to check pressure: %v", err)
	}
	if len(signals) != 1 || signals[0].Entity.ID != mom.ID {
		t.Fatalf("Pressure signals = %v, want one for Mom", signals)
	}
}

func TestPressureNeedsCareCircle(t *testing.T) {
	u, st := newTestUpdater(t)
	at := time.Now()
	self, _ := st.UpsertEntity("alice", types.EntityPerson, "alice", at)
	boss, _ := st.UpsertEntity("alice", types.EntityPerson, "Boss", at)

	touchOnce(t, u, self.ID, boss.ID, -0.3)
	for i := 0; i < 3; i++ {
		touchOnce(t, u, self.ID, boss.ID, -0.9)
	}

	// Declining edge, but not a care-circle member.
	signals, err := u.CheckPressure("alice", self.ID)
	if err != nil {
		t.Fatalf("Failed to check pressure: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("Got %d signals, want none outside the care circle", len(signals))
	}
}

func TestRecentWindowCaps(t *testing.T) {
	u, st := newTestUpdater(t)
	at := time.Now()
	self, _ := st.UpsertEntity("alice", types.EntityPerson, "alice", at)
	mom, _ := st.UpsertEntity("alice", types.EntityPerson, "Mom", at)

	for i := 0; i < 15; i++ {
		touchOnce(t, u, self.ID, mom.ID, 0.1)
	}
	rel, _ := st.GetRelationship("alice", self.ID, mom.ID)
	if len(rel.RecentValences) != 10 {
		t.Errorf("RecentValences length = %d, want capped at 10", len(rel.RecentValences))
	}
	if rel.Interactions != 15 {
		t.Errorf("Interactions = %d, want 15", rel.Interactions)
	}
}
