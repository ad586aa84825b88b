package retrieval

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/config"
	"mnemo/internal/hotcache"
	"mnemo/internal/store"
	"mnemo/internal/tier"
	"mnemo/internal/types"
)

func newTestRetriever(t *testing.T) (*Retriever, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hot, err := hotcache.New(hotcache.Options{InMemory: true, TTL: time.Hour, Capacity: 64})
	if err != nil {
		t.Fatalf("Failed to open hot cache: %v", err)
	}
	t.Cleanup(func() { hot.Close() })

	opts := config.DefaultOptions()
	r := New(st, nil, hot, tier.New(st, hot, opts), opts)
	return r, st
}

func seedMemory(t *testing.T, st *store.Store, text string, vec []float32, salience float64, at time.Time) *types.Memory {
	t.Helper()
	m := &types.Memory{
		ID:           uuid.NewString(),
		UserID:       "alice",
		Text:         text,
		Fingerprint:  types.Fingerprint(text),
		CreatedAt:    at,
		LastAccess:   at,
		State:        types.StateActive,
		Tier:         types.TierWarm,
		Salience:     salience,
		CurrentScore: salience,
	}
	if err := st.InsertMemory(m); err != nil {
		t.Fatalf("Failed to insert memory: %v", err)
	}
	if vec != nil {
		if _, err := st.UpsertEmbedding(m.ID, "alice", vec, 1); err != nil {
			t.Fatalf("Failed to upsert embedding: %v", err)
		}
	}
	return m
}

func TestGate(t *testing.T) {
	// At the threshold the gate is exactly half open.
	if g := Gate(0.5, 0.5); math.Abs(g-0.5) > 1e-9 {
		t.Errorf("Gate at threshold = %v, want 0.5", g)
	}
	if g := Gate(0.9, 0.5); g < 0.95 {
		t.Errorf("Gate well above threshold = %v, want near 1", g)
	}
	if g := Gate(0.1, 0.5); g > 0.05 {
		t.Errorf("Gate well below threshold = %v, want near 0", g)
	}
	if Gate(0.6, 0.5) <= Gate(0.4, 0.5) {
		t.Error("Gate must be monotonic in similarity")
	}
}

func TestFuse(t *testing.T) {
	r, _ := newTestRetriever(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	m := &types.Memory{Salience: 50, CreatedAt: now.Add(-14 * 24 * time.Hour)}
	// One half-life old: 0.6*0 + 0.4*(50/100)*0.5.
	got := r.Fuse(0, m, now)
	if math.Abs(got-0.1) > 1e-9 {
		t.Errorf("Fuse = %v, want 0.1", got)
	}

	fresh := &types.Memory{Salience: 50, CreatedAt: now}
	if r.Fuse(0, fresh, now) <= got {
		t.Error("Fresher memory must fuse higher at equal salience")
	}

	// CurrentScore overrides the creation-time salience when set.
	rescored := &types.Memory{Salience: 50, CurrentScore: 80, CreatedAt: now}
	if r.Fuse(0, rescored, now) <= r.Fuse(0, fresh, now) {
		t.Error("CurrentScore must take precedence over Salience")
	}
}

func TestSearchVectorRanksAndGates(t *testing.T) {
	r, st := newTestRetriever(t)
	now := time.Now()

	onTopic := seedMemory(t, st, "budget talk", []float32{1, 0}, 50, now)
	seedMemory(t, st, "beach plans", []float32{0, 1}, 50, now)

	// Ungated: both come back, the semantic match first.
	res, err := r.SearchVector(context.Background(), Query{UserID: "alice", Limit: 10}, []float32{1, 0})
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("Got %d results, want 2", len(res))
	}
	if res[0].Memory.ID != onTopic.ID {
		t.Errorf("Top result = %q, want the semantic match", res[0].Memory.Text)
	}
	if res[0].Gate != 1 {
		t.Errorf("Ungated result gate = %v, want 1", res[0].Gate)
	}

	// Gated by a frame aligned with the on-topic memory: the orthogonal
	// candidate falls below gate_min and is suppressed outright.
	res, err = r.SearchVector(context.Background(),
		Query{UserID: "alice", Limit: 10, FrameVec: []float32{1, 0}}, []float32{1, 0})
	if err != nil {
		t.Fatalf("Failed to search gated: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("Got %d gated results, want 1 (off-topic suppressed)", len(res))
	}
	if res[0].Memory.ID != onTopic.ID {
		t.Errorf("Gated result = %q, want the on-topic memory", res[0].Memory.Text)
	}
	if res[0].Gate <= 0.9 {
		t.Errorf("Aligned gate = %v, want near 1", res[0].Gate)
	}
}

func TestSearchVectorStateFilter(t *testing.T) {
	r, st := newTestRetriever(t)
	now := time.Now()

	m := seedMemory(t, st, "quiet memory", []float32{1, 0}, 50, now)
	if err := st.UpdateMemoryState("alice", m.ID, []types.LifecycleState{types.StateActive}, types.StateSuppressed, now); err != nil {
		t.Fatalf("Failed to suppress: %v", err)
	}

	res, err := r.SearchVector(context.Background(), Query{UserID: "alice", Limit: 10}, []float32{1, 0})
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(res) != 0 {
		t.Fatalf("Suppressed memory returned by default: %v", res)
	}

	res, err = r.SearchVector(context.Background(),
		Query{UserID: "alice", Limit: 10, IncludeSuppressed: true}, []float32{1, 0})
	if err != nil {
		t.Fatalf("Failed to search with suppressed: %v", err)
	}
	if len(res) != 1 {
		t.Errorf("Got %d results with IncludeSuppressed, want 1", len(res))
	}
}

func TestContextWeightsBias(t *testing.T) {
	r, st := newTestRetriever(t)
	now := time.Now()

	seedMemory(t, st, "memory a", []float32{1, 0}, 50, now)
	b := seedMemory(t, st, "memory b", []float32{0.99, 0.14}, 50, now)

	// Without weights a wins on similarity; a learned preference flips it.
	if err := st.AddContextWeight("alice", "kitchen/cooking", b.ID, 0.5); err != nil {
		t.Fatalf("Failed to add context weight: %v", err)
	}
	res, err := r.SearchVector(context.Background(),
		Query{UserID: "alice", Limit: 10, ContextKey: "kitchen/cooking"}, []float32{1, 0})
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(res) != 2 || res[0].Memory.ID != b.ID {
		t.Errorf("Top result = %v, want the context-weighted memory", res[0].Memory.Text)
	}
}

func TestSalientFallback(t *testing.T) {
	r, st := newTestRetriever(t)
	now := time.Now()

	seedMemory(t, st, "minor detail", nil, 20, now)
	big := seedMemory(t, st, "major event", nil, 95, now)

	res, err := r.Salient("alice", 1)
	if err != nil {
		t.Fatalf("Failed to list salient: %v", err)
	}
	if len(res) != 1 || res[0].Memory.ID != big.ID {
		t.Fatalf("Salient = %v, want the high-salience memory", res)
	}
	if res[0].Gate != 1 {
		t.Errorf("Salient gate = %v, want 1", res[0].Gate)
	}
}

func TestGetHotFirst(t *testing.T) {
	r, st := newTestRetriever(t)
	now := time.Now()

	m := seedMemory(t, st, "cached read", nil, 50, now)
	m.Tier = types.TierHot
	if _, err := r.hot.Put(m); err != nil {
		t.Fatalf("Failed to cache: %v", err)
	}

	got, fromHot, err := r.Get("alice", m.ID)
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if !fromHot {
		t.Error("Cached memory not served from the hot tier")
	}
	if got.Text != "cached read" {
		t.Errorf("Text = %q, want the cached memory", got.Text)
	}

	// Cache miss falls through to the store.
	cold := seedMemory(t, st, "uncached read", nil, 50, now)
	got, fromHot, err = r.Get("alice", cold.ID)
	if err != nil {
		t.Fatalf("Failed to get from store: %v", err)
	}
	if fromHot {
		t.Error("Store read reported as a hot hit")
	}
	if got.ID != cold.ID {
		t.Errorf("Got %s, want %s", got.ID, cold.ID)
	}
}

func TestSearchVectorFilters(t *testing.T) {
	r, st := newTestRetriever(t)
	ctx := context.Background()
	now := time.Now()

	tagged := &types.Memory{
		ID:           uuid.NewString(),
		UserID:       "alice",
		Text:         "quarterly budget numbers",
		Fingerprint:  types.Fingerprint("quarterly budget numbers"),
		CreatedAt:    now,
		LastAccess:   now,
		State:        types.StateActive,
		Tier:         types.TierWarm,
		Salience:     50,
		CurrentScore: 50,
		Tags:         []string{"work"},
	}
	if err := st.InsertMemory(tagged); err != nil {
		t.Fatalf("Failed to insert memory: %v", err)
	}
	if _, err := st.UpsertEmbedding(tagged.ID, "alice", []float32{1, 0}, 1); err != nil {
		t.Fatalf("Failed to upsert embedding: %v", err)
	}
	seedMemory(t, st, "grocery run after lunch", []float32{0.9, 0.1}, 50, now)
	archived := seedMemory(t, st, "old project postmortem", []float32{0.8, 0.2}, 50, now)
	if err := st.UpdateMemoryState("alice", archived.ID, []types.LifecycleState{types.StateActive}, types.StateArchived, now); err != nil {
		t.Fatalf("Failed to archive memory: %v", err)
	}

	query := []float32{1, 0}

	// Tag filter keeps only memories carrying one of the tags.
	results, err := r.SearchVector(ctx, Query{UserID: "alice", Limit: 5, Tags: []string{"work"}}, query)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(results) != 1 || results[0].Memory.ID != tagged.ID {
		t.Errorf("Tag filter returned %d results, want only the tagged memory", len(results))
	}

	// An explicit state filter narrows the search.
	results, err = r.SearchVector(ctx, Query{UserID: "alice", Limit: 5, States: []types.LifecycleState{types.StateArchived}}, query)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(results) != 1 || results[0].Memory.ID != archived.ID {
		t.Errorf("State filter returned %d results, want only the archived memory", len(results))
	}

	// Asking for suppressed via the state filter still needs the owner
	// switch; without it nothing is searched.
	results, err = r.SearchVector(ctx, Query{UserID: "alice", Limit: 5, States: []types.LifecycleState{types.StateSuppressed}}, query)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Suppressed filter without the owner switch returned %d results", len(results))
	}
}
