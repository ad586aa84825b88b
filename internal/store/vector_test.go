package store

import (
	"testing"
	"time"

	"mnemo/internal/types"
)

func TestUpsertEmbeddingLogicalTS(t *testing.T) {
	s := newTestStore(t)
	m := testMemory("alice", "vectored", time.Now())
	if err := s.InsertMemory(m); err != nil {
		t.Fatalf("Failed to insert memory: %v", err)
	}

	ok, err := s.UpsertEmbedding(m.ID, "alice", []float32{0, 1}, 2)
	if err != nil || !ok {
		t.Fatalf("Initial upsert = %v, %v; want true, nil", ok, err)
	}

	// A stale projection write is discarded.
	ok, err = s.UpsertEmbedding(m.ID, "alice", []float32{1, 0}, 1)
	if err != nil {
		t.Fatalf("Stale upsert: %v", err)
	}
	if ok {
		t.Error("Stale upsert applied, want discarded")
	}
	vec, err := s.GetEmbedding(m.ID)
	if err != nil {
		t.Fatalf("Failed to get embedding: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0 || vec[1] != 1 {
		t.Errorf("Embedding = %v, want [0 1]", vec)
	}

	ok, err = s.UpsertEmbedding(m.ID, "alice", []float32{1, 0}, 3)
	if err != nil || !ok {
		t.Fatalf("Newer upsert = %v, %v; want true, nil", ok, err)
	}
}

func TestGetEmbeddingMiss(t *testing.T) {
	s := newTestStore(t)
	vec, err := s.GetEmbedding("missing")
	if err != nil {
		t.Fatalf("Miss returned error: %v", err)
	}
	if vec != nil {
		t.Errorf("Miss returned %v, want nil", vec)
	}
}

func TestSearchSimilar(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	exact := testMemory("alice", "exact match", now)
	far := testMemory("alice", "far away", now)
	hidden := testMemory("alice", "hidden", now)
	hidden.State = types.StateSuppressed
	for _, m := range []*types.Memory{exact, far, hidden} {
		if err := s.InsertMemory(m); err != nil {
			t.Fatalf("Failed to insert memory: %v", err)
		}
	}
	vecs := map[string][]float32{
		exact.ID:  {1, 0},
		far.ID:    {0, 1},
		hidden.ID: {1, 0},
	}
	for id, v := range vecs {
		if _, err := s.UpsertEmbedding(id, "alice", v, 1); err != nil {
			t.Fatalf("Failed to upsert embedding: %v", err)
		}
	}

	active := []types.LifecycleState{types.StateActive}
	res, err := s.SearchSimilar("alice", []float32{1, 0}, 10, active)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("Got %d results, want 2 (suppressed filtered)", len(res))
	}
	if res[0].Memory.ID != exact.ID {
		t.Errorf("Top result = %s, want the exact match", res[0].Memory.Text)
	}
	if res[0].Similarity < 0.99 {
		t.Errorf("Top similarity = %v, want ~1", res[0].Similarity)
	}
	if res[1].Similarity > 0.01 {
		t.Errorf("Orthogonal similarity = %v, want ~0", res[1].Similarity)
	}

	withSuppressed := append(active, types.StateSuppressed)
	res, err = s.SearchSimilar("alice", []float32{1, 0}, 10, withSuppressed)
	if err != nil {
		t.Fatalf("Failed to search with suppressed: %v", err)
	}
	if len(res) != 3 {
		t.Errorf("Got %d results, want 3", len(res))
	}
}

func TestGetEmbeddingClosedStore(t *testing.T) {
	st, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	st.Close()

	// A query failure must surface, not masquerade as a missing embedding.
	if _, err := st.GetEmbedding("m1"); err == nil {
		t.Error("GetEmbedding on a closed store returned nil error")
	}
}
