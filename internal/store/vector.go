package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"mnemo/internal/embedding"
	"mnemo/internal/types"
)

// The embedding projection. Vectors are stored as JSON float32 arrays and
// scored in process with cosine similarity; an optional sqlite-vec path is
// compiled in behind the sqlite_vec build tag. Each row carries the logical
// timestamp of the memory write that produced it so a late retry can never
// clobber a newer vector.

// UpsertEmbedding writes the vector for a memory unless a row with an equal
// or newer logical timestamp is already present. Returns false when the
// write was discarded as stale.
func (s *Store) UpsertEmbedding(memoryID, userID string, vec []float32, logicalTS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(vec)
	if err != nil {
		return false, fmt.Errorf("encode vector: %w", err)
	}
	res, err := s.db.Exec(`INSERT INTO embeddings (memory_id, user_id, vec, dims, logical_ts)
		VALUES (?,?,?,?,?)
		ON CONFLICT(memory_id) DO UPDATE SET
			vec = excluded.vec, dims = excluded.dims, logical_ts = excluded.logical_ts
		WHERE excluded.logical_ts > embeddings.logical_ts`,
		memoryID, userID, string(b), len(vec), logicalTS)
	if err != nil {
		return false, fmt.Errorf("upsert embedding: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetEmbedding returns the stored vector for a memory, or nil when absent.
func (s *Store) GetEmbedding(memoryID string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(`SELECT vec FROM embeddings WHERE memory_id = ?`, memoryID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding %s: %w", memoryID, err)
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("decode vector for %s: %w", memoryID, err)
	}
	return vec, nil
}

// DeleteEmbedding removes the projection row for a memory.
func (s *Store) DeleteEmbedding(memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM embeddings WHERE memory_id = ?`, memoryID)
	return err
}

// SimilarMemory pairs a memory with its cosine similarity to a query. Vec
// is the candidate's stored embedding, kept so the context gate can score
// it against the frame embedding without a second read.
type SimilarMemory struct {
	Memory     *types.Memory
	Similarity float64
	Vec        []float32
}

// SearchSimilar scores all of the user's embedded memories in the allowed
// states against the query vector and returns the top k by similarity.
func (s *Store) SearchSimilar(userID string, query []float32, k int, states []types.LifecycleState) ([]SimilarMemory, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}
	if len(states) == 0 {
		states = []types.LifecycleState{types.StateActive}
	}
	allowed := make(map[types.LifecycleState]bool, len(states))
	for _, st := range states {
		allowed[st] = true
	}

	s.mu.RLock()
	rows, err := s.db.Query(`SELECT e.memory_id, e.vec FROM embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE e.user_id = ?`, userID)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}

	type scored struct {
		id  string
		sim float64
		vec []float32
	}
	var candidates []scored
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			continue
		}
		candidates = append(candidates, scored{id: id, sim: embedding.Cosine(query, vec), vec: vec})
	}
	rows.Close()
	s.mu.RUnlock()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Overfetch before the state filter so suppressed rows don't shrink the
	// result set below k.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if len(candidates) > k*4 {
		candidates = candidates[:k*4]
	}
	ids := make([]string, len(candidates))
	byID := make(map[string]scored, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
		byID[c.id] = c
	}

	mems, err := s.MemoriesByIDs(ids)
	if err != nil {
		return nil, err
	}
	var out []SimilarMemory
	for _, m := range mems {
		if !allowed[m.State] {
			continue
		}
		c := byID[m.ID]
		out = append(out, SimilarMemory{Memory: m, Similarity: c.sim, Vec: c.vec})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}
