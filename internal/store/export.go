package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"mnemo/internal/types"
)

// ExportRecord is the canonical per-line export shape. Field set and order
// are frozen: same corpus in, byte-identical NDJSON out, across engine
// versions.
type ExportRecord struct {
	ID             string               `json:"id"`
	UserID         string               `json:"user_id"`
	CreatedAt      time.Time            `json:"created_at"`
	Text           string               `json:"text"`
	Fingerprint    string               `json:"fingerprint"`
	Features       types.Features       `json:"features"`
	Salience       float64              `json:"salience"`
	WeightsVersion string               `json:"weights_version"`
	Tier           types.Tier           `json:"tier"`
	State          types.LifecycleState `json:"state"`
	EmbeddingRef   string               `json:"embedding_ref,omitempty"`
	Tags           []string             `json:"tags"`
	Loops          []string             `json:"loops"`
}

// Export streams the user's memories as NDJSON, one canonical record per
// line, ordered by creation time then id so repeated exports of an
// unchanged store are byte-identical. Deleted memories are excluded;
// suppressed and archived ones are included (export is a backup, not a
// retrieval surface).
func (s *Store) Export(w io.Writer, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`SELECT `+memoryColumns+` FROM memories
		WHERE user_id = ? AND state != 'deleted' AND created_at >= ?
		ORDER BY created_at ASC, id ASC`, userID, ts(since))
	if err != nil {
		s.mu.RUnlock()
		return 0, err
	}
	mems, err := s.scanMemories(rows)
	rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for _, m := range mems {
		loops, err := s.loopIDsForMemory(m.ID)
		if err != nil {
			return 0, err
		}
		rec := ExportRecord{
			ID:             m.ID,
			UserID:         m.UserID,
			CreatedAt:      m.CreatedAt.UTC(),
			Text:           m.Text,
			Fingerprint:    m.Fingerprint,
			Features:       m.Features,
			Salience:       m.Salience,
			WeightsVersion: m.WeightsVersion,
			Tier:           m.Tier,
			State:          m.State,
			EmbeddingRef:   m.EmbeddingRef,
			Tags:           orEmpty(m.Tags),
			Loops:          loops,
		}
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("encode memory %s: %w", m.ID, err)
		}
	}
	return len(mems), bw.Flush()
}

func (s *Store) loopIDsForMemory(memoryID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id FROM open_loops WHERE memory_id = ? ORDER BY id ASC`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Import reads NDJSON produced by Export and inserts each record with its
// original id, salience and timestamps. Records whose fingerprint already
// exists for the user are skipped, so re-importing an export is idempotent.
func (s *Store) Import(r io.Reader) (inserted, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ExportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return inserted, skipped, fmt.Errorf("line %d: %w", inserted+skipped+1, err)
		}
		if rec.ID == "" || rec.UserID == "" {
			return inserted, skipped, types.Validationf("store.Import", "record missing id or user_id")
		}
		if rec.Fingerprint == "" {
			rec.Fingerprint = types.Fingerprint(rec.Text)
		}
		existing, err := s.FindByFingerprint(rec.UserID, rec.Fingerprint)
		if err != nil {
			return inserted, skipped, err
		}
		if existing != nil {
			skipped++
			continue
		}
		m := &types.Memory{
			ID:             rec.ID,
			UserID:         rec.UserID,
			Text:           rec.Text,
			Fingerprint:    rec.Fingerprint,
			CreatedAt:      rec.CreatedAt,
			LastAccess:     rec.CreatedAt,
			State:          rec.State,
			Tier:           rec.Tier,
			Features:       rec.Features,
			Salience:       rec.Salience,
			CurrentScore:   rec.Salience,
			WeightsVersion: rec.WeightsVersion,
			EmbeddingRef:   rec.EmbeddingRef,
			Tags:           rec.Tags,
			SchemaVersion:  types.SchemaVersion,
		}
		if err := s.InsertMemory(m); err != nil {
			return inserted, skipped, err
		}
		inserted++
	}
	return inserted, skipped, sc.Err()
}
