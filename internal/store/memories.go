package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mnemo/internal/types"
)

const memoryColumns = `id, user_id, text, fingerprint, created_at, last_access,
	state, tier, access_count, features, salience, current_score,
	weights_version, entity_ids, embedding_ref, tags, predictive_hints,
	context_json, degraded, degraded_reason, logical_ts, schema_version`

// InsertMemory writes a new memory row. The caller is responsible for
// fingerprint dedup; a conflicting non-deleted fingerprint surfaces as an
// integrity error.
func (s *Store) InsertMemory(m *types.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	features, _ := json.Marshal(m.Features)
	entityIDs, _ := json.Marshal(orEmpty(m.EntityIDs))
	tags, _ := json.Marshal(orEmpty(m.Tags))
	hints, _ := json.Marshal(orEmpty(m.PredictiveHints))

	var contextJSON sql.NullString
	if m.Context != nil {
		b, _ := json.Marshal(m.Context)
		contextJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(`INSERT INTO memories (`+memoryColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.UserID, m.Text, m.Fingerprint, ts(m.CreatedAt), ts(m.LastAccess),
		string(m.State), string(m.Tier), m.AccessCount, string(features),
		m.Salience, m.CurrentScore, m.WeightsVersion, string(entityIDs),
		m.EmbeddingRef, string(tags), string(hints), contextJSON,
		boolToInt(m.Degraded), m.DegradedReason, m.LogicalTS, m.SchemaVersion)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return types.E(types.KindIntegrity, "store.InsertMemory",
				fmt.Sprintf("fingerprint %s already present for user", m.Fingerprint), err)
		}
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// GetMemory fetches a memory by id regardless of state, or a not_found error.
func (s *Store) GetMemory(id string) (*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanMemoryRow(s.db.QueryRow(
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id))
}

// GetUserMemory fetches a memory and verifies ownership.
func (s *Store) GetUserMemory(userID, id string) (*types.Memory, error) {
	m, err := s.GetMemory(id)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, types.NotFoundf("store.GetUserMemory", "memory %s", id)
	}
	return m, nil
}

// FindByFingerprint returns the non-deleted memory carrying this fingerprint
// for the user, or nil when none exists.
func (s *Store) FindByFingerprint(userID, fingerprint string) (*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.scanMemoryRow(s.db.QueryRow(
		`SELECT `+memoryColumns+` FROM memories
		 WHERE user_id = ? AND fingerprint = ? AND state != 'deleted'`,
		userID, fingerprint))
	if types.IsKind(err, types.KindNotFound) {
		return nil, nil
	}
	return m, err
}

// UpdateMemoryState moves a memory between lifecycle states. The from set
// guards the transition; a memory not in one of those states is left alone
// and reported as a semantic error. The change time drives the restore
// grace window for deletions.
func (s *Store) UpdateMemoryState(userID, id string, from []types.LifecycleState, to types.LifecycleState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(from))
	args := []any{string(to), ts(at), id, userID}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.db.Exec(
		`UPDATE memories SET state = ?, state_changed_at = ? WHERE id = ? AND user_id = ? AND state IN (`+
			strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("update memory state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var cur string
		err := s.db.QueryRow(`SELECT state FROM memories WHERE id = ? AND user_id = ?`, id, userID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return types.NotFoundf("store.UpdateMemoryState", "memory %s", id)
		}
		return types.Semanticf("store.UpdateMemoryState",
			"memory %s is %s, cannot move to %s", id, cur, to)
	}
	return nil
}

// CASMemoryTier moves a memory from one tier to another only if it is still
// in the expected tier. Returns false when the precondition failed (another
// mover won), which callers treat as success-already-done.
func (s *Store) CASMemoryTier(id string, from, to types.Tier) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE memories SET tier = ? WHERE id = ? AND tier = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("update memory tier: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchMemoryAccess bumps the access counter and last-access time.
func (s *Store) TouchMemoryAccess(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE memories SET access_count = access_count + 1, last_access = ? WHERE id = ?`,
		ts(at), id)
	return err
}

// UpdateCurrentScore sets the re-scored value without touching the creation
// salience.
func (s *Store) UpdateCurrentScore(id string, score float64, weightsVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE memories SET current_score = ?, weights_version = ? WHERE id = ?`,
		score, weightsVersion, id)
	return err
}

// SetMemoryEntities replaces the entity association list, used by manual
// reassociation.
func (s *Store) SetMemoryEntities(userID, id string, entityIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := json.Marshal(orEmpty(entityIDs))
	res, err := s.db.Exec(
		`UPDATE memories SET entity_ids = ? WHERE id = ? AND user_id = ?`,
		string(b), id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("store.SetMemoryEntities", "memory %s", id)
	}
	return nil
}

// MemoriesByIDs loads a batch of memories preserving input order. Missing
// ids are skipped.
func (s *Store) MemoriesByIDs(ids []string) ([]*types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.Query(
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*types.Memory, len(ids))
	for rows.Next() {
		m, err := s.scanMemory(rows)
		if err != nil {
			return nil, err
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*types.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// MemoryQuery filters ListMemories.
type MemoryQuery struct {
	UserID string
	States []types.LifecycleState // empty means active only
	Tier   types.Tier             // empty means any
	Since  time.Time
	Limit  int
}

// ListMemories returns memories newest first.
func (s *Store) ListMemories(q MemoryQuery) ([]*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := q.States
	if len(states) == 0 {
		states = []types.LifecycleState{types.StateActive}
	}
	placeholders := make([]string, len(states))
	args := []any{q.UserID}
	for i, st := range states {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE user_id = ? AND state IN (` + strings.Join(placeholders, ",") + `)`
	if q.Tier != "" {
		query += ` AND tier = ?`
		args = append(args, string(q.Tier))
	}
	if !q.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, ts(q.Since))
	}
	query += ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanMemories(rows)
}

// MostSalient returns the user's active memories ordered by creation
// salience, used for briefings and anticipation.
func (s *Store) MostSalient(userID string, limit int) ([]*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT `+memoryColumns+` FROM memories
		 WHERE user_id = ? AND state = 'active'
		 ORDER BY salience DESC, created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanMemories(rows)
}

// TierCandidates returns ids of memories in the given tier whose last access
// is older than the cutoff, across all users. Used by the demotion worker.
func (s *Store) TierCandidates(tier types.Tier, lastAccessBefore time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id FROM memories
		 WHERE tier = ? AND state = 'active' AND last_access < ?
		 ORDER BY last_access ASC LIMIT ?`,
		string(tier), ts(lastAccessBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserIDs lists every user with at least one memory, for the per-user
// maintenance workers.
func (s *Store) UserIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM memories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StateChangedAt returns when the memory last changed lifecycle state
// (zero for rows that never transitioned).
func (s *Store) StateChangedAt(id string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	if err := s.db.QueryRow(`SELECT state_changed_at FROM memories WHERE id = ?`, id).Scan(&n); err != nil {
		return time.Time{}, err
	}
	return fromTS(n), nil
}

// DeletedBefore returns ids of memories soft-deleted before the retention
// horizon, for the purge worker.
func (s *Store) DeletedBefore(cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id FROM memories WHERE state = 'deleted' AND state_changed_at < ? LIMIT ?`,
		ts(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeMemory hard-deletes a memory row and its embedding. Only valid for
// rows already in the deleted state.
func (s *Store) PurgeMemory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM memories WHERE id = ? AND state = 'deleted'`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM embeddings WHERE memory_id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMemoryRow(row *sql.Row) (*types.Memory, error) {
	m, err := scanMemoryFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("store", "memory not found")
	}
	return m, err
}

func (s *Store) scanMemory(rows *sql.Rows) (*types.Memory, error) {
	return scanMemoryFrom(rows)
}

func (s *Store) scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemoryFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemoryFrom(r rowScanner) (*types.Memory, error) {
	var (
		m                                types.Memory
		createdAt, lastAccess, logicalTS int64
		state, tier                      string
		features, entityIDs, tags, hints string
		contextJSON                      sql.NullString
		degraded                         int
	)
	err := r.Scan(&m.ID, &m.UserID, &m.Text, &m.Fingerprint, &createdAt,
		&lastAccess, &state, &tier, &m.AccessCount, &features, &m.Salience,
		&m.CurrentScore, &m.WeightsVersion, &entityIDs, &m.EmbeddingRef,
		&tags, &hints, &contextJSON, &degraded, &m.DegradedReason,
		&logicalTS, &m.SchemaVersion)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = fromTS(createdAt)
	m.LastAccess = fromTS(lastAccess)
	m.State = types.LifecycleState(state)
	m.Tier = types.Tier(tier)
	m.LogicalTS = logicalTS
	m.Degraded = degraded != 0
	if err := json.Unmarshal([]byte(features), &m.Features); err != nil {
		return nil, fmt.Errorf("decode features for %s: %w", m.ID, err)
	}
	json.Unmarshal([]byte(entityIDs), &m.EntityIDs)
	json.Unmarshal([]byte(tags), &m.Tags)
	json.Unmarshal([]byte(hints), &m.PredictiveHints)
	if contextJSON.Valid {
		var snap types.FrameSnapshot
		if err := json.Unmarshal([]byte(contextJSON.String), &snap); err == nil {
			m.Context = &snap
		}
	}
	return &m, nil
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
