package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mnemo/internal/types"
)

// PutSession writes or replaces a recall session.
func (s *Store) PutSession(sess *types.RecallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO recall_sessions (id, user_id, payload, resolved, created_at, expires_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, resolved = excluded.resolved,
			expires_at = excluded.expires_at`,
		sess.ID, sess.UserID, string(b), boolToInt(sess.Resolved),
		ts(sess.CreatedAt), ts(sess.ExpiresAt))
	return err
}

// GetSession returns an unexpired recall session.
func (s *Store) GetSession(userID, id string, now time.Time) (*types.RecallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(`SELECT payload FROM recall_sessions
		WHERE id = ? AND user_id = ? AND expires_at > ?`, id, userID, ts(now)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("store.GetSession", "recall session %s", id)
	}
	if err != nil {
		return nil, err
	}
	var sess types.RecallSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// PurgeSessions drops expired recall sessions.
func (s *Store) PurgeSessions(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM recall_sessions WHERE expires_at <= ?`, ts(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertNotification appends a notification record. Records are written,
// never mutated.
func (s *Store) InsertNotification(n *types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO notifications (id, user_id, kind, entity_id, memory_id, payload, status, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Kind, n.EntityID, n.MemoryID, n.Payload, n.Status, ts(n.CreatedAt))
	return err
}

// LastNotification returns the creation time of the most recent notification
// of a kind for an entity, zero when none. Drives per-entity cooldowns.
func (s *Store) LastNotification(userID, kind, entityID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var created sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(created_at) FROM notifications
		WHERE user_id = ? AND kind = ? AND entity_id = ?`, userID, kind, entityID).Scan(&created)
	if err != nil || !created.Valid {
		return time.Time{}, err
	}
	return fromTS(created.Int64), nil
}

// ListNotifications returns recent notifications newest first.
func (s *Store) ListNotifications(userID string, limit int) ([]*types.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, user_id, kind, entity_id, memory_id, payload, status, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Notification
	for rows.Next() {
		var n types.Notification
		var created int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.EntityID, &n.MemoryID,
			&n.Payload, &n.Status, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = fromTS(created)
		out = append(out, &n)
	}
	return out, rows.Err()
}

// AddContextWeight accumulates a per-context score adjustment for a memory,
// learned from recall session votes.
func (s *Store) AddContextWeight(userID, contextKey, memoryID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO context_weights (user_id, context_key, memory_id, delta)
		VALUES (?,?,?,?)
		ON CONFLICT(user_id, context_key, memory_id) DO UPDATE SET delta = delta + excluded.delta`,
		userID, contextKey, memoryID, delta)
	return err
}

// ContextWeights returns the learned adjustments for one context key.
func (s *Store) ContextWeights(userID, contextKey string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT memory_id, delta FROM context_weights
		WHERE user_id = ? AND context_key = ?`, userID, contextKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var delta float64
		if err := rows.Scan(&id, &delta); err != nil {
			return nil, err
		}
		out[id] = delta
	}
	return out, rows.Err()
}

// AddVocab records tokens as seen for the user.
func (s *Store) AddVocab(userID string, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO user_vocab (user_id, token) VALUES (?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, tok := range tokens {
		if _, err := stmt.Exec(userID, tok); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Vocab returns the user's seen-token set and its size.
func (s *Store) Vocab(userID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT token FROM user_vocab WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vocab := make(map[string]bool)
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, err
		}
		vocab[tok] = true
	}
	return vocab, rows.Err()
}
