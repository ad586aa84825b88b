package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/types"
)

// UpsertEntity resolves a (type, name) pair to an entity, creating it on
// first mention. Name matching is case-insensitive; the stored name keeps
// the casing of the first mention.
func (s *Store) UpsertEntity(userID string, typ types.EntityType, name string, at time.Time) (*types.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupEntity(userID, typ, name)
	if err != nil {
		return nil, err
	}
	if e != nil {
		return e, nil
	}

	e = &types.Entity{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Name:      name,
		CreatedAt: at,
	}
	prefs, _ := json.Marshal(map[string]string{})
	_, err = s.db.Exec(`INSERT INTO entities (id, user_id, type, name, user_owned, care_circle, notify_prefs, created_at)
		VALUES (?,?,?,?,0,0,?,?)`,
		e.ID, e.UserID, string(e.Type), e.Name, string(prefs), ts(e.CreatedAt))
	if err != nil {
		// Concurrent first mention: reread.
		if existing, lerr := s.lookupEntity(userID, typ, name); lerr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("insert entity: %w", err)
	}
	return e, nil
}

func (s *Store) lookupEntity(userID string, typ types.EntityType, name string) (*types.Entity, error) {
	row := s.db.QueryRow(`SELECT id, user_id, type, name, user_owned, care_circle, notify_prefs, created_at
		FROM entities WHERE user_id = ? AND type = ? AND name = ?`,
		userID, string(typ), name)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// GetEntity fetches an entity by id.
func (s *Store) GetEntity(id string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT id, user_id, type, name, user_owned, care_circle, notify_prefs, created_at
		FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("store.GetEntity", "entity %s", id)
	}
	return e, err
}

// FindEntityByName resolves a surface name case-insensitively across types,
// preferring person entities. Returns nil when unresolved.
func (s *Store) FindEntityByName(userID, name string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT id, user_id, type, name, user_owned, care_circle, notify_prefs, created_at
		FROM entities WHERE user_id = ? AND name = ?
		ORDER BY CASE type WHEN 'person' THEN 0 ELSE 1 END LIMIT 1`,
		userID, name)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// EntityNames lists the user's known entity names, passed to the language
// backend for mention resolution.
func (s *Store) EntityNames(userID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT name FROM entities WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CareCircleEntities lists the user's care-circle members.
func (s *Store) CareCircleEntities(userID string) ([]*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, user_id, type, name, user_owned, care_circle, notify_prefs, created_at
		FROM entities WHERE user_id = ? AND care_circle = 1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetCareCircle flags or unflags an entity as a care-circle member.
func (s *Store) SetCareCircle(userID, entityID string, member bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE entities SET care_circle = ? WHERE id = ? AND user_id = ?`,
		boolToInt(member), entityID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("store.SetCareCircle", "entity %s", entityID)
	}
	return nil
}

// OrphanEntities returns entities older than the cutoff that no memory,
// open loop or frame references. Care-circle members are never orphans.
func (s *Store) OrphanEntities(cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT e.id FROM entities e
		WHERE e.created_at < ? AND e.care_circle = 0 AND e.user_owned = 0
		AND NOT EXISTS (SELECT 1 FROM memories m WHERE m.user_id = e.user_id AND m.entity_ids LIKE '%"' || e.id || '"%')
		AND NOT EXISTS (SELECT 1 FROM open_loops l WHERE l.counterparty_id = e.id)
		AND NOT EXISTS (SELECT 1 FROM relationships r WHERE r.from_entity_id = e.id OR r.to_entity_id = e.id)
		LIMIT ?`, ts(cutoff), limit)
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

// DeleteEntity hard-deletes an entity row. Used only by garbage collection
// on orphans.
func (s *Store) DeleteEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM entities WHERE id = ?`, id)
	return err
}

func scanEntity(r rowScanner) (*types.Entity, error) {
	var (
		e                     types.Entity
		typ, prefs            string
		userOwned, careCircle int
		createdAt             int64
	)
	err := r.Scan(&e.ID, &e.UserID, &typ, &e.Name, &userOwned, &careCircle, &prefs, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Type = types.EntityType(typ)
	e.UserOwned = userOwned != 0
	e.CareCircle = careCircle != 0
	e.CreatedAt = fromTS(createdAt)
	json.Unmarshal([]byte(prefs), &e.NotifyPrefs)
	return &e, nil
}
