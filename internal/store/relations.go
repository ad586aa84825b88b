package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"mnemo/internal/types"
)

// GetRelationship returns the directed edge between two entities, or nil
// when no interactions have been recorded yet.
func (s *Store) GetRelationship(userID, fromID, toID string) (*types.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT id, user_id, from_entity_id, to_entity_id, interactions,
		last_interaction, valence_ema, recent_valences, trend, sensitivities
		FROM relationships WHERE user_id = ? AND from_entity_id = ? AND to_entity_id = ?`,
		userID, fromID, toID)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// PutRelationship upserts the full edge row. The ingest pipeline is the only
// writer, so last-write-wins per edge is safe.
func (s *Store) PutRelationship(r *types.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent, _ := json.Marshal(orEmptyF(r.RecentValences))
	sens, _ := json.Marshal(orEmpty(r.Sensitivities))
	_, err := s.db.Exec(`INSERT INTO relationships
		(id, user_id, from_entity_id, to_entity_id, interactions, last_interaction,
		 valence_ema, recent_valences, trend, sensitivities)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id, from_entity_id, to_entity_id) DO UPDATE SET
			interactions = excluded.interactions,
			last_interaction = excluded.last_interaction,
			valence_ema = excluded.valence_ema,
			recent_valences = excluded.recent_valences,
			trend = excluded.trend,
			sensitivities = excluded.sensitivities`,
		r.ID, r.UserID, r.FromEntityID, r.ToEntityID, r.Interactions,
		ts(r.LastInteraction), r.ValenceEMA, string(recent), string(r.Trend), string(sens))
	if err != nil {
		return fmt.Errorf("put relationship: %w", err)
	}
	return nil
}

// RelationshipsFrom lists all edges originating at an entity.
func (s *Store) RelationshipsFrom(userID, fromID string) ([]*types.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, user_id, from_entity_id, to_entity_id, interactions,
		last_interaction, valence_ema, recent_valences, trend, sensitivities
		FROM relationships WHERE user_id = ? AND from_entity_id = ?`, userID, fromID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRelationship(row rowScanner) (*types.Relationship, error) {
	var (
		r               types.Relationship
		lastInteraction int64
		recent, sens    string
		trend           string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.FromEntityID, &r.ToEntityID,
		&r.Interactions, &lastInteraction, &r.ValenceEMA, &recent, &trend, &sens)
	if err != nil {
		return nil, err
	}
	r.LastInteraction = fromTS(lastInteraction)
	r.Trend = types.Trend(trend)
	json.Unmarshal([]byte(recent), &r.RecentValences)
	json.Unmarshal([]byte(sens), &r.Sensitivities)
	return &r, nil
}

func orEmptyF(list []float64) []float64 {
	if list == nil {
		return []float64{}
	}
	return list
}
