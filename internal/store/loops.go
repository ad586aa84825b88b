package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mnemo/internal/types"
)

const loopColumns = `id, user_id, type, counterparty_id, description,
	desc_fingerprint, memory_id, due_at, state, created_at, updated_at, last_mention`

// InsertLoop writes a new open loop.
func (s *Store) InsertLoop(l *types.OpenLoop) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due sql.NullInt64
	if l.DueAt != nil {
		due = sql.NullInt64{Int64: ts(*l.DueAt), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO open_loops (`+loopColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.UserID, string(l.Type), l.CounterpartyID, l.Description,
		l.DescFingerprint, l.MemoryID, due, string(l.State),
		ts(l.CreatedAt), ts(l.UpdatedAt), ts(l.LastMention))
	if err != nil {
		return fmt.Errorf("insert loop: %w", err)
	}
	return nil
}

// GetLoop fetches a loop by id.
func (s *Store) GetLoop(userID, id string) (*types.OpenLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+loopColumns+` FROM open_loops WHERE id = ? AND user_id = ?`, id, userID)
	l, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("store.GetLoop", "loop %s", id)
	}
	return l, err
}

// FindOpenLoopByFingerprint returns the open loop with a matching
// description fingerprint for this counterparty, or nil. Used for duplicate
// suppression at ingest.
func (s *Store) FindOpenLoopByFingerprint(userID, counterpartyID, fingerprint string) (*types.OpenLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+loopColumns+` FROM open_loops
		WHERE user_id = ? AND counterparty_id = ? AND desc_fingerprint = ? AND state = 'open'`,
		userID, counterpartyID, fingerprint)
	l, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// OpenLoopsForCounterparty lists open loops owed to or by one counterparty,
// for implicit completion matching.
func (s *Store) OpenLoopsForCounterparty(userID, counterpartyID string) ([]*types.OpenLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT `+loopColumns+` FROM open_loops
		WHERE user_id = ? AND counterparty_id = ? AND state = 'open'
		ORDER BY created_at ASC`, userID, counterpartyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLoops(rows)
}

// LoopQuery filters ListLoops.
type LoopQuery struct {
	UserID         string
	State          types.LoopState // empty means open
	CounterpartyID string
	Limit          int
}

// ListLoops returns loops ordered by due date (undated last), then age.
func (s *Store) ListLoops(q LoopQuery) ([]*types.OpenLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := q.State
	if state == "" {
		state = types.LoopOpen
	}
	query := `SELECT ` + loopColumns + ` FROM open_loops WHERE user_id = ? AND state = ?`
	args := []any{q.UserID, string(state)}
	if q.CounterpartyID != "" {
		query += ` AND counterparty_id = ?`
		args = append(args, q.CounterpartyID)
	}
	query += ` ORDER BY due_at IS NULL, due_at ASC, created_at ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLoops(rows)
}

// CASLoopState transitions a loop out of the open state. Returns false when
// the loop was not open (terminal states never change again).
func (s *Store) CASLoopState(userID, id string, to types.LoopState, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE open_loops SET state = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND state = 'open'`,
		string(to), ts(at), id, userID)
	if err != nil {
		return false, fmt.Errorf("update loop state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchLoopMention refreshes the last-mention time of an open loop.
func (s *Store) TouchLoopMention(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE open_loops SET last_mention = ?, updated_at = ?
		WHERE id = ? AND state = 'open'`, ts(at), ts(at), id)
	return err
}

// LoopsDueBefore returns open loops whose due date has passed the cutoff,
// across all users. Used by the expiry sweeper.
func (s *Store) LoopsDueBefore(cutoff time.Time, limit int) ([]*types.OpenLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT `+loopColumns+` FROM open_loops
		WHERE state = 'open' AND due_at IS NOT NULL AND due_at < ?
		ORDER BY due_at ASC LIMIT ?`, ts(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLoops(rows)
}

func scanLoop(r rowScanner) (*types.OpenLoop, error) {
	var (
		l                                 types.OpenLoop
		typ, state                        string
		due                               sql.NullInt64
		createdAt, updatedAt, lastMention int64
	)
	err := r.Scan(&l.ID, &l.UserID, &typ, &l.CounterpartyID, &l.Description,
		&l.DescFingerprint, &l.MemoryID, &due, &state, &createdAt, &updatedAt, &lastMention)
	if err != nil {
		return nil, err
	}
	l.Type = types.LoopType(typ)
	l.State = types.LoopState(state)
	if due.Valid {
		t := fromTS(due.Int64)
		l.DueAt = &t
	}
	l.CreatedAt = fromTS(createdAt)
	l.UpdatedAt = fromTS(updatedAt)
	l.LastMention = fromTS(lastMention)
	return &l, nil
}

func scanLoops(rows *sql.Rows) ([]*types.OpenLoop, error) {
	var out []*types.OpenLoop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
