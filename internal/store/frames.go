package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mnemo/internal/types"
)

const frameColumns = `id, user_id, location, people_ids, activity, project,
	tags, started_at, expires_at, active`

// ActiveFrame returns the user's active context frame. A frame past its
// expiry is deactivated on read and nil is returned; expiry is enforced
// lazily, there is no timer per frame.
func (s *Store) ActiveFrame(userID string, now time.Time) (*types.ContextFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+frameColumns+` FROM context_frames
		WHERE user_id = ? AND active = 1`, userID)
	f, err := scanFrame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !f.ExpiresAt.After(now) {
		if _, err := s.db.Exec(`UPDATE context_frames SET active = 0 WHERE id = ?`, f.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return f, nil
}

// StartFrame deactivates any current frame and installs the given one as
// active, in one transaction.
func (s *Store) StartFrame(f *types.ContextFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE context_frames SET active = 0 WHERE user_id = ? AND active = 1`, f.UserID); err != nil {
		return fmt.Errorf("deactivate frame: %w", err)
	}

	people, _ := json.Marshal(orEmpty(f.PeopleIDs))
	tags, _ := json.Marshal(orEmpty(f.Tags))
	if _, err := tx.Exec(`INSERT INTO context_frames (`+frameColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,1)`,
		f.ID, f.UserID, f.Location, string(people), f.Activity, f.Project,
		string(tags), ts(f.StartedAt), ts(f.ExpiresAt)); err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	return tx.Commit()
}

// CloseActiveFrame deactivates the user's active frame if any. Returns the
// closed frame id, empty when there was none.
func (s *Store) CloseActiveFrame(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(`SELECT id FROM context_frames WHERE user_id = ? AND active = 1`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(`UPDATE context_frames SET active = 0 WHERE id = ?`, id)
	return id, err
}

// ExtendFrame pushes the active frame's expiry forward (sliding renewal on
// ingest activity).
func (s *Store) ExtendFrame(id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE context_frames SET expires_at = ? WHERE id = ? AND active = 1`,
		ts(expiresAt), id)
	return err
}

// FrameHistory lists past frames newest first.
func (s *Store) FrameHistory(userID string, limit int) ([]*types.ContextFrame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT `+frameColumns+` FROM context_frames
		WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ContextFrame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PurgeFrames deletes inactive frames started before the cutoff.
func (s *Store) PurgeFrames(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM context_frames WHERE active = 0 AND started_at < ?`, ts(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanFrame(r rowScanner) (*types.ContextFrame, error) {
	var (
		f                    types.ContextFrame
		people, tags         string
		startedAt, expiresAt int64
		active               int
	)
	err := r.Scan(&f.ID, &f.UserID, &f.Location, &people, &f.Activity,
		&f.Project, &tags, &startedAt, &expiresAt, &active)
	if err != nil {
		return nil, err
	}
	f.StartedAt = fromTS(startedAt)
	f.ExpiresAt = fromTS(expiresAt)
	f.Active = active != 0
	json.Unmarshal([]byte(people), &f.PeopleIDs)
	json.Unmarshal([]byte(tags), &f.Tags)
	return &f, nil
}
