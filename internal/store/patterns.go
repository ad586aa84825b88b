package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mnemo/internal/types"
)

// PutPattern replaces the user's temporal pattern wholesale.
func (s *Store) PutPattern(p *types.TemporalPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pattern: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO temporal_patterns (user_id, pattern, computed_at)
		VALUES (?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET pattern = excluded.pattern, computed_at = excluded.computed_at`,
		p.UserID, string(b), ts(p.ComputedAt))
	return err
}

// GetPattern returns the user's current pattern, or nil when none has been
// computed yet.
func (s *Store) GetPattern(userID string) (*types.TemporalPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(`SELECT pattern FROM temporal_patterns WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p types.TemporalPattern
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode pattern for %s: %w", userID, err)
	}
	return &p, nil
}

// PatternUserIDs lists users with any recorded accesses, for the pattern
// recompute worker.
func (s *Store) PatternUserIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM access_log`)
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

// RecordAccess increments the hourly access bin for a memory read.
func (s *Store) RecordAccess(userID, memoryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bin := at.UTC().Truncate(time.Hour)
	_, err := s.db.Exec(`INSERT INTO access_log (user_id, memory_id, bin_ts, count)
		VALUES (?,?,?,1)
		ON CONFLICT(user_id, memory_id, bin_ts) DO UPDATE SET count = count + 1`,
		userID, memoryID, ts(bin))
	return err
}

// HourlyAccessSeries returns one count per hour in [from, to), oldest first.
// Hours with no accesses are zero-filled so the series is evenly sampled.
func (s *Store) HourlyAccessSeries(userID string, from, to time.Time) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from = from.UTC().Truncate(time.Hour)
	to = to.UTC().Truncate(time.Hour)
	n := int(to.Sub(from) / time.Hour)
	if n <= 0 {
		return nil, nil
	}
	series := make([]float64, n)

	rows, err := s.db.Query(`SELECT bin_ts, SUM(count) FROM access_log
		WHERE user_id = ? AND bin_ts >= ? AND bin_ts < ?
		GROUP BY bin_ts`, userID, ts(from), ts(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var bin int64
		var count float64
		if err := rows.Scan(&bin, &count); err != nil {
			return nil, err
		}
		idx := int(fromTS(bin).Sub(from) / time.Hour)
		if idx >= 0 && idx < n {
			series[idx] = count
		}
	}
	return series, rows.Err()
}

// FirstAccess returns the oldest access bin for the user, zero when none.
func (s *Store) FirstAccess(userID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bin sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(bin_ts) FROM access_log WHERE user_id = ?`, userID).Scan(&bin)
	if err != nil || !bin.Valid {
		return time.Time{}, err
	}
	return fromTS(bin.Int64), nil
}

// TopMemoriesAtHour returns ids of the user's active memories most often
// accessed at the given UTC hour of day, for peak-window prefetch.
func (s *Store) TopMemoriesAtHour(userID string, hourOfDay, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// bin_ts is a UTC nanosecond timestamp truncated to the hour; the hour
	// of day is (bin/3600e9) mod 24.
	rows, err := s.db.Query(`SELECT a.memory_id, SUM(a.count) AS total
		FROM access_log a
		JOIN memories m ON m.id = a.memory_id
		WHERE a.user_id = ? AND ((a.bin_ts / 3600000000000) % 24) = ? AND m.state = 'active'
		GROUP BY a.memory_id
		ORDER BY total DESC LIMIT ?`, userID, hourOfDay, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var total int64
		if err := rows.Scan(&id, &total); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeAccessLog drops bins older than the cutoff.
func (s *Store) PurgeAccessLog(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM access_log WHERE bin_ts < ?`, ts(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
