// Package store implements the document store on SQLite: one table per
// aggregate (memories, entities, relationships, open_loops, context_frames,
// recall_sessions, temporal_patterns, access_log, notifications) plus the
// embedding projection used for semantic lookup. The memories table is the
// source of truth; the vector index and the hot cache are projections and
// can be rebuilt from it.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed document store. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New initializes the SQLite database at the given path (":memory:" for
// tests).
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes writes internally, but a single
	// connection avoids table-lock errors under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_access INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'active',
			tier TEXT NOT NULL DEFAULT 'warm',
			access_count INTEGER NOT NULL DEFAULT 0,
			features TEXT NOT NULL DEFAULT '{}',
			salience REAL NOT NULL DEFAULT 0,
			current_score REAL NOT NULL DEFAULT 0,
			weights_version TEXT NOT NULL DEFAULT '',
			entity_ids TEXT NOT NULL DEFAULT '[]',
			embedding_ref TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			predictive_hints TEXT NOT NULL DEFAULT '[]',
			context_json TEXT,
			degraded INTEGER NOT NULL DEFAULT 0,
			degraded_reason TEXT NOT NULL DEFAULT '',
			logical_ts INTEGER NOT NULL DEFAULT 0,
			schema_version INTEGER NOT NULL DEFAULT 1,
			state_changed_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_mem_user_created ON memories(user_id, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_mem_user_fp ON memories(user_id, fingerprint) WHERE state != 'deleted';
		CREATE INDEX IF NOT EXISTS idx_mem_user_tier_salience ON memories(user_id, tier, salience DESC);
		CREATE INDEX IF NOT EXISTS idx_mem_user_tags ON memories(user_id, tags);
		CREATE INDEX IF NOT EXISTS idx_mem_tier_access ON memories(tier, last_access);`,

		`CREATE TABLE IF NOT EXISTS embeddings (
			memory_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			vec TEXT NOT NULL,
			dims INTEGER NOT NULL,
			logical_ts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_emb_user ON embeddings(user_id);`,

		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL COLLATE NOCASE,
			user_owned INTEGER NOT NULL DEFAULT 0,
			care_circle INTEGER NOT NULL DEFAULT 0,
			notify_prefs TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			UNIQUE(user_id, type, name)
		);`,

		`CREATE TABLE IF NOT EXISTS relationships (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			from_entity_id TEXT NOT NULL,
			to_entity_id TEXT NOT NULL,
			interactions INTEGER NOT NULL DEFAULT 0,
			last_interaction INTEGER NOT NULL DEFAULT 0,
			valence_ema REAL NOT NULL DEFAULT 0,
			recent_valences TEXT NOT NULL DEFAULT '[]',
			trend TEXT NOT NULL DEFAULT 'stable',
			sensitivities TEXT NOT NULL DEFAULT '[]',
			UNIQUE(user_id, from_entity_id, to_entity_id)
		);`,

		`CREATE TABLE IF NOT EXISTS open_loops (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			counterparty_id TEXT NOT NULL,
			description TEXT NOT NULL,
			desc_fingerprint TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			due_at INTEGER,
			state TEXT NOT NULL DEFAULT 'open',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_mention INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_loops_user_state ON open_loops(user_id, state);
		CREATE INDEX IF NOT EXISTS idx_loops_user_fp ON open_loops(user_id, desc_fingerprint);
		CREATE INDEX IF NOT EXISTS idx_loops_due ON open_loops(state, due_at);`,

		`CREATE TABLE IF NOT EXISTS context_frames (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			people_ids TEXT NOT NULL DEFAULT '[]',
			activity TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			started_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_frames_user_active ON context_frames(user_id, active);`,

		`CREATE TABLE IF NOT EXISTS temporal_patterns (
			user_id TEXT PRIMARY KEY,
			pattern TEXT NOT NULL,
			computed_at INTEGER NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS access_log (
			user_id TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			bin_ts INTEGER NOT NULL,
			count INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY(user_id, memory_id, bin_ts)
		);
		CREATE INDEX IF NOT EXISTS idx_access_user_bin ON access_log(user_id, bin_ts);`,

		`CREATE TABLE IF NOT EXISTS recall_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			memory_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'recorded',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notif_user_kind ON notifications(user_id, kind, entity_id, created_at DESC);`,

		`CREATE TABLE IF NOT EXISTS context_weights (
			user_id TEXT NOT NULL,
			context_key TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			delta REAL NOT NULL DEFAULT 0,
			PRIMARY KEY(user_id, context_key, memory_id)
		);`,

		`CREATE TABLE IF NOT EXISTS user_vocab (
			user_id TEXT NOT NULL,
			token TEXT NOT NULL,
			PRIMARY KEY(user_id, token)
		);`,
	}

	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for maintenance tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Stats returns row counts per collection.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"memories", "embeddings", "entities", "relationships", "open_loops",
		"context_frames", "temporal_patterns", "access_log", "recall_sessions",
		"notifications",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	return stats, nil
}

// ts converts a time to the canonical integer column representation
// (nanoseconds since epoch, UTC).
func ts(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromTS reverses ts.
func fromTS(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
