// Package store persists every answered Episode to a local SQLite
// database: an append-only history of questions, probe evidence and
// reliability scores, retained up to a configured count.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nilgrove/advisord/pkg/core"
)

// Store wraps the episode database connection.
type Store struct {
	*sqlx.DB
	retain int
}

// Config controls connection and retention behavior.
type Config struct {
	Path    string
	WALMode bool
	Retain  int // max episodes kept; 0 means unbounded
}

// Open connects to (creating if necessary) the episode database and
// ensures its schema exists.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == ":memory:" {
		db, err := sqlx.Connect("sqlite", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("store: connect in-memory database: %w", err)
		}
		return newStore(db, cfg)
	}

	dataDir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	connStr := cfg.Path
	if cfg.WALMode {
		connStr += "?_journal_mode=WAL&_sync=NORMAL&_cache_size=1000&_foreign_keys=ON"
	}

	db, err := sqlx.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	return newStore(db, cfg)
}

func newStore(db *sqlx.DB, cfg Config) (*Store, error) {
	s := &Store{DB: db, retain: cfg.Retain}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		question TEXT NOT NULL,
		intent_kind TEXT NOT NULL,
		rounds_json TEXT NOT NULL,
		exchanges_json TEXT NOT NULL,
		response_json TEXT,
		reliability REAL NOT NULL DEFAULT 0,
		refused BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_episodes_created_at ON episodes(created_at);
	CREATE INDEX IF NOT EXISTS idx_episodes_intent_kind ON episodes(intent_kind);

	CREATE TABLE IF NOT EXISTS metric_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		sampled_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_metric_samples_name_time ON metric_samples(name, sampled_at);
	`
	if _, err := s.Exec(schema); err != nil {
		return fmt.Errorf("store: execute schema: %w", err)
	}
	return nil
}

// MetricAggregate reads back the avg/min/max/sample_count/first_seen/
// last_seen aggregate for name over the trailing since duration.
// metric_samples is written by the out-of-scope telemetry sampler; a
// zero SampleCount means no rows matched, not an error.
func (s *Store) MetricAggregate(name string, since time.Duration) (MetricAggregate, error) {
	cutoff := time.Now().Add(-since)

	var count int
	if err := s.Get(&count, `SELECT COUNT(*) FROM metric_samples WHERE name = ? AND sampled_at >= ?`, name, cutoff); err != nil {
		return MetricAggregate{}, fmt.Errorf("store: count metric samples: %w", err)
	}
	if count == 0 {
		return MetricAggregate{}, nil
	}

	var agg MetricAggregate
	err := s.Get(&agg, `
		SELECT
			COUNT(*) AS sample_count,
			AVG(value) AS avg,
			MIN(value) AS min,
			MAX(value) AS max,
			MIN(sampled_at) AS first_seen,
			MAX(sampled_at) AS last_seen
		FROM metric_samples
		WHERE name = ? AND sampled_at >= ?
	`, name, cutoff)
	if err != nil {
		return MetricAggregate{}, fmt.Errorf("store: aggregate metric samples: %w", err)
	}
	return agg, nil
}

// Append writes a frozen Episode and prunes the oldest rows beyond the
// configured retention count, if any.
func (s *Store) Append(ep *core.Episode) error {
	if !ep.Frozen() {
		return fmt.Errorf("store: refusing to persist an unfrozen episode %q", ep.ID)
	}

	rounds, err := json.Marshal(ep.Rounds)
	if err != nil {
		return fmt.Errorf("store: marshal rounds: %w", err)
	}
	exchanges, err := json.Marshal(ep.Exchanges)
	if err != nil {
		return fmt.Errorf("store: marshal exchanges: %w", err)
	}
	response, err := json.Marshal(ep.Response)
	if err != nil {
		return fmt.Errorf("store: marshal response: %w", err)
	}

	_, err = s.Exec(
		`INSERT INTO episodes (id, started_at, question, intent_kind, rounds_json, exchanges_json, response_json, reliability, refused)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.StartedAt, ep.Intent.Question, string(ep.Intent.Kind),
		string(rounds), string(exchanges), string(response),
		ep.Response.Reliability, ep.Response.Refused,
	)
	if err != nil {
		return fmt.Errorf("store: insert episode: %w", err)
	}

	if s.retain > 0 {
		if _, err := s.Exec(
			`DELETE FROM episodes WHERE id NOT IN (SELECT id FROM episodes ORDER BY created_at DESC LIMIT ?)`,
			s.retain,
		); err != nil {
			return fmt.Errorf("store: prune episodes: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit episode rows, most recent first.
func (s *Store) Recent(limit int) ([]EpisodeRow, error) {
	var rows []EpisodeRow
	err := s.Select(&rows, `SELECT id, started_at, question, intent_kind, rounds_json, exchanges_json, response_json, reliability, refused, created_at
		FROM episodes ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: select recent episodes: %w", err)
	}
	return rows, nil
}

// HealthCheck verifies the connection is alive.
func (s *Store) HealthCheck() error {
	var result int
	if err := s.Get(&result, "SELECT 1"); err != nil {
		return fmt.Errorf("store: health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.DB.Close()
}
