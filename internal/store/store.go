// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"robot-bridge/internal/model"
	"robot-bridge/internal/probe"
)

// Store persists the last-successful endpoint per transport for fast
// reconnect, plus a capped probe diagnostic history. Losing this file
// only costs a full rediscovery; it is a cache, not a source of truth.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	logCap int
}

// Open opens (or creates) the bridge database
func Open(ctx context.Context, path string, probeLogCap int, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if probeLogCap <= 0 {
		probeLogCap = 500
	}

	s := &Store{db: db, logger: logger.With(zap.String("component", "store")), logCap: probeLogCap}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			kind TEXT PRIMARY KEY,
			scheme TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			path TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS probe_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			ok INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			note TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
	}
	return nil
}

// SaveEndpoint caches the last endpoint a transport reached the robot
// through
func (s *Store) SaveEndpoint(ctx context.Context, candidate model.EndpointCandidate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoints (kind, scheme, host, port, path, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind) DO UPDATE SET
			scheme = excluded.scheme,
			host = excluded.host,
			port = excluded.port,
			path = excluded.path,
			updated_at = excluded.updated_at`,
		string(candidate.Kind), candidate.Scheme, candidate.Host, candidate.Port, candidate.Path,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save endpoint: %w", err)
	}
	return nil
}

// LastEndpoint returns the cached endpoint for a transport, if any
func (s *Store) LastEndpoint(ctx context.Context, kind model.TransportKind) (*model.EndpointCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT scheme, host, port, path FROM endpoints WHERE kind = ?`,
		string(kind),
	)

	var candidate model.EndpointCandidate
	candidate.Kind = kind
	err := row.Scan(&candidate.Scheme, &candidate.Host, &candidate.Port, &candidate.Path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load endpoint: %w", err)
	}
	return &candidate, nil
}

// RecordProbe implements probe.DiagnosticSink, keeping the log under
// its cap by pruning the oldest rows
func (s *Store) RecordProbe(result probe.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	note := result.Error
	if note == "" {
		note = result.Snippet
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO probe_log (kind, target, ok, latency_ms, note, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(result.Candidate.Kind), result.Candidate.URL(),
		boolToInt(result.OK), result.Latency.Milliseconds(), note,
		result.At.UTC().Format(time.RFC3339),
	)
	if err != nil {
		s.logger.Warn("Failed to record probe attempt", zap.Error(err))
		return
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM probe_log WHERE id NOT IN (
			SELECT id FROM probe_log ORDER BY id DESC LIMIT ?
		)`, s.logCap,
	)
	if err != nil {
		s.logger.Warn("Failed to prune probe log", zap.Error(err))
	}
}

// ProbeRecord is one persisted probe attempt as surfaced to the UI
type ProbeRecord struct {
	Kind      string `json:"kind"`
	Target    string `json:"target"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Note      string `json:"note"`
	At        string `json:"at"`
}

// ProbeHistory returns the most recent probe attempts, newest first
func (s *Store) ProbeHistory(ctx context.Context, limit int) ([]ProbeRecord, error) {
	if limit <= 0 || limit > s.logCap {
		limit = s.logCap
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, target, ok, latency_ms, note, at
		 FROM probe_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load probe history: %w", err)
	}
	defer rows.Close()

	var records []ProbeRecord
	for rows.Next() {
		var rec ProbeRecord
		var ok int64
		if err := rows.Scan(&rec.Kind, &rec.Target, &ok, &rec.LatencyMs, &rec.Note, &rec.At); err != nil {
			return nil, fmt.Errorf("scan probe row: %w", err)
		}
		rec.OK = ok != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
