// Package storage persists usage records to SQLite so spend history
// survives restarts.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/modelmux/modelmux/internal/cost"
)

// ErrStorageClosed is returned for operations on a closed store.
var ErrStorageClosed = errors.New("storage is closed")

// Totals is an aggregate over persisted usage records.
type Totals struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// SQLiteStorage stores usage records in a local SQLite database.
type SQLiteStorage struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the database at dbPath and runs migrations.
func Open(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		created_at    DATETIME NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		input_tokens  INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		cost          REAL DEFAULT 0,
		latency_ms    INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at);
	CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_records(provider);
	CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertUsage persists one usage record. Implements cost.UsageStore.
func (s *SQLiteStorage) InsertUsage(rec cost.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO usage_records (id, created_at, provider, model,
			input_tokens, output_tokens, cost, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.Cost, rec.Latency.Milliseconds())
	return err
}

// TotalsSince aggregates usage recorded at or after since.
func (s *SQLiteStorage) TotalsSince(since time.Time) (*Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}

	var t Totals
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost), 0)
		FROM usage_records WHERE created_at >= ?
	`, since.UTC().Format(time.RFC3339Nano)).Scan(
		&t.Requests, &t.InputTokens, &t.OutputTokens, &t.Cost)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ProviderTotalsSince aggregates cost per provider since the given time.
func (s *SQLiteStorage) ProviderTotalsSince(since time.Time) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}

	rows, err := s.db.Query(`
		SELECT provider, COALESCE(SUM(cost), 0)
		FROM usage_records WHERE created_at >= ?
		GROUP BY provider
	`, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var provider string
		var total float64
		if err := rows.Scan(&provider, &total); err != nil {
			return nil, err
		}
		out[provider] = total
	}
	return out, rows.Err()
}

// RecentUsage returns the newest records up to limit, newest first.
func (s *SQLiteStorage) RecentUsage(limit int) ([]cost.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}

	rows, err := s.db.Query(`
		SELECT created_at, provider, model, input_tokens, output_tokens, cost, latency_ms
		FROM usage_records ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []cost.UsageRecord
	for rows.Next() {
		var rec cost.UsageRecord
		var created string
		var latencyMS int64
		if err := rows.Scan(&created, &rec.Provider, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.Cost, &latencyMS); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.Timestamp = ts
		}
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database connection. Idempotent.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
