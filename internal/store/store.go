// Package store persists tokens, per-day usage counters and the cached
// upstream client version in a single embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/nghyane/qwen-proxy/internal/logging"
	_ "modernc.org/sqlite"
)

const (
	// tokenCacheTTL bounds how stale the read-through token cache may be.
	// Callers poll frequently; any write invalidates the whole cache.
	tokenCacheTTL = 60 * time.Second

	versionKey = "app_version"
)

// Store is the durable persistence layer. Safe for concurrent use; SQLite's
// own locking serializes writers, and a single connection keeps WAL happy.
type Store struct {
	db     *sql.DB
	dbPath string

	cacheMu  sync.RWMutex
	cache    map[string]Token
	cachedAt time.Time
}

// Open opens (creating if needed) the database at path and runs schema
// migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DBPath returns the filesystem path to the SQLite database.
func (s *Store) DBPath() string { return s.dbPath }

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		expires_at INTEGER,
		uploaded_at INTEGER,
		usage_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS usage (
		date TEXT NOT NULL,
		model TEXT NOT NULL,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		call_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, model)
	);

	CREATE TABLE IF NOT EXISTS app_version (
		key TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	return migrateSchema(db)
}

// migrateSchema adds columns that older deployments may lack. ALTER TABLE
// on an existing column fails with "duplicate column name", which makes
// the migration idempotent.
func migrateSchema(db *sql.DB) error {
	migrations := []struct {
		table  string
		colDef string
	}{
		{"tokens", "usage_count INTEGER NOT NULL DEFAULT 0"},
		{"usage", "call_count INTEGER NOT NULL DEFAULT 0"},
	}

	for _, m := range migrations {
		_, err := db.Exec("ALTER TABLE " + m.table + " ADD COLUMN " + m.colDef)
		if err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration failed for %s [%s]: %w", m.table, m.colDef, err)
		}
		log.Infof("Added column %s to %s table", strings.Fields(m.colDef)[0], m.table)
	}

	return nil
}

func (s *Store) invalidateCache() {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheMu.Unlock()
}

// UpsertToken replaces the full row keyed by token.ID.
func (s *Store) UpsertToken(ctx context.Context, t Token) error {
	var expiresAt, uploadedAt any
	if t.ExpiresAt != 0 {
		expiresAt = t.ExpiresAt
	}
	if t.UploadedAt != 0 {
		uploadedAt = t.UploadedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tokens (id, access_token, refresh_token, expires_at, uploaded_at, usage_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.AccessToken, t.RefreshToken, expiresAt, uploadedAt, t.UsageCount)
	if err != nil {
		return fmt.Errorf("failed to upsert token %s: %w", t.ID, err)
	}

	s.invalidateCache()
	return nil
}

// LoadAllTokens returns every stored token keyed by id. Results may be
// served from a short-lived cache; the returned map is a copy the caller
// owns.
func (s *Store) LoadAllTokens(ctx context.Context) (map[string]Token, error) {
	s.cacheMu.RLock()
	if s.cache != nil && time.Since(s.cachedAt) < tokenCacheTTL {
		out := make(map[string]Token, len(s.cache))
		for id, t := range s.cache {
			out[id] = t
		}
		s.cacheMu.RUnlock()
		return out, nil
	}
	s.cacheMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, access_token, refresh_token, expires_at, uploaded_at, usage_count FROM tokens
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	defer rows.Close()

	tokens := make(map[string]Token)
	for rows.Next() {
		var t Token
		var expiresAt, uploadedAt sql.NullInt64
		if err := rows.Scan(&t.ID, &t.AccessToken, &t.RefreshToken, &expiresAt, &uploadedAt, &t.UsageCount); err != nil {
			return nil, err
		}
		t.ExpiresAt = expiresAt.Int64
		t.UploadedAt = uploadedAt.Int64
		tokens[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	cached := make(map[string]Token, len(tokens))
	for id, t := range tokens {
		cached[id] = t
	}
	s.cache = cached
	s.cachedAt = time.Now()
	s.cacheMu.Unlock()

	return tokens, nil
}

// DeleteToken removes a single token. Deleting an unknown id is not an
// error.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete token %s: %w", id, err)
	}
	s.invalidateCache()
	return nil
}

// DeleteAllTokens removes every token and returns how many rows went away.
func (s *Store) DeleteAllTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tokens: %w", err)
	}
	s.invalidateCache()
	return res.RowsAffected()
}

// IncrementUsage atomically adds tokensDelta to the (date, model) counter
// and bumps its call count by one.
func (s *Store) IncrementUsage(ctx context.Context, date, model string, tokensDelta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (date, model, total_tokens, call_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(date, model) DO UPDATE SET
			total_tokens = total_tokens + excluded.total_tokens,
			call_count = call_count + 1
	`, date, model, tokensDelta)
	if err != nil {
		return fmt.Errorf("failed to record usage for %s/%s: %w", date, model, err)
	}
	return nil
}

// IncrementTokenCallCount atomically bumps a token's usage counter.
func (s *Store) IncrementTokenCallCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tokens SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment call count for %s: %w", id, err)
	}
	s.invalidateCache()
	return nil
}

// ReadUsage returns all per-model usage rows for a date.
func (s *Store) ReadUsage(ctx context.Context, date string) ([]UsageStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, model, total_tokens, call_count FROM usage WHERE date = ? ORDER BY model
	`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage for %s: %w", date, err)
	}
	defer rows.Close()

	var stats []UsageStat
	for rows.Next() {
		var u UsageStat
		if err := rows.Scan(&u.Date, &u.Model, &u.TotalTokens, &u.CallCount); err != nil {
			return nil, err
		}
		stats = append(stats, u)
	}
	return stats, rows.Err()
}

// ListAvailableDates returns the distinct dates with usage rows, newest
// first.
func (s *Store) ListAvailableDates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT date FROM usage ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// DeleteUsage removes all usage rows for a date and returns the row count.
func (s *Store) DeleteUsage(ctx context.Context, date string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage WHERE date = ?`, date)
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage for %s: %w", date, err)
	}
	return res.RowsAffected()
}

// GetVersion returns the cached upstream client version, or "" when none
// has been stored.
func (s *Store) GetVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx, `SELECT version FROM app_version WHERE key = ?`, versionKey).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read app version: %w", err)
	}
	return version, nil
}

// PutVersion stores the upstream client version.
func (s *Store) PutVersion(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_version (key, version, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at
	`, versionKey, version, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store app version: %w", err)
	}
	return nil
}
