package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements SessionStore, AuditStore and BucketStore using SQLite.
// It uses the pure Go modernc.org/sqlite driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store.
// The database file is created if it doesn't exist.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		handle               TEXT PRIMARY KEY,
		email                TEXT NOT NULL,
		encrypted_credential TEXT NOT NULL,
		created_at           INTEGER NOT NULL,
		expires_at           INTEGER NOT NULL,
		evict_at             INTEGER NOT NULL,
		origin_country       TEXT,
		origin_lat           REAL,
		origin_lng           REAL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_evict ON sessions (evict_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id                TEXT PRIMARY KEY,
		occurred_at       DATETIME NOT NULL,
		operation         TEXT NOT NULL,
		upstream_path     TEXT,
		upstream_method   TEXT,
		upstream_status   INTEGER,
		latency_ms        INTEGER,
		owner_fingerprint TEXT NOT NULL,
		subject_domain    TEXT,
		error_code        TEXT,
		client_agent      TEXT,
		client_country    TEXT,
		location_shift    INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_audit_owner ON audit_log (owner_fingerprint, occurred_at);

	CREATE TABLE IF NOT EXISTS rate_buckets (
		owner    TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		evict_at INTEGER NOT NULL
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: failed to create schema: %w", err)
	}
	return nil
}

// Put persists a session record. Rows past evict_at are invisible to Get and
// are purged on every Put.
func (s *SQLiteStore) Put(ctx context.Context, handle string, rec *SessionRecord, ttl time.Duration) error {
	now := time.Now()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE evict_at <= ?", now.UnixMilli()); err != nil {
		return fmt.Errorf("sqlite: failed to purge sessions: %w", err)
	}

	query := `
	INSERT OR REPLACE INTO sessions (
		handle, email, encrypted_credential, created_at, expires_at, evict_at,
		origin_country, origin_lat, origin_lng
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		handle,
		rec.Email,
		rec.EncryptedCredential,
		rec.CreatedAt,
		rec.ExpiresAt,
		now.Add(ttl).UnixMilli(),
		nullString(rec.OriginCountry),
		rec.OriginLat,
		rec.OriginLng,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to save session: %w", err)
	}
	return nil
}

// Get loads a session record.
func (s *SQLiteStore) Get(ctx context.Context, handle string) (*SessionRecord, error) {
	query := `
	SELECT email, encrypted_credential, created_at, expires_at, origin_country, origin_lat, origin_lng
	FROM sessions
	WHERE handle = ? AND evict_at > ?
	`

	var (
		rec     SessionRecord
		country sql.NullString
		lat     sql.NullFloat64
		lng     sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, query, handle, time.Now().UnixMilli()).Scan(
		&rec.Email,
		&rec.EncryptedCredential,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&country,
		&lat,
		&lng,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get session: %w", err)
	}

	rec.OriginCountry = country.String
	rec.OriginLat = lat.Float64
	rec.OriginLng = lng.Float64
	return &rec, nil
}

// Delete removes a session record.
func (s *SQLiteStore) Delete(ctx context.Context, handle string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE handle = ?", handle); err != nil {
		return fmt.Errorf("sqlite: failed to delete session: %w", err)
	}
	return nil
}

// AppendAudit inserts an audit row.
func (s *SQLiteStore) AppendAudit(ctx context.Context, row AuditRow) error {
	query := `
	INSERT INTO audit_log (
		id, occurred_at, operation, upstream_path, upstream_method, upstream_status,
		latency_ms, owner_fingerprint, subject_domain, error_code, client_agent,
		client_country, location_shift
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, auditArgs(row)...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to append audit row: %w", err)
	}
	return nil
}

// CountAudit returns the number of audit rows for an owner fingerprint.
func (s *SQLiteStore) CountAudit(ctx context.Context, ownerFingerprint string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE owner_fingerprint = ?",
		ownerFingerprint,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count audit rows: %w", err)
	}
	return count, nil
}

// LoadBuckets reads the rate-limit snapshot of owner.
func (s *SQLiteStore) LoadBuckets(ctx context.Context, owner string) (Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM rate_buckets WHERE owner = ? AND evict_at > ?",
		owner, time.Now().UnixMilli(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load buckets: %w", err)
	}

	snap := Snapshot{}
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, nil
	}
	return snap, nil
}

// SaveBuckets upserts the rate-limit snapshot of owner.
func (s *SQLiteStore) SaveBuckets(ctx context.Context, owner string, snap Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal buckets: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO rate_buckets (owner, snapshot, evict_at) VALUES (?, ?, ?)",
		owner, string(data), time.Now().Add(ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to save buckets: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func auditArgs(row AuditRow) []any {
	return []any{
		row.ID,
		row.OccurredAt.UTC(),
		row.Operation,
		nullString(row.UpstreamPath),
		nullString(row.UpstreamMethod),
		nullInt(int64(row.UpstreamStatus)),
		nullInt(row.LatencyMs),
		row.OwnerFingerprint,
		nullString(row.SubjectDomain),
		nullString(row.ErrorCode),
		nullString(row.ClientAgent),
		nullString(row.ClientCountry),
		row.LocationShift,
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
