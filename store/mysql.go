package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore implements SessionStore and AuditStore using MySQL.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQL creates a new MySQL store from an open connection pool.
func NewMySQL(db *sql.DB) (*MySQLStore, error) {
	if err := createMySQLSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &MySQLStore{db: db}, nil
}

// NewMySQLFromDSN creates a new MySQL store from a DSN.
// The DSN format is: user:password@tcp(host:port)/database[?params]
func NewMySQLFromDSN(dsn string) (*MySQLStore, error) {
	dsn, err := mysqlDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: failed to connect: %w", err)
	}

	return NewMySQL(db)
}

// mysqlDSN enables parseTime on dsn, keeping any parameters it already has.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql: invalid DSN: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func createMySQLSchema(db *sql.DB) error {
	statements := []string{`
	CREATE TABLE IF NOT EXISTS sessions (
		handle               CHAR(64) PRIMARY KEY,
		email                VARCHAR(255) NOT NULL,
		encrypted_credential TEXT NOT NULL,
		created_at           BIGINT NOT NULL,
		expires_at           BIGINT NOT NULL,
		evict_at             BIGINT NOT NULL,
		origin_country       VARCHAR(100),
		origin_lat           DECIMAL(10, 8),
		origin_lng           DECIMAL(11, 8),

		INDEX idx_sessions_evict (evict_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
	CREATE TABLE IF NOT EXISTS audit_log (
		id                CHAR(36) PRIMARY KEY,
		occurred_at       TIMESTAMP(3) NOT NULL,
		operation         VARCHAR(100) NOT NULL,
		upstream_path     VARCHAR(255),
		upstream_method   VARCHAR(10),
		upstream_status   INT,
		latency_ms        BIGINT,
		owner_fingerprint CHAR(16) NOT NULL,
		subject_domain    VARCHAR(255),
		error_code        VARCHAR(64),
		client_agent      VARCHAR(255),
		client_country    VARCHAR(100),
		location_shift    BOOLEAN NOT NULL DEFAULT FALSE,

		INDEX idx_audit_owner (owner_fingerprint, occurred_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	// The driver does not accept multiple statements per Exec by default.
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("mysql: failed to create schema: %w", err)
		}
	}
	return nil
}

// Put persists a session record and purges rows past their eviction time.
func (s *MySQLStore) Put(ctx context.Context, handle string, rec *SessionRecord, ttl time.Duration) error {
	now := time.Now()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE evict_at <= ?", now.UnixMilli()); err != nil {
		return fmt.Errorf("mysql: failed to purge sessions: %w", err)
	}

	query := `
	INSERT INTO sessions (
		handle, email, encrypted_credential, created_at, expires_at, evict_at,
		origin_country, origin_lat, origin_lng
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		email = VALUES(email),
		encrypted_credential = VALUES(encrypted_credential),
		created_at = VALUES(created_at),
		expires_at = VALUES(expires_at),
		evict_at = VALUES(evict_at),
		origin_country = VALUES(origin_country),
		origin_lat = VALUES(origin_lat),
		origin_lng = VALUES(origin_lng)
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
		return fmt.Errorf("mysql: failed to save session: %w", err)
	}
	return nil
}

// Get loads a session record.
func (s *MySQLStore) Get(ctx context.Context, handle string) (*SessionRecord, error) {
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
		return nil, fmt.Errorf("mysql: failed to get session: %w", err)
	}

	rec.OriginCountry = country.String
	rec.OriginLat = lat.Float64
	rec.OriginLng = lng.Float64
	return &rec, nil
}

// Delete removes a session record.
func (s *MySQLStore) Delete(ctx context.Context, handle string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE handle = ?", handle); err != nil {
		return fmt.Errorf("mysql: failed to delete session: %w", err)
	}
	return nil
}

// AppendAudit inserts an audit row.
func (s *MySQLStore) AppendAudit(ctx context.Context, row AuditRow) error {
	query := `
	INSERT INTO audit_log (
		id, occurred_at, operation, upstream_path, upstream_method, upstream_status,
		latency_ms, owner_fingerprint, subject_domain, error_code, client_agent,
		client_country, location_shift
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query, auditArgs(row)...); err != nil {
		return fmt.Errorf("mysql: failed to append audit row: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
