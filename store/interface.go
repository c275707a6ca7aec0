package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist or its store-level TTL has elapsed.
	ErrNotFound = errors.New("store: record not found")

	// ErrMalformed is returned when a stored payload cannot be decoded.
	ErrMalformed = errors.New("store: malformed record")
)

// SessionRecord is the persisted form of a session.
// The raw upstream credential is never part of it, only its ciphertext.
type SessionRecord struct {
	Email               string `json:"email"`
	EncryptedCredential string `json:"encryptedCredential"`
	CreatedAt           int64  `json:"createdAt"` // epoch milliseconds
	ExpiresAt           int64  `json:"expiresAt"` // epoch milliseconds

	// Login location, only set when GeoIP is configured.
	OriginCountry string  `json:"originCountry,omitempty"`
	OriginLat     float64 `json:"originLat,omitempty"`
	OriginLng     float64 `json:"originLng,omitempty"`
}

// Validate reports whether the record carries the fields every session needs.
func (r *SessionRecord) Validate() error {
	if r == nil || r.Email == "" || r.EncryptedCredential == "" || r.ExpiresAt <= 0 {
		return ErrMalformed
	}
	return nil
}

// SessionStore defines the interface for session storage backends.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// Put stores a record under handle. The backend must expire it on its own
	// after ttl, independently of any expiry check done by the caller.
	Put(ctx context.Context, handle string, rec *SessionRecord, ttl time.Duration) error

	// Get returns ErrNotFound when the handle is unknown or expired at the
	// store level, and ErrMalformed when the payload cannot be decoded.
	Get(ctx context.Context, handle string) (*SessionRecord, error)

	// Delete removes a record. Deleting an unknown handle is not an error.
	Delete(ctx context.Context, handle string) error

	// Close releases any resources held by the store.
	Close() error
}

// AuditRow is a single append-only audit entry.
// Zero values of optional fields are stored as NULL.
type AuditRow struct {
	ID               string
	OccurredAt       time.Time
	Operation        string
	UpstreamPath     string
	UpstreamMethod   string
	UpstreamStatus   int
	LatencyMs        int64
	OwnerFingerprint string
	SubjectDomain    string
	ErrorCode        string
	ClientAgent      string
	ClientCountry    string
	LocationShift    bool
}

// AuditStore appends audit rows. There is no read or update path.
type AuditStore interface {
	AppendAudit(ctx context.Context, row AuditRow) error
	Close() error
}

// Snapshot maps a rate-limit category to its event timestamps (epoch milliseconds),
// oldest first.
type Snapshot map[string][]int64

// BucketStore persists rate-limit buckets per owner so they survive restarts.
type BucketStore interface {
	// LoadBuckets returns an empty snapshot when nothing is stored for owner.
	LoadBuckets(ctx context.Context, owner string) (Snapshot, error)

	// SaveBuckets replaces the stored snapshot for owner. ttl bounds how long
	// the snapshot is kept after the last save.
	SaveBuckets(ctx context.Context, owner string, snap Snapshot, ttl time.Duration) error

	Close() error
}
