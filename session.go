package bifrost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/aadithya-v/bifrost/store"
)

// Identity is one upstream account: the email the upstream knows it by and
// its long-lived API credential.
type Identity struct {
	AccountEmail string
	Credential   string
}

// String never includes the credential.
func (i Identity) String() string {
	return i.AccountEmail
}

// GoString keeps %#v from printing the credential.
func (i Identity) GoString() string {
	return fmt.Sprintf("bifrost.Identity{AccountEmail:%q}", i.AccountEmail)
}

// Session represents a newly created session.
type Session struct {
	Handle       string    `json:"handle"`
	AccountEmail string    `json:"account_email"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TTL returns the lifetime the session was created with.
func (s *Session) TTL() time.Duration {
	return s.ExpiresAt.Sub(s.CreatedAt)
}

// ResolvedSession is a live session with its credential decrypted.
type ResolvedSession struct {
	Handle    string
	Identity  Identity
	CreatedAt time.Time
	ExpiresAt time.Time

	// Origin is the login location, nil when it was not recorded.
	Origin *LocationInfo
}

// IsExpired reports whether the session has expired at t.
func (s *ResolvedSession) IsExpired(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// LocationInfo contains geographic location resolved from an IP address.
type LocationInfo struct {
	City      string  `json:"city,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether the location carries a usable position.
func (l LocationInfo) HasCoordinates() bool {
	return l.Latitude != 0 || l.Longitude != 0
}

// ClientInfo describes the caller of a gateway operation as seen by the
// transport. The IP is used for lookups only and is never persisted.
type ClientInfo struct {
	IP         string `json:"ip"`
	UserAgent  string `json:"user_agent"`
	Agent      string `json:"agent"`       // e.g. "Chrome 120.0 / Windows 10"
	DeviceType string `json:"device_type"` // mobile, desktop, tablet, bot
}

// SessionGrant is what a caller receives from BeginSession.
type SessionGrant struct {
	Handle    string `json:"sessionToken"`
	ExpiresIn int64  `json:"expiresIn"` // seconds
}

type createOptions struct {
	origin *LocationInfo
}

// CreateOption customises SessionManager.Create.
type CreateOption func(*createOptions)

// WithOrigin records the login location with the session.
func WithOrigin(loc LocationInfo) CreateOption {
	return func(o *createOptions) {
		o.origin = &loc
	}
}

// SessionManager exchanges upstream identities for opaque handles. It owns
// every session record in its store.
type SessionManager struct {
	store  store.SessionStore
	cipher *CredentialCipher
	ttl    time.Duration
	now    func() time.Time
	log    logr.Logger
}

// NewSessionManager creates a SessionManager over st.
func NewSessionManager(st store.SessionStore, c *CredentialCipher, ttl time.Duration) *SessionManager {
	return &SessionManager{
		store:  st,
		cipher: c,
		ttl:    ttl,
		now:    time.Now,
		log:    logr.Discard(),
	}
}

// Create stores a new session for id and returns it. Only the encrypted
// credential is persisted.
func (m *SessionManager) Create(ctx context.Context, id Identity, opts ...CreateOption) (*Session, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	handle, err := newHandle()
	if err != nil {
		return nil, InternalError("", err)
	}

	blob, err := m.cipher.Encrypt(id.Credential)
	if err != nil {
		return nil, InternalError("", err)
	}

	now := m.now()
	expires := now.Add(m.ttl)
	rec := &store.SessionRecord{
		Email:               id.AccountEmail,
		EncryptedCredential: blob,
		CreatedAt:           now.UnixMilli(),
		ExpiresAt:           expires.UnixMilli(),
	}
	if o.origin != nil {
		rec.OriginCountry = o.origin.Country
		rec.OriginLat = o.origin.Latitude
		rec.OriginLng = o.origin.Longitude
	}

	if err := m.store.Put(ctx, handle, rec, m.ttl); err != nil {
		return nil, InternalError("", fmt.Errorf("bifrost: failed to save session: %w", err))
	}

	return &Session{
		Handle:       handle,
		AccountEmail: id.AccountEmail,
		CreatedAt:    time.UnixMilli(rec.CreatedAt),
		ExpiresAt:    time.UnixMilli(rec.ExpiresAt),
	}, nil
}

// Resolve returns the live session for handle. Absent, malformed, expired and
// undecryptable sessions all yield ErrSessionNotFound; an expired record is
// deleted on the way out.
func (m *SessionManager) Resolve(ctx context.Context, handle string) (*ResolvedSession, error) {
	rec, err := m.store.Get(ctx, handle)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrMalformed) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, InternalError("", fmt.Errorf("bifrost: failed to load session: %w", err))
	}
	if rec.Validate() != nil {
		return nil, ErrSessionNotFound
	}

	if m.now().UnixMilli() > rec.ExpiresAt {
		if err := m.store.Delete(ctx, handle); err != nil {
			m.log.V(1).Info("failed to delete expired session", "owner", Fingerprint(handle), "error", err.Error())
		}
		return nil, ErrSessionNotFound
	}

	credential, err := m.cipher.Decrypt(rec.EncryptedCredential)
	if err != nil {
		m.log.V(1).Info("session credential failed to decrypt", "owner", Fingerprint(handle))
		return nil, ErrSessionNotFound
	}

	s := &ResolvedSession{
		Handle:    handle,
		Identity:  Identity{AccountEmail: rec.Email, Credential: credential},
		CreatedAt: time.UnixMilli(rec.CreatedAt),
		ExpiresAt: time.UnixMilli(rec.ExpiresAt),
	}
	if rec.OriginCountry != "" || rec.OriginLat != 0 || rec.OriginLng != 0 {
		s.Origin = &LocationInfo{
			Country:   rec.OriginCountry,
			Latitude:  rec.OriginLat,
			Longitude: rec.OriginLng,
		}
	}
	return s, nil
}

// Revoke deletes the session. Revoking an unknown handle is not an error.
func (m *SessionManager) Revoke(ctx context.Context, handle string) error {
	if err := m.store.Delete(ctx, handle); err != nil {
		return InternalError("", fmt.Errorf("bifrost: failed to delete session: %w", err))
	}
	return nil
}
