package bifrost

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aadithya-v/bifrost/store"
)

// Config contains configuration options for the Gateway.
type Config struct {
	// UpstreamBaseURL is the root of the registrar API, e.g. "https://api.example.com/v1".
	// Required.
	UpstreamBaseURL string `yaml:"upstream_base_url"`

	// UpstreamTimeout bounds each upstream attempt.
	// Default: 15 seconds.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// UpstreamRPS caps the aggregate rate of upstream calls from this process.
	// Default: 0 (unlimited).
	UpstreamRPS   float64 `yaml:"upstream_rps"`
	UpstreamBurst int     `yaml:"upstream_burst"`

	// VerifyPath is called with GET to check credentials on login.
	// Default: "/version".
	VerifyPath string `yaml:"verify_path"`

	// BoundaryMargin is how close to an hour boundary an auth failure must be
	// for the call to be retried with the adjacent hour's token.
	// Default: 2 minutes.
	BoundaryMargin time.Duration `yaml:"boundary_margin"`

	// EncryptionSecret derives the key that encrypts credentials at rest.
	// Required, at least MinSecretLength bytes.
	EncryptionSecret string `yaml:"encryption_secret"`

	// SessionTTL is how long sessions remain active.
	// Default: 12 hours.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// RateLimits holds the per-category sliding windows.
	// Default: lookup 10/60s, register 5/60s, general 60/60s.
	RateLimits Limits `yaml:"rate_limits"`

	// RateLimitFailOpen admits requests when the rate limiter is unreachable.
	// Default: false (such requests fail with INTERNAL_ERROR).
	RateLimitFailOpen bool `yaml:"rate_limit_fail_open"`

	// AuditQueueSize bounds pending audit records; overflow is dropped.
	// Default: 256.
	AuditQueueSize int `yaml:"audit_queue_size"`

	// AuditWorkers is the number of audit writer goroutines.
	// Default: 2.
	AuditWorkers int `yaml:"audit_workers"`

	// AuditWriteTimeout bounds each audit write.
	// Default: 5 seconds.
	AuditWriteTimeout time.Duration `yaml:"audit_write_timeout"`

	// GeoIPDatabasePath is the path to MaxMind GeoLite2-City.mmdb file.
	// Optional; enables client country in audit rows and location shift detection.
	// Download from: https://dev.maxmind.com/geoip/geolite2-free-geolocation-data
	GeoIPDatabasePath string `yaml:"geoip_database_path"`

	// NewLocationThresholdKM is the distance from the login location past
	// which an operation is flagged as a location shift.
	// Default: 500 km.
	NewLocationThresholdKM float64 `yaml:"new_location_threshold_km"`

	// DatabasePath is the path for the default SQLite database.
	// Only used if one of the stores is nil.
	// Default: "bifrost.db".
	DatabasePath string `yaml:"database_path"`

	// SessionStore is the storage backend for sessions.
	// Default: SQLite store at DatabasePath.
	SessionStore store.SessionStore `yaml:"-"`

	// AuditStore receives audit rows.
	// Default: SQLite store at DatabasePath.
	AuditStore store.AuditStore `yaml:"-"`

	// BucketStore persists rate-limit snapshots for the default LocalRateLimiter.
	// Default: SQLite store at DatabasePath.
	BucketStore store.BucketStore `yaml:"-"`

	// RateLimiter overrides the default LocalRateLimiter, e.g. with a RedisRateLimiter.
	RateLimiter RateLimiter `yaml:"-"`

	// Locator resolves client IPs to locations. Overrides GeoIPDatabasePath.
	Locator Locator `yaml:"-"`

	// HTTPClient is used for upstream calls.
	// Default: http.DefaultClient.
	HTTPClient *http.Client `yaml:"-"`

	// Logger receives structured logs.
	// Default: the zero Logger, which discards.
	Logger logr.Logger `yaml:"-"`

	// MetricsRegisterer registers the gateway's collectors when set.
	MetricsRegisterer prometheus.Registerer `yaml:"-"`

	// Now replaces the wall clock.
	// Default: time.Now.
	Now func() time.Time `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		UpstreamTimeout: 15 * time.Second,
		VerifyPath:      "/version",
		BoundaryMargin:  2 * time.Minute,
		SessionTTL:      12 * time.Hour,
		RateLimits: Limits{
			Lookup:   Limit{Max: 10, Window: time.Minute},
			Register: Limit{Max: 5, Window: time.Minute},
			General:  Limit{Max: 60, Window: time.Minute},
		},
		AuditQueueSize:         256,
		AuditWorkers:           2,
		AuditWriteTimeout:      5 * time.Second,
		NewLocationThresholdKM: 500,
		DatabasePath:           "bifrost.db",
	}
}

// applyDefaults fills in default values for zero-value fields.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = defaults.UpstreamTimeout
	}
	if c.VerifyPath == "" {
		c.VerifyPath = defaults.VerifyPath
	}
	if c.BoundaryMargin <= 0 {
		c.BoundaryMargin = defaults.BoundaryMargin
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaults.SessionTTL
	}
	c.RateLimits.Lookup = limitOrDefault(c.RateLimits.Lookup, defaults.RateLimits.Lookup)
	c.RateLimits.Register = limitOrDefault(c.RateLimits.Register, defaults.RateLimits.Register)
	c.RateLimits.General = limitOrDefault(c.RateLimits.General, defaults.RateLimits.General)
	if c.AuditQueueSize <= 0 {
		c.AuditQueueSize = defaults.AuditQueueSize
	}
	if c.AuditWorkers <= 0 {
		c.AuditWorkers = defaults.AuditWorkers
	}
	if c.AuditWriteTimeout <= 0 {
		c.AuditWriteTimeout = defaults.AuditWriteTimeout
	}
	if c.NewLocationThresholdKM <= 0 {
		c.NewLocationThresholdKM = defaults.NewLocationThresholdKM
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaults.DatabasePath
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func limitOrDefault(l, def Limit) Limit {
	if l.Max <= 0 && l.Window <= 0 {
		return def
	}
	if l.Window <= 0 {
		l.Window = def.Window
	}
	return l
}

// validate checks the fields that have no default.
func (c *Config) validate() error {
	if c.UpstreamBaseURL == "" {
		return ValidationError("upstream base URL is required")
	}
	if len(c.EncryptionSecret) < MinSecretLength {
		return ValidationError(fmt.Sprintf("encryption secret must be at least %d bytes", MinSecretLength))
	}
	return nil
}
