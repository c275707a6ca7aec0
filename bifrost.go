// Package bifrost is the session and access-control layer of a registrar API
// gateway. It exchanges long-lived upstream credentials for short-lived
// session handles, rate-limits each session per operation category, signs
// upstream calls with hourly rotating tokens and records an audit trail.
package bifrost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/aadithya-v/bifrost/store"
)

// Locator resolves an IP address to a location. *GeoIPReader implements it.
type Locator interface {
	Lookup(ip string) (*LocationInfo, error)
}

// Operation is one caller-visible gateway operation.
type Operation struct {
	Name     string
	Category Category

	Method string
	Path   string
	Query  url.Values
	Body   any

	// SubjectDomain is the domain the operation acts on, recorded in the audit row.
	SubjectDomain string
}

// Result is the successful outcome of an operation.
type Result struct {
	Status    int             `json:"status"`
	Body      json.RawMessage `json:"body"`
	LatencyMs int64           `json:"latencyMs"`
}

// Gateway sequences session lookup, admission, signed upstream call and
// audit for every operation. Every error it returns is an *Error.
type Gateway struct {
	config   Config
	sessions *SessionManager
	limiter  RateLimiter
	upstream *UpstreamClient
	audit    *AuditSink
	locator  Locator
	geoip    *GeoIPReader
	metrics  *Metrics
	log      logr.Logger

	closers     []io.Closer
	stopJanitor context.CancelFunc
}

// New creates a new Gateway with the given configuration.
// Any of SessionStore, AuditStore and BucketStore left nil is backed by one
// SQLite database at DatabasePath.
func New(cfg Config) (*Gateway, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		closeStores(cfg)
		return nil, err
	}

	cipher, err := NewCredentialCipher(cfg.EncryptionSecret)
	if err != nil {
		closeStores(cfg)
		return nil, ValidationError(err.Error())
	}

	g := &Gateway{
		config:  cfg,
		metrics: NewMetrics(cfg.MetricsRegisterer),
		log:     cfg.Logger,
		locator: cfg.Locator,
	}

	if g.locator == nil && cfg.GeoIPDatabasePath != "" {
		geoip, err := NewGeoIPReader(cfg.GeoIPDatabasePath)
		if err != nil {
			closeStores(cfg)
			return nil, fmt.Errorf("bifrost: failed to initialize GeoIP: %w", err)
		}
		g.geoip = geoip
		g.locator = geoip
	}

	needBuckets := cfg.RateLimiter == nil && cfg.BucketStore == nil
	if cfg.SessionStore == nil || cfg.AuditStore == nil || needBuckets {
		sqliteStore, err := store.NewSQLite(cfg.DatabasePath)
		if err != nil {
			g.geoip.Close()
			closeStores(cfg)
			return nil, fmt.Errorf("bifrost: failed to initialize SQLite store: %w", err)
		}
		if cfg.SessionStore == nil {
			cfg.SessionStore = sqliteStore
		}
		if cfg.AuditStore == nil {
			cfg.AuditStore = sqliteStore
		}
		if needBuckets {
			cfg.BucketStore = sqliteStore
		}
		g.addCloser(sqliteStore)
	}
	g.addCloser(cfg.SessionStore)
	g.addCloser(cfg.AuditStore)
	if cfg.BucketStore != nil {
		g.addCloser(cfg.BucketStore)
	}

	g.sessions = NewSessionManager(cfg.SessionStore, cipher, cfg.SessionTTL)
	g.sessions.now = cfg.Now
	g.sessions.log = g.log.WithName("sessions")

	if cfg.RateLimiter != nil {
		g.limiter = cfg.RateLimiter
	} else {
		local := NewLocalRateLimiter(
			WithBucketStore(cfg.BucketStore),
			WithLimiterLogger(g.log.WithName("ratelimit")),
		)
		local.now = cfg.Now
		ctx, cancel := context.WithCancel(context.Background())
		local.StartJanitor(ctx)
		g.stopJanitor = cancel
		g.limiter = local
	}

	g.upstream = NewUpstreamClient(cfg.UpstreamBaseURL,
		WithHTTPClient(cfg.HTTPClient),
		WithUpstreamTimeout(cfg.UpstreamTimeout),
		WithBoundaryMargin(cfg.BoundaryMargin),
		WithOutboundRate(cfg.UpstreamRPS, cfg.UpstreamBurst),
		WithUpstreamLogger(g.log.WithName("upstream")),
		WithUpstreamMetrics(g.metrics),
	)
	g.upstream.now = cfg.Now

	g.audit = NewAuditSink(cfg.AuditStore,
		WithAuditQueueSize(cfg.AuditQueueSize),
		WithAuditWorkers(cfg.AuditWorkers),
		WithAuditWriteTimeout(cfg.AuditWriteTimeout),
		WithAuditLogger(g.log.WithName("audit")),
		WithAuditMetrics(g.metrics),
	)
	g.audit.now = cfg.Now

	return g, nil
}

// closeStores releases the stores handed to New when it fails before a
// Gateway takes ownership of them.
func closeStores(cfg Config) {
	var closed []io.Closer
	for _, c := range []io.Closer{cfg.SessionStore, cfg.AuditStore, cfg.BucketStore} {
		if c == nil || slices.Contains(closed, c) {
			continue
		}
		_ = c.Close()
		closed = append(closed, c)
	}
}

// addCloser registers c once, however many roles it plays.
func (g *Gateway) addCloser(c io.Closer) {
	for _, existing := range g.closers {
		if existing == c {
			return
		}
	}
	g.closers = append(g.closers, c)
}

// Close drains pending audit records and releases all resources held by the
// Gateway, including injected stores.
func (g *Gateway) Close() error {
	if g.stopJanitor != nil {
		g.stopJanitor()
	}
	g.audit.Close()

	var errs []error
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.geoip.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("bifrost: errors during close: %v", errs)
	}
	return nil
}

// Metrics returns the gateway's collectors.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// BeginSession verifies the credential against the upstream API and, when
// accepted, returns a new session handle.
func (g *Gateway) BeginSession(ctx context.Context, email, credential string) (*SessionGrant, error) {
	email = strings.TrimSpace(email)
	if email == "" || credential == "" {
		return nil, ValidationError("Account email and API key are required.")
	}
	id := Identity{AccountEmail: email, Credential: credential}

	resp, err := g.upstream.Call(ctx, id, UpstreamRequest{Method: http.MethodGet, Path: g.config.VerifyPath})
	if err != nil {
		g.metrics.observeSession("rejected")
		return nil, AsError(err)
	}
	if resp.Status >= 400 {
		g.metrics.observeSession("rejected")
		g.log.V(1).Info("upstream rejected credentials", "status", resp.Status)
		return nil, AuthInvalid(loginFailureMessage(resp.Body))
	}

	var opts []CreateOption
	if info, ok := ClientInfoFrom(ctx); ok {
		if loc := g.locate(info.IP); loc != nil {
			opts = append(opts, WithOrigin(*loc))
		}
	}

	sess, err := g.sessions.Create(ctx, id, opts...)
	if err != nil {
		g.log.Error(err, "failed to create session")
		return nil, AsError(err)
	}
	owner := Fingerprint(sess.Handle)
	g.metrics.observeSession("created")
	g.log.Info("session created", "owner", owner)

	rec := AuditRecord{
		Operation:        "auth_login",
		UpstreamPath:     g.config.VerifyPath,
		UpstreamMethod:   http.MethodGet,
		UpstreamStatus:   resp.Status,
		LatencyMs:        resp.LatencyMs,
		OwnerFingerprint: owner,
	}
	g.enrich(ctx, nil, &rec)
	g.audit.Record(rec)

	return &SessionGrant{
		Handle:    sess.Handle,
		ExpiresIn: int64(sess.TTL() / time.Second),
	}, nil
}

var (
	whitelistPattern = regexp.MustCompile(`(?i)whitelist|Your IP is`)
	ipPattern        = regexp.MustCompile(`(?i)[\d.:a-f]+:[\d.:a-f]+|(\d{1,3}\.){3}\d{1,3}`)
)

// loginFailureMessage explains a rejected credential check, naming the
// gateway's IP when the upstream rejected it by whitelist.
func loginFailureMessage(body json.RawMessage) string {
	var obj map[string]any
	if json.Unmarshal(body, &obj) != nil {
		return "Invalid email or API key."
	}
	e, ok := obj["error"]
	if !ok {
		return "Invalid email or API key."
	}

	text := fmt.Sprint(e)
	if !whitelistPattern.MatchString(text) {
		return "Upstream authentication failed. Check your email and API key."
	}
	ip := ipPattern.FindString(text)
	if ip == "" {
		ip = "unknown"
	}
	return fmt.Sprintf("Upstream IP whitelist rejection (Gateway IP: %s). Add this IP to your registrar API whitelist.", ip)
}

// EndSession revokes the session. Ending an unknown session succeeds.
func (g *Gateway) EndSession(ctx context.Context, handle string) error {
	if err := ValidateHandle(handle); err != nil {
		return AsError(err)
	}
	if err := g.sessions.Revoke(ctx, handle); err != nil {
		g.log.Error(err, "failed to revoke session", "owner", Fingerprint(handle))
		return AsError(err)
	}
	g.metrics.observeSession("revoked")

	rec := AuditRecord{Operation: "auth_logout", OwnerFingerprint: Fingerprint(handle)}
	g.enrich(ctx, nil, &rec)
	g.audit.Record(rec)
	return nil
}

// Admit consumes one slot of the session's window for category. It returns
// nil when admitted and a RATE_LIMITED error carrying the retry delay
// otherwise.
func (g *Gateway) Admit(ctx context.Context, handle string, category Category) error {
	if category == "" {
		category = CategoryGeneral
	}
	if _, err := ParseCategory(string(category)); err != nil {
		return err
	}

	owner := Fingerprint(handle)
	dec, err := g.limiter.Check(ctx, owner, category, g.config.RateLimits.For(category))
	g.metrics.observeAdmission(category, dec, err)
	if err != nil {
		if g.config.RateLimitFailOpen {
			g.log.Error(err, "rate limiter unavailable, admitting", "owner", owner, "category", string(category))
			return nil
		}
		g.log.Error(err, "rate limiter unavailable", "owner", owner, "category", string(category))
		return AsError(err)
	}
	if !dec.Allowed {
		g.log.V(1).Info("rate limited", "owner", owner, "category", string(category), "retryAfter", dec.RetryAfterSeconds)
		return RateLimited(dec.RetryAfterSeconds)
	}
	return nil
}

// SignUpstreamRequest returns the upstream token for id at the given time.
func (g *Gateway) SignUpstreamRequest(id Identity, at time.Time) string {
	return SignUpstreamToken(id.Credential, id.AccountEmail, at)
}

// RecordOutcome queues rec for the audit log without waiting for the write.
func (g *Gateway) RecordOutcome(rec AuditRecord) {
	g.audit.Record(rec)
}

// Execute runs op on behalf of the session identified by handle.
// The rate-limit slot is consumed even when the upstream call fails.
func (g *Gateway) Execute(ctx context.Context, handle string, op Operation) (*Result, error) {
	if handle == "" {
		return nil, AuthRequired()
	}
	if err := ValidateHandle(handle); err != nil {
		return nil, AsError(err)
	}

	sess, err := g.sessions.Resolve(ctx, handle)
	if err != nil {
		return nil, AsError(err)
	}

	if err := g.Admit(ctx, handle, op.Category); err != nil {
		return nil, err
	}

	resp, err := g.upstream.Call(ctx, sess.Identity, UpstreamRequest{
		Method: op.Method,
		Path:   op.Path,
		Query:  op.Query,
		Body:   op.Body,
	})

	rec := AuditRecord{
		Operation:        op.Name,
		UpstreamPath:     op.Path,
		UpstreamMethod:   strings.ToUpper(op.Method),
		OwnerFingerprint: Fingerprint(handle),
		SubjectDomain:    op.SubjectDomain,
	}
	if rec.UpstreamMethod == "" {
		rec.UpstreamMethod = http.MethodGet
	}

	if err != nil {
		e := AsError(err)
		rec.ErrorCode = string(e.Code)
		g.enrich(ctx, sess.Origin, &rec)
		g.audit.Record(rec)
		g.log.V(1).Info("upstream call failed", "operation", op.Name, "owner", rec.OwnerFingerprint, "error", e.Message)
		return nil, e
	}

	rec.UpstreamStatus = resp.Status
	rec.LatencyMs = resp.LatencyMs
	if resp.Status >= 400 {
		rec.ErrorCode = fmt.Sprintf("HTTP_%d", resp.Status)
	}
	g.enrich(ctx, sess.Origin, &rec)
	g.audit.Record(rec)

	if resp.Status >= 400 {
		return nil, UpstreamError(upstreamFailureMessage(resp), resp.Status)
	}
	return &Result{Status: resp.Status, Body: resp.Body, LatencyMs: resp.LatencyMs}, nil
}

// upstreamFailureMessage prefers the upstream's own message field and falls
// back to the raw body.
func upstreamFailureMessage(resp *UpstreamResponse) string {
	prefix := fmt.Sprintf("Upstream returned status %d", resp.Status)

	var obj map[string]any
	if json.Unmarshal(resp.Body, &obj) == nil {
		if m, ok := obj["message"]; ok {
			return fmt.Sprint(m)
		}
	}

	body := string(resp.Body)
	var s string
	if json.Unmarshal(resp.Body, &s) == nil {
		body = s
	}
	switch body {
	case "", "null", "[]", "{}":
		return prefix
	}
	return prefix + ": " + body
}

// enrich fills the client fields of rec from the caller information on ctx.
// The caller's IP is only used for the lookup.
func (g *Gateway) enrich(ctx context.Context, origin *LocationInfo, rec *AuditRecord) {
	info, ok := ClientInfoFrom(ctx)
	if !ok {
		return
	}
	rec.ClientAgent = info.Agent

	loc := g.locate(info.IP)
	if loc == nil {
		return
	}
	rec.ClientCountry = loc.Country
	if origin != nil && IsNewLocation(*origin, *loc, g.config.NewLocationThresholdKM) {
		rec.LocationShift = true
		g.log.Info("operation from new location", "operation", rec.Operation, "owner", rec.OwnerFingerprint,
			"origin", origin.Country, "country", loc.Country)
	}
}

func (g *Gateway) locate(ip string) *LocationInfo {
	if g.locator == nil || ip == "" || IsPrivateIP(ip) {
		return nil
	}
	loc, err := g.locator.Lookup(ip)
	if err != nil {
		g.log.V(2).Info("location lookup failed", "error", err.Error())
		return nil
	}
	return loc
}
