package bifrost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/aadithya-v/bifrost/store"
)

// Category groups operations that share a rate-limit window.
type Category string

const (
	CategoryLookup   Category = "lookup"
	CategoryRegister Category = "register"
	CategoryGeneral  Category = "general"
)

// ParseCategory converts a category name, rejecting unknown ones.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryLookup, CategoryRegister, CategoryGeneral:
		return c, nil
	}
	return "", ValidationError(fmt.Sprintf("Unknown rate limit category %q.", s))
}

// Limit allows Max events per trailing Window. Max <= 0 disables the limit.
type Limit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// Limits holds one Limit per category.
type Limits struct {
	Lookup   Limit `yaml:"lookup"`
	Register Limit `yaml:"register"`
	General  Limit `yaml:"general"`
}

// For returns the limit configured for c. Unknown categories use General.
func (l Limits) For(c Category) Limit {
	switch c {
	case CategoryLookup:
		return l.Lookup
	case CategoryRegister:
		return l.Register
	}
	return l.General
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool

	// RetryAfterSeconds is at least 1 when Allowed is false.
	RetryAfterSeconds int
}

// RateLimiter is a sliding-window admission controller keyed by owner and
// category. All checks for one owner are serialized.
type RateLimiter interface {
	// Check records an event for (owner, category) when admitted. An error
	// means the owner's state could not be reached; no decision was made.
	Check(ctx context.Context, owner string, category Category, limit Limit) (Decision, error)
}

// slideWindow prunes events at or before now-window and admits now when
// fewer than limit.Max events remain. It returns the updated event log.
func slideWindow(events []int64, now int64, limit Limit) ([]int64, Decision) {
	if limit.Max <= 0 {
		return events, Decision{Allowed: true}
	}

	windowMs := limit.Window.Milliseconds()
	cutoff := now - windowMs

	kept := events[:0]
	var oldest int64
	for _, ts := range events {
		if ts <= cutoff {
			continue
		}
		if len(kept) == 0 || ts < oldest {
			oldest = ts
		}
		kept = append(kept, ts)
	}

	if len(kept) >= limit.Max {
		wait := oldest + windowMs - now
		retry := int((wait + 999) / 1000)
		if retry < 1 {
			retry = 1
		}
		return kept, Decision{Allowed: false, RetryAfterSeconds: retry}
	}

	return append(kept, now), Decision{Allowed: true}
}

// LocalRateLimiter keeps one ownerBuckets authority per owner in process
// memory and persists a snapshot of each owner's buckets to a BucketStore so
// they survive restarts.
type LocalRateLimiter struct {
	mu     sync.Mutex
	owners map[string]*ownerBuckets

	buckets      store.BucketStore
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
	log          logr.Logger
}

// ownerBuckets serializes every check for one owner.
type ownerBuckets struct {
	mu        sync.Mutex
	loaded    bool
	evicted   bool
	buckets   map[Category][]int64
	maxWindow time.Duration
	lastSeen  time.Time
}

// LocalOption configures a LocalRateLimiter.
type LocalOption func(*LocalRateLimiter)

// WithBucketStore persists owner snapshots to bs.
func WithBucketStore(bs store.BucketStore) LocalOption {
	return func(l *LocalRateLimiter) { l.buckets = bs }
}

// WithIdleTTL sets how long an owner may stay idle before it is evicted from memory.
func WithIdleTTL(d time.Duration) LocalOption {
	return func(l *LocalRateLimiter) { l.idleTTL = d }
}

// WithCleanupEvery sets the janitor interval. Zero disables the janitor.
func WithCleanupEvery(d time.Duration) LocalOption {
	return func(l *LocalRateLimiter) { l.cleanupEvery = d }
}

// WithLimiterLogger sets the logger.
func WithLimiterLogger(log logr.Logger) LocalOption {
	return func(l *LocalRateLimiter) { l.log = log }
}

// NewLocalRateLimiter creates a LocalRateLimiter.
func NewLocalRateLimiter(opts ...LocalOption) *LocalRateLimiter {
	l := &LocalRateLimiter{
		owners:       make(map[string]*ownerBuckets),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
		log:          logr.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check implements RateLimiter.
func (l *LocalRateLimiter) Check(ctx context.Context, owner string, category Category, limit Limit) (Decision, error) {
	for {
		ob := l.owner(owner)

		ob.mu.Lock()
		if ob.evicted {
			// The janitor dropped this authority after we fetched it; a fresh
			// one reloads from the snapshot.
			ob.mu.Unlock()
			continue
		}
		dec, err := l.checkLocked(ctx, owner, ob, category, limit)
		ob.mu.Unlock()
		return dec, err
	}
}

func (l *LocalRateLimiter) owner(key string) *ownerBuckets {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ob, ok := l.owners[key]; ok {
		return ob
	}
	ob := &ownerBuckets{
		buckets:  make(map[Category][]int64),
		lastSeen: l.now(),
	}
	l.owners[key] = ob
	return ob
}

// checkLocked runs with ob.mu held.
func (l *LocalRateLimiter) checkLocked(ctx context.Context, owner string, ob *ownerBuckets, category Category, limit Limit) (Decision, error) {
	if !ob.loaded {
		if err := l.load(ctx, owner, ob); err != nil {
			return Decision{}, err
		}
	}

	now := l.now()
	events, dec := slideWindow(ob.buckets[category], now.UnixMilli(), limit)
	ob.buckets[category] = events
	ob.lastSeen = now
	if limit.Window > ob.maxWindow {
		ob.maxWindow = limit.Window
	}

	if l.buckets != nil {
		if err := l.buckets.SaveBuckets(ctx, owner, ob.snapshot(), ob.maxWindow); err != nil {
			// The in-memory authority stays correct; only restart durability is lost.
			l.log.Error(err, "failed to persist rate limit snapshot", "owner", owner)
		}
	}
	return dec, nil
}

func (l *LocalRateLimiter) load(ctx context.Context, owner string, ob *ownerBuckets) error {
	if l.buckets != nil {
		snap, err := l.buckets.LoadBuckets(ctx, owner)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRateLimiterUnavailable, err)
		}
		for name, events := range snap {
			ob.buckets[Category(name)] = append([]int64(nil), events...)
		}
	}
	ob.loaded = true
	return nil
}

func (ob *ownerBuckets) snapshot() store.Snapshot {
	snap := make(store.Snapshot, len(ob.buckets))
	for c, events := range ob.buckets {
		snap[string(c)] = append([]int64(nil), events...)
	}
	return snap
}

// Cleanup evicts owners idle for longer than the idle TTL and their widest
// window, and returns how many were evicted. Owners with a check in flight
// are skipped.
func (l *LocalRateLimiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, ob := range l.owners {
		if !ob.mu.TryLock() {
			continue
		}
		idle := max(l.idleTTL, ob.maxWindow)
		if ob.lastSeen.Before(now.Add(-idle)) {
			ob.evicted = true
			delete(l.owners, key)
			evicted++
		}
		ob.mu.Unlock()
	}
	return evicted
}

// StartJanitor starts a goroutine that periodically evicts idle owners.
// Stop it by cancelling ctx.
func (l *LocalRateLimiter) StartJanitor(ctx context.Context) {
	if l.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(l.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := l.Cleanup(); n > 0 {
					l.log.V(1).Info("evicted idle rate limit owners", "count", n)
				}
			}
		}
	}()
}

// Len returns the number of owners held in memory.
func (l *LocalRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.owners)
}
