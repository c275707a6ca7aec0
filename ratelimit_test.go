package bifrost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aadithya-v/bifrost/store"
)

func TestSlideWindow(t *testing.T) {
	limit := Limit{Max: 3, Window: time.Minute}

	tests := []struct {
		name       string
		events     []int64
		now        int64
		wantAllow  bool
		wantRetry  int
		wantEvents int
	}{
		{
			name:       "empty bucket admits",
			now:        100_000,
			wantAllow:  true,
			wantEvents: 1,
		},
		{
			name:       "under limit admits",
			events:     []int64{90_000, 95_000},
			now:        100_000,
			wantAllow:  true,
			wantEvents: 3,
		},
		{
			name:       "at limit denies with retry from oldest",
			events:     []int64{50_000, 90_000, 95_000},
			now:        100_000,
			wantAllow:  false,
			wantRetry:  10,
			wantEvents: 3,
		},
		{
			name:       "event exactly at the window edge is pruned",
			events:     []int64{40_000, 90_000, 95_000},
			now:        100_000,
			wantAllow:  true,
			wantEvents: 3,
		},
		{
			name:       "retry rounds up and is at least one second",
			events:     []int64{40_001, 90_000, 95_000},
			now:        100_000,
			wantAllow:  false,
			wantRetry:  1,
			wantEvents: 3,
		},
		{
			name:       "out of order events use the oldest",
			events:     []int64{95_000, 45_500, 90_000},
			now:        100_000,
			wantAllow:  false,
			wantRetry:  6,
			wantEvents: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, dec := slideWindow(append([]int64(nil), tt.events...), tt.now, limit)
			if dec.Allowed != tt.wantAllow {
				t.Errorf("Allowed = %v, want %v", dec.Allowed, tt.wantAllow)
			}
			if dec.RetryAfterSeconds != tt.wantRetry {
				t.Errorf("RetryAfterSeconds = %d, want %d", dec.RetryAfterSeconds, tt.wantRetry)
			}
			if len(events) != tt.wantEvents {
				t.Errorf("len(events) = %d, want %d", len(events), tt.wantEvents)
			}
		})
	}
}

func TestSlideWindowDisabledLimit(t *testing.T) {
	events, dec := slideWindow(nil, 1000, Limit{Max: 0, Window: time.Minute})
	if !dec.Allowed {
		t.Error("Max 0 should admit")
	}
	if len(events) != 0 {
		t.Errorf("disabled limit should not record events, got %d", len(events))
	}
}

func newTestLocalLimiter(bs store.BucketStore, clock *fakeClock) *LocalRateLimiter {
	l := NewLocalRateLimiter(WithBucketStore(bs), WithCleanupEvery(0), WithIdleTTL(time.Minute))
	l.now = clock.Now
	return l
}

func TestLocalRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 2, 21, 14, 0, 0, 0, time.UTC)}
	l := newTestLocalLimiter(store.NewMemoryBucketStore(), clock)
	limit := Limit{Max: 5, Window: time.Minute}

	for i := 1; i <= 5; i++ {
		dec, err := l.Check(ctx, "owner", CategoryRegister, limit)
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if !dec.Allowed {
			t.Fatalf("Check %d should be allowed", i)
		}
		clock.Advance(time.Second)
	}

	dec, err := l.Check(ctx, "owner", CategoryRegister, limit)
	if err != nil {
		t.Fatalf("Check 6 failed: %v", err)
	}
	if dec.Allowed {
		t.Fatal("6th check within the window should be denied")
	}
	if dec.RetryAfterSeconds != 55 {
		t.Errorf("Expected retry after 55s, got %d", dec.RetryAfterSeconds)
	}

	// 60s after the first event it leaves the window.
	clock.Advance(55 * time.Second)
	dec, err = l.Check(ctx, "owner", CategoryRegister, limit)
	if err != nil {
		t.Fatalf("Check after window failed: %v", err)
	}
	if !dec.Allowed {
		t.Error("check after the window should be allowed")
	}
}

func TestLocalRateLimiterIndependentBuckets(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 2, 21, 14, 0, 0, 0, time.UTC)}
	l := newTestLocalLimiter(store.NewMemoryBucketStore(), clock)
	limit := Limit{Max: 1, Window: time.Minute}

	if dec, _ := l.Check(ctx, "owner-a", CategoryLookup, limit); !dec.Allowed {
		t.Fatal("first lookup should be allowed")
	}
	if dec, _ := l.Check(ctx, "owner-a", CategoryLookup, limit); dec.Allowed {
		t.Fatal("second lookup should be denied")
	}
	if dec, _ := l.Check(ctx, "owner-a", CategoryGeneral, limit); !dec.Allowed {
		t.Error("another category should have its own counter")
	}
	if dec, _ := l.Check(ctx, "owner-b", CategoryLookup, limit); !dec.Allowed {
		t.Error("another owner should have its own bucket")
	}
}

func TestLocalRateLimiterConcurrentChecks(t *testing.T) {
	ctx := context.Background()
	l := NewLocalRateLimiter(WithBucketStore(store.NewMemoryBucketStore()), WithCleanupEvery(0))
	limit := Limit{Max: 10, Window: time.Hour}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Check(ctx, "owner", CategoryLookup, limit)
			if err != nil {
				t.Errorf("Check failed: %v", err)
				return
			}
			if dec.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("Expected exactly 10 admissions, got %d", allowed)
	}
}

func TestLocalRateLimiterSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 2, 21, 14, 0, 0, 0, time.UTC)}
	bs := store.NewMemoryBucketStore()
	limit := Limit{Max: 2, Window: time.Minute}

	first := newTestLocalLimiter(bs, clock)
	for i := 0; i < 2; i++ {
		if dec, _ := first.Check(ctx, "owner", CategoryRegister, limit); !dec.Allowed {
			t.Fatalf("check %d should be allowed", i+1)
		}
	}

	restarted := newTestLocalLimiter(bs, clock)
	dec, err := restarted.Check(ctx, "owner", CategoryRegister, limit)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if dec.Allowed {
		t.Error("buckets should be reloaded after a restart")
	}
}

func TestLocalRateLimiterEvictionWaitsForWindow(t *testing.T) {
	tests := []struct {
		name    string
		buckets store.BucketStore
	}{
		{"persisted", store.NewMemoryBucketStore()},
		{"memory only", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{t: time.Date(2026, 2, 21, 14, 0, 0, 0, time.UTC)}
			l := newTestLocalLimiter(tt.buckets, clock)
			limit := Limit{Max: 1, Window: time.Hour}

			if dec, _ := l.Check(ctx, "owner", CategoryGeneral, limit); !dec.Allowed {
				t.Fatal("first check should be allowed")
			}

			// Past the idle TTL but inside the window.
			clock.Advance(20 * time.Minute)
			if n := l.Cleanup(); n != 0 {
				t.Fatalf("Expected no eviction inside the window, got %d", n)
			}
			dec, err := l.Check(ctx, "owner", CategoryGeneral, limit)
			if err != nil {
				t.Fatalf("Check failed: %v", err)
			}
			if dec.Allowed {
				t.Error("second check inside the window should be denied")
			}

			clock.Advance(61 * time.Minute)
			if n := l.Cleanup(); n != 1 {
				t.Fatalf("Expected 1 owner evicted, got %d", n)
			}
			if l.Len() != 0 {
				t.Fatalf("Expected no owners in memory, got %d", l.Len())
			}
			if dec, _ := l.Check(ctx, "owner", CategoryGeneral, limit); !dec.Allowed {
				t.Error("check after the window should be allowed")
			}
		})
	}
}

func TestLocalRateLimiterCleanupKeepsActiveOwners(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 2, 21, 14, 0, 0, 0, time.UTC)}
	l := newTestLocalLimiter(nil, clock)
	limit := Limit{Max: 5, Window: time.Minute}

	l.Check(ctx, "idle", CategoryGeneral, limit)
	clock.Advance(50 * time.Second)
	l.Check(ctx, "active", CategoryGeneral, limit)
	clock.Advance(20 * time.Second)

	if n := l.Cleanup(); n != 1 {
		t.Errorf("Expected 1 owner evicted, got %d", n)
	}
	if l.Len() != 1 {
		t.Errorf("Expected active owner to remain, got %d owners", l.Len())
	}
}

type brokenBucketStore struct {
	loadErr error
	saveErr error
	saves   int
}

func (b *brokenBucketStore) LoadBuckets(context.Context, string) (store.Snapshot, error) {
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return store.Snapshot{}, nil
}

func (b *brokenBucketStore) SaveBuckets(context.Context, string, store.Snapshot, time.Duration) error {
	b.saves++
	return b.saveErr
}

func (b *brokenBucketStore) Close() error { return nil }

func TestLocalRateLimiterLoadFailure(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := newTestLocalLimiter(&brokenBucketStore{loadErr: errors.New("timeout")}, clock)

	_, err := l.Check(context.Background(), "owner", CategoryGeneral, Limit{Max: 1, Window: time.Minute})
	if !errors.Is(err, ErrRateLimiterUnavailable) {
		t.Errorf("got %v, want ErrRateLimiterUnavailable", err)
	}
}

func TestLocalRateLimiterSaveFailureKeepsDecision(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	bs := &brokenBucketStore{saveErr: errors.New("disk full")}
	l := newTestLocalLimiter(bs, clock)
	limit := Limit{Max: 1, Window: time.Minute}

	dec, err := l.Check(ctx, "owner", CategoryGeneral, limit)
	if err != nil || !dec.Allowed {
		t.Fatalf("first check: allowed=%v err=%v", dec.Allowed, err)
	}
	dec, err = l.Check(ctx, "owner", CategoryGeneral, limit)
	if err != nil || dec.Allowed {
		t.Fatalf("second check: allowed=%v err=%v", dec.Allowed, err)
	}
	if bs.saves != 2 {
		t.Errorf("Expected 2 save attempts, got %d", bs.saves)
	}
}

func TestParseCategory(t *testing.T) {
	for _, name := range []string{"lookup", "register", "general"} {
		if _, err := ParseCategory(name); err != nil {
			t.Errorf("ParseCategory(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseCategory("bulk"); !IsCode(err, CodeValidation) {
		t.Errorf("ParseCategory(bulk) = %v, want VALIDATION_ERROR", err)
	}
}
