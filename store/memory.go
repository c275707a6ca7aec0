package store

import (
	"context"
	"sync"
	"time"
)

type memorySession struct {
	rec     SessionRecord
	evictAt time.Time
}

// MemorySessionStore implements SessionStore using an in-memory map.
// Expired entries are cleaned up periodically.
// This is useful for testing but not recommended for production.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]memorySession // handle -> record

	// For periodic cleanup
	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// NewMemorySessionStore creates a new in-memory session store.
// It starts a background goroutine that periodically evicts expired entries.
func NewMemorySessionStore() *MemorySessionStore {
	s := &MemorySessionStore{
		sessions:    make(map[string]memorySession),
		stopCleanup: make(chan struct{}),
	}

	go s.cleanupLoop(10 * time.Minute)

	return s
}

// Put stores a session record until ttl elapses.
func (s *MemorySessionStore) Put(_ context.Context, handle string, rec *SessionRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[handle] = memorySession{rec: *rec, evictAt: time.Now().Add(ttl)}
	return nil
}

// Get returns the session record for handle.
func (s *MemorySessionStore) Get(_ context.Context, handle string) (*SessionRecord, error) {
	s.mu.RLock()
	entry, exists := s.sessions[handle]
	s.mu.RUnlock()

	if !exists || time.Now().After(entry.evictAt) {
		return nil, ErrNotFound
	}

	rec := entry.rec
	return &rec, nil
}

// Delete removes a session by its handle.
func (s *MemorySessionStore) Delete(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, handle)
	return nil
}

// Len returns the number of stored records, expired or not.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the background cleanup goroutine.
func (s *MemorySessionStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *MemorySessionStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired entries.
func (s *MemorySessionStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for handle, entry := range s.sessions {
		if now.After(entry.evictAt) {
			delete(s.sessions, handle)
		}
	}
}

// MemoryAuditStore keeps audit rows in a slice.
type MemoryAuditStore struct {
	mu   sync.Mutex
	rows []AuditRow
}

// NewMemoryAuditStore creates an empty in-memory audit log.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// AppendAudit appends row.
func (s *MemoryAuditStore) AppendAudit(_ context.Context, row AuditRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows = append(s.rows, row)
	return nil
}

// Rows returns a copy of every appended row, oldest first.
func (s *MemoryAuditStore) Rows() []AuditRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AuditRow, len(s.rows))
	copy(out, s.rows)
	return out
}

// Close is a no-op for the memory store.
func (s *MemoryAuditStore) Close() error {
	return nil
}

type memorySnapshot struct {
	snap    Snapshot
	evictAt time.Time
}

// MemoryBucketStore keeps rate-limit snapshots in memory. It only survives
// limiter restarts within the same process, which is enough for tests.
type MemoryBucketStore struct {
	mu    sync.Mutex
	snaps map[string]memorySnapshot
}

// NewMemoryBucketStore creates an empty snapshot store.
func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{snaps: make(map[string]memorySnapshot)}
}

// LoadBuckets returns a copy of the snapshot stored for owner.
func (s *MemoryBucketStore) LoadBuckets(_ context.Context, owner string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.snaps[owner]
	if !ok || time.Now().After(entry.evictAt) {
		return Snapshot{}, nil
	}
	return copySnapshot(entry.snap), nil
}

// SaveBuckets replaces the snapshot stored for owner.
func (s *MemoryBucketStore) SaveBuckets(_ context.Context, owner string, snap Snapshot, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snaps[owner] = memorySnapshot{snap: copySnapshot(snap), evictAt: time.Now().Add(ttl)}
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryBucketStore) Close() error {
	return nil
}

func copySnapshot(in Snapshot) Snapshot {
	out := make(Snapshot, len(in))
	for category, events := range in {
		out[category] = append([]int64(nil), events...)
	}
	return out
}
