package bifrost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/aadithya-v/bifrost/store"
)

// AuditRecord is one operation outcome. Owners are identified by
// fingerprint only.
type AuditRecord struct {
	ID         string
	OccurredAt time.Time

	Operation        string
	UpstreamPath     string
	UpstreamMethod   string
	UpstreamStatus   int
	LatencyMs        int64
	OwnerFingerprint string
	SubjectDomain    string
	ErrorCode        string

	ClientAgent   string
	ClientCountry string
	LocationShift bool
}

func (r AuditRecord) row() store.AuditRow {
	return store.AuditRow{
		ID:               r.ID,
		OccurredAt:       r.OccurredAt,
		Operation:        r.Operation,
		UpstreamPath:     r.UpstreamPath,
		UpstreamMethod:   r.UpstreamMethod,
		UpstreamStatus:   r.UpstreamStatus,
		LatencyMs:        r.LatencyMs,
		OwnerFingerprint: r.OwnerFingerprint,
		SubjectDomain:    r.SubjectDomain,
		ErrorCode:        r.ErrorCode,
		ClientAgent:      r.ClientAgent,
		ClientCountry:    r.ClientCountry,
		LocationShift:    r.LocationShift,
	}
}

// AuditSink writes audit records in the background. Record never blocks and
// never reports failure; records are dropped when the queue is full or the
// sink is closed.
type AuditSink struct {
	store        store.AuditStore
	queue        chan AuditRecord
	workers      int
	writeTimeout time.Duration
	metrics      *Metrics
	log          logr.Logger
	now          func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// AuditOption configures an AuditSink.
type AuditOption func(*AuditSink)

// WithAuditQueueSize bounds the number of pending records.
func WithAuditQueueSize(n int) AuditOption {
	return func(s *AuditSink) {
		if n > 0 {
			s.queue = make(chan AuditRecord, n)
		}
	}
}

// WithAuditWorkers sets the number of writer goroutines.
func WithAuditWorkers(n int) AuditOption {
	return func(s *AuditSink) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithAuditWriteTimeout bounds each store write.
func WithAuditWriteTimeout(d time.Duration) AuditOption {
	return func(s *AuditSink) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithAuditLogger sets the logger failures are reported to.
func WithAuditLogger(log logr.Logger) AuditOption {
	return func(s *AuditSink) { s.log = log }
}

// WithAuditMetrics counts written, failed and dropped records.
func WithAuditMetrics(m *Metrics) AuditOption {
	return func(s *AuditSink) { s.metrics = m }
}

// NewAuditSink creates an AuditSink over st and starts its workers.
func NewAuditSink(st store.AuditStore, opts ...AuditOption) *AuditSink {
	s := &AuditSink{
		store:        st,
		queue:        make(chan AuditRecord, 256),
		workers:      2,
		writeTimeout: 5 * time.Second,
		log:          logr.Discard(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.run()
	}
	return s
}

// Record queues rec for writing and returns immediately.
func (s *AuditSink) Record(rec AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.metrics.observeAudit(resultDropped)
		return
	}

	select {
	case s.queue <- rec:
	default:
		s.metrics.observeAudit(resultDropped)
		s.log.V(1).Info("audit queue full, dropping record", "operation", rec.Operation, "owner", rec.OwnerFingerprint)
	}
}

func (s *AuditSink) run() {
	defer s.wg.Done()
	for rec := range s.queue {
		s.write(rec)
	}
}

func (s *AuditSink) write(rec AuditRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.observeAudit(resultFailed)
			s.log.V(1).Info("audit write panicked", "operation", rec.Operation, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if err := s.store.AppendAudit(ctx, rec.row()); err != nil {
		s.metrics.observeAudit(resultFailed)
		s.log.V(1).Info("audit write failed", "operation", rec.Operation, "owner", rec.OwnerFingerprint, "error", err.Error())
		return
	}
	s.metrics.observeAudit(resultWritten)
}

// Close stops accepting records and waits for queued ones to be written.
// It does not close the underlying store.
func (s *AuditSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
}
