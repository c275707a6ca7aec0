package bifrost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aadithya-v/bifrost/store"
)

func TestAuditSinkWritesRecords(t *testing.T) {
	st := store.NewMemoryAuditStore()
	m := NewMetrics(nil)
	sink := NewAuditSink(st, WithAuditMetrics(m))

	sink.Record(AuditRecord{
		Operation:        "domains_lookup",
		UpstreamPath:     "/domains/lookup",
		UpstreamMethod:   "POST",
		UpstreamStatus:   200,
		LatencyMs:        42,
		OwnerFingerprint: "0123456789abcdef",
		SubjectDomain:    "example.com",
	})
	sink.Close()

	rows := st.Rows()
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.ID == "" {
		t.Error("Expected an ID to be assigned")
	}
	if row.OccurredAt.IsZero() {
		t.Error("Expected OccurredAt to be set")
	}
	if row.SubjectDomain != "example.com" || row.UpstreamStatus != 200 {
		t.Errorf("Unexpected row %+v", row)
	}
	if got := testutil.ToFloat64(m.AuditRecordsTotal.WithLabelValues(resultWritten)); got != 1 {
		t.Errorf("Expected 1 written record, got %v", got)
	}
}

type failingAuditStore struct {
	panics bool
}

func (f failingAuditStore) AppendAudit(context.Context, store.AuditRow) error {
	if f.panics {
		panic("driver bug")
	}
	return errors.New("database is locked")
}

func (failingAuditStore) Close() error { return nil }

func TestAuditSinkSwallowsFailures(t *testing.T) {
	for _, panics := range []bool{false, true} {
		m := NewMetrics(nil)
		sink := NewAuditSink(failingAuditStore{panics: panics}, WithAuditMetrics(m), WithAuditWorkers(1))

		sink.Record(AuditRecord{Operation: "version"})
		sink.Record(AuditRecord{Operation: "version"})
		sink.Close()

		if got := testutil.ToFloat64(m.AuditRecordsTotal.WithLabelValues(resultFailed)); got != 2 {
			t.Errorf("panics=%v: expected 2 failed records, got %v", panics, got)
		}
	}
}

type blockingAuditStore struct {
	release chan struct{}
	store.AuditStore
}

func (b blockingAuditStore) AppendAudit(ctx context.Context, _ store.AuditRow) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestAuditSinkNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	m := NewMetrics(nil)
	sink := NewAuditSink(blockingAuditStore{release: release},
		WithAuditQueueSize(1),
		WithAuditWorkers(1),
		WithAuditMetrics(m),
	)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			sink.Record(AuditRecord{Operation: "domain_info"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled store")
	}

	close(release)
	sink.Close()

	dropped := testutil.ToFloat64(m.AuditRecordsTotal.WithLabelValues(resultDropped))
	written := testutil.ToFloat64(m.AuditRecordsTotal.WithLabelValues(resultWritten))
	if dropped < 18 {
		t.Errorf("Expected at least 18 dropped records, got %v", dropped)
	}
	if dropped+written != 20 {
		t.Errorf("Expected every record to be accounted for, got %v dropped + %v written", dropped, written)
	}
}

func TestAuditSinkWriteTimeout(t *testing.T) {
	m := NewMetrics(nil)
	sink := NewAuditSink(blockingAuditStore{release: make(chan struct{})},
		WithAuditWriteTimeout(10*time.Millisecond),
		WithAuditMetrics(m),
	)

	sink.Record(AuditRecord{Operation: "version"})
	sink.Close()

	if got := testutil.ToFloat64(m.AuditRecordsTotal.WithLabelValues(resultFailed)); got != 1 {
		t.Errorf("Expected the stalled write to time out, got %v failures", got)
	}
}

func TestAuditSinkRecordAfterClose(t *testing.T) {
	st := store.NewMemoryAuditStore()
	sink := NewAuditSink(st)
	sink.Close()
	sink.Close()

	sink.Record(AuditRecord{Operation: "version"})
	if len(st.Rows()) != 0 {
		t.Error("records after Close should be dropped")
	}
}
