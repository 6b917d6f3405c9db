package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
)

type blockingWriter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []AuditRecord
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{started: make(chan struct{}), release: make(chan struct{})}
}

func (w *blockingWriter) WriteAudit(ctx context.Context, rec AuditRecord) error {
	w.once.Do(func() { close(w.started) })
	<-w.release
	w.mu.Lock()
	w.written = append(w.written, rec)
	w.mu.Unlock()
	return nil
}

func (w *blockingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.written)
}

type panickyWriter struct{}

func (panickyWriter) WriteAudit(ctx context.Context, rec AuditRecord) error { panic("ledger down") }

type failingWriter struct{}

func (failingWriter) WriteAudit(ctx context.Context, rec AuditRecord) error {
	return errors.New("ledger unavailable")
}

func TestAsyncAuditSink_FullQueueDropsWithoutBlocking(t *testing.T) {
	w := newBlockingWriter()
	sink := NewAsyncAuditSink(quietLogger(), 1, 1, w)
	ctx := context.Background()

	sink.Record(ctx, models.OperationGrantCreated, map[string]any{"n": 1}, "first")
	<-w.started

	done := make(chan struct{})
	go func() {
		sink.Record(ctx, models.OperationGrantCreated, map[string]any{"n": 2}, "queued")
		sink.Record(ctx, models.OperationGrantCreated, map[string]any{"n": 3}, "dropped")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Record blocked on a full queue")
	}

	close(w.release)
	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sink.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := w.count(); got != 2 {
		t.Fatalf("expected 2 written records, got %d", got)
	}
}

func TestAsyncAuditSink_CloseDrainsAndRejectsLateRecords(t *testing.T) {
	store := repository.NewMemoryStore()
	sink := NewAsyncAuditSink(quietLogger(), 16, 2, DBAuditWriter{Repo: store})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sink.Record(ctx, models.OperationPaymentExecuted, map[string]any{"spending_request_id": i}, "Payment executed")
	}
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	sink.Record(ctx, models.OperationPaymentExecuted, map[string]any{"late": true}, "ignored")
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	log := store.AuditLog()
	if len(log) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(log))
	}
	for _, e := range log {
		if e.OperationType != models.OperationPaymentExecuted || e.Result == nil || *e.Result != "Payment executed" {
			t.Fatalf("unexpected entry %+v", e)
		}
		if !strings.HasPrefix(e.TxHash, "0x") || len(e.TxHash) != 66 {
			t.Fatalf("unexpected tx hash %q", e.TxHash)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
			t.Fatalf("payload is not json: %v", err)
		}
	}
}

func TestAsyncAuditSink_WriterFailuresAreContained(t *testing.T) {
	store := repository.NewMemoryStore()
	sink := NewAsyncAuditSink(quietLogger(), 4, 1, panickyWriter{}, failingWriter{}, DBAuditWriter{Repo: store})

	sink.Record(context.Background(), models.OperationReceiptVerified, map[string]any{"receipt_id": 1}, "Receipt verified")
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(store.AuditLog()) != 1 {
		t.Fatalf("later writers must still run after a panic")
	}
}

func TestAsyncAuditSink_CloseHonoursContext(t *testing.T) {
	w := newBlockingWriter()
	sink := NewAsyncAuditSink(quietLogger(), 1, 1, w)
	sink.Record(context.Background(), models.OperationGrantCreated, map[string]any{}, "stuck")
	<-w.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sink.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(w.release)
}

func TestComputeTxHash_StableAcrossKeyOrder(t *testing.T) {
	a := ComputeTxHash(map[string]any{"a": 1, "b": "x"})
	b := ComputeTxHash(map[string]any{"b": "x", "a": 1})
	if a != b {
		t.Fatalf("hash depends on map order: %s vs %s", a, b)
	}
	if a == ComputeTxHash(map[string]any{"a": 2, "b": "x"}) {
		t.Fatalf("different payloads must hash differently")
	}
}
