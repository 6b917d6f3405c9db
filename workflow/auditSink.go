package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/config"
	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

// AuditSink records ledger events after a state change has committed. Record must not block
// and never reports failure to the caller.
type AuditSink interface {
	Record(ctx context.Context, op models.OperationType, payload map[string]any, result string)
}

type NopAuditSink struct{}

func (NopAuditSink) Record(ctx context.Context, op models.OperationType, payload map[string]any, result string) {
}

type AuditRecord struct {
	OperationType models.OperationType `json:"operation_type"`
	Payload       map[string]any       `json:"payload"`
	Result        string               `json:"result"`
	TxHash        string               `json:"tx_hash"`
	Timestamp     time.Time            `json:"timestamp"`
}

// AuditWriter persists or forwards one record.
type AuditWriter interface {
	WriteAudit(ctx context.Context, rec AuditRecord) error
}

// ComputeTxHash is the mock ledger hash: "0x" + sha256 of the payload JSON (keys sorted).
func ComputeTxHash(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(b)
	return "0x" + hex.EncodeToString(sum[:])
}

// AsyncAuditSink queues records in a bounded channel drained by worker goroutines.
// A full queue drops the record and logs it.
type AsyncAuditSink struct {
	Logger       *logrus.Logger
	WriteTimeout time.Duration

	writers   []AuditWriter
	queue     chan AuditRecord
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	now       func() time.Time
}

func NewAsyncAuditSink(logger *logrus.Logger, queueSize, workers int, writers ...AuditWriter) *AsyncAuditSink {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 1
	}
	s := &AsyncAuditSink{
		Logger:       logger,
		WriteTimeout: 10 * time.Second,
		writers:      writers,
		queue:        make(chan AuditRecord, queueSize),
		closed:       make(chan struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

func (s *AsyncAuditSink) Record(ctx context.Context, op models.OperationType, payload map[string]any, result string) {
	rec := AuditRecord{
		OperationType: op,
		Payload:       payload,
		Result:        result,
		TxHash:        ComputeTxHash(payload),
		Timestamp:     s.now(),
	}
	select {
	case <-s.closed:
		s.drop(rec, "sink closed")
		return
	default:
	}
	select {
	case s.queue <- rec:
	default:
		s.drop(rec, "queue full")
	}
}

func (s *AsyncAuditSink) drop(rec AuditRecord, why string) {
	s.Logger.WithFields(logrus.Fields{
		"module":         moduleName,
		"operation_type": rec.OperationType,
		"tx_hash":        rec.TxHash,
	}).Warn("audit record dropped: " + why)
}

func (s *AsyncAuditSink) run() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-s.closed:
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncAuditSink) write(rec AuditRecord) {
	for _, w := range s.writers {
		s.writeOne(w, rec)
	}
}

func (s *AsyncAuditSink) writeOne(w AuditWriter, rec AuditRecord) {
	defer func() {
		if r := recover(); r != nil {
			config.LogError(s.Logger, moduleName, "AsyncAuditSink.write", string(rec.OperationType), rec.Payload, fmt.Errorf("audit writer panic: %v", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.WriteTimeout)
	defer cancel()
	if err := w.WriteAudit(ctx, rec); err != nil {
		config.LogError(s.Logger, moduleName, "AsyncAuditSink.write", string(rec.OperationType), rec.Payload, err)
	}
}

// Close stops accepting records and waits for queued ones to be written or ctx to end.
func (s *AsyncAuditSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DBAuditWriter stores records in smart_contract_operation_logs.
type DBAuditWriter struct {
	Repo repository.AuditLogRepository
}

func (w DBAuditWriter) WriteAudit(ctx context.Context, rec AuditRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}
	result := rec.Result
	return w.Repo.AppendAuditLog(ctx, &models.AuditLogEntry{
		OperationType: rec.OperationType,
		Payload:       string(payload),
		Result:        &result,
		TxHash:        rec.TxHash,
		Timestamp:     rec.Timestamp,
	})
}

// PubSubAuditWriter publishes each record to a topic and waits for the server ack.
type PubSubAuditWriter struct {
	Topic *pubsub.Topic
}

func (w PubSubAuditWriter) WriteAudit(ctx context.Context, rec AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	result := w.Topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"operation_type": string(rec.OperationType),
			"tx_hash":        rec.TxHash,
		},
	})
	_, err = result.Get(ctx)
	return err
}
