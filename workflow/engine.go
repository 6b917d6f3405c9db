package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/config"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const moduleName = "workflow"

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/grants_backend/workflow")

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FileStore keeps receipt bytes outside the database.
type FileStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Engine runs the spending-request lifecycle. All collaborators are injected; nothing here
// is process-global.
type Engine struct {
	Store  repository.Store
	Config config.EngineConfig
	AML    *AMLEvaluator
	Audit  AuditSink
	Files  FileStore
	Locker GrantLocker
	Clock  Clock
	Logger *logrus.Logger
}

func NewEngine(store repository.Store, cfg config.EngineConfig, audit AuditSink, files FileStore, logger *logrus.Logger) *Engine {
	if audit == nil {
		audit = NopAuditSink{}
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Engine{
		Store:  store,
		Config: cfg,
		AML:    NewAMLEvaluator(cfg.LargeAmountThreshold, cfg.DuplicateWindow),
		Audit:  audit,
		Files:  files,
		Locker: NopGrantLocker{},
		Clock:  SystemClock{},
		Logger: logger,
	}
}

func (e *Engine) now() time.Time {
	return e.Clock.Now().UTC()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
