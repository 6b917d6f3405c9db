package workflow

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/config"
	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"github.com/sirupsen/logrus"
)

const (
	governmentId = 1
	universityId = 2
	granteeId    = 3
	strangerId   = 4
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memFileStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newMemFileStore() *memFileStore {
	return &memFileStore{objects: map[string][]byte{}}
}

func (s *memFileStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("bucket unavailable")
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *memFileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memFileStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *memFileStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type recordedAudit struct {
	op      models.OperationType
	payload map[string]any
	result  string
}

// recordingSink keeps every record in memory so tests can assert on what was emitted.
type recordingSink struct {
	mu      sync.Mutex
	records []recordedAudit
}

func (s *recordingSink) Record(ctx context.Context, op models.OperationType, payload map[string]any, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, recordedAudit{op: op, payload: payload, result: result})
}

func (s *recordingSink) ops() []models.OperationType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OperationType, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.op)
	}
	return out
}

func (s *recordingSink) count(op models.OperationType) int {
	n := 0
	for _, o := range s.ops() {
		if o == op {
			n++
		}
	}
	return n
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	engine *Engine
	store  *repository.MemoryStore
	clock  *fakeClock
	files  *memFileStore
	audit  *recordingSink
	grant  models.Grant
	// items A..E with priorities 1..5
	items []models.SpendingItem
}

// newFixture seeds one user per role plus a stranger, an active grant from the university to
// the grantee, and five spending items.
func newFixture(t *testing.T, total string) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	f := &fixture{
		store: store,
		clock: newFakeClock(),
		files: newMemFileStore(),
		audit: &recordingSink{},
	}

	beneficiary := granteeId
	err := store.WithTx(context.Background(), func(tx repository.Tx) error {
		for _, u := range []models.User{
			{ID: governmentId, Email: "gov@example.org", Name: "Ministry", Role: models.UserRoleGovernment},
			{ID: universityId, Email: "uni@example.org", Name: "University", Role: models.UserRoleUniversity},
			{ID: granteeId, Email: "grantee@example.org", Name: "Grantee", Role: models.UserRoleGrantee},
			{ID: strangerId, Email: "other@example.org", Name: "Other Grantee", Role: models.UserRoleGrantee},
		} {
			u := u
			if err := tx.CreateUser(&u); err != nil {
				return err
			}
		}
		f.grant = models.Grant{
			Title:          "Research grant",
			TotalAmount:    money.MustParse(total),
			OrganizationId: universityId,
			BeneficiaryId:  &beneficiary,
			State:          models.GrantStateActive,
		}
		if err := tx.CreateGrant(&f.grant); err != nil {
			return err
		}
		var rows []*models.SpendingItem
		for i, title := range []string{"A", "B", "C", "D", "E"} {
			rows = append(rows, &models.SpendingItem{
				GrantId:       f.grant.ID,
				Title:         title,
				PlannedAmount: money.MustParse("200"),
				PriorityIndex: i + 1,
			})
		}
		if err := tx.CreateSpendingItems(rows); err != nil {
			return err
		}
		for _, r := range rows {
			f.items = append(f.items, *r)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed fixture: %v", err)
	}

	f.engine = NewEngine(store, config.DefaultEngineConfig(), f.audit, f.files, quietLogger())
	f.engine.Clock = f.clock
	return f
}

func (f *fixture) item(title string) models.SpendingItem {
	for _, it := range f.items {
		if it.Title == title {
			return it
		}
	}
	panic("no item " + title)
}

func (f *fixture) currentGrant(t *testing.T) models.Grant {
	t.Helper()
	g, err := f.engine.GetGrant(context.Background(), f.grant.ID)
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	return *g
}

func (f *fixture) currentRequest(t *testing.T, id int) models.SpendingRequest {
	t.Helper()
	r, err := f.engine.GetSpendingRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("get request %d: %v", id, err)
	}
	return *r
}

func (f *fixture) request(t *testing.T, item string, amount string) *models.SpendingRequest {
	t.Helper()
	req, err := f.engine.CreateSpendingRequest(context.Background(), f.item(item).ID, money.MustParse(amount), granteeId)
	if err != nil {
		t.Fatalf("create request on %s for %s: %v", item, amount, err)
	}
	return req
}

// pay walks a pending_receipt request through upload and verification.
func (f *fixture) pay(t *testing.T, requestId int) *models.Receipt {
	t.Helper()
	ctx := context.Background()
	rec, err := f.engine.UploadReceipt(ctx, models.RequestTarget(requestId), pngBytes(t), "receipt.png", granteeId)
	if err != nil {
		t.Fatalf("upload receipt for %d: %v", requestId, err)
	}
	verified, err := f.engine.VerifyReceipt(ctx, rec.ID, universityId)
	if err != nil {
		t.Fatalf("verify receipt %d: %v", rec.ID, err)
	}
	return verified
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		for y := 0; y < 20; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: 120, B: uint8(y * 12), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
