package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
)

// MemoryStore keeps everything in process. Transactions are fully serialized and work on a
// copy of the state that is swapped in only when fn returns nil.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	seq      map[string]int
	users    map[int]models.User
	grants   map[int]models.Grant
	items    map[int]models.SpendingItem
	requests map[int]models.SpendingRequest
	receipts map[int]models.Receipt
	audit    []models.AuditLogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		seq:      map[string]int{},
		users:    map[int]models.User{},
		grants:   map[int]models.Grant{},
		items:    map[int]models.SpendingItem{},
		requests: map[int]models.SpendingRequest{},
		receipts: map[int]models.Receipt{},
	}}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	work.audit = s.state.audit
	s.state = work
	return nil
}

func (s *MemoryStore) AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.seq["audit"]++
	entry.ID = s.state.seq["audit"]
	s.state.audit = append(s.state.audit, *entry)
	return nil
}

// AuditLog returns a copy of every appended entry in insertion order.
func (s *MemoryStore) AuditLog() []models.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditLogEntry, len(s.state.audit))
	copy(out, s.state.audit)
	return out
}

func (st *memState) clone() *memState {
	c := &memState{
		seq:      make(map[string]int, len(st.seq)),
		users:    make(map[int]models.User, len(st.users)),
		grants:   make(map[int]models.Grant, len(st.grants)),
		items:    make(map[int]models.SpendingItem, len(st.items)),
		requests: make(map[int]models.SpendingRequest, len(st.requests)),
		receipts: make(map[int]models.Receipt, len(st.receipts)),
	}
	for k, v := range st.seq {
		c.seq[k] = v
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.grants {
		c.grants[k] = v
	}
	for k, v := range st.items {
		c.items[k] = v
	}
	for k, v := range st.requests {
		v.AMLFlags = append(models.FlagSet(nil), v.AMLFlags...)
		c.requests[k] = v
	}
	for k, v := range st.receipts {
		c.receipts[k] = v
	}
	return c
}

func (st *memState) next(table string) int {
	st.seq[table]++
	return st.seq[table]
}

type memTx struct {
	st *memState
}

func (t *memTx) CreateUser(user *models.User) error {
	if user.ID == 0 {
		user.ID = t.st.next("users")
	} else if user.ID > t.st.seq["users"] {
		t.st.seq["users"] = user.ID
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	t.st.users[user.ID] = *user
	return nil
}

func (t *memTx) GetUser(id int) (*models.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", models.ErrNotFound, id)
	}
	return &u, nil
}

func (t *memTx) CreateGrant(grant *models.Grant) error {
	if grant.ID == 0 {
		grant.ID = t.st.next("grants")
	} else if grant.ID > t.st.seq["grants"] {
		t.st.seq["grants"] = grant.ID
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}
	t.st.grants[grant.ID] = *grant
	return nil
}

func (t *memTx) GetGrant(id int) (*models.Grant, error) {
	g, ok := t.st.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: grant %d", models.ErrNotFound, id)
	}
	return &g, nil
}

func (t *memTx) LockGrant(id int) (*models.Grant, error) {
	return t.GetGrant(id)
}

func (t *memTx) UpdateGrantSpent(grant *models.Grant) error {
	g, ok := t.st.grants[grant.ID]
	if !ok {
		return fmt.Errorf("%w: grant %d", models.ErrNotFound, grant.ID)
	}
	g.AmountSpent = grant.AmountSpent
	t.st.grants[grant.ID] = g
	return nil
}

func (t *memTx) GetSpendingItem(id int) (*models.SpendingItem, error) {
	it, ok := t.st.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: spending item %d", models.ErrNotFound, id)
	}
	return &it, nil
}

func (t *memTx) ListSpendingItems(grantId int) ([]models.SpendingItem, error) {
	var out []models.SpendingItem
	for _, it := range t.st.items {
		if it.GrantId == grantId {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityIndex != out[j].PriorityIndex {
			return out[i].PriorityIndex < out[j].PriorityIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) CreateSpendingItems(items []*models.SpendingItem) error {
	for _, it := range items {
		for _, existing := range t.st.items {
			if existing.GrantId == it.GrantId && existing.PriorityIndex == it.PriorityIndex {
				return fmt.Errorf("%w: priority index already used in this grant", models.ErrInvalidInput)
			}
		}
		it.ID = t.st.next("spending_items")
		if it.CreatedAt.IsZero() {
			it.CreatedAt = time.Now().UTC()
		}
		t.st.items[it.ID] = *it
	}
	return nil
}

func (t *memTx) GetSpendingRequest(id int) (*models.SpendingRequest, error) {
	r, ok := t.st.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: spending request %d", models.ErrNotFound, id)
	}
	return &r, nil
}

func (t *memTx) LockSpendingRequest(id int) (*models.SpendingRequest, error) {
	return t.GetSpendingRequest(id)
}

func (t *memTx) CreateSpendingRequest(req *models.SpendingRequest) error {
	req.ID = t.st.next("spending_requests")
	t.st.requests[req.ID] = *req
	return nil
}

func (t *memTx) UpdateSpendingRequest(req *models.SpendingRequest) error {
	if _, ok := t.st.requests[req.ID]; !ok {
		return fmt.Errorf("%w: spending request %d", models.ErrNotFound, req.ID)
	}
	t.st.requests[req.ID] = *req
	return nil
}

func (t *memTx) ListItemRequests(beneficiaryId, itemId int, statuses []models.SpendingRequestStatus) ([]models.SpendingRequest, error) {
	want := map[models.SpendingRequestStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []models.SpendingRequest
	for _, r := range t.st.requests {
		if r.BeneficiaryId != beneficiaryId || r.SpendingItemId != itemId {
			continue
		}
		if len(want) > 0 && !want[r.Status] {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *memTx) ListBeneficiaryRequestsSince(beneficiaryId int, since time.Time) ([]models.SpendingRequest, error) {
	var out []models.SpendingRequest
	for _, r := range t.st.requests {
		if r.BeneficiaryId == beneficiaryId && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (t *memTx) ListGrantRequests(grantId int) ([]models.SpendingRequest, error) {
	var out []models.SpendingRequest
	for _, r := range t.st.requests {
		if it, ok := t.st.items[r.SpendingItemId]; ok && it.GrantId == grantId {
			out = append(out, r)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (t *memTx) SumOpenRequestAmounts(grantId int) (money.Amount, error) {
	sum := money.Zero
	for _, r := range t.st.requests {
		if !r.Status.IsUnresolved() {
			continue
		}
		if it, ok := t.st.items[r.SpendingItemId]; ok && it.GrantId == grantId {
			sum = sum.Add(r.Amount)
		}
	}
	return sum, nil
}

func sortOldestFirst(rows []models.SpendingRequest) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}

func (t *memTx) GetReceipt(id int) (*models.Receipt, error) {
	r, ok := t.st.receipts[id]
	if !ok {
		return nil, fmt.Errorf("%w: receipt %d", models.ErrNotFound, id)
	}
	return &r, nil
}

func (t *memTx) LockReceipt(id int) (*models.Receipt, error) {
	return t.GetReceipt(id)
}

func (t *memTx) FindReceipt(target models.ReceiptTarget, lock bool) (*models.Receipt, error) {
	var found *models.Receipt
	for _, r := range t.st.receipts {
		if r.TargetType == target.Type && r.TargetId == target.ID {
			if found == nil || r.ID > found.ID {
				r := r
				found = &r
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: receipt for %s", models.ErrNotFound, target)
	}
	return found, nil
}

func (t *memTx) CreateReceipt(receipt *models.Receipt) error {
	for _, r := range t.st.receipts {
		if r.TargetType == receipt.TargetType && r.TargetId == receipt.TargetId {
			return fmt.Errorf("%w: receipt for %s was uploaded concurrently", models.ErrSequenceViolation, receipt.Target())
		}
	}
	receipt.ID = t.st.next("receipts")
	t.st.receipts[receipt.ID] = *receipt
	return nil
}

func (t *memTx) UpdateReceipt(receipt *models.Receipt) error {
	if _, ok := t.st.receipts[receipt.ID]; !ok {
		return fmt.Errorf("%w: receipt %d", models.ErrNotFound, receipt.ID)
	}
	t.st.receipts[receipt.ID] = *receipt
	return nil
}
