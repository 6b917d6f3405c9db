package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
)

func TestCreateSpendingRequest_RoutesByPriority(t *testing.T) {
	f := newFixture(t, "1000")

	low := f.request(t, "E", "100")
	if low.Status != models.SpendingRequestStatusPendingReceipt {
		t.Fatalf("expected item E to skip approval, got %s", low.Status)
	}
	f.clock.Advance(10 * time.Minute)
	high := f.request(t, "A", "100")
	if high.Status != models.SpendingRequestStatusPendingUniversityApproval {
		t.Fatalf("expected item A to need approval, got %s", high.Status)
	}
	if len(low.AMLFlags) != 0 || len(high.AMLFlags) != 0 {
		t.Fatalf("expected no flags, got %v and %v", low.AMLFlags, high.AMLFlags)
	}
	if n := f.audit.count(models.OperationSpendingRequestCreated); n != 2 {
		t.Fatalf("expected 2 creation audit records, got %d", n)
	}
}

func TestSpendingRequest_EndToEnd(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	e := f.request(t, "E", "100")
	if e.Status != models.SpendingRequestStatusPendingReceipt {
		t.Fatalf("E: expected pending_receipt, got %s", e.Status)
	}
	f.clock.Advance(10 * time.Minute)

	a := f.request(t, "A", "100")
	if a.Status != models.SpendingRequestStatusPendingUniversityApproval {
		t.Fatalf("A: expected pending_university_approval, got %s", a.Status)
	}

	approved, err := f.engine.ApproveOrReject(ctx, a.ID, universityId, true, "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != models.SpendingRequestStatusPendingReceipt {
		t.Fatalf("expected pending_receipt after approval, got %s", approved.Status)
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != universityId {
		t.Fatalf("expected approver %d recorded, got %v", universityId, approved.ApprovedBy)
	}

	receipt := f.pay(t, a.ID)
	if !receipt.Verified || receipt.VerifiedAt == nil {
		t.Fatalf("expected verified receipt, got %+v", receipt)
	}
	if got := f.currentRequest(t, a.ID).Status; got != models.SpendingRequestStatusPaid {
		t.Fatalf("expected A paid, got %s", got)
	}
	if got := f.currentGrant(t).AmountSpent; !got.Equal(money.MustParse("100")) {
		t.Fatalf("expected 100.00 spent, got %s", got)
	}

	f.clock.Advance(time.Minute)
	second := f.request(t, "A", "50")
	if second.Status != models.SpendingRequestStatusPendingUniversityApproval {
		t.Fatalf("second A request: expected pending_university_approval, got %s", second.Status)
	}

	wantOps := []models.OperationType{
		models.OperationSpendingRequestCreated,
		models.OperationSpendingRequestCreated,
		models.OperationSpendingRequestApproved,
		models.OperationReceiptUploaded,
		models.OperationReceiptVerified,
		models.OperationPaymentExecuted,
		models.OperationSpendingRequestCreated,
	}
	got := f.audit.ops()
	if len(got) != len(wantOps) {
		t.Fatalf("expected audit ops %v, got %v", wantOps, got)
	}
	for i := range wantOps {
		if got[i] != wantOps[i] {
			t.Fatalf("audit op %d: expected %s, got %s", i, wantOps[i], got[i])
		}
	}
}

func TestCreateSpendingRequest_SequenceViolationWhilePendingReceipt(t *testing.T) {
	f := newFixture(t, "1000")
	f.request(t, "E", "100")
	f.clock.Advance(10 * time.Minute)

	_, err := f.engine.CreateSpendingRequest(context.Background(), f.item("E").ID, money.MustParse("50"), granteeId)
	if !errors.Is(err, models.ErrSequenceViolation) {
		t.Fatalf("expected ErrSequenceViolation, got %v", err)
	}
}

func TestCreateSpendingRequest_SequenceViolationWhileAwaitingApproval(t *testing.T) {
	f := newFixture(t, "1000")
	f.request(t, "A", "100")
	f.clock.Advance(10 * time.Minute)

	_, err := f.engine.CreateSpendingRequest(context.Background(), f.item("A").ID, money.MustParse("40"), granteeId)
	if !errors.Is(err, models.ErrSequenceViolation) {
		t.Fatalf("expected ErrSequenceViolation, got %v", err)
	}
}

func TestCreateSpendingRequest_PaidWithoutVerifiedReceiptBlocksNext(t *testing.T) {
	f := newFixture(t, "1000")
	item := f.item("E")
	err := f.store.WithTx(context.Background(), func(tx repository.Tx) error {
		return tx.CreateSpendingRequest(&models.SpendingRequest{
			SpendingItemId: item.ID,
			BeneficiaryId:  granteeId,
			Amount:         money.MustParse("80"),
			Status:         models.SpendingRequestStatusPaid,
			CreatedAt:      f.clock.Now().Add(-time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("seed paid request: %v", err)
	}

	_, err = f.engine.CreateSpendingRequest(context.Background(), item.ID, money.MustParse("50"), granteeId)
	if !errors.Is(err, models.ErrSequenceViolation) {
		t.Fatalf("expected ErrSequenceViolation, got %v", err)
	}
	if !strings.Contains(err.Error(), "previous receipt not verified") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestCreateSpendingRequest_RejectedOrBlockedDoesNotHoldItem(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	a := f.request(t, "A", "100")
	if _, err := f.engine.ApproveOrReject(ctx, a.ID, universityId, false, "not in plan"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	f.clock.Advance(10 * time.Minute)
	f.request(t, "A", "90")

	f.clock.Advance(10 * time.Minute)
	blocked := f.request(t, "E", "300")
	if blocked.Status != models.SpendingRequestStatusBlocked {
		t.Fatalf("expected blocked, got %s", blocked.Status)
	}
	f.clock.Advance(10 * time.Minute)
	if next := f.request(t, "E", "100"); next.Status != models.SpendingRequestStatusPendingReceipt {
		t.Fatalf("expected pending_receipt after a blocked request, got %s", next.Status)
	}
}

func TestCreateSpendingRequest_OtherBeneficiaryIsNotSequenced(t *testing.T) {
	f := newFixture(t, "1000")
	f.request(t, "E", "100")

	req, err := f.engine.CreateSpendingRequest(context.Background(), f.item("E").ID, money.MustParse("60"), strangerId)
	if err != nil {
		t.Fatalf("expected a different beneficiary to be unaffected, got %v", err)
	}
	if req.Status != models.SpendingRequestStatusPendingReceipt {
		t.Fatalf("expected pending_receipt, got %s", req.Status)
	}
}

func TestCreateSpendingRequest_LargeAmountBlockedInEitherCohort(t *testing.T) {
	f := newFixture(t, "1000")

	for _, item := range []string{"A", "E"} {
		req := f.request(t, item, "250")
		if req.Status != models.SpendingRequestStatusBlocked {
			t.Fatalf("%s: expected blocked, got %s", item, req.Status)
		}
		if !req.AMLFlags.Has(models.AMLFlagLargeAmount) {
			t.Fatalf("%s: expected large_amount flag, got %v", item, req.AMLFlags)
		}
		f.clock.Advance(10 * time.Minute)
	}

	atLimit := f.request(t, "B", "200")
	if atLimit.AMLFlags.Has(models.AMLFlagLargeAmount) {
		t.Fatalf("exactly 20%% must not be flagged, got %v", atLimit.AMLFlags)
	}
}

func TestCreateSpendingRequest_DuplicateWithinWindowBlocked(t *testing.T) {
	f := newFixture(t, "1000")

	first := f.request(t, "E", "100")
	if first.Status != models.SpendingRequestStatusPendingReceipt {
		t.Fatalf("first: expected pending_receipt, got %s", first.Status)
	}
	f.clock.Advance(5 * time.Minute)
	second := f.request(t, "D", "100")
	if second.Status != models.SpendingRequestStatusBlocked {
		t.Fatalf("second: expected blocked, got %s", second.Status)
	}
	if !second.AMLFlags.Has(models.AMLFlagDuplicatedTransactions) {
		t.Fatalf("second: expected duplicated_transactions, got %v", second.AMLFlags)
	}

	f.clock.Advance(5*time.Minute + time.Second)
	third := f.request(t, "C", "100")
	if third.AMLFlags.Has(models.AMLFlagDuplicatedTransactions) {
		t.Fatalf("third is outside the window, got %v", third.AMLFlags)
	}
}

func TestCreateSpendingRequest_BudgetExceeded(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	_, err := f.engine.CreateSpendingRequest(ctx, f.item("E").ID, money.MustParse("1000.01"), granteeId)
	if !errors.Is(err, models.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	err = f.store.WithTx(ctx, func(tx repository.Tx) error {
		g, err := tx.LockGrant(f.grant.ID)
		if err != nil {
			return err
		}
		g.AmountSpent = money.MustParse("950")
		return tx.UpdateGrantSpent(g)
	})
	if err != nil {
		t.Fatalf("seed spent: %v", err)
	}
	_, err = f.engine.CreateSpendingRequest(ctx, f.item("E").ID, money.MustParse("50.01"), granteeId)
	if !errors.Is(err, models.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if req := f.request(t, "E", "50"); req.Status != models.SpendingRequestStatusPendingReceipt {
		t.Fatalf("exact remainder should fit, got %s", req.Status)
	}
}

func TestCreateSpendingRequest_InvalidInput(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	if _, err := f.engine.CreateSpendingRequest(ctx, f.item("E").ID, money.Zero, granteeId); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("zero amount: expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.engine.CreateSpendingRequest(ctx, f.item("E").ID, money.MustParse("-5"), granteeId); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("negative amount: expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.engine.CreateSpendingRequest(ctx, 999, money.MustParse("5"), granteeId); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("missing item: expected ErrNotFound, got %v", err)
	}
}

func TestCreateSpendingRequest_InactiveGrant(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	var itemId int
	err := f.store.WithTx(ctx, func(tx repository.Tx) error {
		g := models.Grant{
			Title:          "Closed grant",
			TotalAmount:    money.MustParse("500"),
			OrganizationId: universityId,
			State:          models.GrantStateCompleted,
		}
		if err := tx.CreateGrant(&g); err != nil {
			return err
		}
		it := &models.SpendingItem{GrantId: g.ID, Title: "Only", PlannedAmount: money.MustParse("10"), PriorityIndex: 1}
		if err := tx.CreateSpendingItems([]*models.SpendingItem{it}); err != nil {
			return err
		}
		itemId = it.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = f.engine.CreateSpendingRequest(ctx, itemId, money.MustParse("10"), granteeId)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCreateSpendingRequest_FastTrackDisabledSendsAllToApproval(t *testing.T) {
	f := newFixture(t, "1000")
	f.engine.Config.FastTrackEnabled = false

	if req := f.request(t, "E", "100"); req.Status != models.SpendingRequestStatusPendingUniversityApproval {
		t.Fatalf("expected pending_university_approval, got %s", req.Status)
	}
}

func TestCreateSpendingRequest_PriorityRecomputedPerRequest(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	c := f.request(t, "C", "100")
	if c.Status != models.SpendingRequestStatusPendingUniversityApproval {
		t.Fatalf("C starts in the top 3, got %s", c.Status)
	}

	if _, err := f.engine.CreateSpendingItems(ctx, f.grant.ID, granteeId, []models.NewSpendingItem{
		{Title: "Urgent", PlannedAmount: money.MustParse("50"), PriorityIndex: 0},
	}); err != nil {
		t.Fatalf("add item: %v", err)
	}

	f.clock.Advance(10 * time.Minute)
	req, err := f.engine.CreateSpendingRequest(ctx, f.item("C").ID, money.MustParse("70"), strangerId)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != models.SpendingRequestStatusPendingReceipt {
		t.Fatalf("C dropped out of the top 3, expected pending_receipt, got %s", req.Status)
	}
	if got := f.currentRequest(t, c.ID).Status; got != models.SpendingRequestStatusPendingUniversityApproval {
		t.Fatalf("existing request must keep its status, got %s", got)
	}
}

func TestApproveOrReject_OnlyGrantOrganization(t *testing.T) {
	f := newFixture(t, "1000")
	a := f.request(t, "A", "100")

	for _, actor := range []int{governmentId, granteeId, strangerId} {
		_, err := f.engine.ApproveOrReject(context.Background(), a.ID, actor, true, "")
		if !errors.Is(err, models.ErrAccessDenied) {
			t.Fatalf("actor %d: expected ErrAccessDenied, got %v", actor, err)
		}
	}
	if got := f.currentRequest(t, a.ID).Status; got != models.SpendingRequestStatusPendingUniversityApproval {
		t.Fatalf("status must not change, got %s", got)
	}
}

func TestApproveOrReject_RejectDefaultsReason(t *testing.T) {
	f := newFixture(t, "1000")
	a := f.request(t, "A", "100")

	rejected, err := f.engine.ApproveOrReject(context.Background(), a.ID, universityId, false, "   ")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != models.SpendingRequestStatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if rejected.RejectionReason == nil || *rejected.RejectionReason != "Rejected" {
		t.Fatalf("expected default reason, got %v", rejected.RejectionReason)
	}
	if rejected.ApprovedBy != nil {
		t.Fatalf("a rejection records no approver, got %d", *rejected.ApprovedBy)
	}
	if n := f.audit.count(models.OperationSpendingRequestRejected); n != 1 {
		t.Fatalf("expected 1 rejection audit record, got %d", n)
	}
}

func TestApproveOrReject_InvalidTransitionLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	e := f.request(t, "E", "100")
	if _, err := f.engine.ApproveOrReject(ctx, e.ID, universityId, true, ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("pending_receipt: expected ErrInvalidTransition, got %v", err)
	}

	f.pay(t, e.ID)
	before := f.currentRequest(t, e.ID)
	if _, err := f.engine.ApproveOrReject(ctx, e.ID, universityId, false, "late"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("paid: expected ErrInvalidTransition, got %v", err)
	}
	after := f.currentRequest(t, e.ID)
	if after.Status != before.Status || after.RejectionReason != nil {
		t.Fatalf("state changed: before %+v after %+v", before, after)
	}

	if _, err := f.engine.ApproveOrReject(ctx, 12345, universityId, true, ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("missing request: expected ErrNotFound, got %v", err)
	}
}

// approveAndPay takes a freshly created request through approval (when routed there), receipt
// upload and verification.
func (f *fixture) approveAndPay(t *testing.T, req *models.SpendingRequest) {
	t.Helper()
	if req.Status == models.SpendingRequestStatusPendingUniversityApproval {
		if _, err := f.engine.ApproveOrReject(context.Background(), req.ID, universityId, true, ""); err != nil {
			t.Fatalf("approve %d: %v", req.ID, err)
		}
	}
	f.pay(t, req.ID)
}

func TestCreateSpendingRequest_OpenRequestsHoldBudget(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	a := f.request(t, "A", "200")
	if _, err := f.engine.ApproveOrReject(ctx, a.ID, universityId, true, ""); err != nil {
		t.Fatalf("approve A: %v", err)
	}
	for i, item := range []string{"B", "C", "D", "E"} {
		f.clock.Advance(10 * time.Minute)
		f.approveAndPay(t, f.request(t, item, money.FromInt(int64(199-i)).String()))
	}
	if got := f.currentGrant(t).AmountSpent; !got.Equal(money.MustParse("790")) {
		t.Fatalf("expected 790.00 spent, got %s", got)
	}

	f.clock.Advance(10 * time.Minute)
	_, err := f.engine.CreateSpendingRequest(ctx, f.item("B").ID, money.MustParse("195"), granteeId)
	if !errors.Is(err, models.ErrBudgetExceeded) {
		t.Fatalf("A still holds 200.00, expected ErrBudgetExceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "10.00 available") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	f.pay(t, a.ID)
	g := f.currentGrant(t)
	if !g.AmountSpent.Equal(money.MustParse("990")) {
		t.Fatalf("expected 990.00 spent, got %s", g.AmountSpent)
	}
	if got := f.currentRequest(t, a.ID).Status; got != models.SpendingRequestStatusPaid {
		t.Fatalf("expected A paid, got %s", got)
	}

	f.clock.Advance(10 * time.Minute)
	if _, err := f.engine.CreateSpendingRequest(ctx, f.item("B").ID, money.MustParse("10.01"), granteeId); !errors.Is(err, models.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	f.request(t, "B", "10")
}

func TestCreateSpendingRequest_RejectionReleasesHold(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	err := f.store.WithTx(ctx, func(tx repository.Tx) error {
		g, err := tx.LockGrant(f.grant.ID)
		if err != nil {
			return err
		}
		g.AmountSpent = money.MustParse("850")
		return tx.UpdateGrantSpent(g)
	})
	if err != nil {
		t.Fatalf("seed spent: %v", err)
	}

	a := f.request(t, "A", "100")
	f.clock.Advance(10 * time.Minute)
	if _, err := f.engine.CreateSpendingRequest(ctx, f.item("E").ID, money.MustParse("60"), granteeId); !errors.Is(err, models.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded while A is open, got %v", err)
	}
	if _, err := f.engine.ApproveOrReject(ctx, a.ID, universityId, false, ""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	f.request(t, "E", "60")
}

func TestCreateSpendingRequest_ConcurrentCreatesNeverOvercommit(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	err := f.store.WithTx(ctx, func(tx repository.Tx) error {
		g, err := tx.LockGrant(f.grant.ID)
		if err != nil {
			return err
		}
		g.AmountSpent = money.MustParse("600")
		return tx.UpdateGrantSpent(g)
	})
	if err != nil {
		t.Fatalf("seed spent: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []*models.SpendingRequest
		exceeded int
	)
	for i, item := range f.items {
		wg.Add(1)
		go func(itemId int, amount money.Amount) {
			defer wg.Done()
			req, err := f.engine.CreateSpendingRequest(ctx, itemId, amount, granteeId)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted = append(accepted, req)
			case errors.Is(err, models.ErrBudgetExceeded):
				exceeded++
			default:
				t.Errorf("create on item %d: unexpected error %v", itemId, err)
			}
		}(item.ID, money.FromInt(int64(150+i)))
	}
	wg.Wait()

	if len(accepted) != 2 || exceeded != 3 {
		t.Fatalf("expected 2 accepted and 3 budget failures, got %d and %d", len(accepted), exceeded)
	}
	held := money.Zero
	for _, req := range accepted {
		if !req.Status.IsUnresolved() {
			t.Fatalf("accepted request %d should be open, got %s", req.ID, req.Status)
		}
		held = held.Add(req.Amount)
	}
	g := f.currentGrant(t)
	if g.AmountSpent.Add(held).GreaterThan(g.TotalAmount) {
		t.Fatalf("overcommitted: %s spent plus %s held of %s", g.AmountSpent, held, g.TotalAmount)
	}

	for _, req := range accepted {
		f.approveAndPay(t, req)
	}
	if got := f.currentGrant(t).AmountSpent; !got.Equal(money.MustParse("600").Add(held)) {
		t.Fatalf("expected every accepted request to be paid, spent %s", got)
	}
}

func TestVerifyReceipt_ConcurrentPaymentsAllSucceed(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	var receiptIds []int
	for i, item := range []string{"A", "B", "C", "D", "E"} {
		req := f.request(t, item, money.FromInt(int64(190+i)).String())
		if req.Status == models.SpendingRequestStatusPendingUniversityApproval {
			if _, err := f.engine.ApproveOrReject(ctx, req.ID, universityId, true, ""); err != nil {
				t.Fatalf("approve %s: %v", item, err)
			}
		}
		rec, err := f.engine.UploadReceipt(ctx, models.RequestTarget(req.ID), pngBytes(t), "r.png", granteeId)
		if err != nil {
			t.Fatalf("upload %s: %v", item, err)
		}
		receiptIds = append(receiptIds, rec.ID)
	}
	if _, err := f.engine.CreateSpendingRequest(ctx, f.item("A").ID, money.MustParse("40.01"), strangerId); !errors.Is(err, models.ErrBudgetExceeded) {
		t.Fatalf("960.00 is held, expected ErrBudgetExceeded, got %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range receiptIds {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if _, err := f.engine.VerifyReceipt(ctx, id, universityId); err != nil {
				t.Errorf("verify %d: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	g := f.currentGrant(t)
	if !g.AmountSpent.Equal(money.MustParse("960")) {
		t.Fatalf("expected 960.00 spent, got %s", g.AmountSpent)
	}
	if g.AmountSpent.GreaterThan(g.TotalAmount) {
		t.Fatalf("overspent: %s of %s", g.AmountSpent, g.TotalAmount)
	}
	if n := f.audit.count(models.OperationPaymentExecuted); n != 5 {
		t.Fatalf("expected 5 payments, got %d", n)
	}
}
