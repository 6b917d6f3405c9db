package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// statuses that count as the beneficiary's "previous request" on an item.
var sequencedStatuses = []models.SpendingRequestStatus{
	models.SpendingRequestStatusPendingUniversityApproval,
	models.SpendingRequestStatusPendingReceipt,
	models.SpendingRequestStatusPaid,
}

func (e *Engine) CreateSpendingRequest(ctx context.Context, itemId int, amount money.Amount, beneficiaryId int) (_ *models.SpendingRequest, err error) {
	ctx, span := tracer.Start(ctx, "workflow.CreateSpendingRequest")
	span.SetAttributes(attribute.Int("spending_item.id", itemId), attribute.Int("beneficiary.id", beneficiaryId))
	defer func() { endSpan(span, err) }()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", models.ErrInvalidInput, amount)
	}

	// The grant id is needed for the lock key before the locked transaction starts.
	var grantId int
	err = e.Store.WithTx(ctx, func(tx repository.Tx) error {
		item, err := tx.GetSpendingItem(itemId)
		if err != nil {
			return err
		}
		grantId = item.GrantId
		return nil
	})
	if err != nil {
		return nil, err
	}
	release := e.Locker.Lock(ctx, grantId)
	defer release()

	var created models.SpendingRequest
	err = e.Store.WithTx(ctx, func(tx repository.Tx) error {
		item, err := tx.GetSpendingItem(itemId)
		if err != nil {
			return err
		}
		grant, err := tx.LockGrant(item.GrantId)
		if err != nil {
			return err
		}
		if grant.State != models.GrantStateActive {
			return fmt.Errorf("%w: grant %d is %s", models.ErrInvalidTransition, grant.ID, grant.State)
		}

		if err := checkSequencing(tx, beneficiaryId, item.ID); err != nil {
			return err
		}
		held, err := tx.SumOpenRequestAmounts(grant.ID)
		if err != nil {
			return err
		}
		if !CanReserve(*grant, held, amount) {
			return fmt.Errorf("%w: grant %d has %s available (%s held by open requests), %s requested",
				models.ErrBudgetExceeded, grant.ID, Available(*grant, held), held, amount)
		}

		items, err := tx.ListSpendingItems(grant.ID)
		if err != nil {
			return err
		}
		now := e.now()
		req := models.SpendingRequest{
			SpendingItemId: item.ID,
			BeneficiaryId:  beneficiaryId,
			Amount:         amount,
			Status:         e.initialStatus(items, item.ID),
			AMLFlags:       models.FlagSet{},
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		beneficiary, err := tx.GetUser(beneficiaryId)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				return err
			}
			beneficiary = nil
		}
		recent, err := tx.ListBeneficiaryRequestsSince(beneficiaryId, now.Add(-e.Config.DuplicateWindow))
		if err != nil {
			return err
		}
		flags := e.AML.Evaluate(AMLInput{Request: req, Grant: *grant, Held: held, Beneficiary: beneficiary, Recent: recent})
		if len(flags) > 0 {
			req.Status = models.SpendingRequestStatusBlocked
			req.AMLFlags = flags
		}

		if err := tx.CreateSpendingRequest(&req); err != nil {
			return err
		}
		created = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.WithFields(logrus.Fields{
		"module":              moduleName,
		"spending_request_id": created.ID,
		"spending_item_id":    created.SpendingItemId,
		"status":              created.Status,
		"aml_flags":           created.AMLFlags,
	}).Info("spending request created")
	e.Audit.Record(ctx, models.OperationSpendingRequestCreated, map[string]any{
		"spending_request_id": created.ID,
		"spending_item_id":    created.SpendingItemId,
		"beneficiary_id":      created.BeneficiaryId,
		"amount":              created.Amount.String(),
		"status":              string(created.Status),
		"aml_flags":           flagStrings(created.AMLFlags),
	}, "Spending request created")
	return &created, nil
}

// checkSequencing enforces one open request per beneficiary and item: the most recent one must
// be paid with a verified receipt before another can be filed.
func checkSequencing(tx repository.Tx, beneficiaryId, itemId int) error {
	prior, err := tx.ListItemRequests(beneficiaryId, itemId, sequencedStatuses)
	if err != nil {
		return err
	}
	if len(prior) == 0 {
		return nil
	}
	latest := prior[0]
	if latest.Status.IsUnresolved() {
		return fmt.Errorf("%w: previous request %d is still %s", models.ErrSequenceViolation, latest.ID, latest.Status)
	}
	receipt, err := tx.FindReceipt(models.RequestTarget(latest.ID), false)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if !IsSatisfied(receipt) {
		return fmt.Errorf("%w: cannot create new request: previous receipt not verified", models.ErrSequenceViolation)
	}
	return nil
}

func (e *Engine) ApproveOrReject(ctx context.Context, requestId, approverId int, approved bool, reason string) (_ *models.SpendingRequest, err error) {
	ctx, span := tracer.Start(ctx, "workflow.ApproveOrReject")
	span.SetAttributes(attribute.Int("spending_request.id", requestId), attribute.Bool("approved", approved))
	defer func() { endSpan(span, err) }()

	var updated models.SpendingRequest
	err = e.Store.WithTx(ctx, func(tx repository.Tx) error {
		req, err := tx.LockSpendingRequest(requestId)
		if err != nil {
			return err
		}
		item, err := tx.GetSpendingItem(req.SpendingItemId)
		if err != nil {
			return err
		}
		grant, err := tx.GetGrant(item.GrantId)
		if err != nil {
			return err
		}
		if grant.OrganizationId != approverId {
			return fmt.Errorf("%w: user %d does not oversee grant %d", models.ErrAccessDenied, approverId, grant.ID)
		}
		if req.Status != models.SpendingRequestStatusPendingUniversityApproval {
			return fmt.Errorf("%w: request %d is %s, not %s",
				models.ErrInvalidTransition, req.ID, req.Status, models.SpendingRequestStatusPendingUniversityApproval)
		}

		if approved {
			req.Status = models.SpendingRequestStatusPendingReceipt
			req.ApprovedBy = &approverId
		} else {
			req.Status = models.SpendingRequestStatusRejected
			r := strings.TrimSpace(reason)
			if r == "" {
				r = "Rejected"
			}
			req.RejectionReason = &r
		}
		req.UpdatedAt = e.now()
		if err := tx.UpdateSpendingRequest(req); err != nil {
			return err
		}
		updated = *req
		return nil
	})
	if err != nil {
		return nil, err
	}

	op := models.OperationSpendingRequestApproved
	result := "Spending request approved"
	payload := map[string]any{
		"spending_request_id": updated.ID,
		"approver_id":         approverId,
		"status":              string(updated.Status),
	}
	if !approved {
		op = models.OperationSpendingRequestRejected
		result = "Spending request rejected"
		payload["reason"] = *updated.RejectionReason
	}
	e.Logger.WithFields(logrus.Fields{
		"module":              moduleName,
		"spending_request_id": updated.ID,
		"status":              updated.Status,
	}).Info(strings.ToLower(result))
	e.Audit.Record(ctx, op, payload, result)
	return &updated, nil
}

func (e *Engine) GetSpendingRequest(ctx context.Context, requestId int) (*models.SpendingRequest, error) {
	var req *models.SpendingRequest
	err := e.Store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		req, err = tx.GetSpendingRequest(requestId)
		return err
	})
	return req, err
}

func flagStrings(flags models.FlagSet) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}
