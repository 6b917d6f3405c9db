package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
)

type RequestFlagSummary struct {
	SpendingRequestId int                          `json:"spending_request_id"`
	Amount            money.Amount                 `json:"amount"`
	Flags             models.FlagSet               `json:"flags"`
	Status            models.SpendingRequestStatus `json:"status"`
	CreatedAt         time.Time                    `json:"created_at"`
}

type AMLCheckResult struct {
	Flags          models.FlagSet `json:"flags"`
	Reports        []FlagReport   `json:"reports"`
	IsSuspicious   bool           `json:"is_suspicious"`
	Recommendation Recommendation `json:"recommendation"`
	// LargeAmountLimit is the biggest single request the grant takes without a large_amount flag.
	LargeAmountLimit money.Amount `json:"large_amount_limit"`
}

func (e *Engine) GetRequestAMLFlags(ctx context.Context, requestId int) ([]FlagReport, error) {
	var flags models.FlagSet
	err := e.Store.WithTx(ctx, func(tx repository.Tx) error {
		req, err := tx.GetSpendingRequest(requestId)
		if err != nil {
			return err
		}
		flags = req.AMLFlags
		return nil
	})
	if err != nil {
		return nil, err
	}
	return DescribeFlags(flags), nil
}

// GetGrantAMLFlags lists every flagged request under the grant, oldest first.
func (e *Engine) GetGrantAMLFlags(ctx context.Context, grantId int) ([]RequestFlagSummary, error) {
	out := []RequestFlagSummary{}
	err := e.Store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetGrant(grantId); err != nil {
			return err
		}
		reqs, err := tx.ListGrantRequests(grantId)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			if len(r.AMLFlags) == 0 {
				continue
			}
			out = append(out, RequestFlagSummary{
				SpendingRequestId: r.ID,
				Amount:            r.Amount,
				Flags:             r.AMLFlags,
				Status:            r.Status,
				CreatedAt:         r.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CheckAML runs the evaluator for a hypothetical request without storing anything.
func (e *Engine) CheckAML(ctx context.Context, grantId, beneficiaryId int, amount money.Amount) (*AMLCheckResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", models.ErrInvalidInput, amount)
	}
	var result AMLCheckResult
	err := e.Store.WithTx(ctx, func(tx repository.Tx) error {
		grant, err := tx.GetGrant(grantId)
		if err != nil {
			return err
		}
		beneficiary, err := tx.GetUser(beneficiaryId)
		if err != nil {
			return err
		}
		held, err := tx.SumOpenRequestAmounts(grant.ID)
		if err != nil {
			return err
		}
		now := e.now()
		recent, err := tx.ListBeneficiaryRequestsSince(beneficiaryId, now.Add(-e.Config.DuplicateWindow))
		if err != nil {
			return err
		}
		flags := e.AML.Evaluate(AMLInput{
			Request: models.SpendingRequest{
				BeneficiaryId: beneficiaryId,
				Amount:        amount,
				CreatedAt:     now,
			},
			Grant:       *grant,
			Held:        held,
			Beneficiary: beneficiary,
			Recent:      recent,
		})
		result = AMLCheckResult{
			Flags:            flags,
			Reports:          DescribeFlags(flags),
			IsSuspicious:     len(flags) > 0,
			Recommendation:   Recommend(flags),
			LargeAmountLimit: largeAmountLimit(*grant, e.Config.LargeAmountThreshold),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
