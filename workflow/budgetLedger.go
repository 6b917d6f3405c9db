package workflow

import (
	"fmt"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
)

// Available is what a new request may still draw: total - spent - held, where held is the sum
// of requests still pending approval or receipt.
func Available(grant models.Grant, held money.Amount) money.Amount {
	return grant.Remaining().Sub(held)
}

// CanReserve reports whether amount still fits in the grant: spent + held + amount <= total.
func CanReserve(grant models.Grant, held, amount money.Amount) bool {
	return grant.AmountSpent.Add(held).Add(amount).LessThanOrEqual(grant.TotalAmount)
}

// Commit books amount as spent on grant. The amount was held since creation, so this only
// fails when the grant row was changed behind the workflow's back.
func Commit(grant *models.Grant, amount money.Amount) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: commit amount must be positive, got %s", models.ErrInvalidInput, amount)
	}
	if !CanReserve(*grant, money.Zero, amount) {
		return fmt.Errorf("%w: grant %d has %s remaining, %s requested",
			models.ErrBudgetExceeded, grant.ID, grant.Remaining(), amount)
	}
	grant.AmountSpent = grant.AmountSpent.Add(amount)
	return nil
}
