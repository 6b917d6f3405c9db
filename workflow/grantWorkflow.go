package workflow

import (
	"context"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"github.com/sirupsen/logrus"
)

type NewGrant struct {
	Title          string       `json:"title" validate:"required,max=255"`
	TotalAmount    money.Amount `json:"total_amount"`
	OrganizationId int          `json:"organization_id" validate:"gt=0"`
	BeneficiaryId  *int         `json:"beneficiary_id"`
}

// CreateGrant opens an active grant with nothing spent.
func (e *Engine) CreateGrant(ctx context.Context, input NewGrant) (*models.Grant, error) {
	if err := validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if !input.TotalAmount.IsPositive() {
		return nil, fmt.Errorf("%w: total amount must be positive, got %s", models.ErrInvalidInput, input.TotalAmount)
	}

	grant := models.Grant{
		Title:          strings.TrimSpace(input.Title),
		TotalAmount:    input.TotalAmount,
		AmountSpent:    money.Zero,
		OrganizationId: input.OrganizationId,
		BeneficiaryId:  input.BeneficiaryId,
		State:          models.GrantStateActive,
		CreatedAt:      e.now(),
	}
	err := e.Store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetUser(input.OrganizationId); err != nil {
			return err
		}
		if input.BeneficiaryId != nil {
			if _, err := tx.GetUser(*input.BeneficiaryId); err != nil {
				return err
			}
		}
		return tx.CreateGrant(&grant)
	})
	if err != nil {
		return nil, err
	}

	e.Logger.WithFields(logrus.Fields{
		"module":   moduleName,
		"grant_id": grant.ID,
	}).Info("grant created")
	e.Audit.Record(ctx, models.OperationGrantCreated, map[string]any{
		"grant_id":        grant.ID,
		"title":           grant.Title,
		"total_amount":    grant.TotalAmount.String(),
		"organization_id": grant.OrganizationId,
		"beneficiary_id":  grant.BeneficiaryId,
	}, "Grant created")
	return &grant, nil
}

func (e *Engine) GetGrant(ctx context.Context, grantId int) (*models.Grant, error) {
	var grant *models.Grant
	err := e.Store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		grant, err = tx.GetGrant(grantId)
		return err
	})
	return grant, err
}
