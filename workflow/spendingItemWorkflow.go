package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var validate = validator.New()

// checkGrantEditor allows the grant's beneficiary and its overseeing organization.
func checkGrantEditor(grant *models.Grant, actorId int) error {
	if grant.IsAssignedTo(actorId) || grant.OrganizationId == actorId {
		return nil
	}
	return fmt.Errorf("%w: user %d cannot edit grant %d", models.ErrAccessDenied, actorId, grant.ID)
}

func validateNewSpendingItem(input models.NewSpendingItem) error {
	if err := validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed on %s", models.ErrInvalidInput, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if !input.PlannedAmount.IsPositive() {
		return fmt.Errorf("%w: planned amount must be positive, got %s", models.ErrInvalidInput, input.PlannedAmount)
	}
	return nil
}

// CreateSpendingItems adds the grant's planned expenditure lines in one transaction. Priority
// indexes must be unique within the grant, including against items that already exist.
func (e *Engine) CreateSpendingItems(ctx context.Context, grantId, actorId int, inputs []models.NewSpendingItem) (_ []models.SpendingItem, err error) {
	ctx, span := tracer.Start(ctx, "workflow.CreateSpendingItems")
	span.SetAttributes(attribute.Int("grant.id", grantId), attribute.Int("items", len(inputs)))
	defer func() { endSpan(span, err) }()

	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no spending items given", models.ErrInvalidInput)
	}
	seen := map[int]bool{}
	for i, in := range inputs {
		if err := validateNewSpendingItem(in); err != nil {
			return nil, fmt.Errorf("item %d: %w", i+1, err)
		}
		if seen[in.PriorityIndex] {
			return nil, fmt.Errorf("%w: priority index %d given twice", models.ErrInvalidInput, in.PriorityIndex)
		}
		seen[in.PriorityIndex] = true
	}

	var created []models.SpendingItem
	err = e.Store.WithTx(ctx, func(tx repository.Tx) error {
		grant, err := tx.LockGrant(grantId)
		if err != nil {
			return err
		}
		if err := checkGrantEditor(grant, actorId); err != nil {
			return err
		}
		existing, err := tx.ListSpendingItems(grant.ID)
		if err != nil {
			return err
		}
		for _, it := range existing {
			if seen[it.PriorityIndex] {
				return fmt.Errorf("%w: priority index %d already used by item %d", models.ErrInvalidInput, it.PriorityIndex, it.ID)
			}
		}
		created, err = insertSpendingItems(tx, grant.ID, inputs)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.recordItemsCreated(ctx, grantId, actorId, created)
	return created, nil
}

func insertSpendingItems(tx repository.Tx, grantId int, inputs []models.NewSpendingItem) ([]models.SpendingItem, error) {
	rows := make([]*models.SpendingItem, 0, len(inputs))
	for _, in := range inputs {
		rows = append(rows, &models.SpendingItem{
			GrantId:       grantId,
			Title:         strings.TrimSpace(in.Title),
			Description:   strings.TrimSpace(in.Description),
			PlannedAmount: in.PlannedAmount,
			PriorityIndex: in.PriorityIndex,
		})
	}
	if err := tx.CreateSpendingItems(rows); err != nil {
		return nil, err
	}
	out := make([]models.SpendingItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	return out, nil
}

func (e *Engine) recordItemsCreated(ctx context.Context, grantId, actorId int, items []models.SpendingItem) {
	ids := make([]int, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	e.Logger.WithFields(logrus.Fields{
		"module":   moduleName,
		"grant_id": grantId,
		"item_ids": ids,
	}).Info("spending items created")
	e.Audit.Record(ctx, models.OperationSpendingItemsCreated, map[string]any{
		"grant_id":          grantId,
		"actor_id":          actorId,
		"spending_item_ids": ids,
	}, fmt.Sprintf("%d spending items created", len(items)))
}

func (e *Engine) ListSpendingItems(ctx context.Context, grantId int) ([]models.SpendingItem, error) {
	var items []models.SpendingItem
	err := e.Store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetGrant(grantId); err != nil {
			return err
		}
		var err error
		items, err = tx.ListSpendingItems(grantId)
		return err
	})
	return items, err
}
