// Package repository is the persistence boundary of the spending workflow. Every
// read-validate-write sequence runs inside Store.WithTx; Lock* methods take a row lock that
// holds until the transaction ends.
package repository

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
)

type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	CreateUser(user *models.User) error
	GetUser(id int) (*models.User, error)

	CreateGrant(grant *models.Grant) error
	GetGrant(id int) (*models.Grant, error)
	LockGrant(id int) (*models.Grant, error)
	UpdateGrantSpent(grant *models.Grant) error

	GetSpendingItem(id int) (*models.SpendingItem, error)
	ListSpendingItems(grantId int) ([]models.SpendingItem, error)
	CreateSpendingItems(items []*models.SpendingItem) error

	GetSpendingRequest(id int) (*models.SpendingRequest, error)
	LockSpendingRequest(id int) (*models.SpendingRequest, error)
	CreateSpendingRequest(req *models.SpendingRequest) error
	UpdateSpendingRequest(req *models.SpendingRequest) error
	// ListItemRequests returns the beneficiary's requests on one item in any of statuses,
	// newest first (created_at, then id).
	ListItemRequests(beneficiaryId, itemId int, statuses []models.SpendingRequestStatus) ([]models.SpendingRequest, error)
	ListBeneficiaryRequestsSince(beneficiaryId int, since time.Time) ([]models.SpendingRequest, error)
	ListGrantRequests(grantId int) ([]models.SpendingRequest, error)
	// SumOpenRequestAmounts adds up requests on the grant that are pending approval or receipt.
	// Read it under LockGrant so concurrent creators see each other's holds.
	SumOpenRequestAmounts(grantId int) (money.Amount, error)

	GetReceipt(id int) (*models.Receipt, error)
	LockReceipt(id int) (*models.Receipt, error)
	// FindReceipt returns models.ErrNotFound when the target has no receipt yet.
	FindReceipt(target models.ReceiptTarget, lock bool) (*models.Receipt, error)
	CreateReceipt(receipt *models.Receipt) error
	UpdateReceipt(receipt *models.Receipt) error
}

// AuditLogRepository appends mock ledger entries outside any workflow transaction.
type AuditLogRepository interface {
	AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error
}
