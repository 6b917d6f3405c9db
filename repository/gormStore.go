package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *GormStore) AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) forUpdate() *gorm.DB {
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) CreateUser(user *models.User) error {
	return t.db.Create(user).Error
}

func (t *gormTx) GetUser(id int) (*models.User, error) {
	var user models.User
	if err := t.db.First(&user, id).Error; err != nil {
		return nil, notFound(err, "user", id)
	}
	return &user, nil
}

func (t *gormTx) CreateGrant(grant *models.Grant) error {
	return t.db.Create(grant).Error
}

func (t *gormTx) GetGrant(id int) (*models.Grant, error) {
	var grant models.Grant
	if err := t.db.First(&grant, id).Error; err != nil {
		return nil, notFound(err, "grant", id)
	}
	return &grant, nil
}

func (t *gormTx) LockGrant(id int) (*models.Grant, error) {
	var grant models.Grant
	if err := t.forUpdate().First(&grant, id).Error; err != nil {
		return nil, notFound(err, "grant", id)
	}
	return &grant, nil
}

func (t *gormTx) UpdateGrantSpent(grant *models.Grant) error {
	return t.db.Model(&models.Grant{}).
		Where("id = ?", grant.ID).
		Update("amount_spent", grant.AmountSpent).Error
}

func (t *gormTx) GetSpendingItem(id int) (*models.SpendingItem, error) {
	var item models.SpendingItem
	if err := t.db.First(&item, id).Error; err != nil {
		return nil, notFound(err, "spending item", id)
	}
	return &item, nil
}

func (t *gormTx) ListSpendingItems(grantId int) ([]models.SpendingItem, error) {
	var items []models.SpendingItem
	err := t.db.Where("grant_id = ?", grantId).
		Order("priority_index ASC, id ASC").
		Find(&items).Error
	return items, err
}

func (t *gormTx) CreateSpendingItems(items []*models.SpendingItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := t.db.Create(&items).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return fmt.Errorf("%w: priority index already used in this grant", models.ErrInvalidInput)
		}
		return err
	}
	return nil
}

func (t *gormTx) GetSpendingRequest(id int) (*models.SpendingRequest, error) {
	var req models.SpendingRequest
	if err := t.db.First(&req, id).Error; err != nil {
		return nil, notFound(err, "spending request", id)
	}
	return &req, nil
}

func (t *gormTx) LockSpendingRequest(id int) (*models.SpendingRequest, error) {
	var req models.SpendingRequest
	if err := t.forUpdate().First(&req, id).Error; err != nil {
		return nil, notFound(err, "spending request", id)
	}
	return &req, nil
}

func (t *gormTx) CreateSpendingRequest(req *models.SpendingRequest) error {
	return t.db.Create(req).Error
}

func (t *gormTx) UpdateSpendingRequest(req *models.SpendingRequest) error {
	return t.db.Model(&models.SpendingRequest{}).
		Where("id = ?", req.ID).
		Updates(map[string]interface{}{
			"status":           req.Status,
			"approved_by":      req.ApprovedBy,
			"rejection_reason": req.RejectionReason,
			"aml_flags":        req.AMLFlags,
			"updated_at":       req.UpdatedAt,
		}).Error
}

func (t *gormTx) ListItemRequests(beneficiaryId, itemId int, statuses []models.SpendingRequestStatus) ([]models.SpendingRequest, error) {
	var rows []models.SpendingRequest
	q := t.db.Where("beneficiary_id = ? AND spending_item_id = ?", beneficiaryId, itemId)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Order("created_at DESC, id DESC").Find(&rows).Error
	return rows, err
}

func (t *gormTx) ListBeneficiaryRequestsSince(beneficiaryId int, since time.Time) ([]models.SpendingRequest, error) {
	var rows []models.SpendingRequest
	err := t.db.Where("beneficiary_id = ? AND created_at >= ?", beneficiaryId, since).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (t *gormTx) ListGrantRequests(grantId int) ([]models.SpendingRequest, error) {
	var rows []models.SpendingRequest
	err := t.db.Select("spending_requests.*").
		Joins("JOIN spending_items ON spending_items.id = spending_requests.spending_item_id").
		Where("spending_items.grant_id = ?", grantId).
		Order("spending_requests.created_at ASC, spending_requests.id ASC").
		Find(&rows).Error
	return rows, err
}

func (t *gormTx) SumOpenRequestAmounts(grantId int) (money.Amount, error) {
	var sum money.Amount
	row := t.db.Model(&models.SpendingRequest{}).
		Select("COALESCE(SUM(spending_requests.amount), 0)").
		Joins("JOIN spending_items ON spending_items.id = spending_requests.spending_item_id").
		Where("spending_items.grant_id = ? AND spending_requests.status IN ?", grantId, []models.SpendingRequestStatus{
			models.SpendingRequestStatusPendingUniversityApproval,
			models.SpendingRequestStatusPendingReceipt,
		}).
		Row()
	if err := row.Scan(&sum); err != nil {
		return money.Zero, err
	}
	return sum, nil
}

func (t *gormTx) GetReceipt(id int) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := t.db.First(&receipt, id).Error; err != nil {
		return nil, notFound(err, "receipt", id)
	}
	return &receipt, nil
}

func (t *gormTx) LockReceipt(id int) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := t.forUpdate().First(&receipt, id).Error; err != nil {
		return nil, notFound(err, "receipt", id)
	}
	return &receipt, nil
}

func (t *gormTx) FindReceipt(target models.ReceiptTarget, lock bool) (*models.Receipt, error) {
	q := t.db
	if lock {
		q = t.forUpdate()
	}
	var receipt models.Receipt
	err := q.Where("target_type = ? AND target_id = ?", target.Type, target.ID).
		Order("id DESC").
		First(&receipt).Error
	if err != nil {
		return nil, notFound(err, "receipt for "+target.String(), 0)
	}
	return &receipt, nil
}

func (t *gormTx) CreateReceipt(receipt *models.Receipt) error {
	if err := t.db.Create(receipt).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return fmt.Errorf("%w: receipt for %s was uploaded concurrently", models.ErrSequenceViolation, receipt.Target())
		}
		return err
	}
	return nil
}

func (t *gormTx) UpdateReceipt(receipt *models.Receipt) error {
	return t.db.Model(&models.Receipt{}).
		Where("id = ?", receipt.ID).
		Updates(map[string]interface{}{
			"object_key":    receipt.ObjectKey,
			"thumbnail_key": receipt.ThumbnailKey,
			"file_name":     receipt.FileName,
			"uploaded_by":   receipt.UploadedBy,
			"verified":      receipt.Verified,
			"verified_at":   receipt.VerifiedAt,
			"updated_at":    receipt.UpdatedAt,
		}).Error
}

func notFound(err error, what string, id int) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if id == 0 {
			return fmt.Errorf("%w: %s", models.ErrNotFound, what)
		}
		return fmt.Errorf("%w: %s %d", models.ErrNotFound, what, id)
	}
	return err
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
