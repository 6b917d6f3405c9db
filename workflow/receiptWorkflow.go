package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/config"
	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"bitbucket.org/mmdatafocus/grants_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var itemReceiptExtensions = []string{"png", "jpg", "jpeg", "pdf"}

// IsSatisfied is the receipt gate: a receipt exists and has been verified.
func IsSatisfied(receipt *models.Receipt) bool {
	return receipt != nil && receipt.Verified
}

func receiptExtension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func (e *Engine) allowedExtensions(target models.ReceiptTarget) []string {
	if target.IsItem() {
		return itemReceiptExtensions
	}
	return e.Config.AllowedReceiptExtensions
}

func (e *Engine) checkReceiptFile(target models.ReceiptTarget, filename string, size int) error {
	ext := receiptExtension(filename)
	allowed := e.allowedExtensions(target)
	ok := false
	for _, a := range allowed {
		if ext == a {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %q is not one of %s", models.ErrInvalidFormat, filename, strings.Join(allowed, ", "))
	}
	if size == 0 {
		return fmt.Errorf("%w: file is empty", models.ErrInvalidFormat)
	}
	if e.Config.MaxFileSize > 0 && int64(size) > e.Config.MaxFileSize {
		return fmt.Errorf("%w: %d bytes, limit is %d", models.ErrFileTooLarge, size, e.Config.MaxFileSize)
	}
	return nil
}

// checkReceiptTarget validates that target exists, uploaderId may attach a receipt to it, and
// it is in a state that accepts one.
func checkReceiptTarget(tx repository.Tx, target models.ReceiptTarget, uploaderId int, lock bool) error {
	switch target.Type {
	case models.ReceiptTargetRequest:
		var (
			req *models.SpendingRequest
			err error
		)
		if lock {
			req, err = tx.LockSpendingRequest(target.ID)
		} else {
			req, err = tx.GetSpendingRequest(target.ID)
		}
		if err != nil {
			return err
		}
		if req.BeneficiaryId != uploaderId {
			return fmt.Errorf("%w: request %d belongs to another beneficiary", models.ErrAccessDenied, req.ID)
		}
		if req.Status != models.SpendingRequestStatusPendingReceipt {
			return fmt.Errorf("%w: request %d is %s, receipts are accepted only in %s",
				models.ErrSequenceViolation, req.ID, req.Status, models.SpendingRequestStatusPendingReceipt)
		}
		return nil
	case models.ReceiptTargetItem:
		item, err := tx.GetSpendingItem(target.ID)
		if err != nil {
			return err
		}
		grant, err := tx.GetGrant(item.GrantId)
		if err != nil {
			return err
		}
		if !grant.IsAssignedTo(uploaderId) {
			return fmt.Errorf("%w: user %d is not the beneficiary of grant %d", models.ErrAccessDenied, uploaderId, grant.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown receipt target %q", models.ErrInvalidInput, target.Type)
	}
}

// UploadReceipt stores the file and attaches it to target. A target has at most one receipt:
// uploading again replaces the file reference and clears verification.
func (e *Engine) UploadReceipt(ctx context.Context, target models.ReceiptTarget, data []byte, filename string, uploaderId int) (_ *models.Receipt, err error) {
	ctx, span := tracer.Start(ctx, "workflow.UploadReceipt")
	span.SetAttributes(attribute.String("receipt.target", target.String()))
	defer func() { endSpan(span, err) }()

	err = e.Store.WithTx(ctx, func(tx repository.Tx) error {
		return checkReceiptTarget(tx, target, uploaderId, false)
	})
	if err != nil {
		return nil, err
	}
	if err = e.checkReceiptFile(target, filename, len(data)); err != nil {
		return nil, err
	}
	if e.Files == nil {
		return nil, errors.New("receipt file store is not configured")
	}

	ext := receiptExtension(filename)
	objectKey := fmt.Sprintf("receipts/%s/%d/%s.%s", target.Type, target.ID, uuid.NewString(), ext)
	if err = e.Files.Put(ctx, objectKey, data, http.DetectContentType(data)); err != nil {
		return nil, fmt.Errorf("store receipt file: %w", err)
	}
	stored := []string{objectKey}
	thumbnailKey := e.storeThumbnail(ctx, objectKey, ext, data)
	if thumbnailKey != nil {
		stored = append(stored, *thumbnailKey)
	}

	var (
		saved    models.Receipt
		replaced bool
	)
	err = e.Store.WithTx(ctx, func(tx repository.Tx) error {
		if err := checkReceiptTarget(tx, target, uploaderId, true); err != nil {
			return err
		}
		now := e.now()
		existing, err := tx.FindReceipt(target, true)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if existing != nil {
			existing.ObjectKey = objectKey
			existing.ThumbnailKey = thumbnailKey
			existing.FileName = filename
			existing.UploadedBy = uploaderId
			existing.Verified = false
			existing.VerifiedAt = nil
			existing.UpdatedAt = now
			if err := tx.UpdateReceipt(existing); err != nil {
				return err
			}
			saved = *existing
			replaced = true
			return nil
		}
		rec := models.Receipt{
			TargetType:   target.Type,
			TargetId:     target.ID,
			ObjectKey:    objectKey,
			ThumbnailKey: thumbnailKey,
			FileName:     filename,
			UploadedBy:   uploaderId,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.CreateReceipt(&rec); err != nil {
			return err
		}
		saved = rec
		return nil
	})
	if err != nil {
		e.discardFiles(stored)
		return nil, err
	}

	e.Logger.WithFields(logrus.Fields{
		"module":     moduleName,
		"receipt_id": saved.ID,
		"target":     target.String(),
		"replaced":   replaced,
	}).Info("receipt uploaded")
	e.Audit.Record(ctx, models.OperationReceiptUploaded, map[string]any{
		"receipt_id":  saved.ID,
		"target_type": string(target.Type),
		"target_id":   target.ID,
		"uploaded_by": uploaderId,
		"replaced":    replaced,
	}, "Receipt uploaded")
	return &saved, nil
}

func (e *Engine) storeThumbnail(ctx context.Context, objectKey, ext string, data []byte) *string {
	if ext == "pdf" {
		return nil
	}
	thumb, err := utils.MakeThumbnail(data, utils.ThumbnailSize)
	if err != nil {
		e.Logger.WithFields(logrus.Fields{"module": moduleName, "object_key": objectKey}).
			Warn("receipt thumbnail skipped: " + err.Error())
		return nil
	}
	key := strings.TrimSuffix(objectKey, "."+ext) + "_thumb.jpg"
	if err := e.Files.Put(ctx, key, thumb, "image/jpeg"); err != nil {
		config.LogError(e.Logger, moduleName, "UploadReceipt", "store thumbnail", key, err)
		return nil
	}
	return &key
}

// discardFiles removes objects written for an upload whose transaction failed.
func (e *Engine) discardFiles(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, k := range keys {
		if err := e.Files.Delete(ctx, k); err != nil {
			config.LogError(e.Logger, moduleName, "UploadReceipt", "discard orphaned file", k, err)
		}
	}
}

// VerifyReceipt marks a receipt verified. For a request receipt whose request waits in
// pending_receipt, the request becomes paid and its amount is booked on the grant in the same
// transaction. Verifying twice changes nothing. Only the grant's organization or a government
// user may verify.
func (e *Engine) VerifyReceipt(ctx context.Context, receiptId, verifierId int) (_ *models.Receipt, err error) {
	ctx, span := tracer.Start(ctx, "workflow.VerifyReceipt")
	span.SetAttributes(attribute.Int("receipt.id", receiptId), attribute.Int("verifier.id", verifierId))
	defer func() { endSpan(span, err) }()

	var (
		peek     *models.Receipt
		grantId  int
		verified models.Receipt
		paidReq  *models.SpendingRequest
		noop     bool
	)
	err = e.Store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		peek, err = tx.GetReceipt(receiptId)
		if err != nil {
			return err
		}
		itemId := peek.TargetId
		if peek.TargetType == models.ReceiptTargetRequest {
			req, err := tx.GetSpendingRequest(peek.TargetId)
			if err != nil {
				return err
			}
			itemId = req.SpendingItemId
		}
		item, err := tx.GetSpendingItem(itemId)
		if err != nil {
			return err
		}
		grant, err := tx.GetGrant(item.GrantId)
		if err != nil {
			return err
		}
		if err := checkOverseer(tx, grant, verifierId); err != nil {
			return err
		}
		grantId = grant.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if peek.TargetType == models.ReceiptTargetRequest {
		release := e.Locker.Lock(ctx, grantId)
		defer release()
	}

	err = e.Store.WithTx(ctx, func(tx repository.Tx) error {
		// Lock order: request, receipt, grant.
		var req *models.SpendingRequest
		if peek.TargetType == models.ReceiptTargetRequest {
			r, err := tx.LockSpendingRequest(peek.TargetId)
			if err != nil {
				return err
			}
			req = r
		}
		rec, err := tx.LockReceipt(receiptId)
		if err != nil {
			return err
		}
		if rec.Verified {
			verified = *rec
			noop = true
			return nil
		}

		now := e.now()
		rec.Verified = true
		rec.VerifiedAt = &now
		rec.UpdatedAt = now

		if req != nil && req.Status == models.SpendingRequestStatusPendingReceipt {
			item, err := tx.GetSpendingItem(req.SpendingItemId)
			if err != nil {
				return err
			}
			grant, err := tx.LockGrant(item.GrantId)
			if err != nil {
				return err
			}
			if err := Commit(grant, req.Amount); err != nil {
				return err
			}
			if err := tx.UpdateGrantSpent(grant); err != nil {
				return err
			}
			req.Status = models.SpendingRequestStatusPaid
			req.UpdatedAt = now
			if err := tx.UpdateSpendingRequest(req); err != nil {
				return err
			}
			paidReq = req
		}
		if err := tx.UpdateReceipt(rec); err != nil {
			return err
		}
		verified = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return &verified, nil
	}

	e.Logger.WithFields(logrus.Fields{
		"module":     moduleName,
		"receipt_id": verified.ID,
		"target":     verified.Target().String(),
		"paid":       paidReq != nil,
	}).Info("receipt verified")
	e.Audit.Record(ctx, models.OperationReceiptVerified, map[string]any{
		"receipt_id":  verified.ID,
		"target_type": string(verified.TargetType),
		"target_id":   verified.TargetId,
	}, "Receipt verified")
	if paidReq != nil {
		e.Audit.Record(ctx, models.OperationPaymentExecuted, map[string]any{
			"spending_request_id": paidReq.ID,
			"beneficiary_id":      paidReq.BeneficiaryId,
			"amount":              paidReq.Amount.String(),
		}, "Payment executed")
	}
	return &verified, nil
}

// checkOverseer allows the grant's organization and any government user.
func checkOverseer(tx repository.Tx, grant *models.Grant, userId int) error {
	if grant.OrganizationId == userId {
		return nil
	}
	user, err := tx.GetUser(userId)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if err == nil && user.Role == models.UserRoleGovernment {
		return nil
	}
	return fmt.Errorf("%w: user %d does not oversee grant %d", models.ErrAccessDenied, userId, grant.ID)
}

func (e *Engine) GetReceipt(ctx context.Context, receiptId int) (*models.Receipt, error) {
	var rec *models.Receipt
	err := e.Store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		rec, err = tx.GetReceipt(receiptId)
		return err
	})
	return rec, err
}
