package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ReceiptTarget says what a receipt proves spending for: one spending request or,
// for the item-level upload path, a spending item directly.
type ReceiptTarget struct {
	Type ReceiptTargetType
	ID   int
}

func RequestTarget(requestId int) ReceiptTarget {
	return ReceiptTarget{Type: ReceiptTargetRequest, ID: requestId}
}

func ItemTarget(itemId int) ReceiptTarget {
	return ReceiptTarget{Type: ReceiptTargetItem, ID: itemId}
}

func (t ReceiptTarget) IsRequest() bool { return t.Type == ReceiptTargetRequest }

func (t ReceiptTarget) IsItem() bool { return t.Type == ReceiptTargetItem }

func (t ReceiptTarget) String() string {
	return fmt.Sprintf("%s:%d", t.Type, t.ID)
}

type Receipt struct {
	ID           int               `gorm:"primary_key" json:"id"`
	TargetType   ReceiptTargetType `gorm:"size:30;not null;index:uniq_receipt_target,unique" json:"target_type"`
	TargetId     int               `gorm:"not null;index:uniq_receipt_target,unique" json:"target_id"`
	ObjectKey    string            `gorm:"size:512;not null" json:"object_key"`
	ThumbnailKey *string           `gorm:"size:512" json:"thumbnail_key"`
	FileName     string            `gorm:"size:255" json:"file_name"`
	UploadedBy   int               `gorm:"not null" json:"uploaded_by"`
	Verified     bool              `gorm:"not null;default:false;index" json:"verified"`
	VerifiedAt   *time.Time        `json:"verified_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (r Receipt) Target() ReceiptTarget {
	return ReceiptTarget{Type: r.TargetType, ID: r.TargetId}
}

// A receipt's target is polymorphic, so there is no foreign key to cascade on. Deleting a request
// or an item removes its receipts through these hooks instead.

func (r *SpendingRequest) AfterDelete(tx *gorm.DB) (err error) {
	if r.ID == 0 {
		return nil
	}
	return tx.Where("target_type = ? AND target_id = ?", ReceiptTargetRequest, r.ID).Delete(&Receipt{}).Error
}

// BeforeDelete runs before the database cascade drops the item's requests, so their receipts are
// still reachable.
func (i *SpendingItem) BeforeDelete(tx *gorm.DB) (err error) {
	if i.ID == 0 {
		return nil
	}
	requests := tx.Model(&SpendingRequest{}).Select("id").Where("spending_item_id = ?", i.ID)
	return tx.Where("(target_type = ? AND target_id = ?) OR (target_type = ? AND target_id IN (?))",
		ReceiptTargetItem, i.ID, ReceiptTargetRequest, requests).
		Delete(&Receipt{}).Error
}
