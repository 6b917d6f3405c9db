package models

import (
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/money"
)

type Grant struct {
	ID             int          `gorm:"primary_key" json:"id"`
	Title          string       `gorm:"size:255;not null;index" json:"title"`
	TotalAmount    money.Amount `gorm:"type:decimal(18,2);not null" json:"total_amount"`
	AmountSpent    money.Amount `gorm:"type:decimal(18,2);not null;default:0" json:"amount_spent"`
	OrganizationId int          `gorm:"index;not null" json:"organization_id"`
	BeneficiaryId  *int         `gorm:"index" json:"beneficiary_id"`
	State          GrantState   `gorm:"size:20;not null;default:active;index" json:"state"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// Remaining is the part of the total not yet spent.
func (g Grant) Remaining() money.Amount {
	return g.TotalAmount.Sub(g.AmountSpent)
}

func (g Grant) IsAssignedTo(userId int) bool {
	return g.BeneficiaryId != nil && *g.BeneficiaryId == userId
}
