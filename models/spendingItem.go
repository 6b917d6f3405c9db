package models

import (
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/money"
)

type SpendingItem struct {
	ID            int          `gorm:"primary_key" json:"id"`
	GrantId       int          `gorm:"not null;index:uniq_grant_priority,unique" json:"grant_id"`
	Grant         *Grant       `gorm:"foreignKey:GrantId;constraint:OnDelete:CASCADE" json:"-"`
	Title         string       `gorm:"size:255;not null" json:"title"`
	Description   string       `gorm:"type:text" json:"description"`
	PlannedAmount money.Amount `gorm:"type:decimal(18,2);not null" json:"planned_amount"`
	PriorityIndex int          `gorm:"not null;index:uniq_grant_priority,unique" json:"priority_index"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

type NewSpendingItem struct {
	Title         string       `json:"title" validate:"required,max=255"`
	Description   string       `json:"description"`
	PlannedAmount money.Amount `json:"planned_amount"`
	PriorityIndex int          `json:"priority_index" validate:"gte=0"`
}
