package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/money"
)

type SpendingRequest struct {
	ID              int                   `gorm:"primary_key" json:"id"`
	SpendingItemId  int                   `gorm:"not null;index" json:"spending_item_id"`
	SpendingItem    *SpendingItem         `gorm:"foreignKey:SpendingItemId;constraint:OnDelete:CASCADE" json:"-"`
	BeneficiaryId   int                   `gorm:"not null;index" json:"beneficiary_id"`
	Amount          money.Amount          `gorm:"type:decimal(18,2);not null" json:"amount"`
	Status          SpendingRequestStatus `gorm:"size:40;not null;index" json:"status"`
	AMLFlags        FlagSet               `gorm:"type:text" json:"aml_flags"`
	ApprovedBy      *int                  `json:"approved_by"`
	RejectionReason *string               `gorm:"type:text" json:"rejection_reason"`
	CreatedAt       time.Time             `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

type NewSpendingRequest struct {
	SpendingItemId int          `json:"spending_item_id" binding:"required"`
	Amount         money.Amount `json:"amount"`
}

// FlagSet is a sorted, duplicate-free list of AML flag codes stored as a JSON array.
type FlagSet []AMLFlag

func NewFlagSet(flags ...AMLFlag) FlagSet {
	seen := make(map[AMLFlag]bool, len(flags))
	out := make(FlagSet, 0, len(flags))
	for _, f := range flags {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s FlagSet) Has(flag AMLFlag) bool {
	for _, f := range s {
		if f == flag {
			return true
		}
	}
	return false
}

func (s FlagSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]AMLFlag(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *FlagSet) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*s = FlagSet{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot convert %T to FlagSet", value)
	}
	if len(raw) == 0 {
		*s = FlagSet{}
		return nil
	}
	var flags []AMLFlag
	if err := json.Unmarshal(raw, &flags); err != nil {
		return err
	}
	*s = NewFlagSet(flags...)
	return nil
}
