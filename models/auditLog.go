package models

import "time"

// AuditLogEntry is one append-only line of the mock ledger. The workflow writes these but never
// reads them back to decide anything.
type AuditLogEntry struct {
	ID            int           `gorm:"primary_key" json:"id"`
	OperationType OperationType `gorm:"size:50;not null;index" json:"operation_type"`
	Payload       string        `gorm:"type:text;not null" json:"payload"`
	Result        *string       `gorm:"type:text" json:"result"`
	TxHash        string        `gorm:"size:80;index" json:"tx_hash"`
	Timestamp     time.Time     `gorm:"not null;index" json:"timestamp"`
}

func (AuditLogEntry) TableName() string {
	return "smart_contract_operation_logs"
}
