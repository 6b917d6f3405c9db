package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EngineConfig carries the tunables of the spending workflow.
type EngineConfig struct {
	// LargeAmountThreshold is the share of a grant's total above which one request is flagged.
	LargeAmountThreshold decimal.Decimal
	DuplicateWindow      time.Duration
	// TopN items by priority go through university approval.
	TopN             int
	FastTrackEnabled bool
	MaxFileSize      int64
	// AllowedReceiptExtensions applies to request receipts; item receipts are always png/jpg/jpeg/pdf.
	AllowedReceiptExtensions []string
	AuditQueueSize           int
	AuditWorkers             int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LargeAmountThreshold:     decimal.RequireFromString("0.2"),
		DuplicateWindow:          5 * time.Minute,
		TopN:                     3,
		FastTrackEnabled:         true,
		MaxFileSize:              10 * 1024 * 1024,
		AllowedReceiptExtensions: []string{"png", "jpg", "jpeg", "pdf"},
		AuditQueueSize:           256,
		AuditWorkers:             2,
	}
}

// LoadEngineConfig reads the workflow tunables from the environment, falling back to
// DefaultEngineConfig for anything unset or unparsable.
//
// Set via env:
// - AML_LARGE_AMOUNT_THRESHOLD=0.2
// - AML_DUPLICATE_WINDOW_MINUTES=5
// - TOP_N_APPROVAL=3
// - TOP_N_APPROVAL_REQUIRED=true
// - MAX_FILE_SIZE=10485760
// - ALLOWED_RECEIPT_EXTENSIONS=png,jpg,jpeg,pdf
// - AUDIT_QUEUE_SIZE=256
// - AUDIT_WORKERS=2
func LoadEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()

	if v := strings.TrimSpace(os.Getenv("AML_LARGE_AMOUNT_THRESHOLD")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			cfg.LargeAmountThreshold = d
		}
	}
	if m := intFromEnv("AML_DUPLICATE_WINDOW_MINUTES", 5); m >= 0 {
		cfg.DuplicateWindow = time.Duration(m) * time.Minute
	}
	cfg.TopN = intFromEnv("TOP_N_APPROVAL", cfg.TopN)
	cfg.FastTrackEnabled = boolFromEnv("TOP_N_APPROVAL_REQUIRED", cfg.FastTrackEnabled)
	if n := int64FromEnv("MAX_FILE_SIZE", cfg.MaxFileSize); n > 0 {
		cfg.MaxFileSize = n
	}

	exts := listFromEnv("ALLOWED_RECEIPT_EXTENSIONS", cfg.AllowedReceiptExtensions)
	cfg.AllowedReceiptExtensions = cfg.AllowedReceiptExtensions[:0:0]
	for _, e := range exts {
		cfg.AllowedReceiptExtensions = append(cfg.AllowedReceiptExtensions, strings.ToLower(strings.TrimPrefix(e, ".")))
	}

	if n := intFromEnv("AUDIT_QUEUE_SIZE", cfg.AuditQueueSize); n > 0 {
		cfg.AuditQueueSize = n
	}
	if n := intFromEnv("AUDIT_WORKERS", cfg.AuditWorkers); n > 0 {
		cfg.AuditWorkers = n
	}
	return cfg
}
