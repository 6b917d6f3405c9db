package models

import (
	"errors"
	"strings"
)

type UserRole string

const (
	UserRoleGovernment UserRole = "government"
	UserRoleUniversity UserRole = "university"
	UserRoleGrantee    UserRole = "grantee"
)

func ParseUserRole(s string) (UserRole, error) {
	switch UserRole(strings.ToLower(strings.TrimSpace(s))) {
	case UserRoleGovernment:
		return UserRoleGovernment, nil
	case UserRoleUniversity:
		return UserRoleUniversity, nil
	case UserRoleGrantee:
		return UserRoleGrantee, nil
	default:
		return "", errors.New("invalid user role")
	}
}

type GrantState string

const (
	GrantStateActive    GrantState = "active"
	GrantStateCompleted GrantState = "completed"
	GrantStateCancelled GrantState = "cancelled"
)

type SpendingRequestStatus string

const (
	SpendingRequestStatusPendingUniversityApproval SpendingRequestStatus = "pending_university_approval"
	SpendingRequestStatusPendingReceipt            SpendingRequestStatus = "pending_receipt"
	SpendingRequestStatusPaid                      SpendingRequestStatus = "paid"
	SpendingRequestStatusRejected                  SpendingRequestStatus = "rejected"
	SpendingRequestStatusBlocked                   SpendingRequestStatus = "blocked"
)

// IsTerminal reports whether the engine never moves a request out of this status.
func (s SpendingRequestStatus) IsTerminal() bool {
	switch s {
	case SpendingRequestStatusPaid, SpendingRequestStatusRejected, SpendingRequestStatusBlocked:
		return true
	}
	return false
}

// IsUnresolved is true while a disbursement is still in flight for the item.
func (s SpendingRequestStatus) IsUnresolved() bool {
	return s == SpendingRequestStatusPendingUniversityApproval || s == SpendingRequestStatusPendingReceipt
}

type ReceiptTargetType string

const (
	ReceiptTargetRequest ReceiptTargetType = "spending_request"
	ReceiptTargetItem    ReceiptTargetType = "spending_item"
)

type OperationType string

const (
	OperationGrantCreated            OperationType = "grant_created"
	OperationSpendingItemsCreated    OperationType = "spending_items_created"
	OperationSpendingRequestCreated  OperationType = "spending_request_created"
	OperationSpendingRequestApproved OperationType = "spending_request_approved"
	OperationSpendingRequestRejected OperationType = "spending_request_rejected"
	OperationPaymentExecuted         OperationType = "payment_executed"
	OperationReceiptUploaded         OperationType = "receipt_uploaded"
	OperationReceiptVerified         OperationType = "receipt_verified"
)

type AMLFlag string

const (
	AMLFlagLargeAmount            AMLFlag = "large_amount"
	AMLFlagDuplicatedTransactions AMLFlag = "duplicated_transactions"
	AMLFlagBudgetExceeded         AMLFlag = "budget_exceeded"

	// written by the legacy expense flow; kept so stored flags still render
	AMLFlagNoReceipt          AMLFlag = "no_receipt"
	AMLFlagSuspiciousMerchant AMLFlag = "suspicious_merchant"
	AMLFlagAffiliatedPerson   AMLFlag = "affiliated_person"
)

type AMLSeverity string

const (
	AMLSeverityLow    AMLSeverity = "low"
	AMLSeverityMedium AMLSeverity = "medium"
	AMLSeverityHigh   AMLSeverity = "high"
)
