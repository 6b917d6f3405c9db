package workflow

import (
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
	"github.com/shopspring/decimal"
)

// AMLInput is everything a rule may look at. Request is the tentative request (not yet
// persisted when called from CreateSpendingRequest, so its ID may be zero).
type AMLInput struct {
	Request     models.SpendingRequest
	Grant       models.Grant
	// Held is the amount of the grant's other open requests.
	Held        money.Amount
	Beneficiary *models.User
	Recent      []models.SpendingRequest
}

type AMLRule interface {
	Flag() models.AMLFlag
	Matches(in AMLInput) bool
}

// AMLEvaluator is pure: same input, same flags.
type AMLEvaluator struct {
	rules []AMLRule
}

func NewAMLEvaluator(largeAmountThreshold decimal.Decimal, duplicateWindow time.Duration) *AMLEvaluator {
	return &AMLEvaluator{rules: []AMLRule{
		LargeAmountRule{Threshold: largeAmountThreshold},
		DuplicateTransactionRule{Window: duplicateWindow},
		BudgetExceededRule{},
	}}
}

// With returns an evaluator running the extra rules after the built-in ones.
func (e *AMLEvaluator) With(rules ...AMLRule) *AMLEvaluator {
	all := make([]AMLRule, 0, len(e.rules)+len(rules))
	all = append(all, e.rules...)
	all = append(all, rules...)
	return &AMLEvaluator{rules: all}
}

func (e *AMLEvaluator) Evaluate(in AMLInput) models.FlagSet {
	var hits []models.AMLFlag
	for _, r := range e.rules {
		if r.Matches(in) {
			hits = append(hits, r.Flag())
		}
	}
	return models.NewFlagSet(hits...)
}

// LargeAmountRule flags a single request above Threshold (a fraction) of the grant total.
type LargeAmountRule struct {
	Threshold decimal.Decimal
}

func (LargeAmountRule) Flag() models.AMLFlag { return models.AMLFlagLargeAmount }

func (r LargeAmountRule) Matches(in AMLInput) bool {
	limit := in.Grant.TotalAmount.Decimal().Mul(r.Threshold)
	return in.Request.Amount.Decimal().GreaterThan(limit)
}

// DuplicateTransactionRule flags another request by the same beneficiary with the same amount
// created within Window before the request (both ends inclusive).
type DuplicateTransactionRule struct {
	Window time.Duration
}

func (DuplicateTransactionRule) Flag() models.AMLFlag { return models.AMLFlagDuplicatedTransactions }

func (r DuplicateTransactionRule) Matches(in AMLInput) bool {
	req := in.Request
	from := req.CreatedAt.Add(-r.Window)
	for _, other := range in.Recent {
		if req.ID != 0 && other.ID == req.ID {
			continue
		}
		if other.BeneficiaryId != req.BeneficiaryId || !other.Amount.Equal(req.Amount) {
			continue
		}
		if other.CreatedAt.Before(from) || other.CreatedAt.After(req.CreatedAt) {
			continue
		}
		return true
	}
	return false
}

type BudgetExceededRule struct{}

func (BudgetExceededRule) Flag() models.AMLFlag { return models.AMLFlagBudgetExceeded }

func (BudgetExceededRule) Matches(in AMLInput) bool {
	return !CanReserve(in.Grant, in.Held, in.Request.Amount)
}

type FlagReport struct {
	Flag        models.AMLFlag     `json:"flag"`
	Description string             `json:"description"`
	Severity    models.AMLSeverity `json:"severity"`
}

var flagDescriptions = map[models.AMLFlag]string{
	models.AMLFlagLargeAmount:            "Amount exceeds the allowed share of the grant",
	models.AMLFlagDuplicatedTransactions: "Duplicated transactions",
	models.AMLFlagBudgetExceeded:         "Grant budget exceeded",
	models.AMLFlagNoReceipt:              "Receipt is missing",
	models.AMLFlagSuspiciousMerchant:     "Suspicious merchant",
	models.AMLFlagAffiliatedPerson:       "Affiliated person",
}

func DescribeFlag(flag models.AMLFlag) FlagReport {
	desc, ok := flagDescriptions[flag]
	if !ok {
		desc = "Unknown flag"
	}
	severity := models.AMLSeverityMedium
	if flag == models.AMLFlagLargeAmount || flag == models.AMLFlagBudgetExceeded {
		severity = models.AMLSeverityHigh
	}
	return FlagReport{Flag: flag, Description: desc, Severity: severity}
}

func DescribeFlags(flags models.FlagSet) []FlagReport {
	out := make([]FlagReport, 0, len(flags))
	for _, f := range flags {
		out = append(out, DescribeFlag(f))
	}
	return out
}

type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendReject  Recommendation = "reject"
)

// Recommend: approve a clean result, review when only medium flags fired, reject otherwise.
func Recommend(flags models.FlagSet) Recommendation {
	if len(flags) == 0 {
		return RecommendApprove
	}
	for _, f := range flags {
		if DescribeFlag(f).Severity == models.AMLSeverityHigh {
			return RecommendReject
		}
	}
	return RecommendReview
}

// largeAmountLimit is the largest amount that does not trip LargeAmountRule.
func largeAmountLimit(grant models.Grant, threshold decimal.Decimal) money.Amount {
	return money.FromDecimal(grant.TotalAmount.Decimal().Mul(threshold).RoundFloor(money.Scale))
}
