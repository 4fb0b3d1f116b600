package risk

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
)

// Severity bands for a clamped 0-100 score.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// CompanyFeatures is the feature vector assembled from SQL aggregates
// before a company evaluation.
type CompanyFeatures struct {
	CompanyAgeDays          int
	OverdueInvoiceCount     int
	BouncedCheckCount       int
	ProtestedCheckCount     int
	MissingRequiredDocs     int
	LateFilingCount         int
	CancelledInvoiceRatioBP int
	NetVATPositionCents     int64
	DaysSinceLastInvoice    int
	OpenTaskOverdueCount    int
}

// DocumentFeatures describes a single invoice or document under review.
type DocumentFeatures struct {
	AmountCents        int64
	TrailingAvgCents   int64
	DuplicateInvoiceNo bool
	CounterpartyTaxOK  bool
	FutureDated        bool
	MissingPeriod      bool
}

type Match struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Weight   int    `json:"weight"`
}

type Result struct {
	Score    int
	Severity string
	Matched  []Match
	Unknown  []string
}

// SeverityFor maps a clamped score to its band.
func SeverityFor(score int) string {
	switch {
	case score >= 75:
		return SeverityCritical
	case score >= 50:
		return SeverityHigh
	case score >= 25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Company rule codes.
const (
	CodeBouncedChecks      = "BOUNCED_CHECKS"
	CodeProtestedChecks    = "PROTESTED_CHECKS"
	CodeOverdueInvoices    = "OVERDUE_INVOICES"
	CodeMissingDocs        = "MISSING_REQUIRED_DOCS"
	CodeLateFilings        = "LATE_FILINGS"
	CodeNegativeVAT        = "NEGATIVE_VAT_POSITION"
	CodeHighCancelledRatio = "HIGH_CANCELLED_RATIO"
	CodeNewCompany         = "NEW_COMPANY"
	CodeDormantCompany     = "DORMANT_COMPANY"
	CodeOverdueTasks       = "OVERDUE_TASKS"
)

// Document rule codes.
const (
	CodeDuplicateInvoiceNo = "DUPLICATE_INVOICE_NO"
	CodeAmountAnomaly      = "AMOUNT_ANOMALY"
	CodeInvalidTaxNumber   = "INVALID_TAX_NUMBER"
	CodeFutureDated        = "FUTURE_DATED"
	CodeMissingPeriod      = "MISSING_PERIOD"
)

type companyPredicate func(f CompanyFeatures, p params) bool

type documentPredicate func(f DocumentFeatures, p params) bool

var companyPredicates = map[string]companyPredicate{
	CodeBouncedChecks: func(f CompanyFeatures, p params) bool {
		return f.BouncedCheckCount >= p.intOr("min_count", 1)
	},
	CodeProtestedChecks: func(f CompanyFeatures, p params) bool {
		return f.ProtestedCheckCount >= p.intOr("min_count", 1)
	},
	CodeOverdueInvoices: func(f CompanyFeatures, p params) bool {
		return f.OverdueInvoiceCount >= p.intOr("min_count", 3)
	},
	CodeMissingDocs: func(f CompanyFeatures, p params) bool {
		return f.MissingRequiredDocs >= p.intOr("min_count", 1)
	},
	CodeLateFilings: func(f CompanyFeatures, p params) bool {
		return f.LateFilingCount >= p.intOr("min_count", 2)
	},
	CodeNegativeVAT: func(f CompanyFeatures, p params) bool {
		return f.NetVATPositionCents < 0
	},
	CodeHighCancelledRatio: func(f CompanyFeatures, p params) bool {
		return f.CancelledInvoiceRatioBP >= p.intOr("min_bp", 2000)
	},
	CodeNewCompany: func(f CompanyFeatures, p params) bool {
		return f.CompanyAgeDays < p.intOr("max_age_days", 180)
	},
	CodeDormantCompany: func(f CompanyFeatures, p params) bool {
		return f.DaysSinceLastInvoice >= p.intOr("min_days", 90)
	},
	CodeOverdueTasks: func(f CompanyFeatures, p params) bool {
		return f.OpenTaskOverdueCount >= p.intOr("min_count", 2)
	},
}

var documentPredicates = map[string]documentPredicate{
	CodeDuplicateInvoiceNo: func(f DocumentFeatures, p params) bool {
		return f.DuplicateInvoiceNo
	},
	CodeAmountAnomaly: func(f DocumentFeatures, p params) bool {
		if f.TrailingAvgCents <= 0 {
			return false
		}
		ratioBP := f.AmountCents * 10000 / f.TrailingAvgCents
		return ratioBP >= int64(p.intOr("min_bp", 30000))
	},
	CodeInvalidTaxNumber: func(f DocumentFeatures, p params) bool {
		return !f.CounterpartyTaxOK
	},
	CodeFutureDated: func(f DocumentFeatures, p params) bool {
		return f.FutureDated
	},
	CodeMissingPeriod: func(f DocumentFeatures, p params) bool {
		return f.MissingPeriod
	},
}

type params map[string]json.RawMessage

func parseParams(raw json.RawMessage) params {
	if len(raw) == 0 {
		return nil
	}
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return p
}

func (p params) intOr(key string, def int) int {
	if p == nil {
		return def
	}
	raw, ok := p[key]
	if !ok {
		return def
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// Metrics is the subset of the metrics registry the engine reports to.
type Metrics interface {
	IncRiskRuleMatch(code string)
	IncRiskRuleUnknown()
	IncRiskSeverity(severity string)
}

type Engine struct {
	Metrics Metrics
}

// EvaluateCompany runs every enabled company rule against the features,
// sums the weights of the matching rules and caps the score at 100.
// Unknown rule codes are skipped.
func (e *Engine) EvaluateCompany(rules []models.RiskRule, f CompanyFeatures) Result {
	return e.evaluate(rules, func(rule models.RiskRule, p params) (bool, bool) {
		pred, ok := companyPredicates[rule.Code]
		if !ok {
			return false, false
		}
		return pred(f, p), true
	})
}

// EvaluateDocument runs document-level rules against a single invoice
// or uploaded document.
func (e *Engine) EvaluateDocument(rules []models.RiskRule, f DocumentFeatures) Result {
	return e.evaluate(rules, func(rule models.RiskRule, p params) (bool, bool) {
		pred, ok := documentPredicates[rule.Code]
		if !ok {
			return false, false
		}
		return pred(f, p), true
	})
}

func (e *Engine) evaluate(rules []models.RiskRule, apply func(models.RiskRule, params) (matched, known bool)) Result {
	res := Result{}
	total := 0
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(rule.Code))
		if code == "" {
			continue
		}
		rule.Code = code
		matched, known := apply(rule, parseParams(rule.Params))
		if !known {
			res.Unknown = append(res.Unknown, code)
			if e.Metrics != nil {
				e.Metrics.IncRiskRuleUnknown()
			}
			continue
		}
		if !matched {
			continue
		}
		weight := rule.Weight
		if weight < 0 {
			weight = 0
		}
		total += weight
		res.Matched = append(res.Matched, Match{Code: code, Category: rule.Category, Weight: weight})
		if e.Metrics != nil {
			e.Metrics.IncRiskRuleMatch(code)
		}
	}
	sort.Slice(res.Matched, func(i, j int) bool { return res.Matched[i].Code < res.Matched[j].Code })
	res.Score = clampScore(total)
	res.Severity = SeverityFor(res.Score)
	if e.Metrics != nil {
		e.Metrics.IncRiskSeverity(res.Severity)
	}
	return res
}
