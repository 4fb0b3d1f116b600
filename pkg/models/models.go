package models

import (
	"encoding/json"
	"time"
)

// ClientCompany is a bookkeeping client managed by a tenant (accounting office).
type ClientCompany struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Name         string     `json:"name"`
	TaxNumber    string     `json:"tax_number"`
	TaxOffice    string     `json:"tax_office,omitempty"`
	CompanyType  string     `json:"company_type"`
	Address      string     `json:"address,omitempty"`
	ContactEmail string     `json:"contact_email,omitempty"`
	ContactPhone string     `json:"contact_phone,omitempty"`
	RiskScore    int        `json:"risk_score"`
	RiskSeverity string     `json:"risk_severity,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
}

const (
	InvoiceDirectionSales    = "SALES"
	InvoiceDirectionPurchase = "PURCHASE"

	InvoiceStatusDraft     = "DRAFT"
	InvoiceStatusIssued    = "ISSUED"
	InvoiceStatusPaid      = "PAID"
	InvoiceStatusCancelled = "CANCELLED"
)

// Invoice amounts are stored in kurus (cents); rates in basis points.
type Invoice struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	CompanyID         string    `json:"company_id"`
	InvoiceNo         string    `json:"invoice_no"`
	Direction         string    `json:"direction"`
	IssueDate         time.Time `json:"issue_date"`
	DueDate           time.Time `json:"due_date"`
	Currency          string    `json:"currency"`
	NetAmountCents    int64     `json:"net_amount_cents"`
	TaxRateBP         int       `json:"tax_rate_bp"`
	TaxAmountCents    int64     `json:"tax_amount_cents"`
	WithholdingBP     int       `json:"withholding_bp"`
	WithholdingCents  int64     `json:"withholding_cents"`
	GrossAmountCents  int64     `json:"gross_amount_cents"`
	Status            string    `json:"status"`
	ExternalReference string    `json:"external_reference,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Document struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	CompanyID     string     `json:"company_id"`
	RequirementID string     `json:"requirement_id,omitempty"`
	Name          string     `json:"name"`
	DocType       string     `json:"doc_type"`
	Period        string     `json:"period,omitempty"`
	StorageKey    string     `json:"storage_key,omitempty"`
	ContentType   string     `json:"content_type,omitempty"`
	SizeBytes     int64      `json:"size_bytes"`
	Status        string     `json:"status"`
	UploadedBy    string     `json:"uploaded_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

const (
	TaskStatusOpen       = "OPEN"
	TaskStatusInProgress = "IN_PROGRESS"
	TaskStatusDone       = "DONE"
	TaskStatusCancelled  = "CANCELLED"
)

type Task struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	CompanyID   string     `json:"company_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type CheckNote struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	CompanyID   string    `json:"company_id"`
	Kind        string    `json:"kind"`
	SerialNo    string    `json:"serial_no"`
	Bank        string    `json:"bank,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	IssueDate   time.Time `json:"issue_date"`
	DueDate     time.Time `json:"due_date"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type TenantIntegration struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Provider      string          `json:"provider"`
	Config        json.RawMessage `json:"config,omitempty"`
	SecretMasked  string          `json:"secret_masked,omitempty"`
	Enabled       bool            `json:"enabled"`
	Status        string          `json:"status"`
	LastCheckedAt *time.Time      `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Subscription struct {
	TenantID         string    `json:"tenant_id"`
	Plan             string    `json:"plan"`
	Status           string    `json:"status"`
	MaxCompanies     int       `json:"max_companies"`
	MaxUsers         int       `json:"max_users"`
	MaxDocsPerMonth  int       `json:"max_docs_per_month"`
	MaxCallsPerMonth int       `json:"max_calls_per_month"`
	RenewedAt        time.Time `json:"renewed_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type Notification struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	RecipientID string     `json:"recipient_id,omitempty"`
	Channel     string     `json:"channel"`
	Severity    string     `json:"severity"`
	Title       string     `json:"title"`
	Body        string     `json:"body,omitempty"`
	EntityType  string     `json:"entity_type,omitempty"`
	EntityID    string     `json:"entity_id,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type DocumentRequirement struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	CompanyType string    `json:"company_type"`
	DocType     string    `json:"doc_type"`
	PeriodType  string    `json:"period_type"`
	Title       string    `json:"title"`
	Required    bool      `json:"required"`
	CreatedAt   time.Time `json:"created_at"`
}

// RiskRule is a tenant-configurable weighted boolean rule. Params carries
// rule-specific thresholds as JSON (e.g. {"min_count": 3}).
type RiskRule struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Code        string          `json:"code"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	Weight      int             `json:"weight"`
	Enabled     bool            `json:"enabled"`
	Params      json.RawMessage `json:"params,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type RiskScore struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	CompanyID  string          `json:"company_id"`
	DocumentID string          `json:"document_id,omitempty"`
	Score      int             `json:"score"`
	Severity   string          `json:"severity"`
	Matched    json.RawMessage `json:"matched,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type RiskTrendPoint struct {
	CompanyID string    `json:"company_id"`
	Score     int       `json:"score"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

type TaxPeriodSummary struct {
	Period                string `json:"period"`
	CompanyID             string `json:"company_id,omitempty"`
	SalesNetCents         int64  `json:"sales_net_cents"`
	SalesVATCents         int64  `json:"sales_vat_cents"`
	PurchaseNetCents      int64  `json:"purchase_net_cents"`
	PurchaseVATCents      int64  `json:"purchase_vat_cents"`
	WithholdingCents      int64  `json:"withholding_cents"`
	NetVATPositionCents   int64  `json:"net_vat_position_cents"`
	InvoiceCount          int    `json:"invoice_count"`
	CancelledInvoiceCount int    `json:"cancelled_invoice_count"`
}

type UsageSnapshot struct {
	TenantID  string         `json:"tenant_id"`
	Period    string         `json:"period"`
	Counters  map[string]int `json:"counters"`
	Limits    map[string]int `json:"limits"`
	Exceeded  []string       `json:"exceeded,omitempty"`
	FetchedAt time.Time      `json:"fetched_at"`
}

type ComplianceEvent struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id,omitempty"`
	EventType       string    `json:"event_type"`
	SubjectHash     string    `json:"subject_hash"`
	RequestedBy     string    `json:"requested_by"`
	Reason          string    `json:"reason,omitempty"`
	RecordsAffected int64     `json:"records_affected"`
	CreatedAt       time.Time `json:"created_at"`
}
