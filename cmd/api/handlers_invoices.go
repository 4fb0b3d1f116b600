package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/risk"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/tax"
)

type invoiceRequest struct {
	CompanyID         string `json:"company_id"`
	InvoiceNo         string `json:"invoice_no"`
	Direction         string `json:"direction"`
	IssueDate         string `json:"issue_date"`
	DueDate           string `json:"due_date"`
	Currency          string `json:"currency"`
	NetAmountCents    int64  `json:"net_amount_cents"`
	TaxRateBP         int    `json:"tax_rate_bp"`
	WithholdingBP     int    `json:"withholding_bp"`
	ExternalReference string `json:"external_reference"`
}

func (req *invoiceRequest) validate() (models.Invoice, string) {
	req.InvoiceNo = strings.TrimSpace(req.InvoiceNo)
	if req.CompanyID == "" {
		return models.Invoice{}, "company_id required"
	}
	if req.InvoiceNo == "" {
		return models.Invoice{}, "invoice_no required"
	}
	if req.Direction != models.InvoiceDirectionSales && req.Direction != models.InvoiceDirectionPurchase {
		return models.Invoice{}, "direction must be SALES or PURCHASE"
	}
	issue, err := time.Parse("2006-01-02", req.IssueDate)
	if err != nil {
		return models.Invoice{}, "issue_date must be YYYY-MM-DD"
	}
	due, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		return models.Invoice{}, "due_date must be YYYY-MM-DD"
	}
	if due.Before(issue) {
		return models.Invoice{}, "due_date before issue_date"
	}
	if req.NetAmountCents < 0 {
		return models.Invoice{}, "net_amount_cents must not be negative"
	}
	if !tax.ValidRateBP(req.TaxRateBP) || !tax.ValidRateBP(req.WithholdingBP) {
		return models.Invoice{}, "rates must be between 0 and 10000 basis points"
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "TRY"
	}
	if len(currency) != 3 {
		return models.Invoice{}, "currency must be a 3-letter code"
	}
	inv := models.Invoice{
		CompanyID:         req.CompanyID,
		InvoiceNo:         req.InvoiceNo,
		Direction:         req.Direction,
		IssueDate:         issue,
		DueDate:           due,
		Currency:          currency,
		NetAmountCents:    req.NetAmountCents,
		TaxRateBP:         req.TaxRateBP,
		WithholdingBP:     req.WithholdingBP,
		ExternalReference: strings.TrimSpace(req.ExternalReference),
	}
	if err := tax.Compute(&inv); err != nil {
		return models.Invoice{}, err.Error()
	}
	return inv, ""
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req invoiceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	inv, problem := req.validate()
	if problem != "" {
		httpx.Error(w, 400, problem)
		return
	}
	exists, err := s.activeCompanyExists(r, tenant, inv.CompanyID)
	if err != nil {
		log.Printf("create invoice: company check error: %v", err)
		httpx.Error(w, 500, "failed to create invoice")
		return
	}
	if !exists {
		httpx.Error(w, 404, "company not found")
		return
	}
	now := time.Now().UTC()
	inv.ID = newID()
	inv.TenantID = tenant
	inv.Status = models.InvoiceStatusDraft
	inv.CreatedAt = now
	inv.UpdatedAt = now
	_, err = s.DB.Exec(r.Context(), `
		INSERT INTO invoices
		(id, tenant_id, company_id, invoice_no, direction, issue_date, due_date, currency,
		 net_amount_cents, tax_rate_bp, tax_amount_cents, withholding_bp, withholding_cents,
		 gross_amount_cents, status, external_reference, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
	`, inv.ID, inv.TenantID, inv.CompanyID, inv.InvoiceNo, inv.Direction, inv.IssueDate, inv.DueDate, inv.Currency,
		inv.NetAmountCents, inv.TaxRateBP, inv.TaxAmountCents, inv.WithholdingBP, inv.WithholdingCents,
		inv.GrossAmountCents, inv.Status, nullIfEmpty(inv.ExternalReference), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			httpx.Error(w, 409, "invoice_no already exists for this company")
			return
		}
		log.Printf("create invoice: insert error: %v", err)
		httpx.Error(w, 500, "failed to create invoice")
		return
	}
	s.appendAudit(r.Context(), tenant, "invoice", inv.ID, "CREATE", inv)
	s.scoreInvoice(r, tenant, inv)
	httpx.WriteJSON(w, 201, inv)
}

// scoreInvoice runs the document rules against a fresh invoice. Scoring
// problems are logged; the write already succeeded.
func (s *Server) scoreInvoice(r *http.Request, tenant string, inv models.Invoice) {
	var trailingAvg int64
	_ = s.DB.QueryRow(r.Context(), `
		SELECT COALESCE(AVG(net_amount_cents), 0)::bigint
		FROM invoices
		WHERE tenant_id=$1 AND company_id=$2 AND direction=$3 AND id<>$4
		  AND status<>'CANCELLED' AND issue_date >= $5
	`, tenant, inv.CompanyID, inv.Direction, inv.ID, inv.IssueDate.AddDate(0, -6, 0)).Scan(&trailingAvg)
	var dupCount int
	_ = s.DB.QueryRow(r.Context(), `
		SELECT COUNT(*) FROM invoices
		WHERE tenant_id=$1 AND company_id=$2 AND invoice_no=$3 AND id<>$4
	`, tenant, inv.CompanyID, inv.InvoiceNo, inv.ID).Scan(&dupCount)
	features := risk.DocumentFeatures{
		AmountCents:        inv.NetAmountCents,
		TrailingAvgCents:   trailingAvg,
		DuplicateInvoiceNo: dupCount > 0,
		CounterpartyTaxOK:  true,
		FutureDated:        inv.IssueDate.After(time.Now().UTC().AddDate(0, 0, 1)),
	}
	start := time.Now()
	if _, err := s.Scorer.ScoreDocument(r.Context(), tenant, inv.CompanyID, inv.ID, features); err != nil {
		log.Printf("invoice scoring failed invoice=%s: %v", inv.ID, err)
		return
	}
	s.Metrics.ObserveRiskEvalLatency(time.Since(start))
}

func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	page := httpx.ParsePage(r)
	args := []interface{}{tenant}
	query := `
		SELECT id, tenant_id, company_id, invoice_no, direction, issue_date, due_date, currency,
		       net_amount_cents, tax_rate_bp, tax_amount_cents, withholding_bp, withholding_cents,
		       gross_amount_cents, status, COALESCE(external_reference,''), created_at, updated_at
		FROM invoices WHERE tenant_id=$1
	`
	if companyID := strings.TrimSpace(r.URL.Query().Get("company_id")); companyID != "" {
		args = append(args, companyID)
		query += ` AND company_id=$2`
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		args = append(args, status)
		query += ` AND status=$` + itoa(len(args))
	}
	args = append(args, page.Limit, page.Offset)
	query += ` ORDER BY issue_date DESC, invoice_no ASC LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		log.Printf("list invoices: query error: %v", err)
		httpx.Error(w, 500, "failed to list invoices")
		return
	}
	defer rows.Close()
	invoices := []models.Invoice{}
	for rows.Next() {
		var inv models.Invoice
		if err := rows.Scan(&inv.ID, &inv.TenantID, &inv.CompanyID, &inv.InvoiceNo, &inv.Direction,
			&inv.IssueDate, &inv.DueDate, &inv.Currency, &inv.NetAmountCents, &inv.TaxRateBP,
			&inv.TaxAmountCents, &inv.WithholdingBP, &inv.WithholdingCents, &inv.GrossAmountCents,
			&inv.Status, &inv.ExternalReference, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			log.Printf("list invoices: scan error: %v", err)
			continue
		}
		invoices = append(invoices, inv)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"invoices": invoices,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	invoiceID := chi.URLParam(r, "invoice_id")
	inv, err := s.loadInvoice(r, tenant, invoiceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "invoice not found")
			return
		}
		log.Printf("get invoice: query error: %v", err)
		httpx.Error(w, 500, "failed to load invoice")
		return
	}
	httpx.WriteJSON(w, 200, inv)
}

func (s *Server) loadInvoice(r *http.Request, tenant, invoiceID string) (models.Invoice, error) {
	var inv models.Invoice
	err := s.DB.QueryRow(r.Context(), `
		SELECT id, tenant_id, company_id, invoice_no, direction, issue_date, due_date, currency,
		       net_amount_cents, tax_rate_bp, tax_amount_cents, withholding_bp, withholding_cents,
		       gross_amount_cents, status, COALESCE(external_reference,''), created_at, updated_at
		FROM invoices WHERE tenant_id=$1 AND id=$2
	`, tenant, invoiceID).Scan(&inv.ID, &inv.TenantID, &inv.CompanyID, &inv.InvoiceNo, &inv.Direction,
		&inv.IssueDate, &inv.DueDate, &inv.Currency, &inv.NetAmountCents, &inv.TaxRateBP,
		&inv.TaxAmountCents, &inv.WithholdingBP, &inv.WithholdingCents, &inv.GrossAmountCents,
		&inv.Status, &inv.ExternalReference, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

func (s *Server) updateInvoice(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	invoiceID := chi.URLParam(r, "invoice_id")
	current, err := s.loadInvoice(r, tenant, invoiceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "invoice not found")
			return
		}
		log.Printf("update invoice: query error: %v", err)
		httpx.Error(w, 500, "failed to load invoice")
		return
	}
	if current.Status != models.InvoiceStatusDraft {
		httpx.Error(w, 409, "only DRAFT invoices can be edited")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req invoiceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	inv, problem := req.validate()
	if problem != "" {
		httpx.Error(w, 400, problem)
		return
	}
	if inv.CompanyID != current.CompanyID {
		httpx.Error(w, 400, "company_id cannot change")
		return
	}
	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE invoices
		SET invoice_no=$1, direction=$2, issue_date=$3, due_date=$4, currency=$5,
		    net_amount_cents=$6, tax_rate_bp=$7, tax_amount_cents=$8, withholding_bp=$9,
		    withholding_cents=$10, gross_amount_cents=$11, external_reference=$12, updated_at=$13
		WHERE tenant_id=$14 AND id=$15 AND status='DRAFT'
	`, inv.InvoiceNo, inv.Direction, inv.IssueDate, inv.DueDate, inv.Currency,
		inv.NetAmountCents, inv.TaxRateBP, inv.TaxAmountCents, inv.WithholdingBP,
		inv.WithholdingCents, inv.GrossAmountCents, nullIfEmpty(inv.ExternalReference), time.Now().UTC(),
		tenant, invoiceID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			httpx.Error(w, 409, "invoice_no already exists for this company")
			return
		}
		log.Printf("update invoice: exec error: %v", err)
		httpx.Error(w, 500, "failed to update invoice")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 409, "only DRAFT invoices can be edited")
		return
	}
	s.appendAudit(r.Context(), tenant, "invoice", invoiceID, "UPDATE", req)
	httpx.WriteJSON(w, 200, map[string]string{"status": "updated", "id": invoiceID})
}

// Drafts are deleted, not cancelled; CANCELLED exists for issued paper.
var invoiceTransitions = map[string][]string{
	models.InvoiceStatusDraft:  {models.InvoiceStatusIssued},
	models.InvoiceStatusIssued: {models.InvoiceStatusPaid, models.InvoiceStatusCancelled},
}

func invoiceCanTransition(from, to string) bool {
	for _, allowed := range invoiceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *Server) changeInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	invoiceID := chi.URLParam(r, "invoice_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	current, err := s.loadInvoice(r, tenant, invoiceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "invoice not found")
			return
		}
		log.Printf("invoice status: query error: %v", err)
		httpx.Error(w, 500, "failed to load invoice")
		return
	}
	if !invoiceCanTransition(current.Status, req.Status) {
		httpx.Error(w, 409, "invalid status transition "+current.Status+" -> "+req.Status)
		return
	}
	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE invoices SET status=$1, updated_at=$2
		WHERE tenant_id=$3 AND id=$4 AND status=$5
	`, req.Status, time.Now().UTC(), tenant, invoiceID, current.Status)
	if err != nil {
		log.Printf("invoice status: exec error: %v", err)
		httpx.Error(w, 500, "failed to change invoice status")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 409, "invoice status changed concurrently")
		return
	}
	s.appendAudit(r.Context(), tenant, "invoice", invoiceID, "STATUS_"+req.Status, map[string]string{
		"from": current.Status,
		"to":   req.Status,
	})
	if req.Status == models.InvoiceStatusIssued && s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventInvoiceIssued, tenant, map[string]string{
			"invoice_id": invoiceID,
			"company_id": current.CompanyID,
		}))
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": req.Status, "id": invoiceID})
}

// deleteInvoice removes DRAFT invoices only; issued paper is cancelled,
// never deleted.
func (s *Server) deleteInvoice(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	invoiceID := chi.URLParam(r, "invoice_id")
	cmd, err := s.DB.Exec(r.Context(), `
		DELETE FROM invoices WHERE tenant_id=$1 AND id=$2 AND status='DRAFT'
	`, tenant, invoiceID)
	if err != nil {
		log.Printf("delete invoice: exec error: %v", err)
		httpx.Error(w, 500, "failed to delete invoice")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 409, "only DRAFT invoices can be deleted")
		return
	}
	s.appendAudit(r.Context(), tenant, "invoice", invoiceID, "DELETE", nil)
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted", "id": invoiceID})
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
