package main

import (
	"log"
	"net/http"
	"strings"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/tax"
)

// taxPeriodSummary aggregates one period's invoices into a VAT position
// report, tenant-wide or for a single company.
func (s *Server) taxPeriodSummary(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	start, end, err := tax.PeriodRange(period)
	if err != nil {
		httpx.Error(w, 400, "period must be YYYY-MM")
		return
	}
	args := []interface{}{tenant, start, end}
	query := `
		SELECT direction, status, net_amount_cents, tax_amount_cents, withholding_cents
		FROM invoices
		WHERE tenant_id=$1 AND issue_date >= $2 AND issue_date < $3
	`
	companyID := strings.TrimSpace(r.URL.Query().Get("company_id"))
	if companyID != "" {
		args = append(args, companyID)
		query += ` AND company_id=$4`
	}
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		log.Printf("tax summary: query error: %v", err)
		httpx.Error(w, 500, "failed to compute tax summary")
		return
	}
	defer rows.Close()
	summary := models.TaxPeriodSummary{Period: period, CompanyID: companyID}
	for rows.Next() {
		var inv models.Invoice
		if err := rows.Scan(&inv.Direction, &inv.Status, &inv.NetAmountCents, &inv.TaxAmountCents, &inv.WithholdingCents); err != nil {
			log.Printf("tax summary: scan error: %v", err)
			continue
		}
		tax.Accumulate(&summary, inv)
	}
	if err := rows.Err(); err != nil {
		log.Printf("tax summary: rows error: %v", err)
		httpx.Error(w, 500, "failed to compute tax summary")
		return
	}
	httpx.WriteJSON(w, 200, summary)
}
