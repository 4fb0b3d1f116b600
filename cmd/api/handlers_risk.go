package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/risk"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
)

type riskRuleRequest struct {
	Code        string          `json:"code"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Weight      int             `json:"weight"`
	Enabled     *bool           `json:"enabled"`
	Params      json.RawMessage `json:"params"`
}

func (req *riskRuleRequest) validate() string {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Category = strings.ToUpper(strings.TrimSpace(req.Category))
	if req.Code == "" {
		return "code required"
	}
	if req.Category == "" {
		req.Category = "GENERAL"
	}
	if req.Weight < 0 || req.Weight > 100 {
		return "weight must be between 0 and 100"
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return "params must be valid json"
	}
	return ""
}

func (s *Server) createRiskRule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req riskRuleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if problem := req.validate(); problem != "" {
		httpx.Error(w, 400, problem)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := time.Now().UTC()
	rule := models.RiskRule{
		ID:          newID(),
		TenantID:    tenant,
		Code:        req.Code,
		Category:    req.Category,
		Description: req.Description,
		Weight:      req.Weight,
		Enabled:     enabled,
		Params:      req.Params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO risk_rules
		(id, tenant_id, code, category, description, weight, enabled, params, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	`, rule.ID, rule.TenantID, rule.Code, rule.Category, nullIfEmpty(rule.Description),
		rule.Weight, rule.Enabled, nullJSON(rule.Params), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			httpx.Error(w, 409, "rule code already exists for tenant")
			return
		}
		log.Printf("create risk rule: insert error: %v", err)
		httpx.Error(w, 500, "failed to create rule")
		return
	}
	s.Rules.Invalidate(tenant)
	s.appendAudit(r.Context(), tenant, "risk_rule", rule.ID, "CREATE", rule)
	httpx.WriteJSON(w, 201, rule)
}

func (s *Server) listRiskRules(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	rows, err := s.DB.Query(r.Context(), `
		SELECT id, tenant_id, code, category, COALESCE(description,''), weight, enabled, params, created_at, updated_at
		FROM risk_rules WHERE tenant_id=$1 ORDER BY code ASC
	`, tenant)
	if err != nil {
		log.Printf("list risk rules: query error: %v", err)
		httpx.Error(w, 500, "failed to list rules")
		return
	}
	defer rows.Close()
	rules := []models.RiskRule{}
	for rows.Next() {
		var rule models.RiskRule
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.Code, &rule.Category, &rule.Description,
			&rule.Weight, &rule.Enabled, &rule.Params, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			log.Printf("list risk rules: scan error: %v", err)
			continue
		}
		rules = append(rules, rule)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"rules": rules})
}

func (s *Server) updateRiskRule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	ruleID := chi.URLParam(r, "rule_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req riskRuleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if problem := req.validate(); problem != "" {
		httpx.Error(w, 400, problem)
		return
	}
	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE risk_rules
		SET category=$1, description=$2, weight=$3, enabled=COALESCE($4, enabled), params=$5, updated_at=$6
		WHERE tenant_id=$7 AND id=$8 AND code=$9
	`, req.Category, nullIfEmpty(req.Description), req.Weight, req.Enabled,
		nullJSON(req.Params), time.Now().UTC(), tenant, ruleID, req.Code)
	if err != nil {
		log.Printf("update risk rule: exec error: %v", err)
		httpx.Error(w, 500, "failed to update rule")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 404, "rule not found (code is immutable)")
		return
	}
	s.Rules.Invalidate(tenant)
	s.appendAudit(r.Context(), tenant, "risk_rule", ruleID, "UPDATE", req)
	httpx.WriteJSON(w, 200, map[string]string{"status": "updated", "id": ruleID})
}

func (s *Server) deleteRiskRule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	ruleID := chi.URLParam(r, "rule_id")
	cmd, err := s.DB.Exec(r.Context(), `
		DELETE FROM risk_rules WHERE tenant_id=$1 AND id=$2
	`, tenant, ruleID)
	if err != nil {
		log.Printf("delete risk rule: exec error: %v", err)
		httpx.Error(w, 500, "failed to delete rule")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 404, "rule not found")
		return
	}
	s.Rules.Invalidate(tenant)
	s.appendAudit(r.Context(), tenant, "risk_rule", ruleID, "DELETE", nil)
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted", "id": ruleID})
}

// companyFeatures assembles the feature vector for one company from SQL
// aggregates. Each aggregate degrades to zero on error so one broken
// query does not abort the evaluation.
func (s *Server) companyFeatures(ctx context.Context, tenant, companyID string) (risk.CompanyFeatures, error) {
	var f risk.CompanyFeatures
	now := time.Now().UTC()

	var createdAt time.Time
	err := s.DB.QueryRow(ctx, `
		SELECT created_at FROM client_companies WHERE tenant_id=$1 AND id=$2
	`, tenant, companyID).Scan(&createdAt)
	if err != nil {
		return f, err
	}
	f.CompanyAgeDays = int(now.Sub(createdAt).Hours() / 24)

	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM invoices
		WHERE tenant_id=$1 AND company_id=$2 AND status='ISSUED' AND due_date < $3
	`, tenant, companyID, now).Scan(&f.OverdueInvoiceCount)

	_ = s.DB.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status='BOUNCED'),
			COUNT(*) FILTER (WHERE status='PROTESTED')
		FROM check_notes WHERE tenant_id=$1 AND company_id=$2
	`, tenant, companyID).Scan(&f.BouncedCheckCount, &f.ProtestedCheckCount)

	period := now.Format("2006-01")
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM document_requirements req
		JOIN client_companies c ON c.tenant_id=req.tenant_id AND c.company_type=req.company_type
		WHERE req.tenant_id=$1 AND c.id=$2 AND req.required=true
		  AND NOT EXISTS (
			SELECT 1 FROM documents d
			WHERE d.tenant_id=req.tenant_id AND d.company_id=c.id
			  AND d.doc_type=req.doc_type AND d.period=$3 AND d.deleted_at IS NULL
		  )
	`, tenant, companyID, period).Scan(&f.MissingRequiredDocs)

	// late filings: required monthly documents uploaded after the period
	// they cover had already closed
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM documents d
		JOIN document_requirements req
		  ON req.tenant_id=d.tenant_id AND req.id=d.requirement_id
		WHERE d.tenant_id=$1 AND d.company_id=$2 AND d.deleted_at IS NULL
		  AND req.required=true AND req.period_type='MONTHLY' AND d.period IS NOT NULL
		  AND d.created_at > (to_date(d.period, 'YYYY-MM') + interval '2 months')
	`, tenant, companyID).Scan(&f.LateFilingCount)

	var total, cancelled int
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status='CANCELLED')
		FROM invoices WHERE tenant_id=$1 AND company_id=$2
	`, tenant, companyID).Scan(&total, &cancelled)
	if total > 0 {
		f.CancelledInvoiceRatioBP = cancelled * 10000 / total
	}

	_ = s.DB.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(tax_amount_cents) FILTER (WHERE direction='SALES'), 0)
			- COALESCE(SUM(tax_amount_cents) FILTER (WHERE direction='PURCHASE'), 0)
		FROM invoices
		WHERE tenant_id=$1 AND company_id=$2 AND status != 'CANCELLED'
	`, tenant, companyID).Scan(&f.NetVATPositionCents)

	var lastInvoice *time.Time
	_ = s.DB.QueryRow(ctx, `
		SELECT MAX(issue_date) FROM invoices WHERE tenant_id=$1 AND company_id=$2
	`, tenant, companyID).Scan(&lastInvoice)
	if lastInvoice != nil {
		f.DaysSinceLastInvoice = int(now.Sub(*lastInvoice).Hours() / 24)
	} else {
		f.DaysSinceLastInvoice = f.CompanyAgeDays
	}

	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE tenant_id=$1 AND company_id=$2 AND status IN ('OPEN','IN_PROGRESS')
		  AND due_date IS NOT NULL AND due_date < $3
	`, tenant, companyID, now).Scan(&f.OpenTaskOverdueCount)

	return f, nil
}

func (s *Server) evaluateCompanyRisk(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	companyID := chi.URLParam(r, "company_id")
	exists, err := s.activeCompanyExists(r, tenant, companyID)
	if err != nil {
		log.Printf("evaluate risk: company check error: %v", err)
		httpx.Error(w, 500, "failed to evaluate company")
		return
	}
	if !exists {
		httpx.Error(w, 404, "company not found")
		return
	}
	features, err := s.companyFeatures(r.Context(), tenant, companyID)
	if err != nil {
		log.Printf("evaluate risk: features error: %v", err)
		httpx.Error(w, 500, "failed to assemble company features")
		return
	}
	start := time.Now()
	res, err := s.Scorer.ScoreCompany(r.Context(), tenant, companyID, features)
	if err != nil {
		log.Printf("evaluate risk: scoring error: %v", err)
		httpx.Error(w, 500, "failed to evaluate company")
		return
	}
	s.Metrics.ObserveRiskEvalLatency(time.Since(start))
	s.appendAudit(r.Context(), tenant, "client_company", companyID, "RISK_EVALUATE", map[string]interface{}{
		"score":    res.Score,
		"severity": res.Severity,
	})
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventRiskScoreUpdated, tenant, map[string]interface{}{
			"company_id": companyID,
			"score":      res.Score,
			"severity":   res.Severity,
		}))
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"company_id": companyID,
		"score":      res.Score,
		"severity":   res.Severity,
		"matched":    res.Matched,
		"unknown":    res.Unknown,
	})
}

func (s *Server) companyRiskTrend(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	companyID := chi.URLParam(r, "company_id")
	limit := 12
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	points, direction, err := s.Scorer.Trend(r.Context(), tenant, companyID, limit)
	if err != nil {
		log.Printf("risk trend: query error: %v", err)
		httpx.Error(w, 500, "failed to load trend")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"company_id": companyID,
		"direction":  direction,
		"points":     points,
	})
}

func (s *Server) listCompanyRiskScores(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	companyID := chi.URLParam(r, "company_id")
	page := httpx.ParsePage(r)
	rows, err := s.DB.Query(r.Context(), `
		SELECT id, tenant_id, company_id, COALESCE(document_id,''), score, severity, matched, created_at
		FROM risk_scores
		WHERE tenant_id=$1 AND company_id=$2
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, tenant, companyID, page.Limit, page.Offset)
	if err != nil {
		log.Printf("list risk scores: query error: %v", err)
		httpx.Error(w, 500, "failed to list scores")
		return
	}
	defer rows.Close()
	scores := []models.RiskScore{}
	for rows.Next() {
		var sc models.RiskScore
		if err := rows.Scan(&sc.ID, &sc.TenantID, &sc.CompanyID, &sc.DocumentID, &sc.Score,
			&sc.Severity, &sc.Matched, &sc.CreatedAt); err != nil {
			log.Printf("list risk scores: scan error: %v", err)
			continue
		}
		scores = append(scores, sc)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"scores": scores,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}
