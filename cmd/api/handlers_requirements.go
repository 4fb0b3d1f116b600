package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
)

type requirementRequest struct {
	CompanyType string `json:"company_type"`
	DocType     string `json:"doc_type"`
	PeriodType  string `json:"period_type"`
	Title       string `json:"title"`
	Required    *bool  `json:"required"`
}

func validPeriodType(p string) bool {
	switch p {
	case "MONTHLY", "QUARTERLY", "ANNUAL", "ONE_TIME":
		return true
	default:
		return false
	}
}

func (s *Server) createRequirement(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req requirementRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.CompanyType = strings.ToUpper(strings.TrimSpace(req.CompanyType))
	req.DocType = strings.ToUpper(strings.TrimSpace(req.DocType))
	req.PeriodType = strings.ToUpper(strings.TrimSpace(req.PeriodType))
	req.Title = strings.TrimSpace(req.Title)
	if !validCompanyType(req.CompanyType) {
		httpx.Error(w, 400, "invalid company_type")
		return
	}
	if req.DocType == "" || req.Title == "" {
		httpx.Error(w, 400, "doc_type and title required")
		return
	}
	if !validPeriodType(req.PeriodType) {
		httpx.Error(w, 400, "period_type must be MONTHLY, QUARTERLY, ANNUAL or ONE_TIME")
		return
	}
	required := true
	if req.Required != nil {
		required = *req.Required
	}
	requirement := models.DocumentRequirement{
		ID:          newID(),
		TenantID:    tenant,
		CompanyType: req.CompanyType,
		DocType:     req.DocType,
		PeriodType:  req.PeriodType,
		Title:       req.Title,
		Required:    required,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO document_requirements
		(id, tenant_id, company_type, doc_type, period_type, title, required, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, requirement.ID, requirement.TenantID, requirement.CompanyType, requirement.DocType,
		requirement.PeriodType, requirement.Title, requirement.Required, requirement.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			httpx.Error(w, 409, "requirement already exists for this company_type and doc_type")
			return
		}
		log.Printf("create requirement: insert error: %v", err)
		httpx.Error(w, 500, "failed to create requirement")
		return
	}
	s.appendAudit(r.Context(), tenant, "document_requirement", requirement.ID, "CREATE", requirement)
	httpx.WriteJSON(w, 201, requirement)
}

func (s *Server) listRequirements(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	args := []interface{}{tenant}
	query := `
		SELECT id, tenant_id, company_type, doc_type, period_type, title, required, created_at
		FROM document_requirements WHERE tenant_id=$1
	`
	if companyType := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("company_type"))); companyType != "" {
		args = append(args, companyType)
		query += ` AND company_type=$2`
	}
	query += ` ORDER BY company_type, doc_type`
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		log.Printf("list requirements: query error: %v", err)
		httpx.Error(w, 500, "failed to list requirements")
		return
	}
	defer rows.Close()
	requirements := []models.DocumentRequirement{}
	for rows.Next() {
		var req models.DocumentRequirement
		if err := rows.Scan(&req.ID, &req.TenantID, &req.CompanyType, &req.DocType, &req.PeriodType,
			&req.Title, &req.Required, &req.CreatedAt); err != nil {
			log.Printf("list requirements: scan error: %v", err)
			continue
		}
		requirements = append(requirements, req)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"requirements": requirements})
}

func (s *Server) deleteRequirement(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	requirementID := chi.URLParam(r, "requirement_id")
	cmd, err := s.DB.Exec(r.Context(), `
		DELETE FROM document_requirements WHERE tenant_id=$1 AND id=$2
	`, tenant, requirementID)
	if err != nil {
		log.Printf("delete requirement: exec error: %v", err)
		httpx.Error(w, 500, "failed to delete requirement")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 404, "requirement not found")
		return
	}
	s.appendAudit(r.Context(), tenant, "document_requirement", requirementID, "DELETE", nil)
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted", "id": requirementID})
}

type missingRequirement struct {
	RequirementID string `json:"requirement_id"`
	DocType       string `json:"doc_type"`
	PeriodType    string `json:"period_type"`
	Title         string `json:"title"`
}

// listMissingRequirements reports required document types the company
// has not uploaded for a given period.
func (s *Server) listMissingRequirements(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	companyID := chi.URLParam(r, "company_id")
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	if !models.ValidPeriod(period) {
		httpx.Error(w, 400, "period must be YYYY-MM")
		return
	}
	var companyType string
	err := s.DB.QueryRow(r.Context(), `
		SELECT company_type FROM client_companies WHERE tenant_id=$1 AND id=$2 AND active=true
	`, tenant, companyID).Scan(&companyType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "company not found")
			return
		}
		log.Printf("missing requirements: company query error: %v", err)
		httpx.Error(w, 500, "failed to load company")
		return
	}
	rows, err := s.DB.Query(r.Context(), `
		SELECT req.id, req.doc_type, req.period_type, req.title
		FROM document_requirements req
		WHERE req.tenant_id=$1 AND req.company_type=$2 AND req.required=true
		  AND NOT EXISTS (
			SELECT 1 FROM documents d
			WHERE d.tenant_id=req.tenant_id AND d.company_id=$3
			  AND d.doc_type=req.doc_type AND d.period=$4 AND d.deleted_at IS NULL
		  )
		ORDER BY req.doc_type
	`, tenant, companyType, companyID, period)
	if err != nil {
		log.Printf("missing requirements: query error: %v", err)
		httpx.Error(w, 500, "failed to list missing requirements")
		return
	}
	defer rows.Close()
	missing := []missingRequirement{}
	for rows.Next() {
		var m missingRequirement
		if err := rows.Scan(&m.RequirementID, &m.DocType, &m.PeriodType, &m.Title); err != nil {
			log.Printf("missing requirements: scan error: %v", err)
			continue
		}
		missing = append(missing, m)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"company_id": companyID,
		"period":     period,
		"missing":    missing,
	})
}
