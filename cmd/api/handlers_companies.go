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

type companyRequest struct {
	Name         string `json:"name"`
	TaxNumber    string `json:"tax_number"`
	TaxOffice    string `json:"tax_office"`
	CompanyType  string `json:"company_type"`
	Address      string `json:"address"`
	ContactEmail string `json:"contact_email"`
	ContactPhone string `json:"contact_phone"`
}

func validCompanyType(t string) bool {
	switch t {
	case "LIMITED", "ANONIM", "SOLE_PROPRIETOR", "COOPERATIVE", "OTHER":
		return true
	default:
		return false
	}
}

func (s *Server) createCompany(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req companyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		httpx.Error(w, 400, "name required")
		return
	}
	if !models.ValidTaxNumber(req.TaxNumber) {
		httpx.Error(w, 400, "tax_number must be a valid 10-digit VKN or 11-digit TCKN")
		return
	}
	if !validCompanyType(req.CompanyType) {
		httpx.Error(w, 400, "invalid company_type")
		return
	}
	sub, subErr := s.loadSubscription(r.Context(), tenant)
	enforceLimit := subErr == nil && sub.MaxCompanies > 0
	if enforceLimit {
		var count int
		if err := s.DB.QueryRow(r.Context(), `SELECT COUNT(*) FROM client_companies WHERE tenant_id=$1 AND active=true`, tenant).Scan(&count); err == nil && count >= sub.MaxCompanies {
			s.Metrics.IncUsageRejection("companies")
			httpx.Error(w, http.StatusPaymentRequired, "LIMIT_EXCEEDED: company limit reached for plan")
			return
		}
	}
	now := time.Now().UTC()
	company := models.ClientCompany{
		ID:           newID(),
		TenantID:     tenant,
		Name:         req.Name,
		TaxNumber:    req.TaxNumber,
		TaxOffice:    req.TaxOffice,
		CompanyType:  req.CompanyType,
		Address:      req.Address,
		ContactEmail: req.ContactEmail,
		ContactPhone: req.ContactPhone,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO client_companies
		(id, tenant_id, name, tax_number, tax_office, company_type, address, contact_email, contact_phone, risk_score, risk_severity, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,'LOW',true,$10,$10)
	`, company.ID, company.TenantID, company.Name, company.TaxNumber, nullIfEmpty(company.TaxOffice), company.CompanyType,
		nullIfEmpty(company.Address), nullIfEmpty(company.ContactEmail), nullIfEmpty(company.ContactPhone), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			httpx.Error(w, 409, "company with this tax number already exists")
			return
		}
		log.Printf("create company: insert error: %v", err)
		httpx.Error(w, 500, "failed to create company")
		return
	}
	// The pre-insert count races with concurrent creates; recount after
	// the insert and undo the overshoot.
	if enforceLimit {
		var count int
		if err := s.DB.QueryRow(r.Context(), `SELECT COUNT(*) FROM client_companies WHERE tenant_id=$1 AND active=true`, tenant).Scan(&count); err == nil && count > sub.MaxCompanies {
			if _, err := s.DB.Exec(r.Context(), `DELETE FROM client_companies WHERE tenant_id=$1 AND id=$2`, tenant, company.ID); err != nil {
				log.Printf("create company: limit rollback failed id=%s: %v", company.ID, err)
			}
			s.Metrics.IncUsageRejection("companies")
			httpx.Error(w, http.StatusPaymentRequired, "LIMIT_EXCEEDED: company limit reached for plan")
			return
		}
	}
	company.RiskSeverity = "LOW"
	s.appendAudit(r.Context(), tenant, "client_company", company.ID, "CREATE", company)
	httpx.WriteJSON(w, 201, company)
}

func (s *Server) listCompanies(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	page := httpx.ParsePage(r)
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	query := `
		SELECT id, tenant_id, name, tax_number, COALESCE(tax_office,''), company_type,
		       COALESCE(address,''), COALESCE(contact_email,''), COALESCE(contact_phone,''),
		       risk_score, COALESCE(risk_severity,''), active, created_at, updated_at, archived_at
		FROM client_companies WHERE tenant_id=$1
	`
	if !includeArchived {
		query += ` AND active=true`
	}
	query += ` ORDER BY name ASC LIMIT $2 OFFSET $3`
	rows, err := s.DB.Query(r.Context(), query, tenant, page.Limit, page.Offset)
	if err != nil {
		log.Printf("list companies: query error: %v", err)
		httpx.Error(w, 500, "failed to list companies")
		return
	}
	defer rows.Close()
	companies := []models.ClientCompany{}
	for rows.Next() {
		var c models.ClientCompany
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.TaxNumber, &c.TaxOffice, &c.CompanyType,
			&c.Address, &c.ContactEmail, &c.ContactPhone, &c.RiskScore, &c.RiskSeverity,
			&c.Active, &c.CreatedAt, &c.UpdatedAt, &c.ArchivedAt); err != nil {
			log.Printf("list companies: scan error: %v", err)
			continue
		}
		companies = append(companies, c)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"companies": companies,
		"limit":     page.Limit,
		"offset":    page.Offset,
	})
}

func (s *Server) getCompany(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	companyID := chi.URLParam(r, "company_id")
	var c models.ClientCompany
	err := s.DB.QueryRow(r.Context(), `
		SELECT id, tenant_id, name, tax_number, COALESCE(tax_office,''), company_type,
		       COALESCE(address,''), COALESCE(contact_email,''), COALESCE(contact_phone,''),
		       risk_score, COALESCE(risk_severity,''), active, created_at, updated_at, archived_at
		FROM client_companies WHERE tenant_id=$1 AND id=$2
	`, tenant, companyID).Scan(&c.ID, &c.TenantID, &c.Name, &c.TaxNumber, &c.TaxOffice, &c.CompanyType,
		&c.Address, &c.ContactEmail, &c.ContactPhone, &c.RiskScore, &c.RiskSeverity,
		&c.Active, &c.CreatedAt, &c.UpdatedAt, &c.ArchivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "company not found")
			return
		}
		log.Printf("get company: query error: %v", err)
		httpx.Error(w, 500, "failed to load company")
		return
	}
	httpx.WriteJSON(w, 200, c)
}

func (s *Server) updateCompany(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	companyID := chi.URLParam(r, "company_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req companyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		httpx.Error(w, 400, "name required")
		return
	}
	if !models.ValidTaxNumber(req.TaxNumber) {
		httpx.Error(w, 400, "tax_number must be a valid 10-digit VKN or 11-digit TCKN")
		return
	}
	if !validCompanyType(req.CompanyType) {
		httpx.Error(w, 400, "invalid company_type")
		return
	}
	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE client_companies
		SET name=$1, tax_number=$2, tax_office=$3, company_type=$4, address=$5,
		    contact_email=$6, contact_phone=$7, updated_at=$8
		WHERE tenant_id=$9 AND id=$10 AND active=true
	`, req.Name, req.TaxNumber, nullIfEmpty(req.TaxOffice), req.CompanyType, nullIfEmpty(req.Address),
		nullIfEmpty(req.ContactEmail), nullIfEmpty(req.ContactPhone), time.Now().UTC(), tenant, companyID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			httpx.Error(w, 409, "company with this tax number already exists")
			return
		}
		log.Printf("update company: exec error: %v", err)
		httpx.Error(w, 500, "failed to update company")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 404, "company not found")
		return
	}
	s.appendAudit(r.Context(), tenant, "client_company", companyID, "UPDATE", req)
	httpx.WriteJSON(w, 200, map[string]string{"status": "updated", "id": companyID})
}

// archiveCompany soft-deletes so historical invoices keep their owner.
func (s *Server) archiveCompany(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	companyID := chi.URLParam(r, "company_id")
	now := time.Now().UTC()
	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE client_companies SET active=false, archived_at=$1, updated_at=$1
		WHERE tenant_id=$2 AND id=$3 AND active=true
	`, now, tenant, companyID)
	if err != nil {
		log.Printf("archive company: exec error: %v", err)
		httpx.Error(w, 500, "failed to archive company")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 404, "company not found")
		return
	}
	s.appendAudit(r.Context(), tenant, "client_company", companyID, "ARCHIVE", nil)
	httpx.WriteJSON(w, 200, map[string]string{"status": "archived", "id": companyID})
}

// activeCompanyExists guards foreign references from handlers that
// attach records to a company.
func (s *Server) activeCompanyExists(r *http.Request, tenant, companyID string) (bool, error) {
	var one int
	err := s.DB.QueryRow(r.Context(), `
		SELECT 1 FROM client_companies WHERE tenant_id=$1 AND id=$2 AND active=true
	`, tenant, companyID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
