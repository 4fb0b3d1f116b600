package main

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
)

const (
	integrationStatusUnverified = "UNVERIFIED"
	integrationStatusHealthy    = "HEALTHY"
	integrationStatusFailing    = "FAILING"
)

type integrationRequest struct {
	Provider string          `json:"provider"`
	Config   json.RawMessage `json:"config"`
	Secret   string          `json:"secret"`
	Enabled  *bool           `json:"enabled"`
}

func validIntegrationProvider(p string) bool {
	switch p {
	case "EFATURA", "EARSIV", "BANK_FEED", "GIB_PORTAL", "WEBHOOK":
		return true
	default:
		return false
	}
}

// hashSecret stores only a salted digest; the raw secret never hits
// the database.
func (s *Server) hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(s.SecretHashSalt + secret))
	return fmt.Sprintf("%x", sum[:])
}

func maskSecret(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func (s *Server) createIntegration(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req integrationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Provider = strings.ToUpper(strings.TrimSpace(req.Provider))
	if !validIntegrationProvider(req.Provider) {
		httpx.Error(w, 400, "invalid provider")
		return
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		httpx.Error(w, 400, "config must be valid json")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := time.Now().UTC()
	integration := models.TenantIntegration{
		ID:        newID(),
		TenantID:  tenant,
		Provider:  req.Provider,
		Config:    req.Config,
		Enabled:   enabled,
		Status:    integrationStatusUnverified,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var secretHash interface{}
	if req.Secret != "" {
		secretHash = s.hashSecret(req.Secret)
		integration.SecretMasked = maskSecret(req.Secret)
	}
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO tenant_integrations
		(id, tenant_id, provider, config, secret_hash, secret_masked, enabled, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	`, integration.ID, integration.TenantID, integration.Provider, nullJSON(integration.Config),
		secretHash, nullIfEmpty(integration.SecretMasked), integration.Enabled, integration.Status, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			httpx.Error(w, 409, "integration for this provider already exists")
			return
		}
		log.Printf("create integration: insert error: %v", err)
		httpx.Error(w, 500, "failed to create integration")
		return
	}
	s.appendAudit(r.Context(), tenant, "tenant_integration", integration.ID, "CREATE", map[string]interface{}{
		"provider": integration.Provider,
		"enabled":  integration.Enabled,
	})
	httpx.WriteJSON(w, 201, integration)
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (s *Server) listIntegrations(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	rows, err := s.DB.Query(r.Context(), `
		SELECT id, tenant_id, provider, COALESCE(config,'{}'::jsonb), COALESCE(secret_masked,''),
		       enabled, status, last_checked_at, created_at, updated_at
		FROM tenant_integrations WHERE tenant_id=$1 ORDER BY provider ASC
	`, tenant)
	if err != nil {
		log.Printf("list integrations: query error: %v", err)
		httpx.Error(w, 500, "failed to list integrations")
		return
	}
	defer rows.Close()
	integrations := []models.TenantIntegration{}
	for rows.Next() {
		var it models.TenantIntegration
		if err := rows.Scan(&it.ID, &it.TenantID, &it.Provider, &it.Config, &it.SecretMasked,
			&it.Enabled, &it.Status, &it.LastCheckedAt, &it.CreatedAt, &it.UpdatedAt); err != nil {
			log.Printf("list integrations: scan error: %v", err)
			continue
		}
		integrations = append(integrations, it)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"integrations": integrations})
}

func (s *Server) updateIntegration(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	integrationID := chi.URLParam(r, "integration_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req integrationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		httpx.Error(w, 400, "config must be valid json")
		return
	}
	now := time.Now().UTC()
	var cmd pgconn.CommandTag
	var err error
	if req.Secret != "" {
		cmd, err = s.DB.Exec(r.Context(), `
			UPDATE tenant_integrations
			SET config=COALESCE($1, config), secret_hash=$2, secret_masked=$3,
			    enabled=COALESCE($4, enabled), status=$5, updated_at=$6
			WHERE tenant_id=$7 AND id=$8
		`, nullJSON(req.Config), s.hashSecret(req.Secret), maskSecret(req.Secret),
			req.Enabled, integrationStatusUnverified, now, tenant, integrationID)
	} else {
		cmd, err = s.DB.Exec(r.Context(), `
			UPDATE tenant_integrations
			SET config=COALESCE($1, config), enabled=COALESCE($2, enabled), updated_at=$3
			WHERE tenant_id=$4 AND id=$5
		`, nullJSON(req.Config), req.Enabled, now, tenant, integrationID)
	}
	if err != nil {
		log.Printf("update integration: exec error: %v", err)
		httpx.Error(w, 500, "failed to update integration")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 404, "integration not found")
		return
	}
	s.appendAudit(r.Context(), tenant, "tenant_integration", integrationID, "UPDATE", map[string]interface{}{
		"secret_rotated": req.Secret != "",
	})
	httpx.WriteJSON(w, 200, map[string]string{"status": "updated", "id": integrationID})
}

func (s *Server) deleteIntegration(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	integrationID := chi.URLParam(r, "integration_id")
	cmd, err := s.DB.Exec(r.Context(), `
		DELETE FROM tenant_integrations WHERE tenant_id=$1 AND id=$2
	`, tenant, integrationID)
	if err != nil {
		log.Printf("delete integration: exec error: %v", err)
		httpx.Error(w, 500, "failed to delete integration")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 404, "integration not found")
		return
	}
	s.appendAudit(r.Context(), tenant, "tenant_integration", integrationID, "DELETE", nil)
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted", "id": integrationID})
}

// testIntegration probes the provider's health URL from the stored
// config and records the outcome on the row.
func (s *Server) testIntegration(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	integrationID := chi.URLParam(r, "integration_id")
	var provider string
	var config []byte
	var enabled bool
	err := s.DB.QueryRow(r.Context(), `
		SELECT provider, COALESCE(config,'{}'::jsonb), enabled
		FROM tenant_integrations WHERE tenant_id=$1 AND id=$2
	`, tenant, integrationID).Scan(&provider, &config, &enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "integration not found")
			return
		}
		log.Printf("test integration: query error: %v", err)
		httpx.Error(w, 500, "failed to load integration")
		return
	}
	if !enabled {
		httpx.Error(w, 409, "integration is disabled")
		return
	}
	var cfg struct {
		HealthURL string `json:"health_url"`
		BaseURL   string `json:"base_url"`
	}
	_ = json.Unmarshal(config, &cfg)
	target := cfg.HealthURL
	if target == "" && cfg.BaseURL != "" {
		target = strings.TrimRight(cfg.BaseURL, "/") + "/health"
	}
	if target == "" {
		httpx.Error(w, 400, "integration config has no health_url or base_url")
		return
	}
	if parsed, err := url.Parse(target); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		httpx.Error(w, 400, "invalid health url")
		return
	}
	code, _, err := httpx.RequestJSON(r.Context(), s.HTTPClient, http.MethodGet, target, nil, nil, 2, 200*time.Millisecond)
	now := time.Now().UTC()
	status := integrationStatusHealthy
	detail := ""
	if err != nil {
		status = integrationStatusFailing
		detail = err.Error()
	} else if code >= 400 {
		status = integrationStatusFailing
		detail = fmt.Sprintf("provider returned %d", code)
	}
	if _, err := s.DB.Exec(r.Context(), `
		UPDATE tenant_integrations SET status=$1, last_checked_at=$2, updated_at=$2
		WHERE tenant_id=$3 AND id=$4
	`, status, now, tenant, integrationID); err != nil {
		log.Printf("test integration: status update error: %v", err)
	}
	s.appendAudit(r.Context(), tenant, "tenant_integration", integrationID, "TEST", map[string]interface{}{
		"provider": provider,
		"status":   status,
	})
	resp := map[string]interface{}{
		"id":         integrationID,
		"provider":   provider,
		"status":     status,
		"checked_at": now.Format(time.RFC3339),
	}
	if detail != "" {
		resp["detail"] = detail
	}
	httpx.WriteJSON(w, 200, resp)
}
