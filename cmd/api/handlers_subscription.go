package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/tax"
)

func validSubscriptionPlan(p string) bool {
	switch p {
	case "FREE", "STARTER", "PROFESSIONAL", "ENTERPRISE":
		return true
	default:
		return false
	}
}

func validSubscriptionStatus(s string) bool {
	switch s {
	case "ACTIVE", "PAST_DUE", "SUSPENDED", "CANCELLED":
		return true
	default:
		return false
	}
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	sub, err := s.loadSubscription(r.Context(), tenant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "no subscription for tenant")
			return
		}
		log.Printf("get subscription: query error: %v", err)
		httpx.Error(w, 500, "failed to load subscription")
		return
	}
	httpx.WriteJSON(w, 200, sub)
}

type subscriptionRequest struct {
	Plan             string `json:"plan"`
	Status           string `json:"status"`
	MaxCompanies     int    `json:"max_companies"`
	MaxUsers         int    `json:"max_users"`
	MaxDocsPerMonth  int    `json:"max_docs_per_month"`
	MaxCallsPerMonth int    `json:"max_calls_per_month"`
	ExpiresAt        string `json:"expires_at"`
}

// putSubscription upserts the tenant's plan. Platform-only; the tenant
// is always taken from the query/header since platform admins are
// unscoped.
func (s *Server) putSubscription(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req subscriptionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Plan = strings.ToUpper(strings.TrimSpace(req.Plan))
	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	if !validSubscriptionPlan(req.Plan) {
		httpx.Error(w, 400, "invalid plan")
		return
	}
	if req.Status == "" {
		req.Status = "ACTIVE"
	}
	if !validSubscriptionStatus(req.Status) {
		httpx.Error(w, 400, "invalid status")
		return
	}
	if req.MaxCompanies < 0 || req.MaxUsers < 0 || req.MaxDocsPerMonth < 0 || req.MaxCallsPerMonth < 0 {
		httpx.Error(w, 400, "limits must not be negative")
		return
	}
	now := time.Now().UTC()
	expiresAt := now.AddDate(1, 0, 0)
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			httpx.Error(w, 400, "expires_at must be RFC3339")
			return
		}
		expiresAt = parsed
	}
	sub := models.Subscription{
		TenantID:         tenant,
		Plan:             req.Plan,
		Status:           req.Status,
		MaxCompanies:     req.MaxCompanies,
		MaxUsers:         req.MaxUsers,
		MaxDocsPerMonth:  req.MaxDocsPerMonth,
		MaxCallsPerMonth: req.MaxCallsPerMonth,
		RenewedAt:        now,
		ExpiresAt:        expiresAt,
	}
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO subscriptions
		(tenant_id, plan, status, max_companies, max_users, max_docs_per_month, max_calls_per_month, renewed_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan=EXCLUDED.plan, status=EXCLUDED.status,
			max_companies=EXCLUDED.max_companies, max_users=EXCLUDED.max_users,
			max_docs_per_month=EXCLUDED.max_docs_per_month, max_calls_per_month=EXCLUDED.max_calls_per_month,
			renewed_at=EXCLUDED.renewed_at, expires_at=EXCLUDED.expires_at
	`, sub.TenantID, sub.Plan, sub.Status, sub.MaxCompanies, sub.MaxUsers,
		sub.MaxDocsPerMonth, sub.MaxCallsPerMonth, sub.RenewedAt, sub.ExpiresAt)
	if err != nil {
		log.Printf("put subscription: exec error: %v", err)
		httpx.Error(w, 500, "failed to save subscription")
		return
	}
	s.invalidateSubscription(r.Context(), tenant)
	s.appendAudit(r.Context(), tenant, "subscription", tenant, "UPSERT", sub)
	httpx.WriteJSON(w, 200, sub)
}

func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	if period == "" {
		period = tax.PeriodOf(time.Now())
	}
	if !models.ValidPeriod(period) {
		httpx.Error(w, 400, "period must be YYYY-MM")
		return
	}
	sub, err := s.loadSubscription(r.Context(), tenant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "no subscription for tenant")
			return
		}
		log.Printf("get usage: subscription error: %v", err)
		httpx.Error(w, 500, "failed to load subscription")
		return
	}
	var companies int
	if err := s.DB.QueryRow(r.Context(), `
		SELECT COUNT(*) FROM client_companies WHERE tenant_id=$1 AND active=true
	`, tenant).Scan(&companies); err != nil {
		log.Printf("get usage: company count error: %v", err)
	}
	var users int
	if err := s.DB.QueryRow(r.Context(), `
		SELECT COUNT(DISTINCT assigned_to) FROM tasks WHERE tenant_id=$1 AND assigned_to IS NOT NULL
	`, tenant).Scan(&users); err != nil {
		log.Printf("get usage: user count error: %v", err)
	}
	snap, err := s.Usage.Snapshot(r.Context(), sub, period, companies, users)
	if err != nil {
		log.Printf("get usage: snapshot error: %v", err)
		httpx.Error(w, 500, "failed to compute usage")
		return
	}
	httpx.WriteJSON(w, 200, snap)
}
