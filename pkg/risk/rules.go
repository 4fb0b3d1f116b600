package risk

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
)

type rulesDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type cachedRules struct {
	rules     []models.RiskRule
	expiresAt time.Time
}

// RuleService loads enabled rules per tenant with a short TTL cache so
// bulk evaluations do not hit the database per company.
type RuleService struct {
	DB  rulesDB
	TTL time.Duration

	mu    sync.RWMutex
	cache map[string]cachedRules
}

func NewRuleService(db rulesDB, ttl time.Duration) *RuleService {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RuleService{DB: db, TTL: ttl, cache: map[string]cachedRules{}}
}

func (s *RuleService) LoadEnabled(ctx context.Context, tenant string) ([]models.RiskRule, error) {
	now := time.Now()
	s.mu.RLock()
	entry, ok := s.cache[tenant]
	s.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.rules, nil
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, code, category, COALESCE(description,''), weight, enabled, params, created_at, updated_at
		FROM risk_rules
		WHERE tenant_id=$1 AND enabled=true
		ORDER BY code ASC
	`, tenant)
	if err != nil {
		if ok {
			return entry.rules, nil
		}
		return nil, err
	}
	defer rows.Close()
	var rules []models.RiskRule
	for rows.Next() {
		var r models.RiskRule
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Code, &r.Category, &r.Description, &r.Weight, &r.Enabled, &r.Params, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[tenant] = cachedRules{rules: rules, expiresAt: now.Add(s.TTL)}
	s.mu.Unlock()
	return rules, nil
}

// Invalidate drops the cached rules for a tenant after a rule mutation.
func (s *RuleService) Invalidate(tenant string) {
	s.mu.Lock()
	delete(s.cache, tenant)
	s.mu.Unlock()
}
