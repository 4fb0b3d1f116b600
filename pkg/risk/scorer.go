package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
)

type scorerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Notifier delivers a risk alert. Implementations must tolerate being
// called from the scoring path; errors are logged and swallowed there.
type Notifier interface {
	RiskAlert(ctx context.Context, tenant, companyID string, score int, severity string) error
}

// Scorer persists evaluation results and drives the alerting side
// effect. A notification failure never fails the score write.
type Scorer struct {
	DB       scorerDB
	Rules    *RuleService
	Engine   *Engine
	Notifier Notifier
}

// ScoreCompany evaluates a company against the tenant's enabled rules
// and records the result.
func (s *Scorer) ScoreCompany(ctx context.Context, tenant, companyID string, f CompanyFeatures) (Result, error) {
	rules, err := s.Rules.LoadEnabled(ctx, tenant)
	if err != nil {
		return Result{}, fmt.Errorf("load rules: %w", err)
	}
	res := s.Engine.EvaluateCompany(rules, f)
	if err := s.persist(ctx, tenant, companyID, "", res); err != nil {
		return Result{}, err
	}
	s.alert(ctx, tenant, companyID, res)
	return res, nil
}

// ScoreDocument evaluates one invoice/document. Document scores are
// recorded but do not overwrite the company's standing score.
func (s *Scorer) ScoreDocument(ctx context.Context, tenant, companyID, documentID string, f DocumentFeatures) (Result, error) {
	rules, err := s.Rules.LoadEnabled(ctx, tenant)
	if err != nil {
		return Result{}, fmt.Errorf("load rules: %w", err)
	}
	res := s.Engine.EvaluateDocument(rules, f)
	matched, _ := json.Marshal(res.Matched)
	now := time.Now().UTC()
	_, err = s.DB.Exec(ctx, `
		INSERT INTO risk_scores (id, tenant_id, company_id, document_id, score, severity, matched, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, uuid.NewString(), tenant, companyID, documentID, res.Score, res.Severity, matched, now)
	if err != nil {
		return Result{}, fmt.Errorf("persist document score: %w", err)
	}
	s.alert(ctx, tenant, companyID, res)
	return res, nil
}

func (s *Scorer) persist(ctx context.Context, tenant, companyID, documentID string, res Result) error {
	matched, _ := json.Marshal(res.Matched)
	now := time.Now().UTC()
	var docID any
	if documentID != "" {
		docID = documentID
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO risk_scores (id, tenant_id, company_id, document_id, score, severity, matched, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, uuid.NewString(), tenant, companyID, docID, res.Score, res.Severity, matched, now)
	if err != nil {
		return fmt.Errorf("persist score: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		UPDATE client_companies SET risk_score=$1, risk_severity=$2, updated_at=$3
		WHERE tenant_id=$4 AND id=$5
	`, res.Score, res.Severity, now, tenant, companyID)
	if err != nil {
		return fmt.Errorf("update company score: %w", err)
	}
	return nil
}

func (s *Scorer) alert(ctx context.Context, tenant, companyID string, res Result) {
	if res.Severity != SeverityHigh && res.Severity != SeverityCritical {
		return
	}
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.RiskAlert(ctx, tenant, companyID, res.Score, res.Severity); err != nil {
		log.Printf("risk alert failed tenant=%s company=%s: %v", tenant, companyID, err)
	}
}

// Trend returns the last-N score history for a company, oldest first,
// with the computed direction.
func (s *Scorer) Trend(ctx context.Context, tenant, companyID string, limit int) ([]models.RiskTrendPoint, string, error) {
	if limit <= 0 {
		limit = 12
	}
	if limit > 100 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT company_id, score, severity, created_at
		FROM risk_scores
		WHERE tenant_id=$1 AND company_id=$2 AND document_id IS NULL
		ORDER BY created_at DESC
		LIMIT $3
	`, tenant, companyID, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var points []models.RiskTrendPoint
	for rows.Next() {
		var p models.RiskTrendPoint
		if err := rows.Scan(&p.CompanyID, &p.Score, &p.Severity, &p.CreatedAt); err != nil {
			return nil, "", err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	// reverse to oldest-first
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, TrendDirection(points), nil
}
