package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends immutable audit entries for entity mutations.
// Entries are never updated or deleted by the application.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Entry struct {
	ID          string
	Tenant      string
	ActorIDHash string
	EntityType  string
	EntityID    string
	Action      string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

func (w *Writer) Append(ctx context.Context, e Entry) error {
	if w.Redact {
		e.Payload = RedactPayload(e.Payload, w.HashSalt)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_entries
		(id, tenant_id, actor_id_hash, entity_type, entity_id, action, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.Tenant, e.ActorIDHash, e.EntityType, e.EntityID, e.Action, e.Payload, e.CreatedAt)
	return err
}

// ListByEntity returns the audit trail for one entity in chronological order.
func (w *Writer) ListByEntity(ctx context.Context, tenant, entityType, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, tenant_id, actor_id_hash, entity_type, entity_id, action, payload, created_at
		FROM audit_entries
		WHERE tenant_id=$1 AND entity_type=$2 AND entity_id=$3
		ORDER BY created_at ASC
		LIMIT $4
	`, tenant, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Tenant, &e.ActorIDHash, &e.EntityType, &e.EntityID, &e.Action, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (w *Writer) Get(ctx context.Context, id, tenant string) (Entry, error) {
	var e Entry
	row := w.DB.QueryRow(ctx, `
		SELECT id, tenant_id, actor_id_hash, entity_type, entity_id, action, payload, created_at
		FROM audit_entries WHERE tenant_id=$1 AND id=$2
	`, tenant, id)
	if err := row.Scan(&e.ID, &e.Tenant, &e.ActorIDHash, &e.EntityType, &e.EntityID, &e.Action, &e.Payload, &e.CreatedAt); err != nil {
		return e, err
	}
	return e, nil
}
