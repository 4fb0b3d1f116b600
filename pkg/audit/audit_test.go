package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	sql  []string
	args [][]any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	return pgconn.NewCommandTag("INSERT 1"), nil
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	return nil, pgx.ErrNoRows
}

func TestAppendSetsCreatedAt(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}

	err := w.Append(context.Background(), Entry{
		ID:         "a1",
		Tenant:     "t1",
		EntityType: "invoice",
		EntityID:   "inv1",
		Action:     "CREATE",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(db.args) != 1 {
		t.Fatalf("execs: %d", len(db.args))
	}
	createdAt, ok := db.args[0][7].(time.Time)
	if !ok || createdAt.IsZero() {
		t.Fatalf("created_at not defaulted: %v", db.args[0][7])
	}
	if !strings.Contains(db.sql[0], "INSERT INTO audit_entries") {
		t.Fatalf("sql: %s", db.sql[0])
	}
}

func TestAppendRedactsWhenEnabled(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, Redact: true, HashSalt: []byte("salt")}

	payload, _ := json.Marshal(map[string]string{
		"email": "ali@ornek.example",
		"name":  "Acme Ltd",
	})
	if err := w.Append(context.Background(), Entry{ID: "a1", Tenant: "t1", Payload: payload}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	stored := db.args[0][6].(json.RawMessage)
	if strings.Contains(string(stored), "ali@ornek.example") {
		t.Fatalf("email leaked into audit payload: %s", stored)
	}
	if !strings.Contains(string(stored), "Acme Ltd") {
		t.Fatalf("non-sensitive field lost: %s", stored)
	}
}

func TestAppendKeepsRawPayloadWhenRedactionOff(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, Redact: false}

	payload := json.RawMessage(`{"email":"ali@ornek.example"}`)
	if err := w.Append(context.Background(), Entry{ID: "a1", Tenant: "t1", Payload: payload}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if string(db.args[0][6].(json.RawMessage)) != string(payload) {
		t.Fatalf("payload modified with redaction off: %s", db.args[0][6])
	}
}

func TestListByEntityBoundsLimit(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}

	_, _ = w.ListByEntity(context.Background(), "t1", "invoice", "inv1", 0)
	if got := db.args[0][3].(int); got != 100 {
		t.Fatalf("default limit = %d", got)
	}
	_, _ = w.ListByEntity(context.Background(), "t1", "invoice", "inv1", 9999)
	if got := db.args[1][3].(int); got != 100 {
		t.Fatalf("oversized limit = %d", got)
	}
	_, _ = w.ListByEntity(context.Background(), "t1", "invoice", "inv1", 25)
	if got := db.args[2][3].(int); got != 25 {
		t.Fatalf("explicit limit = %d", got)
	}
}
