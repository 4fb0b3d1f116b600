package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/audit"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/metrics"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/notify"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/objstore"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/risk"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/usage"
)

type fakeAPIDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	execSQL    []string
	execArgs   [][]any
}

func (f *fakeAPIDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, arguments)
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeAPIDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeRows{}, nil
}

func (f *fakeAPIDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeRow{err: pgx.ErrNoRows}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.err != nil {
		return false
	}
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], current[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func assignScan(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *[]byte:
		v, ok := value.([]byte)
		if !ok {
			return errors.New("value is not []byte")
		}
		*d = append((*d)[:0], v...)
	case *json.RawMessage:
		if value == nil {
			*d = nil
			return nil
		}
		v, ok := value.([]byte)
		if !ok {
			return errors.New("value is not json raw")
		}
		*d = append((*d)[:0], v...)
	case *bool:
		v, ok := value.(bool)
		if !ok {
			return errors.New("value is not bool")
		}
		*d = v
	case *int:
		switch v := value.(type) {
		case int:
			*d = v
		case int32:
			*d = int(v)
		case int64:
			*d = int(v)
		default:
			return errors.New("value is not int")
		}
	case *int64:
		switch v := value.(type) {
		case int:
			*d = int64(v)
		case int64:
			*d = v
		default:
			return errors.New("value is not int64")
		}
	case *float64:
		switch v := value.(type) {
		case float64:
			*d = v
		case int:
			*d = float64(v)
		case int64:
			*d = float64(v)
		default:
			return errors.New("value is not float64")
		}
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time.Time")
		}
		*d = v
	case **time.Time:
		if value == nil {
			*d = nil
			return nil
		}
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not *time.Time")
		}
		tmp := v
		*d = &tmp
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

type fakeAudit struct {
	entries []audit.Entry
	err     error
}

func (f *fakeAudit) Append(ctx context.Context, e audit.Entry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) ListByEntity(ctx context.Context, tenant, entityType, entityID string, limit int) ([]audit.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []audit.Entry
	for _, e := range f.entries {
		if e.Tenant == tenant && e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAudit) Get(ctx context.Context, id, tenant string) (audit.Entry, error) {
	for _, e := range f.entries {
		if e.ID == id && e.Tenant == tenant {
			return e, nil
		}
	}
	return audit.Entry{}, pgx.ErrNoRows
}

func withURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// newTestServer builds a Server with auth off, in-memory storage and
// the fake DB shared across subsystems.
func newTestServer(t *testing.T, db *fakeAPIDB) *Server {
	t.Helper()
	disk, err := objstore.NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("disk storage: %v", err)
	}
	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	s := &Server{
		DB:              db,
		Metrics:         reg,
		Events:          hub,
		Audit:           &fakeAudit{},
		Usage:           usage.NewTracker(nil),
		Storage:         disk,
		AuthMode:        "off",
		SubscriptionTTL: time.Minute,
	}
	s.Rules = risk.NewRuleService(db, time.Minute)
	s.Notify = &notify.Service{DB: db, Hub: hub, Metrics: reg}
	s.Scorer = &risk.Scorer{
		DB:       db,
		Rules:    s.Rules,
		Engine:   &risk.Engine{Metrics: reg},
		Notifier: s.Notify,
	}
	return s
}
