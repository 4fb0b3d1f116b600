package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
)

func taskRow(id, status string, due any) []any {
	now := time.Now().UTC()
	return []any{
		id, "t1", "c1", "close the books", "", status, "MEDIUM", "user-7", due, nil, now, now,
	}
}

func TestTaskCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{"OPEN", "IN_PROGRESS", true},
		{"OPEN", "DONE", true},
		{"IN_PROGRESS", "DONE", true},
		{"IN_PROGRESS", "CANCELLED", true},
		{"DONE", "OPEN", false},
		{"CANCELLED", "IN_PROGRESS", false},
		{"IN_PROGRESS", "OPEN", false},
	}
	for _, tc := range cases {
		if got := taskCanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestCreateTaskPublishesAssignment(t *testing.T) {
	db := &fakeAPIDB{}
	s := newTestServer(t, db)
	sub := s.Events.Subscribe("t1", 8)
	defer s.Events.Unsubscribe(sub)

	req := httptest.NewRequest("POST", "/v1/tasks?tenant_id=t1",
		strings.NewReader(`{"title":"file VAT return","assigned_to":"user-7","due_date":"2026-09-26"}`))
	w := httptest.NewRecorder()
	s.createTask(w, req)
	if w.Code != 201 {
		t.Fatalf("expected 201, got %d body=%s", w.Code, w.Body.String())
	}
	select {
	case evt := <-sub:
		if evt.Type != stream.EventTaskAssigned {
			t.Fatalf("expected %s event, got %s", stream.EventTaskAssigned, evt.Type)
		}
	default:
		t.Fatal("expected task.assigned event on the hub")
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	db := &fakeAPIDB{}
	s := newTestServer(t, db)

	req := httptest.NewRequest("POST", "/v1/tasks?tenant_id=t1", strings.NewReader(`{"title":"  "}`))
	w := httptest.NewRecorder()
	s.createTask(w, req)
	if w.Code != 400 {
		t.Fatalf("expected 400 without title, got %d", w.Code)
	}
}

func TestCreateTaskUnknownCompany(t *testing.T) {
	db := &fakeAPIDB{}
	s := newTestServer(t, db)

	req := httptest.NewRequest("POST", "/v1/tasks?tenant_id=t1",
		strings.NewReader(`{"title":"reconcile","company_id":"c-missing"}`))
	w := httptest.NewRecorder()
	s.createTask(w, req)
	if w.Code != 404 {
		t.Fatalf("expected 404 for unknown company, got %d", w.Code)
	}
}

func TestUpdateTaskDoneSetsCompletedAt(t *testing.T) {
	db := &fakeAPIDB{}
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		if strings.Contains(sql, "FROM tasks") {
			return fakeRow{values: taskRow("task1", "IN_PROGRESS", nil)}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(t, db)

	req := httptest.NewRequest("PUT", "/v1/tasks/task1?tenant_id=t1",
		strings.NewReader(`{"status":"DONE"}`))
	req = withURLParams(req, map[string]string{"task_id": "task1"})
	w := httptest.NewRecorder()
	s.updateTask(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	var update []any
	for i, sql := range db.execSQL {
		if strings.Contains(sql, "UPDATE tasks") {
			update = db.execArgs[i]
		}
	}
	if update == nil {
		t.Fatal("expected an UPDATE tasks exec")
	}
	// completed_at is $7
	if update[6] == nil {
		t.Fatal("expected completed_at to be set on DONE")
	}
	if update[2] != "DONE" {
		t.Fatalf("expected status DONE, got %v", update[2])
	}
}

func TestUpdateTaskInvalidTransition(t *testing.T) {
	db := &fakeAPIDB{}
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		if strings.Contains(sql, "FROM tasks") {
			return fakeRow{values: taskRow("task1", "DONE", nil)}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(t, db)

	req := httptest.NewRequest("PUT", "/v1/tasks/task1?tenant_id=t1",
		strings.NewReader(`{"status":"OPEN"}`))
	req = withURLParams(req, map[string]string{"task_id": "task1"})
	w := httptest.NewRecorder()
	s.updateTask(w, req)
	if w.Code != 409 {
		t.Fatalf("expected 409 for DONE -> OPEN, got %d", w.Code)
	}
}

func TestDeleteTaskInProgressRejected(t *testing.T) {
	db := &fakeAPIDB{}
	db.execFn = func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("DELETE 0"), nil
	}
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		if strings.Contains(sql, "SELECT 1 FROM tasks") {
			return fakeRow{values: []any{1}}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(t, db)

	req := httptest.NewRequest("DELETE", "/v1/tasks/task1?tenant_id=t1", nil)
	req = withURLParams(req, map[string]string{"task_id": "task1"})
	w := httptest.NewRecorder()
	s.deleteTask(w, req)
	if w.Code != 409 {
		t.Fatalf("expected 409 for non-deletable task, got %d", w.Code)
	}
}

func TestDeleteTaskNotFound(t *testing.T) {
	db := &fakeAPIDB{}
	db.execFn = func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("DELETE 0"), nil
	}
	s := newTestServer(t, db)

	req := httptest.NewRequest("DELETE", "/v1/tasks/task-missing?tenant_id=t1", nil)
	req = withURLParams(req, map[string]string{"task_id": "task-missing"})
	w := httptest.NewRecorder()
	s.deleteTask(w, req)
	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListOverdueTasks(t *testing.T) {
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	db := &fakeAPIDB{
		queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			if !strings.Contains(sql, "due_date <") {
				t.Errorf("expected overdue filter in query: %s", sql)
			}
			return &fakeRows{rows: [][]any{taskRow("task1", "OPEN", yesterday)}}, nil
		},
	}
	s := newTestServer(t, db)

	req := httptest.NewRequest("GET", "/v1/tasks/overdue?tenant_id=t1", nil)
	w := httptest.NewRecorder()
	s.listOverdueTasks(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "task1") {
		t.Fatalf("expected overdue task in response: %s", w.Body.String())
	}
}
