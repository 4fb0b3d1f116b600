package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestCreateUploadDownloadDocument(t *testing.T) {
	db := companyExistsDB()
	s := newTestServer(t, db)

	// create
	req := httptest.NewRequest("POST", "/v1/documents?tenant_id=t1",
		strings.NewReader(`{"company_id":"c1","name":"kdv-beyanname.pdf","doc_type":"vat_return","period":"2026-03"}`))
	w := httptest.NewRecorder()
	s.createDocument(w, req)
	if w.Code != 201 {
		t.Fatalf("create: expected 201, got %d body=%s", w.Code, w.Body.String())
	}
	var doc struct {
		ID         string `json:"id"`
		StorageKey string `json:"storage_key"`
		Status     string `json:"status"`
		DocType    string `json:"doc_type"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if doc.Status != "PENDING_UPLOAD" {
		t.Fatalf("expected PENDING_UPLOAD, got %s", doc.Status)
	}
	if doc.DocType != "VAT_RETURN" {
		t.Fatalf("expected uppercased doc_type, got %s", doc.DocType)
	}
	if !strings.HasPrefix(doc.StorageKey, "t1/"+doc.ID+"/") {
		t.Fatalf("unexpected storage key: %s", doc.StorageKey)
	}

	// upload
	content := "fake pdf bytes"
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		if strings.Contains(sql, "SELECT storage_key, status FROM documents") {
			return fakeRow{values: []any{doc.StorageKey, "PENDING_UPLOAD"}}
		}
		if strings.Contains(sql, "SELECT storage_key, name, status FROM documents") {
			return fakeRow{values: []any{doc.StorageKey, "kdv-beyanname.pdf", "UPLOADED"}}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	req = httptest.NewRequest("PUT", "/v1/documents/"+doc.ID+"/content?tenant_id=t1", strings.NewReader(content))
	req.Header.Set("Content-Type", "application/pdf")
	req = withURLParams(req, map[string]string{"document_id": doc.ID})
	w = httptest.NewRecorder()
	s.uploadDocumentContent(w, req)
	if w.Code != 200 {
		t.Fatalf("upload: expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	var uploaded struct {
		SizeBytes int64 `json:"size_bytes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &uploaded); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if uploaded.SizeBytes != int64(len(content)) {
		t.Fatalf("expected %d bytes, got %d", len(content), uploaded.SizeBytes)
	}

	// download
	req = httptest.NewRequest("GET", "/v1/documents/"+doc.ID+"/content?tenant_id=t1", nil)
	req = withURLParams(req, map[string]string{"document_id": doc.ID})
	w = httptest.NewRecorder()
	s.downloadDocumentContent(w, req)
	if w.Code != 200 {
		t.Fatalf("download: expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != content {
		t.Fatalf("content mismatch: %q", w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("expected application/pdf, got %s", got)
	}
	if got := w.Header().Get("Content-Disposition"); !strings.Contains(got, "kdv-beyanname.pdf") {
		t.Fatalf("expected filename in disposition, got %s", got)
	}
}

func TestCreateDocumentMonthlyLimit(t *testing.T) {
	db := &fakeAPIDB{}
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		if strings.Contains(sql, "SELECT 1 FROM client_companies") {
			return fakeRow{values: []any{1}}
		}
		if strings.Contains(sql, "FROM subscriptions") {
			return subscriptionRow(10, 5, 1, 1000)
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(t, db)

	body := `{"company_id":"c1","name":"doc.pdf","doc_type":"INVOICE"}`
	req := httptest.NewRequest("POST", "/v1/documents?tenant_id=t1", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.createDocument(w, req)
	if w.Code != 201 {
		t.Fatalf("first document should pass, got %d body=%s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("POST", "/v1/documents?tenant_id=t1", strings.NewReader(body))
	w = httptest.NewRecorder()
	s.createDocument(w, req)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 past the monthly cap, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "LIMIT_EXCEEDED") {
		t.Fatalf("expected LIMIT_EXCEEDED, got %s", w.Body.String())
	}
}

func TestCreateDocumentBadPeriod(t *testing.T) {
	db := &fakeAPIDB{}
	s := newTestServer(t, db)

	req := httptest.NewRequest("POST", "/v1/documents?tenant_id=t1",
		strings.NewReader(`{"company_id":"c1","name":"doc.pdf","doc_type":"INVOICE","period":"March 2026"}`))
	w := httptest.NewRecorder()
	s.createDocument(w, req)
	if w.Code != 400 {
		t.Fatalf("expected 400 for bad period, got %d", w.Code)
	}
}

func TestDownloadDocumentWithoutContent(t *testing.T) {
	db := &fakeAPIDB{}
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		if strings.Contains(sql, "SELECT storage_key, name, status FROM documents") {
			return fakeRow{values: []any{"t1/doc1/x.pdf", "x.pdf", "PENDING_UPLOAD"}}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(t, db)

	req := httptest.NewRequest("GET", "/v1/documents/doc1/content?tenant_id=t1", nil)
	req = withURLParams(req, map[string]string{"document_id": "doc1"})
	w := httptest.NewRecorder()
	s.downloadDocumentContent(w, req)
	if w.Code != 409 {
		t.Fatalf("expected 409 before upload, got %d", w.Code)
	}
}

func TestDeleteDocumentSoftDeletes(t *testing.T) {
	db := &fakeAPIDB{}
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		if strings.Contains(sql, "FROM documents") {
			return fakeRow{values: []any{"t1/doc1/x.pdf"}}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(t, db)

	req := httptest.NewRequest("DELETE", "/v1/documents/doc1?tenant_id=t1", nil)
	req = withURLParams(req, map[string]string{"document_id": "doc1"})
	w := httptest.NewRecorder()
	s.deleteDocument(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	found := false
	for _, sql := range db.execSQL {
		if strings.Contains(sql, "SET deleted_at=") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected soft delete update, not a hard DELETE")
	}
}
