package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/objstore"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/usage"
)

const (
	documentStatusPending  = "PENDING_UPLOAD"
	documentStatusUploaded = "UPLOADED"
)

type documentRequest struct {
	CompanyID     string `json:"company_id"`
	RequirementID string `json:"requirement_id"`
	Name          string `json:"name"`
	DocType       string `json:"doc_type"`
	Period        string `json:"period"`
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req documentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.DocType = strings.ToUpper(strings.TrimSpace(req.DocType))
	if req.CompanyID == "" || req.Name == "" || req.DocType == "" {
		httpx.Error(w, 400, "company_id, name and doc_type required")
		return
	}
	if req.Period != "" && !models.ValidPeriod(req.Period) {
		httpx.Error(w, 400, "period must be YYYY-MM")
		return
	}
	exists, err := s.activeCompanyExists(r, tenant, req.CompanyID)
	if err != nil {
		log.Printf("create document: company check error: %v", err)
		httpx.Error(w, 500, "failed to create document")
		return
	}
	if !exists {
		httpx.Error(w, 404, "company not found")
		return
	}
	if sub, err := s.loadSubscription(r.Context(), tenant); err == nil {
		if err := s.Usage.CheckAndIncr(r.Context(), tenant, usage.CounterDocuments, sub.MaxDocsPerMonth); err != nil {
			if errors.Is(err, usage.ErrLimitExceeded) {
				s.Metrics.IncUsageRejection(usage.CounterDocuments)
				httpx.Error(w, http.StatusPaymentRequired, "LIMIT_EXCEEDED: monthly document limit reached")
				return
			}
			log.Printf("create document: usage counter error: %v", err)
		}
	}
	now := time.Now().UTC()
	doc := models.Document{
		ID:            newID(),
		TenantID:      tenant,
		CompanyID:     req.CompanyID,
		RequirementID: req.RequirementID,
		Name:          req.Name,
		DocType:       req.DocType,
		Period:        req.Period,
		Status:        documentStatusPending,
		UploadedBy:    s.actorHash(r.Context()),
		CreatedAt:     now,
	}
	doc.StorageKey = tenant + "/" + doc.ID + "/" + doc.Name
	_, err = s.DB.Exec(r.Context(), `
		INSERT INTO documents
		(id, tenant_id, company_id, requirement_id, name, doc_type, period, storage_key, status, uploaded_by, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,$11)
	`, doc.ID, doc.TenantID, doc.CompanyID, nullIfEmpty(doc.RequirementID), doc.Name, doc.DocType,
		nullIfEmpty(doc.Period), doc.StorageKey, doc.Status, doc.UploadedBy, now)
	if err != nil {
		log.Printf("create document: insert error: %v", err)
		httpx.Error(w, 500, "failed to create document")
		return
	}
	s.appendAudit(r.Context(), tenant, "document", doc.ID, "CREATE", doc)
	httpx.WriteJSON(w, 201, doc)
}

func (s *Server) uploadDocumentContent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	documentID := chi.URLParam(r, "document_id")
	var storageKey, status string
	err := s.DB.QueryRow(r.Context(), `
		SELECT storage_key, status FROM documents
		WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL
	`, tenant, documentID).Scan(&storageKey, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "document not found")
			return
		}
		log.Printf("upload document: query error: %v", err)
		httpx.Error(w, 500, "failed to load document")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	counted := &countingReader{r: r.Body}
	if err := s.Storage.Put(r.Context(), storageKey, contentType, counted); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "document too large")
			return
		}
		log.Printf("upload document: storage error: %v", err)
		httpx.Error(w, 500, "failed to store document")
		return
	}
	_, err = s.DB.Exec(r.Context(), `
		UPDATE documents SET status=$1, content_type=$2, size_bytes=$3
		WHERE tenant_id=$4 AND id=$5
	`, documentStatusUploaded, contentType, counted.n, tenant, documentID)
	if err != nil {
		log.Printf("upload document: update error: %v", err)
		httpx.Error(w, 500, "failed to finalize upload")
		return
	}
	s.appendAudit(r.Context(), tenant, "document", documentID, "UPLOAD", map[string]interface{}{
		"content_type": contentType,
		"size_bytes":   counted.n,
	})
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventDocumentProcessed, tenant, map[string]interface{}{
			"document_id": documentID,
			"size_bytes":  counted.n,
		}))
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"status":     documentStatusUploaded,
		"id":         documentID,
		"size_bytes": counted.n,
	})
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *Server) downloadDocumentContent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	documentID := chi.URLParam(r, "document_id")
	var storageKey, name, status string
	err := s.DB.QueryRow(r.Context(), `
		SELECT storage_key, name, status FROM documents
		WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL
	`, tenant, documentID).Scan(&storageKey, &name, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "document not found")
			return
		}
		log.Printf("download document: query error: %v", err)
		httpx.Error(w, 500, "failed to load document")
		return
	}
	if status != documentStatusUploaded {
		httpx.Error(w, 409, "document has no content")
		return
	}
	body, contentType, err := s.Storage.Get(r.Context(), storageKey)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			httpx.Error(w, 404, "document content missing")
			return
		}
		log.Printf("download document: storage error: %v", err)
		httpx.Error(w, 500, "failed to read document")
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(200)
	if _, err := io.Copy(w, body); err != nil {
		log.Printf("download document: copy error: %v", err)
	}
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	page := httpx.ParsePage(r)
	args := []interface{}{tenant}
	query := `
		SELECT id, tenant_id, company_id, COALESCE(requirement_id,''), name, doc_type,
		       COALESCE(period,''), COALESCE(storage_key,''), COALESCE(content_type,''),
		       size_bytes, status, COALESCE(uploaded_by,''), created_at, deleted_at
		FROM documents WHERE tenant_id=$1 AND deleted_at IS NULL
	`
	if companyID := strings.TrimSpace(r.URL.Query().Get("company_id")); companyID != "" {
		args = append(args, companyID)
		query += ` AND company_id=$2`
	}
	if period := strings.TrimSpace(r.URL.Query().Get("period")); period != "" {
		args = append(args, period)
		query += ` AND period=$` + itoa(len(args))
	}
	args = append(args, page.Limit, page.Offset)
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		log.Printf("list documents: query error: %v", err)
		httpx.Error(w, 500, "failed to list documents")
		return
	}
	defer rows.Close()
	documents := []models.Document{}
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.TenantID, &d.CompanyID, &d.RequirementID, &d.Name, &d.DocType,
			&d.Period, &d.StorageKey, &d.ContentType, &d.SizeBytes, &d.Status, &d.UploadedBy,
			&d.CreatedAt, &d.DeletedAt); err != nil {
			log.Printf("list documents: scan error: %v", err)
			continue
		}
		documents = append(documents, d)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"documents": documents,
		"limit":     page.Limit,
		"offset":    page.Offset,
	})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	documentID := chi.URLParam(r, "document_id")
	var d models.Document
	err := s.DB.QueryRow(r.Context(), `
		SELECT id, tenant_id, company_id, COALESCE(requirement_id,''), name, doc_type,
		       COALESCE(period,''), COALESCE(storage_key,''), COALESCE(content_type,''),
		       size_bytes, status, COALESCE(uploaded_by,''), created_at, deleted_at
		FROM documents WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL
	`, tenant, documentID).Scan(&d.ID, &d.TenantID, &d.CompanyID, &d.RequirementID, &d.Name, &d.DocType,
		&d.Period, &d.StorageKey, &d.ContentType, &d.SizeBytes, &d.Status, &d.UploadedBy,
		&d.CreatedAt, &d.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "document not found")
			return
		}
		log.Printf("get document: query error: %v", err)
		httpx.Error(w, 500, "failed to load document")
		return
	}
	httpx.WriteJSON(w, 200, d)
}

// deleteDocument soft-deletes the row; blobs are removed right away,
// metadata is purged later by the retention loop.
func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	documentID := chi.URLParam(r, "document_id")
	var storageKey string
	err := s.DB.QueryRow(r.Context(), `
		SELECT COALESCE(storage_key,'') FROM documents
		WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL
	`, tenant, documentID).Scan(&storageKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "document not found")
			return
		}
		log.Printf("delete document: query error: %v", err)
		httpx.Error(w, 500, "failed to load document")
		return
	}
	_, err = s.DB.Exec(r.Context(), `
		UPDATE documents SET deleted_at=$1 WHERE tenant_id=$2 AND id=$3
	`, time.Now().UTC(), tenant, documentID)
	if err != nil {
		log.Printf("delete document: exec error: %v", err)
		httpx.Error(w, 500, "failed to delete document")
		return
	}
	if storageKey != "" {
		if err := s.Storage.Delete(r.Context(), storageKey); err != nil && !errors.Is(err, objstore.ErrNotFound) {
			log.Printf("delete document: storage delete failed key=%s: %v", storageKey, err)
		}
	}
	s.appendAudit(r.Context(), tenant, "document", documentID, "DELETE", nil)
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted", "id": documentID})
}
