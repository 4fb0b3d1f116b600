package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/checknote"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/notify"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
)

type checkNoteRequest struct {
	CompanyID   string `json:"company_id"`
	Kind        string `json:"kind"`
	SerialNo    string `json:"serial_no"`
	Bank        string `json:"bank"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	IssueDate   string `json:"issue_date"`
	DueDate     string `json:"due_date"`
}

func (s *Server) createCheckNote(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req checkNoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Kind = strings.ToUpper(strings.TrimSpace(req.Kind))
	req.SerialNo = strings.TrimSpace(req.SerialNo)
	if !checknote.ValidKind(req.Kind) {
		httpx.Error(w, 400, "kind must be CHECK or PROMISSORY_NOTE")
		return
	}
	if req.CompanyID == "" || req.SerialNo == "" {
		httpx.Error(w, 400, "company_id and serial_no required")
		return
	}
	if req.AmountCents <= 0 {
		httpx.Error(w, 400, "amount_cents must be positive")
		return
	}
	issueDate, err := time.Parse("2006-01-02", req.IssueDate)
	if err != nil {
		httpx.Error(w, 400, "issue_date must be YYYY-MM-DD")
		return
	}
	dueDate, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		httpx.Error(w, 400, "due_date must be YYYY-MM-DD")
		return
	}
	if dueDate.Before(issueDate) {
		httpx.Error(w, 400, "due_date before issue_date")
		return
	}
	if req.Currency == "" {
		req.Currency = "TRY"
	}
	req.Currency = strings.ToUpper(req.Currency)
	if len(req.Currency) != 3 {
		httpx.Error(w, 400, "currency must be a 3-letter code")
		return
	}
	exists, err := s.activeCompanyExists(r, tenant, req.CompanyID)
	if err != nil {
		log.Printf("create checknote: company check error: %v", err)
		httpx.Error(w, 500, "failed to create instrument")
		return
	}
	if !exists {
		httpx.Error(w, 404, "company not found")
		return
	}
	now := time.Now().UTC()
	note := models.CheckNote{
		ID:          newID(),
		TenantID:    tenant,
		CompanyID:   req.CompanyID,
		Kind:        req.Kind,
		SerialNo:    req.SerialNo,
		Bank:        req.Bank,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		IssueDate:   issueDate,
		DueDate:     dueDate,
		Status:      checknote.Issued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.DB.Exec(r.Context(), `
		INSERT INTO check_notes
		(id, tenant_id, company_id, kind, serial_no, bank, amount_cents, currency, issue_date, due_date, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
	`, note.ID, note.TenantID, note.CompanyID, note.Kind, note.SerialNo, nullIfEmpty(note.Bank),
		note.AmountCents, note.Currency, note.IssueDate, note.DueDate, note.Status, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			httpx.Error(w, 409, "serial_no already exists for this company")
			return
		}
		log.Printf("create checknote: insert error: %v", err)
		httpx.Error(w, 500, "failed to create instrument")
		return
	}
	s.Metrics.IncCheckNoteState(note.Status)
	s.appendAudit(r.Context(), tenant, "check_note", note.ID, "CREATE", note)
	httpx.WriteJSON(w, 201, note)
}

const checkNoteColumns = `
	SELECT id, tenant_id, company_id, kind, serial_no, COALESCE(bank,''), amount_cents,
	       currency, issue_date, due_date, status, created_at, updated_at
	FROM check_notes
`

func scanCheckNote(row pgx.Row) (models.CheckNote, error) {
	var n models.CheckNote
	err := row.Scan(&n.ID, &n.TenantID, &n.CompanyID, &n.Kind, &n.SerialNo, &n.Bank, &n.AmountCents,
		&n.Currency, &n.IssueDate, &n.DueDate, &n.Status, &n.CreatedAt, &n.UpdatedAt)
	return n, err
}

func (s *Server) listCheckNotes(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	page := httpx.ParsePage(r)
	args := []interface{}{tenant}
	query := checkNoteColumns + ` WHERE tenant_id=$1`
	if companyID := strings.TrimSpace(r.URL.Query().Get("company_id")); companyID != "" {
		args = append(args, companyID)
		query += ` AND company_id=$` + itoa(len(args))
	}
	if status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); status != "" {
		args = append(args, status)
		query += ` AND status=$` + itoa(len(args))
	}
	if r.URL.Query().Get("overdue") == "true" {
		args = append(args, time.Now().UTC())
		query += ` AND due_date < $` + itoa(len(args)) + ` AND status NOT IN ('CLEARED','PROTESTED')`
	}
	args = append(args, page.Limit, page.Offset)
	query += ` ORDER BY due_date ASC LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		log.Printf("list checknotes: query error: %v", err)
		httpx.Error(w, 500, "failed to list instruments")
		return
	}
	defer rows.Close()
	notes := []models.CheckNote{}
	for rows.Next() {
		n, err := scanCheckNote(rows)
		if err != nil {
			log.Printf("list checknotes: scan error: %v", err)
			continue
		}
		notes = append(notes, n)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"check_notes": notes,
		"limit":       page.Limit,
		"offset":      page.Offset,
	})
}

func (s *Server) getCheckNote(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	noteID := chi.URLParam(r, "checknote_id")
	n, err := scanCheckNote(s.DB.QueryRow(r.Context(), checkNoteColumns+` WHERE tenant_id=$1 AND id=$2`, tenant, noteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "instrument not found")
			return
		}
		log.Printf("get checknote: query error: %v", err)
		httpx.Error(w, 500, "failed to load instrument")
		return
	}
	httpx.WriteJSON(w, 200, n)
}

// transitionCheckNote applies one lifecycle event. CLEARED and PROTESTED
// are terminal; a BOUNCE triggers an in-app alert for the accountant.
func (s *Server) transitionCheckNote(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	noteID := chi.URLParam(r, "checknote_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	event := checknote.Event(strings.ToUpper(strings.TrimSpace(req.Event)))
	n, err := scanCheckNote(s.DB.QueryRow(r.Context(), checkNoteColumns+` WHERE tenant_id=$1 AND id=$2`, tenant, noteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "instrument not found")
			return
		}
		log.Printf("transition checknote: query error: %v", err)
		httpx.Error(w, 500, "failed to load instrument")
		return
	}
	next, err := checknote.Next(n.Status, event)
	if err != nil {
		httpx.Error(w, 409, "invalid transition "+n.Status+" on "+string(event))
		return
	}
	now := time.Now().UTC()
	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE check_notes SET status=$1, updated_at=$2
		WHERE tenant_id=$3 AND id=$4 AND status=$5
	`, next, now, tenant, noteID, n.Status)
	if err != nil {
		log.Printf("transition checknote: exec error: %v", err)
		httpx.Error(w, 500, "failed to update instrument")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 409, "instrument changed concurrently")
		return
	}
	s.Metrics.IncCheckNoteState(next)
	s.appendAudit(r.Context(), tenant, "check_note", noteID, string(event), map[string]string{
		"from": n.Status,
		"to":   next,
	})
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventCheckNoteTransition, tenant, map[string]interface{}{
			"note_id": noteID,
			"kind":    n.Kind,
			"from":    n.Status,
			"to":      next,
		}))
	}
	if next == checknote.Bounced && s.Notify != nil {
		_, err := s.Notify.Send(r.Context(), models.Notification{
			TenantID:   tenant,
			Severity:   notify.SeverityWarning,
			Title:      "Instrument bounced",
			Body:       n.Kind + " " + n.SerialNo + " bounced",
			EntityType: "check_note",
			EntityID:   noteID,
		})
		if err != nil {
			log.Printf("transition checknote: bounce notification failed: %v", err)
		}
	}
	n.Status = next
	n.UpdatedAt = now
	httpx.WriteJSON(w, 200, n)
}
