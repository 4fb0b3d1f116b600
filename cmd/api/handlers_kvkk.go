package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
)

// kvkkTenant resolves the optional tenant filter for compliance
// endpoints. The KVKK roles are elevated, so the scope comes from the
// query/header rather than the principal.
func (s *Server) kvkkTenant(r *http.Request) (string, bool) {
	if tenant, ok := s.tenantScope(r.Context()); ok {
		return tenant, true
	}
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenant == "" {
		tenant = strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	}
	return tenant, tenant != ""
}

// handleKVKKExport exports all personal data held for a data subject.
// Subjects are identified by email; hashed identifiers cover the
// audit trail.
func (s *Server) handleKVKKExport(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.resolveComplianceActor(w, r, r.URL.Query().Get("requested_by"))
	if !ok {
		return
	}
	subject := strings.TrimSpace(r.URL.Query().Get("subject"))
	if subject == "" {
		httpx.Error(w, 400, "subject required")
		return
	}
	subjectHash := hashIdentity(subject)
	tenant, scoped := s.kvkkTenant(r)

	collect := func(query string, args []interface{}, cols []string) []map[string]interface{} {
		rows, err := s.DB.Query(r.Context(), query, args...)
		if err != nil {
			log.Printf("kvkk export: query error: %v", err)
			return nil
		}
		defer rows.Close()
		var out []map[string]interface{}
		for rows.Next() {
			values := make([]interface{}, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				log.Printf("kvkk export: scan error: %v", err)
				continue
			}
			row := map[string]interface{}{}
			for i, col := range cols {
				row[col] = values[i]
			}
			out = append(out, row)
		}
		return out
	}

	companyCols := []string{"id", "tenant_id", "name", "contact_email", "contact_phone", "created_at"}
	companyQuery := `
		SELECT id, tenant_id, name, COALESCE(contact_email,''), COALESCE(contact_phone,''), created_at
		FROM client_companies WHERE contact_email=$1
	`
	companyArgs := []interface{}{subject}
	if scoped {
		companyQuery += ` AND tenant_id=$2`
		companyArgs = append(companyArgs, tenant)
	}
	companies := collect(companyQuery+` ORDER BY created_at DESC LIMIT 1000`, companyArgs, companyCols)

	taskCols := []string{"id", "tenant_id", "title", "status", "due_date", "created_at"}
	taskQuery := `
		SELECT id, tenant_id, title, status, due_date, created_at
		FROM tasks WHERE assigned_to=$1
	`
	taskArgs := []interface{}{subject}
	if scoped {
		taskQuery += ` AND tenant_id=$2`
		taskArgs = append(taskArgs, tenant)
	}
	tasks := collect(taskQuery+` ORDER BY created_at DESC LIMIT 1000`, taskArgs, taskCols)

	notificationCols := []string{"id", "tenant_id", "title", "severity", "read_at", "created_at"}
	notificationQuery := `
		SELECT id, tenant_id, title, severity, read_at, created_at
		FROM notifications WHERE recipient_id=$1
	`
	notificationArgs := []interface{}{subject}
	if scoped {
		notificationQuery += ` AND tenant_id=$2`
		notificationArgs = append(notificationArgs, tenant)
	}
	notifications := collect(notificationQuery+` ORDER BY created_at DESC LIMIT 1000`, notificationArgs, notificationCols)

	auditCols := []string{"id", "tenant_id", "entity_type", "entity_id", "action", "created_at"}
	auditQuery := `
		SELECT id, tenant_id, entity_type, entity_id, action, created_at
		FROM audit_entries WHERE actor_id_hash=$1
	`
	auditArgs := []interface{}{subjectHash}
	if scoped {
		auditQuery += ` AND tenant_id=$2`
		auditArgs = append(auditArgs, tenant)
	}
	auditTrail := collect(auditQuery+` ORDER BY created_at DESC LIMIT 10000`, auditArgs, auditCols)

	exported := int64(len(companies) + len(tasks) + len(notifications) + len(auditTrail))
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO compliance_events (id, tenant_id, event_type, subject_hash, requested_by, reason, records_affected, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, newID(), nullIfEmpty(tenant), "KVKK_EXPORT", subjectHash, actor, "Subject data export", exported, time.Now().UTC())
	if err != nil {
		log.Printf("kvkk export: compliance_events insert error: %v", err)
		httpx.Error(w, 500, "failed to log compliance event")
		return
	}

	httpx.WriteJSON(w, 200, map[string]interface{}{
		"subject":      subject,
		"subject_hash": subjectHash,
		"requested_by": actor,
		"data": map[string]interface{}{
			"companies":     companies,
			"tasks":         tasks,
			"notifications": notifications,
			"audit_entries": auditTrail,
		},
	})
}

// handleKVKKErasure pseudonymizes personal data for a data subject.
// Audit entries and compliance events are append-only and stay intact;
// everything mutable is rewritten to the pseudonym.
func (s *Server) handleKVKKErasure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject     string `json:"subject"`
		RequestedBy string `json:"requested_by"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		httpx.Error(w, 400, "subject required")
		return
	}
	actor, ok := s.resolveComplianceActor(w, r, req.RequestedBy)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "KVKK erasure request"
	}

	subjectHash := hashIdentity(req.Subject)
	pseudonym := "REDACTED_" + subjectHash[:16]
	pseudonymEmail := pseudonym + "@redacted.invalid"
	immutableTables := []string{"audit_entries", "compliance_events"}
	tenant, scoped := s.kvkkTenant(r)
	affected := int64(0)

	type erasure struct {
		table string
		query string
		args  []interface{}
	}
	erasures := []erasure{
		{
			table: "client_companies",
			query: `
				UPDATE client_companies
				SET contact_email=$1, contact_phone=NULL, updated_at=$2
				WHERE contact_email=$3
			`,
			args: []interface{}{pseudonymEmail, time.Now().UTC(), req.Subject},
		},
		{
			table: "tasks",
			query: `UPDATE tasks SET assigned_to=$1 WHERE assigned_to=$2`,
			args:  []interface{}{pseudonym, req.Subject},
		},
		{
			table: "notifications",
			query: `UPDATE notifications SET recipient_id=$1 WHERE recipient_id=$2`,
			args:  []interface{}{pseudonym, req.Subject},
		},
	}
	for _, e := range erasures {
		query := e.query
		args := e.args
		if scoped {
			args = append(args, tenant)
			query = strings.TrimRight(strings.TrimSpace(query), "\n") + ` AND tenant_id=$` + itoa(len(args))
		}
		cmd, err := s.DB.Exec(r.Context(), query, args...)
		if err != nil {
			log.Printf("kvkk erasure: %s update error: %v", e.table, err)
			httpx.Error(w, 500, "failed to pseudonymize "+e.table)
			return
		}
		affected += cmd.RowsAffected()
	}

	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO compliance_events (id, tenant_id, event_type, subject_hash, requested_by, reason, records_affected, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, newID(), nullIfEmpty(tenant), "KVKK_ERASURE", pseudonym, actor,
		req.Reason+" | immutable=audit_entries,compliance_events", affected, time.Now().UTC())
	if err != nil {
		log.Printf("kvkk erasure: compliance_events insert error: %v", err)
		httpx.Error(w, 500, "failed to log compliance event")
		return
	}

	httpx.WriteJSON(w, 200, map[string]interface{}{
		"status":            "completed",
		"records_affected":  affected,
		"subject_pseudonym": pseudonym,
		"immutable_tables":  immutableTables,
	})
}

// handleKVKKAccessRequest records a logged subject access request.
func (s *Server) handleKVKKAccessRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject     string `json:"subject"`
		RequestedBy string `json:"requested_by"`
		Purpose     string `json:"purpose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		httpx.Error(w, 400, "subject required")
		return
	}
	actor, ok := s.resolveComplianceActor(w, r, req.RequestedBy)
	if !ok {
		return
	}
	if req.Purpose == "" {
		req.Purpose = "Subject access request"
	}
	subjectHash := hashIdentity(req.Subject)
	tenant, _ := s.kvkkTenant(r)

	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO compliance_events (id, tenant_id, event_type, subject_hash, requested_by, reason, records_affected, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7)
	`, newID(), nullIfEmpty(tenant), "SUBJECT_ACCESS_REQUEST", subjectHash, actor, req.Purpose, time.Now().UTC())
	if err != nil {
		log.Printf("kvkk access request: insert error: %v", err)
		httpx.Error(w, 500, "failed to log access request")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"status":       "logged",
		"subject_hash": subjectHash,
		"requested_by": actor,
	})
}

// runRetentionNow triggers one retention pass outside the schedule.
func (s *Server) runRetentionNow(w http.ResponseWriter, r *http.Request) {
	report, err := s.applyRetention(r.Context())
	if err != nil {
		log.Printf("retention run: %v", err)
		httpx.Error(w, 500, "retention run failed")
		return
	}
	httpx.WriteJSON(w, 200, report)
}

func (s *Server) listComplianceEvents(w http.ResponseWriter, r *http.Request) {
	page := httpx.ParsePage(r)
	tenant, scoped := s.kvkkTenant(r)
	query := `
		SELECT id, COALESCE(tenant_id,''), event_type, subject_hash, requested_by, COALESCE(reason,''), records_affected, created_at
		FROM compliance_events
	`
	args := []interface{}{}
	if scoped {
		args = append(args, tenant)
		query += ` WHERE tenant_id=$1`
	}
	args = append(args, page.Limit, page.Offset)
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		log.Printf("list compliance events: query error: %v", err)
		httpx.Error(w, 500, "failed to list compliance events")
		return
	}
	defer rows.Close()
	events := []models.ComplianceEvent{}
	for rows.Next() {
		var e models.ComplianceEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EventType, &e.SubjectHash, &e.RequestedBy,
			&e.Reason, &e.RecordsAffected, &e.CreatedAt); err != nil {
			log.Printf("list compliance events: scan error: %v", err)
			continue
		}
		events = append(events, e)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"events": events,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}
