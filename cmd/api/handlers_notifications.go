package main

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
)

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	page := httpx.ParsePage(r)
	args := []interface{}{tenant}
	query := `
		SELECT id, tenant_id, COALESCE(recipient_id,''), channel, severity, title, COALESCE(body,''),
		       COALESCE(entity_type,''), COALESCE(entity_id,''), read_at, created_at
		FROM notifications WHERE tenant_id=$1
	`
	if r.URL.Query().Get("unread") == "true" {
		query += ` AND read_at IS NULL`
	}
	args = append(args, page.Limit, page.Offset)
	query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		log.Printf("list notifications: query error: %v", err)
		httpx.Error(w, 500, "failed to list notifications")
		return
	}
	defer rows.Close()
	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.TenantID, &n.RecipientID, &n.Channel, &n.Severity, &n.Title, &n.Body,
			&n.EntityType, &n.EntityID, &n.ReadAt, &n.CreatedAt); err != nil {
			log.Printf("list notifications: scan error: %v", err)
			continue
		}
		notifications = append(notifications, n)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"notifications": notifications,
		"limit":         page.Limit,
		"offset":        page.Offset,
	})
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	notificationID := chi.URLParam(r, "notification_id")
	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE notifications SET read_at=$1 WHERE tenant_id=$2 AND id=$3 AND read_at IS NULL
	`, time.Now().UTC(), tenant, notificationID)
	if err != nil {
		log.Printf("mark notification read: exec error: %v", err)
		httpx.Error(w, 500, "failed to mark notification")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 404, "notification not found or already read")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "read", "id": notificationID})
}

func (s *Server) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE notifications SET read_at=$1 WHERE tenant_id=$2 AND read_at IS NULL
	`, time.Now().UTC(), tenant)
	if err != nil {
		log.Printf("mark all notifications read: exec error: %v", err)
		httpx.Error(w, 500, "failed to mark notifications")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"status": "read",
		"count":  cmd.RowsAffected(),
	})
}
