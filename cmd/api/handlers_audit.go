package main

import (
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
)

// getAuditTrail returns the chronological audit history of one entity.
func (s *Server) getAuditTrail(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	entityType := chi.URLParam(r, "entity_type")
	entityID := chi.URLParam(r, "entity_id")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	entries, err := s.Audit.ListByEntity(r.Context(), tenant, entityType, entityID, limit)
	if err != nil {
		log.Printf("audit trail: query error: %v", err)
		httpx.Error(w, 500, "failed to load audit trail")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"entity_type": entityType,
		"entity_id":   entityID,
		"entries":     entries,
	})
}
