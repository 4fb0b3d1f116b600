package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/notify"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
)

// feedSource is the inbound provider status feed. notify.FeedConsumer
// satisfies it in production.
type feedSource interface {
	ReadMessage(ctx context.Context) (notify.FeedMessage, error)
}

// feedEvent is one provider status message. Providers that only know
// their own reference omit invoice_id and set external_reference.
type feedEvent struct {
	TenantID          string `json:"tenant_id"`
	InvoiceID         string `json:"invoice_id"`
	ExternalReference string `json:"external_reference"`
	Status            string `json:"status"`
	Provider          string `json:"provider"`
}

// feedLoop consumes provider status events until the context is done.
// Bad messages are logged and dropped; the consumer group offset moves
// on so one poison message cannot wedge the feed.
func (s *Server) feedLoop(ctx context.Context) {
	for {
		msg, err := s.Feed.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("invoice feed: read error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := s.applyFeedEvent(ctx, msg.Value); err != nil {
			log.Printf("invoice feed: event dropped: %v", err)
		}
	}
}

func (s *Server) applyFeedEvent(ctx context.Context, payload []byte) error {
	var evt feedEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	evt.TenantID = strings.TrimSpace(evt.TenantID)
	evt.Status = strings.ToUpper(strings.TrimSpace(evt.Status))
	if evt.TenantID == "" {
		return errors.New("tenant_id required")
	}
	if evt.Status == "" {
		return errors.New("status required")
	}

	var id, companyID, status string
	var err error
	switch {
	case strings.TrimSpace(evt.InvoiceID) != "":
		err = s.DB.QueryRow(ctx, `
			SELECT id, company_id, status FROM invoices WHERE tenant_id=$1 AND id=$2
		`, evt.TenantID, evt.InvoiceID).Scan(&id, &companyID, &status)
	case strings.TrimSpace(evt.ExternalReference) != "":
		err = s.DB.QueryRow(ctx, `
			SELECT id, company_id, status FROM invoices WHERE tenant_id=$1 AND external_reference=$2
		`, evt.TenantID, evt.ExternalReference).Scan(&id, &companyID, &status)
	default:
		return errors.New("invoice_id or external_reference required")
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("invoice not found tenant=%s invoice=%s ref=%s", evt.TenantID, evt.InvoiceID, evt.ExternalReference)
	}
	if err != nil {
		return fmt.Errorf("load invoice: %w", err)
	}

	// Providers redeliver; a repeat of the current status is a no-op.
	if status == evt.Status {
		return nil
	}
	if !invoiceCanTransition(status, evt.Status) {
		return fmt.Errorf("invalid status transition %s -> %s invoice=%s", status, evt.Status, id)
	}
	cmd, err := s.DB.Exec(ctx, `
		UPDATE invoices SET status=$1, updated_at=$2
		WHERE tenant_id=$3 AND id=$4 AND status=$5
	`, evt.Status, time.Now().UTC(), evt.TenantID, id, status)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("invoice %s changed concurrently", id)
	}
	s.appendAudit(ctx, evt.TenantID, "invoice", id, "STATUS_"+evt.Status, map[string]string{
		"from":     status,
		"to":       evt.Status,
		"source":   "provider_feed",
		"provider": evt.Provider,
	})
	if s.Notify != nil {
		if _, err := s.Notify.Send(ctx, models.Notification{
			TenantID:   evt.TenantID,
			Channel:    notify.ChannelInApp,
			Severity:   notify.SeverityInfo,
			Title:      "Invoice status updated by provider",
			Body:       fmt.Sprintf("Invoice %s moved from %s to %s.", id, status, evt.Status),
			EntityType: "invoice",
			EntityID:   id,
		}); err != nil {
			log.Printf("invoice feed: notification failed invoice=%s: %v", id, err)
		}
	}
	if evt.Status == models.InvoiceStatusIssued && s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventInvoiceIssued, evt.TenantID, map[string]string{
			"invoice_id": id,
			"company_id": companyID,
		}))
	}
	return nil
}
