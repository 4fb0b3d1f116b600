package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
)

// Notification channels and severities.
const (
	ChannelInApp = "IN_APP"
	ChannelEmail = "EMAIL"

	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

type notifyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// BusWriter publishes outbound events to the message bus. It matches
// the kafka-go Writer surface so tests can fake it.
type BusWriter interface {
	WriteMessages(ctx context.Context, msgs ...BusMessage) error
}

type BusMessage struct {
	Key   []byte
	Value []byte
}

// Metrics is the subset of the metrics registry the service reports to.
type Metrics interface {
	IncNotifyOutcome(outcome string)
}

// Service fans a notification out to three sinks: the notifications
// table, the in-process stream hub, and the message bus. The DB insert
// is authoritative; hub and bus failures are logged and dropped.
type Service struct {
	DB      notifyDB
	Hub     *stream.Hub
	Bus     BusWriter
	Metrics Metrics
}

func (s *Service) Send(ctx context.Context, n models.Notification) (models.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Channel == "" {
		n.Channel = ChannelInApp
	}
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if s.DB != nil {
		_, err := s.DB.Exec(ctx, `
			INSERT INTO notifications
			(id, tenant_id, recipient_id, channel, severity, title, body, entity_type, entity_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, n.ID, n.TenantID, nullable(n.RecipientID), n.Channel, n.Severity, n.Title, n.Body, nullable(n.EntityType), nullable(n.EntityID), n.CreatedAt)
		if err != nil {
			s.count("db_error")
			return n, fmt.Errorf("insert notification: %w", err)
		}
	}
	if s.Hub != nil {
		s.Hub.Publish(stream.NewEvent(stream.EventNotificationCreated, n.TenantID, n))
	}
	if s.Bus != nil {
		payload, _ := json.Marshal(n)
		if err := s.Bus.WriteMessages(ctx, BusMessage{Key: []byte(n.TenantID), Value: payload}); err != nil {
			log.Printf("notification bus publish failed id=%s: %v", n.ID, err)
			s.count("bus_error")
			return n, nil
		}
	}
	s.count("sent")
	return n, nil
}

// RiskAlert implements the risk scorer's notifier hook.
func (s *Service) RiskAlert(ctx context.Context, tenant, companyID string, score int, severity string) error {
	sev := SeverityWarning
	if severity == "CRITICAL" {
		sev = SeverityCritical
	}
	_, err := s.Send(ctx, models.Notification{
		TenantID:   tenant,
		Channel:    ChannelInApp,
		Severity:   sev,
		Title:      fmt.Sprintf("Company risk is %s", severity),
		Body:       fmt.Sprintf("Risk score reached %d.", score),
		EntityType: "client_company",
		EntityID:   companyID,
	})
	return err
}

func (s *Service) count(outcome string) {
	if s.Metrics != nil {
		s.Metrics.IncNotifyOutcome(outcome)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
