package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/metrics"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
)

type fakeNotifyDB struct {
	sql  []string
	args [][]any
	err  error
}

func (f *fakeNotifyDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 1"), nil
}

type fakeBus struct {
	messages []BusMessage
	err      error
}

func (f *fakeBus) WriteMessages(ctx context.Context, msgs ...BusMessage) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func TestSendDefaultsAndPersists(t *testing.T) {
	db := &fakeNotifyDB{}
	reg := metrics.NewRegistry()
	svc := &Service{DB: db, Metrics: reg}

	n, err := svc.Send(context.Background(), models.Notification{
		TenantID: "t1",
		Title:    "Vergi beyani gecikti",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n.ID == "" {
		t.Fatal("expected generated id")
	}
	if n.Channel != ChannelInApp || n.Severity != SeverityInfo {
		t.Fatalf("defaults: channel=%s severity=%s", n.Channel, n.Severity)
	}
	if n.CreatedAt.IsZero() {
		t.Fatal("expected created_at set")
	}
	if len(db.sql) != 1 || !strings.Contains(db.sql[0], "INSERT INTO notifications") {
		t.Fatalf("db writes: %v", db.sql)
	}
	if got := reg.Snapshot().NotifyOutcomes["sent"]; got != 1 {
		t.Fatalf("sent outcome = %d", got)
	}
}

func TestSendDBErrorIsAuthoritative(t *testing.T) {
	db := &fakeNotifyDB{err: errors.New("constraint violation")}
	hub := stream.NewHub()
	sub := hub.Subscribe("t1", 4)
	reg := metrics.NewRegistry()
	svc := &Service{DB: db, Hub: hub, Metrics: reg}

	if _, err := svc.Send(context.Background(), models.Notification{TenantID: "t1", Title: "x"}); err == nil {
		t.Fatal("expected db error to propagate")
	}
	if len(sub) != 0 {
		t.Fatal("hub must not see a notification the db rejected")
	}
	if got := reg.Snapshot().NotifyOutcomes["db_error"]; got != 1 {
		t.Fatalf("db_error outcome = %d", got)
	}
}

func TestSendPublishesToHubAndBus(t *testing.T) {
	db := &fakeNotifyDB{}
	hub := stream.NewHub()
	sub := hub.Subscribe("t1", 4)
	bus := &fakeBus{}
	svc := &Service{DB: db, Hub: hub, Bus: bus}

	if _, err := svc.Send(context.Background(), models.Notification{TenantID: "t1", Title: "Cek karsiliksiz"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case evt := <-sub:
		if evt.Type != stream.EventNotificationCreated {
			t.Fatalf("event type = %s", evt.Type)
		}
	default:
		t.Fatal("expected hub event")
	}
	if len(bus.messages) != 1 || string(bus.messages[0].Key) != "t1" {
		t.Fatalf("bus messages: %+v", bus.messages)
	}
}

func TestSendBusFailureIsSwallowed(t *testing.T) {
	db := &fakeNotifyDB{}
	bus := &fakeBus{err: errors.New("broker unreachable")}
	reg := metrics.NewRegistry()
	svc := &Service{DB: db, Bus: bus, Metrics: reg}

	if _, err := svc.Send(context.Background(), models.Notification{TenantID: "t1", Title: "x"}); err != nil {
		t.Fatalf("bus failures must not fail the send: %v", err)
	}
	if got := reg.Snapshot().NotifyOutcomes["bus_error"]; got != 1 {
		t.Fatalf("bus_error outcome = %d", got)
	}
}

func TestRiskAlertSeverityMapping(t *testing.T) {
	db := &fakeNotifyDB{}
	svc := &Service{DB: db}

	if err := svc.RiskAlert(context.Background(), "t1", "c1", 80, "CRITICAL"); err != nil {
		t.Fatalf("RiskAlert: %v", err)
	}
	if err := svc.RiskAlert(context.Background(), "t1", "c1", 55, "HIGH"); err != nil {
		t.Fatalf("RiskAlert: %v", err)
	}
	if len(db.args) != 2 {
		t.Fatalf("expected two inserts, got %d", len(db.args))
	}
	// severity is argument $5
	if db.args[0][4] != SeverityCritical {
		t.Fatalf("CRITICAL maps to %v", db.args[0][4])
	}
	if db.args[1][4] != SeverityWarning {
		t.Fatalf("HIGH maps to %v", db.args[1][4])
	}
	if db.args[0][7] != "client_company" || db.args[0][8] != "c1" {
		t.Fatalf("entity reference: %v", db.args[0])
	}
}

func TestNewKafkaBusValidation(t *testing.T) {
	if _, err := NewKafkaBus(KafkaConfig{Topic: "notifications"}); err == nil {
		t.Fatal("expected brokers requirement")
	}
	if _, err := NewKafkaBus(KafkaConfig{Brokers: []string{" ", ""}, Topic: "notifications"}); err == nil {
		t.Fatal("expected brokers requirement for blank entries")
	}
	if _, err := NewKafkaBus(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected topic requirement")
	}
	bus, err := NewKafkaBus(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "notifications"})
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewFeedConsumerValidation(t *testing.T) {
	if _, err := NewFeedConsumer(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "feed"}); err == nil {
		t.Fatal("expected group id requirement")
	}
	c, err := NewFeedConsumer(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "feed", GroupID: "api"})
	if err != nil {
		t.Fatalf("NewFeedConsumer: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
