package db

import (
	"time"

	"github.com/google/uuid"
)

// OutgoingWebhookEntity is one pending merchant notification, persisted as
// an outbox row and published to Kafka by the delivery producer.
type OutgoingWebhookEntity struct {
	ID               uuid.UUID
	PaymentID        uuid.UUID
	MerchantID       string
	Url              string
	Payload          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ScheduledAt      *time.Time
	PublishedAt      *time.Time
	DeliveredAt      *time.Time
	PublishAttempts  int
	DeliveryAttempts int
	Error            *string
}

// WebhookEventEntity records an already-processed inbound webhook so a
// redelivery of the same logical event is a no-op.
type WebhookEventEntity struct {
	EventID    string
	MerchantID string
	Connector  string
	ObjectID   string
	EventType  string
	ReceivedAt time.Time
}

// RoutingConfigEntity is the merchant-authored routing setup for a profile.
type RoutingConfigEntity struct {
	MerchantID string
	ProfileID  string
	Algorithm  string
	Connectors []string
	Program    []byte
}
