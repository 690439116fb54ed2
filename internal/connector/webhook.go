package connector

import (
	"encoding/json"
	"net/http"
)

// EventType is the canonical taxonomy inbound connector events map onto.
type EventType string

const (
	EventPaymentSuccess    EventType = "payment_success"
	EventPaymentFailure    EventType = "payment_failure"
	EventPaymentProcessing EventType = "payment_processing"
	EventPaymentCancelled  EventType = "payment_cancelled"
	EventRefundSuccess     EventType = "refund_success"
	EventRefundFailure     EventType = "refund_failure"
	EventDisputeOpened     EventType = "dispute_opened"
	EventDisputeWon        EventType = "dispute_won"
	EventDisputeLost       EventType = "dispute_lost"
	EventUnsupported       EventType = "unsupported"
)

type ReferenceKind string

const (
	RefPayment ReferenceKind = "payment"
	RefRefund  ReferenceKind = "refund"
	RefDispute ReferenceKind = "dispute"
)

// ObjectReference correlates an inbound webhook to the entity it concerns,
// keyed by the connector-side transaction id.
type ObjectReference struct {
	Kind                   ReferenceKind
	ConnectorTransactionID string
	ConnectorRefundID      string
}

// WebhookHandler is the inbound-notification capability. Verification runs
// before anything else; an unverified payload is never parsed further.
type WebhookHandler interface {
	VerifyWebhook(secret string, headers http.Header, body []byte) error
	WebhookObjectReference(body []byte) (ObjectReference, error)
	WebhookEventType(body []byte) (EventType, error)
	WebhookResourceObject(body []byte) (json.RawMessage, error)
}
