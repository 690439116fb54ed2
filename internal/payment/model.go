package payment

import (
	"time"

	"github.com/google/uuid"
)

type CaptureMethod string

const (
	CaptureAutomatic CaptureMethod = "automatic"
	CaptureManual    CaptureMethod = "manual"
)

// PaymentIntent is the merchant-visible logical payment. Its status is a
// projection of the active attempt, recomputed on every attempt update.
type PaymentIntent struct {
	ID              uuid.UUID
	MerchantID      string
	ProfileID       string
	Amount          Amount
	Currency        string
	Status          IntentStatus
	CaptureMethod   CaptureMethod
	ActiveAttemptID *uuid.UUID
	CreatedAt       time.Time
	ModifiedAt      time.Time
}

// PaymentAttempt is one execution try against one connector.
type PaymentAttempt struct {
	ID                     uuid.UUID
	PaymentID              uuid.UUID
	MerchantID             string
	Connector              string
	Status                 AttemptStatus
	Amount                 Amount
	Currency               string
	PaymentMethod          string
	ConnectorTransactionID *string
	ErrorCode              *string
	ErrorMessage           *string
	SyncAfter              *time.Time
	CreatedAt              time.Time
	ModifiedAt             time.Time
}

type Refund struct {
	ID                uuid.UUID
	PaymentID         uuid.UUID
	AttemptID         uuid.UUID
	MerchantID        string
	Connector         string
	ConnectorRefundID *string
	Status            RefundStatus
	Amount            Amount
	Currency          string
	ErrorMessage      *string
	CreatedAt         time.Time
	ModifiedAt        time.Time
}

// MerchantConnectorAccount holds one merchant's credentials and enablement
// for one connector.
type MerchantConnectorAccount struct {
	ID                 uuid.UUID
	MerchantID         string
	Connector          string
	AuthType           string
	APIKey             string
	Key1               string
	APISecret          string
	WebhookSecret      string
	Disabled           bool
	PaymentMethods     []string
	MerchantWebhookURL string
	CreatedAt          time.Time
}
