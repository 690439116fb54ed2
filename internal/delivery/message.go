package delivery

import "github.com/google/uuid"

// Message is one outgoing merchant webhook on the wire between the outbox
// producer and the delivery processor.
type Message struct {
	ID         uuid.UUID `json:"id"`
	PaymentID  uuid.UUID `json:"paymentId"`
	MerchantID string    `json:"merchantId"`
	Url        string    `json:"url"`
	Payload    string    `json:"payload"`
	Attempts   int       `json:"attempts"`
}
