package connector

import (
	"net/http"

	"payment-router/internal/payment"

	"github.com/google/uuid"
)

// Flow identifies one discrete connector operation.
type Flow string

const (
	FlowAuthorize   Flow = "authorize"
	FlowPSync       Flow = "psync"
	FlowCapture     Flow = "capture"
	FlowVoid        Flow = "void"
	FlowRefund      Flow = "refund"
	FlowRSync       Flow = "rsync"
	FlowAccessToken Flow = "access_token"
)

type AuthKind string

const (
	AuthHeaderKey    AuthKind = "header_key"
	AuthBodyKey      AuthKind = "body_key"
	AuthSignatureKey AuthKind = "signature_key"
)

// AuthType is the resolved credential shape for one merchant-connector
// account. Which fields are populated depends on Kind.
type AuthType struct {
	Kind      AuthKind
	APIKey    string
	Key1      string
	APISecret string
}

// AuthTypeFromAccount validates the stored credential shape.
func AuthTypeFromAccount(acc payment.MerchantConnectorAccount) (AuthType, error) {
	kind := AuthKind(acc.AuthType)
	switch kind {
	case AuthHeaderKey:
		if acc.APIKey == "" {
			return AuthType{}, newError(ErrFailedToObtainAuthType, "header_key auth requires api_key")
		}
	case AuthBodyKey:
		if acc.APIKey == "" || acc.Key1 == "" {
			return AuthType{}, newError(ErrFailedToObtainAuthType, "body_key auth requires api_key and key1")
		}
	case AuthSignatureKey:
		if acc.APIKey == "" || acc.Key1 == "" || acc.APISecret == "" {
			return AuthType{}, newError(ErrFailedToObtainAuthType, "signature_key auth requires api_key, key1 and api_secret")
		}
	default:
		return AuthType{}, newError(ErrFailedToObtainAuthType, "unknown auth type "+acc.AuthType)
	}
	return AuthType{Kind: kind, APIKey: acc.APIKey, Key1: acc.Key1, APISecret: acc.APISecret}, nil
}

// PaymentMethodData carries the instrument for an authorization.
type PaymentMethodData struct {
	Type         string
	CardNumber   string
	CardExpMonth string
	CardExpYear  string
	CardCVC      string
	Token        string
}

// PaymentsRequest is the canonical request payload for payment flows
// (authorize, capture, void, sync). Flows ignore fields they don't need.
type PaymentsRequest struct {
	Amount                 payment.Amount
	Currency               string
	PaymentMethod          PaymentMethodData
	AutomaticCapture       bool
	ConnectorTransactionID string
	ReturnURL              string
}

// RefundsRequest is the canonical request payload for refund flows.
type RefundsRequest struct {
	RefundID               uuid.UUID
	ConnectorTransactionID string
	ConnectorRefundID      string
	Amount                 payment.Amount
	Currency               string
}

// PaymentsResponse is the canonical outcome of a payment flow.
type PaymentsResponse struct {
	ConnectorTransactionID string
	Status                 payment.AttemptStatus
	RedirectURL            string
}

// RefundsResponse is the canonical outcome of a refund flow.
type RefundsResponse struct {
	ConnectorRefundID string
	Status            payment.RefundStatus
}

// AccessToken is a cached OAuth-style credential for connectors that
// require one before financial calls.
type AccessToken struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// ErrorResponse is the classified failure extracted from a connector reply.
type ErrorResponse struct {
	Code       string
	Message    string
	Reason     string
	StatusCode int
	Retryable  bool
}

// WireRequest is a fully built outbound HTTP request for a connector.
type WireRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// WireResponse is the raw connector reply handed to response handlers.
type WireResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// RouterData is the per-call execution context. It is constructed fresh for
// every connector call, exclusively owned for the duration of that call, and
// its response slot is populated exactly once.
type RouterData struct {
	MerchantID string
	Connector  string
	PaymentID  uuid.UUID
	AttemptID  uuid.UUID
	Auth       AuthType
	Token      *AccessToken

	PaymentRequest *PaymentsRequest
	RefundRequest  *RefundsRequest

	responded       bool
	PaymentResponse *PaymentsResponse
	RefundResponse  *RefundsResponse
	ErrorResponse   *ErrorResponse
}

func (rd *RouterData) SetPaymentResponse(resp PaymentsResponse) error {
	if rd.responded {
		return newError(ErrUnexpectedResponse, "response slot already populated")
	}
	rd.responded = true
	rd.PaymentResponse = &resp
	return nil
}

func (rd *RouterData) SetRefundResponse(resp RefundsResponse) error {
	if rd.responded {
		return newError(ErrUnexpectedResponse, "response slot already populated")
	}
	rd.responded = true
	rd.RefundResponse = &resp
	return nil
}

func (rd *RouterData) SetError(resp ErrorResponse) error {
	if rd.responded {
		return newError(ErrUnexpectedResponse, "response slot already populated")
	}
	rd.responded = true
	rd.ErrorResponse = &resp
	return nil
}

func (rd *RouterData) Responded() bool {
	return rd.responded
}
