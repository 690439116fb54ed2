// Package stratus integrates the Stratus card processor: form-encoded
// requests, minor-unit integer amounts, bearer-key auth, HMAC-SHA256
// signed webhooks.
package stratus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"

	"payment-router/internal/connector"
)

const (
	signatureHeader = "Stratus-Signature"
)

type Connector struct {
	baseURL string
}

func New(baseURL string) *Connector {
	return &Connector{baseURL: baseURL}
}

func (c *Connector) Name() string {
	return "stratus"
}

func (c *Connector) SupportsPaymentMethod(method string) bool {
	return method == "card"
}

func (c *Connector) headers(rd *connector.RouterData) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+rd.Auth.APIKey)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return h
}

func (c *Connector) BuildAuthorize(rd *connector.RouterData) (*connector.WireRequest, error) {
	form, err := authorizeForm(rd.PaymentRequest)
	if err != nil {
		return nil, err
	}
	return &connector.WireRequest{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/v1/charges",
		Headers: c.headers(rd),
		Body:    []byte(form.Encode()),
	}, nil
}

func (c *Connector) HandleAuthorizeResponse(rd *connector.RouterData, resp connector.WireResponse) error {
	return c.handleCharge(rd, resp)
}

func (c *Connector) BuildSync(rd *connector.RouterData) (*connector.WireRequest, error) {
	if rd.PaymentRequest.ConnectorTransactionID == "" {
		return nil, connector.NewMissingRequiredField("connector_transaction_id")
	}
	return &connector.WireRequest{
		Method:  http.MethodGet,
		URL:     c.baseURL + "/v1/charges/" + url.PathEscape(rd.PaymentRequest.ConnectorTransactionID),
		Headers: c.headers(rd),
	}, nil
}

func (c *Connector) HandleSyncResponse(rd *connector.RouterData, resp connector.WireResponse) error {
	return c.handleCharge(rd, resp)
}

// BuildCapture is a no-op when the charge was created with automatic
// capture; Stratus has already settled it.
func (c *Connector) BuildCapture(rd *connector.RouterData) (*connector.WireRequest, error) {
	if rd.PaymentRequest.AutomaticCapture {
		return nil, nil
	}
	if rd.PaymentRequest.ConnectorTransactionID == "" {
		return nil, connector.NewMissingRequiredField("connector_transaction_id")
	}
	return &connector.WireRequest{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/v1/charges/" + url.PathEscape(rd.PaymentRequest.ConnectorTransactionID) + "/capture",
		Headers: c.headers(rd),
	}, nil
}

func (c *Connector) HandleCaptureResponse(rd *connector.RouterData, resp connector.WireResponse) error {
	return c.handleCharge(rd, resp)
}

func (c *Connector) BuildVoid(rd *connector.RouterData) (*connector.WireRequest, error) {
	if rd.PaymentRequest.ConnectorTransactionID == "" {
		return nil, connector.NewMissingRequiredField("connector_transaction_id")
	}
	return &connector.WireRequest{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/v1/charges/" + url.PathEscape(rd.PaymentRequest.ConnectorTransactionID) + "/void",
		Headers: c.headers(rd),
	}, nil
}

func (c *Connector) HandleVoidResponse(rd *connector.RouterData, resp connector.WireResponse) error {
	return c.handleCharge(rd, resp)
}

func (c *Connector) BuildRefund(rd *connector.RouterData) (*connector.WireRequest, error) {
	if rd.RefundRequest.ConnectorTransactionID == "" {
		return nil, connector.NewMissingRequiredField("connector_transaction_id")
	}
	form := refundForm(rd.RefundRequest)
	return &connector.WireRequest{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/v1/charges/" + url.PathEscape(rd.RefundRequest.ConnectorTransactionID) + "/refunds",
		Headers: c.headers(rd),
		Body:    []byte(form.Encode()),
	}, nil
}

func (c *Connector) HandleRefundResponse(rd *connector.RouterData, resp connector.WireResponse) error {
	return c.handleRefund(rd, resp)
}

func (c *Connector) BuildRefundSync(rd *connector.RouterData) (*connector.WireRequest, error) {
	if rd.RefundRequest.ConnectorRefundID == "" {
		return nil, connector.NewMissingRequiredField("connector_refund_id")
	}
	return &connector.WireRequest{
		Method:  http.MethodGet,
		URL:     c.baseURL + "/v1/refunds/" + url.PathEscape(rd.RefundRequest.ConnectorRefundID),
		Headers: c.headers(rd),
	}, nil
}

func (c *Connector) HandleRefundSyncResponse(rd *connector.RouterData, resp connector.WireResponse) error {
	return c.handleRefund(rd, resp)
}

func (c *Connector) handleCharge(rd *connector.RouterData, resp connector.WireResponse) error {
	charge, err := parseCharge(resp.Body)
	if err != nil {
		return err
	}

	status, err := attemptStatus(charge.Status, rd.PaymentRequest.AutomaticCapture)
	if err != nil {
		return err
	}

	return rd.SetPaymentResponse(connector.PaymentsResponse{
		ConnectorTransactionID: charge.ID,
		Status:                 status,
		RedirectURL:            charge.RedirectURL,
	})
}

func (c *Connector) handleRefund(rd *connector.RouterData, resp connector.WireResponse) error {
	refund, err := parseRefund(resp.Body)
	if err != nil {
		return err
	}

	status, err := refundStatus(refund.Status)
	if err != nil {
		return err
	}

	return rd.SetRefundResponse(connector.RefundsResponse{
		ConnectorRefundID: refund.ID,
		Status:            status,
	})
}

func (c *Connector) ErrorResponse(resp connector.WireResponse) connector.ErrorResponse {
	var envelope errorEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil || envelope.Error.Code == "" {
		return connector.ErrorResponse{
			Code:       "unknown",
			Message:    "unrecognized stratus error response",
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode >= 500,
		}
	}

	return connector.ErrorResponse{
		Code:       envelope.Error.Code,
		Message:    envelope.Error.Message,
		Reason:     envelope.Error.Type,
		StatusCode: resp.StatusCode,
		// card_error and invalid_request_error are terminal declines
		Retryable: resp.StatusCode >= 500 || envelope.Error.Type == "api_error",
	}
}

func (c *Connector) VerifyWebhook(secret string, headers http.Header, body []byte) error {
	signature := headers.Get(signatureHeader)
	if signature == "" {
		return connector.NewWebhookSignatureNotFound(signatureHeader)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return connector.NewWebhookSignatureInvalid()
	}
	return nil
}

type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			ChargeID string `json:"charge_id,omitempty"`
		} `json:"object"`
	} `json:"data"`
}

func decodeWebhook(body []byte) (*webhookEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, connector.NewWebhookBodyDecodingFailed(err)
	}
	return &event, nil
}

func (c *Connector) WebhookObjectReference(body []byte) (connector.ObjectReference, error) {
	event, err := decodeWebhook(body)
	if err != nil {
		return connector.ObjectReference{}, err
	}

	switch event.Type {
	case "refund.succeeded", "refund.failed":
		return connector.ObjectReference{
			Kind:                   connector.RefRefund,
			ConnectorTransactionID: event.Data.Object.ChargeID,
			ConnectorRefundID:      event.Data.Object.ID,
		}, nil
	case "dispute.created", "dispute.won", "dispute.lost":
		return connector.ObjectReference{
			Kind:                   connector.RefDispute,
			ConnectorTransactionID: event.Data.Object.ChargeID,
		}, nil
	default:
		return connector.ObjectReference{
			Kind:                   connector.RefPayment,
			ConnectorTransactionID: event.Data.Object.ID,
		}, nil
	}
}

func (c *Connector) WebhookEventType(body []byte) (connector.EventType, error) {
	event, err := decodeWebhook(body)
	if err != nil {
		return connector.EventUnsupported, err
	}

	switch event.Type {
	case "charge.succeeded", "charge.captured":
		return connector.EventPaymentSuccess, nil
	case "charge.failed":
		return connector.EventPaymentFailure, nil
	case "charge.pending":
		return connector.EventPaymentProcessing, nil
	case "charge.voided":
		return connector.EventPaymentCancelled, nil
	case "refund.succeeded":
		return connector.EventRefundSuccess, nil
	case "refund.failed":
		return connector.EventRefundFailure, nil
	case "dispute.created":
		return connector.EventDisputeOpened, nil
	case "dispute.won":
		return connector.EventDisputeWon, nil
	case "dispute.lost":
		return connector.EventDisputeLost, nil
	default:
		return connector.EventUnsupported, nil
	}
}

func (c *Connector) WebhookResourceObject(body []byte) (json.RawMessage, error) {
	var event struct {
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, connector.NewWebhookBodyDecodingFailed(err)
	}
	return event.Data.Object, nil
}
