// Package aurora integrates the Aurora acquirer: JSON wire format,
// major-unit decimal-string amounts, OAuth-style access tokens, HMAC
// signed webhooks over a field concatenation. Aurora has no void API;
// the dispatcher short-circuits that flow as not implemented.
package aurora

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"payment-router/internal/connector"
)

const (
	hmacHeader = "X-Aurora-Hmac"
)

type Connector struct {
	baseURL string
}

func New(baseURL string) *Connector {
	return &Connector{baseURL: baseURL}
}

func (c *Connector) Name() string {
	return "aurora"
}

func (c *Connector) SupportsPaymentMethod(method string) bool {
	switch method {
	case "card", "wallet":
		return true
	default:
		return false
	}
}

func (c *Connector) headers(rd *connector.RouterData) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Aurora-Merchant", rd.Auth.Key1)
	if rd.Token != nil {
		h.Set("Authorization", "Bearer "+rd.Token.Token)
	}
	return h
}

func (c *Connector) BuildAccessToken(rd *connector.RouterData) (*connector.WireRequest, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     rd.Auth.APIKey,
		"client_secret": rd.Auth.APISecret,
		"grant_type":    "client_credentials",
	})
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")

	return &connector.WireRequest{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/oauth/token",
		Headers: h,
		Body:    body,
	}, nil
}

func (c *Connector) HandleAccessTokenResponse(resp connector.WireResponse) (*connector.AccessToken, error) {
	var token tokenResponse
	if err := json.Unmarshal(resp.Body, &token); err != nil {
		return nil, connector.NewUnexpectedResponse("malformed aurora token body: " + err.Error())
	}
	if token.AccessToken == "" {
		return nil, connector.NewUnexpectedResponse("aurora token body missing access_token")
	}
	return &connector.AccessToken{Token: token.AccessToken, ExpiresIn: token.ExpiresIn}, nil
}

func (c *Connector) BuildAuthorize(rd *connector.RouterData) (*connector.WireRequest, error) {
	body, err := buildPaymentRequest(rd)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	return &connector.WireRequest{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/v2/payments",
		Headers: c.headers(rd),
		Body:    encoded,
	}, nil
}

func (c *Connector) HandleAuthorizeResponse(rd *connector.RouterData, resp connector.WireResponse) error {
	return c.handlePayment(rd, resp)
}

func (c *Connector) BuildSync(rd *connector.RouterData) (*connector.WireRequest, error) {
	if rd.PaymentRequest.ConnectorTransactionID == "" {
		return nil, connector.NewMissingRequiredField("connector_transaction_id")
	}
	return &connector.WireRequest{
		Method:  http.MethodGet,
		URL:     c.baseURL + "/v2/payments/" + url.PathEscape(rd.PaymentRequest.ConnectorTransactionID),
		Headers: c.headers(rd),
	}, nil
}

func (c *Connector) HandleSyncResponse(rd *connector.RouterData, resp connector.WireResponse) error {
	return c.handlePayment(rd, resp)
}

func (c *Connector) BuildCapture(rd *connector.RouterData) (*connector.WireRequest, error) {
	if rd.PaymentRequest.ConnectorTransactionID == "" {
		return nil, connector.NewMissingRequiredField("connector_transaction_id")
	}

	encoded, err := json.Marshal(captureRequest{
		Amount: toWireAmount(rd.PaymentRequest.Amount, rd.PaymentRequest.Currency),
	})
	if err != nil {
		return nil, err
	}

	return &connector.WireRequest{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/v2/payments/" + url.PathEscape(rd.PaymentRequest.ConnectorTransactionID) + "/captures",
		Headers: c.headers(rd),
		Body:    encoded,
	}, nil
}

func (c *Connector) HandleCaptureResponse(rd *connector.RouterData, resp connector.WireResponse) error {
	return c.handlePayment(rd, resp)
}

func (c *Connector) BuildRefund(rd *connector.RouterData) (*connector.WireRequest, error) {
	if rd.RefundRequest.ConnectorTransactionID == "" {
		return nil, connector.NewMissingRequiredField("connector_transaction_id")
	}

	encoded, err := json.Marshal(refundRequest{
		Reference: rd.RefundRequest.RefundID.String(),
		Amount:    toWireAmount(rd.RefundRequest.Amount, rd.RefundRequest.Currency),
	})
	if err != nil {
		return nil, err
	}

	return &connector.WireRequest{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/v2/payments/" + url.PathEscape(rd.RefundRequest.ConnectorTransactionID) + "/refunds",
		Headers: c.headers(rd),
		Body:    encoded,
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
		URL:     c.baseURL + "/v2/refunds/" + url.PathEscape(rd.RefundRequest.ConnectorRefundID),
		Headers: c.headers(rd),
	}, nil
}

func (c *Connector) HandleRefundSyncResponse(rd *connector.RouterData, resp connector.WireResponse) error {
	return c.handleRefund(rd, resp)
}

func (c *Connector) handlePayment(rd *connector.RouterData, resp connector.WireResponse) error {
	parsed, err := parsePayment(resp.Body)
	if err != nil {
		return err
	}

	status, err := attemptStatus(parsed.ResultCode)
	if err != nil {
		return err
	}

	if parsed.ResultCode == "Refused" {
		return rd.SetError(connector.ErrorResponse{
			Code:       parsed.RefusalCode,
			Message:    parsed.Refusal,
			Reason:     "refused",
			StatusCode: resp.StatusCode,
			Retryable:  false,
		})
	}

	return rd.SetPaymentResponse(connector.PaymentsResponse{
		ConnectorTransactionID: parsed.PSPReference,
		Status:                 status,
		RedirectURL:            parsed.RedirectURL,
	})
}

func (c *Connector) handleRefund(rd *connector.RouterData, resp connector.WireResponse) error {
	parsed, err := parseRefund(resp.Body)
	if err != nil {
		return err
	}

	status, err := refundStatus(parsed.Status)
	if err != nil {
		return err
	}

	return rd.SetRefundResponse(connector.RefundsResponse{
		ConnectorRefundID: parsed.PSPReference,
		Status:            status,
	})
}

func (c *Connector) ErrorResponse(resp connector.WireResponse) connector.ErrorResponse {
	var envelope errorEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil || envelope.ErrorCode == "" {
		return connector.ErrorResponse{
			Code:       "unknown",
			Message:    "unrecognized aurora error response",
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode >= 500,
		}
	}

	return connector.ErrorResponse{
		Code:       envelope.ErrorCode,
		Message:    envelope.Message,
		Reason:     envelope.ErrorType,
		StatusCode: resp.StatusCode,
		Retryable:  resp.StatusCode >= 500 || envelope.ErrorType == "internal",
	}
}

type webhookNotification struct {
	EventCode    string     `json:"eventCode"`
	PSPReference string     `json:"pspReference"`
	Amount       wireAmount `json:"amount"`
	Success      bool       `json:"success"`
}

func decodeWebhook(body []byte) (*webhookNotification, error) {
	var n webhookNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, connector.NewWebhookBodyDecodingFailed(err)
	}
	return &n, nil
}

// VerifyWebhook checks the HMAC computed over pspReference|eventCode|value,
// base64-encoded in the X-Aurora-Hmac header.
func (c *Connector) VerifyWebhook(secret string, headers http.Header, body []byte) error {
	signature := headers.Get(hmacHeader)
	if signature == "" {
		return connector.NewWebhookSignatureNotFound(hmacHeader)
	}

	n, err := decodeWebhook(body)
	if err != nil {
		return err
	}

	payload := fmt.Sprintf("%s|%s|%s", n.PSPReference, n.EventCode, n.Amount.Value)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return connector.NewWebhookSignatureInvalid()
	}
	return nil
}

func (c *Connector) WebhookObjectReference(body []byte) (connector.ObjectReference, error) {
	n, err := decodeWebhook(body)
	if err != nil {
		return connector.ObjectReference{}, err
	}

	switch n.EventCode {
	case "REFUND":
		return connector.ObjectReference{
			Kind:              connector.RefRefund,
			ConnectorRefundID: n.PSPReference,
		}, nil
	case "CHARGEBACK", "CHARGEBACK_REVERSED":
		return connector.ObjectReference{
			Kind:                   connector.RefDispute,
			ConnectorTransactionID: n.PSPReference,
		}, nil
	default:
		return connector.ObjectReference{
			Kind:                   connector.RefPayment,
			ConnectorTransactionID: n.PSPReference,
		}, nil
	}
}

func (c *Connector) WebhookEventType(body []byte) (connector.EventType, error) {
	n, err := decodeWebhook(body)
	if err != nil {
		return connector.EventUnsupported, err
	}

	switch n.EventCode {
	case "AUTHORISATION", "CAPTURE":
		if n.Success {
			return connector.EventPaymentSuccess, nil
		}
		return connector.EventPaymentFailure, nil
	case "PENDING":
		return connector.EventPaymentProcessing, nil
	case "CANCELLATION":
		return connector.EventPaymentCancelled, nil
	case "REFUND":
		if n.Success {
			return connector.EventRefundSuccess, nil
		}
		return connector.EventRefundFailure, nil
	case "CHARGEBACK":
		return connector.EventDisputeOpened, nil
	case "CHARGEBACK_REVERSED":
		return connector.EventDisputeWon, nil
	default:
		return connector.EventUnsupported, nil
	}
}

func (c *Connector) WebhookResourceObject(body []byte) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, connector.NewWebhookBodyDecodingFailed(err)
	}
	return raw, nil
}
