package aurora

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"payment-router/internal/connector"
	"payment-router/internal/payment"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func routerData() *connector.RouterData {
	return &connector.RouterData{
		MerchantID: "merchant_1",
		Connector:  "aurora",
		AttemptID:  uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Auth: connector.AuthType{
			Kind:      connector.AuthSignatureKey,
			APIKey:    "client_123",
			Key1:      "merchant_account_1",
			APISecret: "secret_123",
		},
		Token: &connector.AccessToken{Token: "tok_abc", ExpiresIn: 3600},
		PaymentRequest: &connector.PaymentsRequest{
			Amount:           1050,
			Currency:         "USD",
			AutomaticCapture: true,
			PaymentMethod: connector.PaymentMethodData{
				Type:         "card",
				CardNumber:   "4111111111111111",
				CardExpMonth: "03",
				CardExpYear:  "2030",
				CardCVC:      "737",
			},
		},
	}
}

func TestBuildAuthorize_WireAmount(t *testing.T) {
	rd := routerData()

	req, err := New("https://api.aurora.test").BuildAuthorize(rd)
	assert.NoError(t, err)
	assert.Equal(t, "https://api.aurora.test/v2/payments", req.URL)
	assert.Equal(t, "Bearer tok_abc", req.Headers.Get("Authorization"))
	assert.Equal(t, "merchant_account_1", req.Headers.Get("X-Aurora-Merchant"))

	var body map[string]json.RawMessage
	assert.NoError(t, json.Unmarshal(req.Body, &body))
	assert.JSONEq(t, `{"value":"10.50","currency":"USD"}`, string(body["amount"]))
}

func TestBuildAuthorize_ZeroDecimalCurrency(t *testing.T) {
	rd := routerData()
	rd.PaymentRequest.Amount = 1050
	rd.PaymentRequest.Currency = "JPY"

	req, err := New("https://api.aurora.test").BuildAuthorize(rd)
	assert.NoError(t, err)

	var body map[string]json.RawMessage
	assert.NoError(t, json.Unmarshal(req.Body, &body))
	assert.JSONEq(t, `{"value":"1050","currency":"JPY"}`, string(body["amount"]))
}

func TestHandleAuthorizeResponse(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus payment.AttemptStatus
	}{
		{
			name:           "authorised",
			body:           `{"pspReference":"psp_123","resultCode":"Authorised"}`,
			expectedStatus: payment.AttemptAuthorized,
		},
		{
			name:           "captured",
			body:           `{"pspReference":"psp_123","resultCode":"Captured"}`,
			expectedStatus: payment.AttemptCharged,
		},
		{
			name:           "received stays pending",
			body:           `{"pspReference":"psp_123","resultCode":"Received"}`,
			expectedStatus: payment.AttemptPending,
		},
		{
			name:           "redirect shopper requires authentication",
			body:           `{"pspReference":"psp_123","resultCode":"RedirectShopper","redirectUrl":"https://aurora.test/3ds"}`,
			expectedStatus: payment.AttemptAuthenticationPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd := routerData()
			err := New("https://api.aurora.test").HandleAuthorizeResponse(rd, connector.WireResponse{
				StatusCode: 200,
				Body:       []byte(tt.body),
			})
			assert.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, rd.PaymentResponse.Status)
			assert.Equal(t, "psp_123", rd.PaymentResponse.ConnectorTransactionID)
		})
	}
}

func TestHandleAuthorizeResponse_RefusedSetsError(t *testing.T) {
	rd := routerData()

	err := New("https://api.aurora.test").HandleAuthorizeResponse(rd, connector.WireResponse{
		StatusCode: 200,
		Body:       []byte(`{"pspReference":"psp_123","resultCode":"Refused","refusalReasonCode":"2","refusalReason":"Insufficient funds"}`),
	})
	assert.NoError(t, err)
	assert.Nil(t, rd.PaymentResponse)
	assert.NotNil(t, rd.ErrorResponse)
	assert.Equal(t, "2", rd.ErrorResponse.Code)
	assert.Equal(t, "Insufficient funds", rd.ErrorResponse.Message)
	assert.False(t, rd.ErrorResponse.Retryable)
}

func TestVoidFlowNotSupported(t *testing.T) {
	assert.False(t, connector.SupportsFlow(New("https://api.aurora.test"), connector.FlowVoid))
}

func TestHandleAccessTokenResponse(t *testing.T) {
	token, err := New("https://api.aurora.test").HandleAccessTokenResponse(connector.WireResponse{
		StatusCode: 200,
		Body:       []byte(`{"access_token":"tok_new","expires_in":1800}`),
	})
	assert.NoError(t, err)
	assert.Equal(t, "tok_new", token.Token)
	assert.Equal(t, int64(1800), token.ExpiresIn)

	_, err = New("https://api.aurora.test").HandleAccessTokenResponse(connector.WireResponse{
		StatusCode: 200,
		Body:       []byte(`{}`),
	})
	assert.True(t, connector.IsKind(err, connector.ErrUnexpectedResponse))
}

func signNotification(secret, pspReference, eventCode, value string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s|%s|%s", pspReference, eventCode, value)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhook(t *testing.T) {
	c := New("https://api.aurora.test")
	body := []byte(`{"eventCode":"AUTHORISATION","pspReference":"psp_123","amount":{"value":"10.50","currency":"USD"},"success":true}`)

	headers := http.Header{}
	headers.Set("X-Aurora-Hmac", signNotification("whsec_123", "psp_123", "AUTHORISATION", "10.50"))
	assert.NoError(t, c.VerifyWebhook("whsec_123", headers, body))

	headers.Set("X-Aurora-Hmac", signNotification("whsec_123", "psp_123", "CAPTURE", "10.50"))
	err := c.VerifyWebhook("whsec_123", headers, body)
	assert.True(t, connector.IsKind(err, connector.ErrWebhookSignatureInvalid))

	err = c.VerifyWebhook("whsec_123", http.Header{}, body)
	assert.True(t, connector.IsKind(err, connector.ErrWebhookSignatureNotFound))
}

func TestWebhookEventMapping(t *testing.T) {
	c := New("https://api.aurora.test")

	tests := []struct {
		name          string
		body          string
		expectedEvent connector.EventType
		expectedKind  connector.ReferenceKind
	}{
		{
			name:          "successful authorisation",
			body:          `{"eventCode":"AUTHORISATION","pspReference":"psp_123","success":true}`,
			expectedEvent: connector.EventPaymentSuccess,
			expectedKind:  connector.RefPayment,
		},
		{
			name:          "failed capture",
			body:          `{"eventCode":"CAPTURE","pspReference":"psp_123","success":false}`,
			expectedEvent: connector.EventPaymentFailure,
			expectedKind:  connector.RefPayment,
		},
		{
			name:          "cancellation",
			body:          `{"eventCode":"CANCELLATION","pspReference":"psp_123","success":true}`,
			expectedEvent: connector.EventPaymentCancelled,
			expectedKind:  connector.RefPayment,
		},
		{
			name:          "refund references the refund",
			body:          `{"eventCode":"REFUND","pspReference":"psp_ref_456","success":true}`,
			expectedEvent: connector.EventRefundSuccess,
			expectedKind:  connector.RefRefund,
		},
		{
			name:          "chargeback",
			body:          `{"eventCode":"CHARGEBACK","pspReference":"psp_123","success":true}`,
			expectedEvent: connector.EventDisputeOpened,
			expectedKind:  connector.RefDispute,
		},
		{
			name:          "unknown event is unsupported",
			body:          `{"eventCode":"REPORT_AVAILABLE","pspReference":"psp_123","success":true}`,
			expectedEvent: connector.EventUnsupported,
			expectedKind:  connector.RefPayment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := c.WebhookEventType([]byte(tt.body))
			assert.NoError(t, err)
			assert.Equal(t, tt.expectedEvent, event)

			ref, err := c.WebhookObjectReference([]byte(tt.body))
			assert.NoError(t, err)
			assert.Equal(t, tt.expectedKind, ref.Kind)
		})
	}
}
