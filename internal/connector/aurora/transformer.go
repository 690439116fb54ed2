package aurora

import (
	"encoding/json"

	"payment-router/internal/connector"
	"payment-router/internal/payment"
)

// Aurora speaks JSON with amounts as major-unit decimal strings, e.g.
// 1050 minor USD goes over the wire as {"value":"10.50","currency":"USD"}.

type wireAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func toWireAmount(amount payment.Amount, currency string) wireAmount {
	return wireAmount{Value: amount.MajorString(currency), Currency: currency}
}

func fromWireAmount(w wireAmount) (payment.Amount, error) {
	amount, err := payment.AmountFromMajorString(w.Value, w.Currency)
	if err != nil {
		return 0, connector.NewUnexpectedResponse("unparseable aurora amount: " + err.Error())
	}
	return amount, nil
}

type paymentRequest struct {
	Reference   string     `json:"reference"`
	Amount      wireAmount `json:"amount"`
	AutoCapture bool       `json:"autoCapture"`
	Card        *wireCard  `json:"card,omitempty"`
	Token       string     `json:"token,omitempty"`
	ReturnURL   string     `json:"returnUrl,omitempty"`
}

type wireCard struct {
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CVC         string `json:"cvc"`
}

type captureRequest struct {
	Amount wireAmount `json:"amount"`
}

type refundRequest struct {
	Reference string     `json:"reference"`
	Amount    wireAmount `json:"amount"`
}

type paymentResponse struct {
	PSPReference string     `json:"pspReference"`
	ResultCode   string     `json:"resultCode"`
	Amount       wireAmount `json:"amount"`
	RedirectURL  string     `json:"redirectUrl,omitempty"`
	RefusalCode  string     `json:"refusalReasonCode,omitempty"`
	Refusal      string     `json:"refusalReason,omitempty"`
}

type refundResponse struct {
	PSPReference string `json:"pspReference"`
	Status       string `json:"status"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type errorEnvelope struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	ErrorType string `json:"errorType"`
}

func buildPaymentRequest(rd *connector.RouterData) (*paymentRequest, error) {
	req := rd.PaymentRequest
	body := &paymentRequest{
		Reference:   rd.AttemptID.String(),
		Amount:      toWireAmount(req.Amount, req.Currency),
		AutoCapture: req.AutomaticCapture,
		ReturnURL:   req.ReturnURL,
	}

	switch {
	case req.PaymentMethod.Token != "":
		body.Token = req.PaymentMethod.Token
	case req.PaymentMethod.CardNumber != "":
		body.Card = &wireCard{
			Number:      req.PaymentMethod.CardNumber,
			ExpiryMonth: req.PaymentMethod.CardExpMonth,
			ExpiryYear:  req.PaymentMethod.CardExpYear,
			CVC:         req.PaymentMethod.CardCVC,
		}
	default:
		return nil, connector.NewMissingRequiredField("payment_method")
	}

	return body, nil
}

func attemptStatus(resultCode string) (payment.AttemptStatus, error) {
	switch resultCode {
	case "Authorised":
		return payment.AttemptAuthorized, nil
	case "Captured":
		return payment.AttemptCharged, nil
	case "Received", "Pending":
		return payment.AttemptPending, nil
	case "RedirectShopper", "ChallengeShopper":
		return payment.AttemptAuthenticationPending, nil
	case "Cancelled":
		return payment.AttemptVoided, nil
	case "Refused", "Error":
		return payment.AttemptFailure, nil
	default:
		return "", connector.NewUnexpectedResponse("unknown aurora result code " + resultCode)
	}
}

func refundStatus(status string) (payment.RefundStatus, error) {
	switch status {
	case "completed":
		return payment.RefundSuccess, nil
	case "received", "processing":
		return payment.RefundPending, nil
	case "failed":
		return payment.RefundFailure, nil
	case "review":
		return payment.RefundManualReview, nil
	default:
		return "", connector.NewUnexpectedResponse("unknown aurora refund status " + status)
	}
}

func parsePayment(body []byte) (*paymentResponse, error) {
	var resp paymentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, connector.NewUnexpectedResponse("malformed aurora payment body: " + err.Error())
	}
	if resp.PSPReference == "" {
		return nil, connector.NewUnexpectedResponse("aurora payment body missing pspReference")
	}
	return &resp, nil
}

func parseRefund(body []byte) (*refundResponse, error) {
	var resp refundResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, connector.NewUnexpectedResponse("malformed aurora refund body: " + err.Error())
	}
	if resp.PSPReference == "" {
		return nil, connector.NewUnexpectedResponse("aurora refund body missing pspReference")
	}
	return &resp, nil
}
