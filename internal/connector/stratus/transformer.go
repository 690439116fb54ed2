package stratus

import (
	"encoding/json"
	"net/url"
	"strconv"

	"payment-router/internal/connector"
	"payment-router/internal/payment"
)

// Stratus speaks form-encoded requests and JSON responses, with amounts in
// minor units as plain integers.

type chargeResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	FailureCode  string `json:"failure_code,omitempty"`
	FailureMsg   string `json:"failure_message,omitempty"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func authorizeForm(req *connector.PaymentsRequest) (url.Values, error) {
	if req.PaymentMethod.CardNumber == "" && req.PaymentMethod.Token == "" {
		return nil, connector.NewMissingRequiredField("payment_method")
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(int64(req.Amount), 10))
	form.Set("currency", req.Currency)
	form.Set("capture", strconv.FormatBool(req.AutomaticCapture))

	if req.PaymentMethod.Token != "" {
		form.Set("source", req.PaymentMethod.Token)
	} else {
		form.Set("card[number]", req.PaymentMethod.CardNumber)
		form.Set("card[exp_month]", req.PaymentMethod.CardExpMonth)
		form.Set("card[exp_year]", req.PaymentMethod.CardExpYear)
		form.Set("card[cvc]", req.PaymentMethod.CardCVC)
	}

	if req.ReturnURL != "" {
		form.Set("return_url", req.ReturnURL)
	}
	return form, nil
}

func refundForm(req *connector.RefundsRequest) url.Values {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(int64(req.Amount), 10))
	form.Set("metadata[refund_id]", req.RefundID.String())
	return form
}

func attemptStatus(wireStatus string, autoCapture bool) (payment.AttemptStatus, error) {
	switch wireStatus {
	case "succeeded":
		return payment.AttemptCharged, nil
	case "authorized":
		if autoCapture {
			return payment.AttemptCharged, nil
		}
		return payment.AttemptAuthorized, nil
	case "pending":
		return payment.AttemptPending, nil
	case "requires_action":
		return payment.AttemptAuthenticationPending, nil
	case "canceled":
		return payment.AttemptVoided, nil
	case "failed":
		return payment.AttemptFailure, nil
	default:
		return "", connector.NewUnexpectedResponse("unknown stratus charge status " + wireStatus)
	}
}

func refundStatus(wireStatus string) (payment.RefundStatus, error) {
	switch wireStatus {
	case "succeeded":
		return payment.RefundSuccess, nil
	case "pending":
		return payment.RefundPending, nil
	case "failed":
		return payment.RefundFailure, nil
	case "requires_review":
		return payment.RefundManualReview, nil
	default:
		return "", connector.NewUnexpectedResponse("unknown stratus refund status " + wireStatus)
	}
}

func parseCharge(body []byte) (*chargeResponse, error) {
	var resp chargeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, connector.NewUnexpectedResponse("malformed stratus charge body: " + err.Error())
	}
	if resp.ID == "" {
		return nil, connector.NewUnexpectedResponse("stratus charge body missing id")
	}
	return &resp, nil
}

func parseRefund(body []byte) (*refundResponse, error) {
	var resp refundResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, connector.NewUnexpectedResponse("malformed stratus refund body: " + err.Error())
	}
	if resp.ID == "" {
		return nil, connector.NewUnexpectedResponse("stratus refund body missing id")
	}
	return &resp, nil
}
