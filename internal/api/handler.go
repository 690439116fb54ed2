// Package api exposes the merchant-facing payment endpoints. Handlers stay
// thin: decode, call the service, encode.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"payment-router/internal/connector"
	"payment-router/internal/payment"
	"payment-router/internal/routing"
	"payment-router/internal/service"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Handler struct {
	service *service.Service
	logger  *slog.Logger
}

func NewHandler(svc *service.Service, logger *slog.Logger) *Handler {
	return &Handler{service: svc, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /payments", h.createPayment)
	mux.HandleFunc("GET /payments/{payment_id}", h.getPayment)
	mux.HandleFunc("POST /payments/{payment_id}/confirm", h.confirmPayment)
	mux.HandleFunc("POST /payments/{payment_id}/capture", h.capturePayment)
	mux.HandleFunc("POST /payments/{payment_id}/cancel", h.voidPayment)
	mux.HandleFunc("POST /payments/{payment_id}/sync", h.syncPayment)
	mux.HandleFunc("POST /payments/{payment_id}/refunds", h.createRefund)
	mux.HandleFunc("POST /refunds/{refund_id}/sync", h.syncRefund)
}

type errorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type paymentResponse struct {
	ID            uuid.UUID  `json:"id"`
	MerchantID    string     `json:"merchant_id"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	CaptureMethod string     `json:"capture_method"`
	AttemptID     *uuid.UUID `json:"attempt_id,omitempty"`
}

type refundResponse struct {
	ID           uuid.UUID `json:"id"`
	PaymentID    uuid.UUID `json:"payment_id"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
}

type createPaymentBody struct {
	MerchantID    string `json:"merchant_id"`
	ProfileID     string `json:"profile_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	CaptureMethod string `json:"capture_method"`
}

type cardBody struct {
	Number   string `json:"number"`
	ExpMonth string `json:"exp_month"`
	ExpYear  string `json:"exp_year"`
	CVC      string `json:"cvc"`
}

type confirmPaymentBody struct {
	PaymentMethod      string    `json:"payment_method"`
	Card               *cardBody `json:"card,omitempty"`
	ReturnURL          string    `json:"return_url"`
	CardNetwork        string    `json:"card_network"`
	AuthenticationType string    `json:"authentication_type"`
	BillingCountry     string    `json:"billing_country"`
	BusinessCountry    string    `json:"business_country"`
}

type refundBody struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var body createPaymentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.Wrap(service.ErrInvalidRequest, err.Error()))
		return
	}

	intent, err := h.service.CreatePayment(r.Context(), service.CreatePaymentRequest{
		MerchantID:    body.MerchantID,
		ProfileID:     body.ProfileID,
		Amount:        payment.Amount(body.Amount),
		Currency:      body.Currency,
		CaptureMethod: payment.CaptureMethod(body.CaptureMethod),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toPaymentResponse(intent))
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "payment_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	intent, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(intent))
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "payment_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body confirmPaymentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.Wrap(service.ErrInvalidRequest, err.Error()))
		return
	}

	method := connector.PaymentMethodData{Type: body.PaymentMethod}
	if body.Card != nil {
		method.CardNumber = body.Card.Number
		method.CardExpMonth = body.Card.ExpMonth
		method.CardExpYear = body.Card.ExpYear
		method.CardCVC = body.Card.CVC
	}

	intent, err := h.service.ConfirmPayment(r.Context(), id, service.ConfirmPaymentRequest{
		PaymentMethod:      method,
		ReturnURL:          body.ReturnURL,
		CardNetwork:        body.CardNetwork,
		AuthenticationType: body.AuthenticationType,
		BillingCountry:     body.BillingCountry,
		BusinessCountry:    body.BusinessCountry,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(intent))
}

func (h *Handler) capturePayment(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, h.service.CapturePayment)
}

func (h *Handler) voidPayment(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, h.service.VoidPayment)
}

func (h *Handler) syncPayment(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, h.service.SyncPayment)
}

func (h *Handler) createRefund(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "payment_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body refundBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.Wrap(service.ErrInvalidRequest, err.Error()))
		return
	}

	refund, err := h.service.CreateRefund(r.Context(), id, service.RefundRequest{Amount: payment.Amount(body.Amount)})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toRefundResponse(refund))
}

func (h *Handler) syncRefund(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "refund_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	refund, err := h.service.SyncRefund(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRefundResponse(refund))
}

func (h *Handler) paymentAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id uuid.UUID) (*payment.PaymentIntent, error)) {
	id, err := parseID(r, "payment_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	intent, err := action(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(intent))
}

func parseID(r *http.Request, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(field))
	if err != nil {
		return uuid.Nil, errors.Wrapf(service.ErrInvalidRequest, "invalid %s", field)
	}
	return id, nil
}

func toPaymentResponse(intent *payment.PaymentIntent) paymentResponse {
	return paymentResponse{
		ID:            intent.ID,
		MerchantID:    intent.MerchantID,
		Amount:        int64(intent.Amount),
		Currency:      intent.Currency,
		Status:        string(intent.Status),
		CaptureMethod: string(intent.CaptureMethod),
		AttemptID:     intent.ActiveAttemptID,
	}
}

func toRefundResponse(refund *payment.Refund) refundResponse {
	return refundResponse{
		ID:           refund.ID,
		PaymentID:    refund.PaymentID,
		Amount:       int64(refund.Amount),
		Currency:     refund.Currency,
		Status:       string(refund.Status),
		ErrorMessage: refund.ErrorMessage,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Error encoding response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var body errorBody

	switch {
	case errors.Is(err, service.ErrPaymentNotFound), errors.Is(err, service.ErrRefundNotFound):
		status = http.StatusNotFound
		body = errorBody{Type: "invalid_request", Code: "resource_missing", Message: err.Error()}
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
		body = errorBody{Type: "invalid_request", Code: "invalid_request_data", Message: err.Error()}
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrNoActiveAttempt):
		status = http.StatusUnprocessableEntity
		body = errorBody{Type: "invalid_request", Code: "invalid_state", Message: err.Error()}
	case errors.Is(err, service.ErrRefundExceedsCaptured):
		status = http.StatusUnprocessableEntity
		body = errorBody{Type: "invalid_request", Code: "refund_amount_exceeds_captured", Message: err.Error()}
	case errors.Is(err, routing.ErrNoEligibleConnectors):
		status = http.StatusUnprocessableEntity
		body = errorBody{Type: "routing_error", Code: "no_eligible_connectors", Message: err.Error()}
	default:
		h.logger.ErrorContext(r.Context(), "Internal error handling request", "error", err)
		status = http.StatusInternalServerError
		body = errorBody{Type: "internal_error", Code: "internal_server_error", Message: "internal server error"}
	}

	h.writeJSON(w, status, body)
}
