package reconcile

import (
	"testing"

	"payment-router/internal/connector"
	"payment-router/internal/dispatch"
	"payment-router/internal/payment"

	"github.com/stretchr/testify/assert"
)

func TestUpdateFromDispatch(t *testing.T) {
	tests := []struct {
		name           string
		result         *dispatch.Result
		noopStatus     payment.AttemptStatus
		expectedStatus payment.AttemptStatus
		expectSync     bool
	}{
		{
			name:           "ambiguous outcome stays pending with deferred sync",
			result:         &dispatch.Result{RouterData: &connector.RouterData{}, Ambiguous: true},
			expectedStatus: payment.AttemptPending,
			expectSync:     true,
		},
		{
			name:           "noop resolves to the given status",
			result:         &dispatch.Result{RouterData: &connector.RouterData{}, NoOp: true},
			noopStatus:     payment.AttemptCharged,
			expectedStatus: payment.AttemptCharged,
		},
		{
			name: "successful response carries connector status",
			result: &dispatch.Result{RouterData: &connector.RouterData{
				PaymentResponse: &connector.PaymentsResponse{
					ConnectorTransactionID: "ch_123",
					Status:                 payment.AttemptAuthorized,
				},
			}},
			expectedStatus: payment.AttemptAuthorized,
		},
		{
			name: "terminal error fails the attempt",
			result: &dispatch.Result{RouterData: &connector.RouterData{
				ErrorResponse: &connector.ErrorResponse{Code: "card_declined", Message: "declined"},
			}},
			expectedStatus: payment.AttemptFailure,
		},
		{
			name: "retryable error stays pending with deferred sync",
			result: &dispatch.Result{RouterData: &connector.RouterData{
				ErrorResponse: &connector.ErrorResponse{Code: "internal", Message: "boom", Retryable: true},
			}},
			expectedStatus: payment.AttemptPending,
			expectSync:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upd := UpdateFromDispatch(tt.result, tt.noopStatus)
			assert.Equal(t, tt.expectedStatus, upd.Status)
			assert.Equal(t, tt.expectSync, upd.ScheduleSync)
		})
	}
}

func TestUpdateFromDispatch_CarriesTransactionID(t *testing.T) {
	upd := UpdateFromDispatch(&dispatch.Result{RouterData: &connector.RouterData{
		PaymentResponse: &connector.PaymentsResponse{
			ConnectorTransactionID: "ch_123",
			Status:                 payment.AttemptCharged,
		},
	}}, payment.AttemptPending)

	assert.Equal(t, "ch_123", upd.ConnectorTransactionID)
	assert.Equal(t, payment.AttemptCharged, upd.Status)
}

func TestUpdateFromDispatch_ErrorDetails(t *testing.T) {
	upd := UpdateFromDispatch(&dispatch.Result{RouterData: &connector.RouterData{
		ErrorResponse: &connector.ErrorResponse{Code: "card_declined", Message: "Your card was declined."},
	}}, payment.AttemptPending)

	assert.Equal(t, "card_declined", *upd.ErrorCode)
	assert.Equal(t, "Your card was declined.", *upd.ErrorMessage)
}

func TestRefundUpdateFromDispatch(t *testing.T) {
	tests := []struct {
		name           string
		result         *dispatch.Result
		expectedStatus payment.RefundStatus
	}{
		{
			name:           "ambiguous outcome stays pending",
			result:         &dispatch.Result{RouterData: &connector.RouterData{}, Ambiguous: true},
			expectedStatus: payment.RefundPending,
		},
		{
			name: "successful response carries refund status",
			result: &dispatch.Result{RouterData: &connector.RouterData{
				RefundResponse: &connector.RefundsResponse{
					ConnectorRefundID: "re_123",
					Status:            payment.RefundSuccess,
				},
			}},
			expectedStatus: payment.RefundSuccess,
		},
		{
			name: "terminal error fails the refund",
			result: &dispatch.Result{RouterData: &connector.RouterData{
				ErrorResponse: &connector.ErrorResponse{Code: "invalid", Message: "nope"},
			}},
			expectedStatus: payment.RefundFailure,
		},
		{
			name: "retryable error stays pending",
			result: &dispatch.Result{RouterData: &connector.RouterData{
				ErrorResponse: &connector.ErrorResponse{Code: "internal", Message: "boom", Retryable: true},
			}},
			expectedStatus: payment.RefundPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upd := RefundUpdateFromDispatch(tt.result)
			assert.Equal(t, tt.expectedStatus, upd.Status)
		})
	}
}
