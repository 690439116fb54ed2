package reconcile

import (
	"payment-router/internal/dispatch"
	"payment-router/internal/payment"
)

// UpdateFromDispatch classifies a dispatcher result into an attempt update.
// noopStatus is the status a flow reaches when the connector satisfied it
// without a network call (e.g. capture of an auto-captured charge).
func UpdateFromDispatch(result *dispatch.Result, noopStatus payment.AttemptStatus) AttemptUpdate {
	if result.Ambiguous {
		// the call may have reached the processor: stay pending and let
		// the deferred sync resolve the true outcome
		return AttemptUpdate{Status: payment.AttemptPending, ScheduleSync: true}
	}

	if result.NoOp {
		return AttemptUpdate{Status: noopStatus}
	}

	rd := result.RouterData
	if rd.ErrorResponse != nil {
		code := rd.ErrorResponse.Code
		message := rd.ErrorResponse.Message
		if rd.ErrorResponse.Retryable {
			return AttemptUpdate{
				Status:       payment.AttemptPending,
				ErrorCode:    &code,
				ErrorMessage: &message,
				ScheduleSync: true,
			}
		}
		return AttemptUpdate{
			Status:       payment.AttemptFailure,
			ErrorCode:    &code,
			ErrorMessage: &message,
		}
	}

	resp := rd.PaymentResponse
	return AttemptUpdate{
		Status:                 resp.Status,
		ConnectorTransactionID: resp.ConnectorTransactionID,
	}
}

// RefundUpdateFromDispatch is the refund-flow counterpart.
func RefundUpdateFromDispatch(result *dispatch.Result) RefundUpdate {
	if result.Ambiguous {
		return RefundUpdate{Status: payment.RefundPending}
	}

	rd := result.RouterData
	if rd.ErrorResponse != nil {
		message := rd.ErrorResponse.Message
		if rd.ErrorResponse.Retryable {
			return RefundUpdate{Status: payment.RefundPending, ErrorMessage: &message}
		}
		return RefundUpdate{Status: payment.RefundFailure, ErrorMessage: &message}
	}

	resp := rd.RefundResponse
	return RefundUpdate{
		Status:            resp.Status,
		ConnectorRefundID: resp.ConnectorRefundID,
	}
}
