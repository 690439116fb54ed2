package payment

// AttemptStatus represents the state of one connector execution try.
type AttemptStatus string

const (
	AttemptStarted                  AttemptStatus = "started"
	AttemptAuthenticationPending    AttemptStatus = "authentication_pending"
	AttemptAuthenticationSuccessful AttemptStatus = "authentication_successful"
	AttemptAuthenticationFailed     AttemptStatus = "authentication_failed"
	AttemptAuthorizing              AttemptStatus = "authorizing"
	AttemptAuthorized               AttemptStatus = "authorized"
	AttemptCaptureInitiated         AttemptStatus = "capture_initiated"
	AttemptCaptureFailed            AttemptStatus = "capture_failed"
	AttemptCharged                  AttemptStatus = "charged"
	AttemptVoidInitiated            AttemptStatus = "void_initiated"
	AttemptVoided                   AttemptStatus = "voided"
	AttemptVoidFailed               AttemptStatus = "void_failed"
	AttemptPending                  AttemptStatus = "pending"
	AttemptFailure                  AttemptStatus = "failure"
	AttemptPartialCharged           AttemptStatus = "partial_charged"
	AttemptRouterDeclined           AttemptStatus = "router_declined"
	AttemptCodInitiated             AttemptStatus = "cod_initiated"
	AttemptAutoRefunded             AttemptStatus = "auto_refunded"
)

// IntentStatus is the merchant-visible payment state.
type IntentStatus string

const (
	IntentRequiresPaymentMethod  IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation   IntentStatus = "requires_confirmation"
	IntentRequiresCustomerAction IntentStatus = "requires_customer_action"
	IntentRequiresCapture        IntentStatus = "requires_capture"
	IntentProcessing             IntentStatus = "processing"
	IntentSucceeded              IntentStatus = "succeeded"
	IntentFailed                 IntentStatus = "failed"
	IntentCancelled              IntentStatus = "cancelled"
)

type RefundStatus string

const (
	RefundPending            RefundStatus = "pending"
	RefundSuccess            RefundStatus = "success"
	RefundFailure            RefundStatus = "failure"
	RefundManualReview       RefundStatus = "manual_review"
	RefundTransactionFailure RefundStatus = "transaction_failure"
)

// attemptRank orders attempt statuses along the forward progression of the
// state machine. A higher rank is "more advanced"; updates never move to a
// lower rank unless the connector transaction id proves the source.
var attemptRank = map[AttemptStatus]int{
	AttemptStarted:                  0,
	AttemptAuthenticationPending:    1,
	AttemptAuthorizing:              1,
	AttemptAuthenticationSuccessful: 2,
	AttemptAuthorized:               2,
	AttemptPending:                  2,
	AttemptCodInitiated:             2,
	AttemptCaptureInitiated:         3,
	AttemptVoidInitiated:            3,
	AttemptCaptureFailed:            4,
	AttemptVoidFailed:               4,
	AttemptPartialCharged:           4,
	AttemptAuthenticationFailed:     5,
	AttemptRouterDeclined:           5,
	AttemptFailure:                  5,
	AttemptVoided:                   5,
	AttemptCharged:                  5,
	AttemptAutoRefunded:             6,
}

func (s AttemptStatus) Rank() int {
	return attemptRank[s]
}

// IsTerminal reports whether no further transition is expected. Charged may
// still advance to AutoRefunded on a connector-initiated refund.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptCharged, AttemptFailure, AttemptVoided, AttemptAutoRefunded,
		AttemptAuthenticationFailed, AttemptRouterDeclined:
		return true
	default:
		return false
	}
}

// ShouldApply decides whether an incoming status update is accepted over the
// current one. txnMatch is true when the update carries the connector
// transaction id already recorded on the attempt, which makes the update the
// source of truth and lets it win over speculative states.
func ShouldApply(current, incoming AttemptStatus, txnMatch bool) bool {
	if incoming == current {
		// idempotent re-application is a no-op
		return false
	}
	if current.IsTerminal() {
		return txnMatch && incoming.Rank() > current.Rank()
	}
	if incoming.Rank() >= current.Rank() {
		return true
	}
	return txnMatch
}

// IntentStatusFor projects the attempt status onto the intent, with the
// manual-capture override for authorized attempts.
func IntentStatusFor(s AttemptStatus, capture CaptureMethod) IntentStatus {
	switch s {
	case AttemptStarted, AttemptAuthorizing, AttemptAuthenticationSuccessful,
		AttemptPending, AttemptCaptureInitiated, AttemptVoidInitiated:
		return IntentProcessing
	case AttemptAuthenticationPending, AttemptCodInitiated:
		return IntentRequiresCustomerAction
	case AttemptAuthorized:
		if capture == CaptureManual {
			return IntentRequiresCapture
		}
		return IntentProcessing
	case AttemptCharged, AttemptPartialCharged:
		return IntentSucceeded
	case AttemptVoided:
		return IntentCancelled
	case AttemptAutoRefunded:
		return IntentCancelled
	case AttemptAuthenticationFailed, AttemptFailure, AttemptRouterDeclined,
		AttemptCaptureFailed, AttemptVoidFailed:
		return IntentFailed
	default:
		return IntentProcessing
	}
}
