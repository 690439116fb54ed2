package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldApply(t *testing.T) {
	tests := []struct {
		name     string
		current  AttemptStatus
		incoming AttemptStatus
		txnMatch bool
		expected bool
	}{
		{
			name:     "forward progression is accepted",
			current:  AttemptStarted,
			incoming: AttemptAuthorized,
			expected: true,
		},
		{
			name:     "same rank is accepted",
			current:  AttemptAuthorized,
			incoming: AttemptPending,
			expected: true,
		},
		{
			name:     "idempotent re-application is a no-op",
			current:  AttemptCharged,
			incoming: AttemptCharged,
			txnMatch: true,
			expected: false,
		},
		{
			name:     "regression without txn match is rejected",
			current:  AttemptAuthorized,
			incoming: AttemptStarted,
			expected: false,
		},
		{
			name:     "regression with txn match is accepted",
			current:  AttemptAuthorized,
			incoming: AttemptAuthorizing,
			txnMatch: true,
			expected: true,
		},
		{
			name:     "terminal state rejects lower update even with txn match",
			current:  AttemptCharged,
			incoming: AttemptPending,
			txnMatch: true,
			expected: false,
		},
		{
			name:     "terminal state rejects sibling terminal without txn match",
			current:  AttemptFailure,
			incoming: AttemptCharged,
			expected: false,
		},
		{
			name:     "charged advances to auto refunded with txn match",
			current:  AttemptCharged,
			incoming: AttemptAutoRefunded,
			txnMatch: true,
			expected: true,
		},
		{
			name:     "charged does not advance to auto refunded without txn match",
			current:  AttemptCharged,
			incoming: AttemptAutoRefunded,
			expected: false,
		},
		{
			name:     "pending to charged",
			current:  AttemptPending,
			incoming: AttemptCharged,
			expected: true,
		},
		{
			name:     "pending to failure",
			current:  AttemptPending,
			incoming: AttemptFailure,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ShouldApply(tt.current, tt.incoming, tt.txnMatch))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []AttemptStatus{
		AttemptCharged, AttemptFailure, AttemptVoided, AttemptAutoRefunded,
		AttemptAuthenticationFailed, AttemptRouterDeclined,
	}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}

	nonTerminal := []AttemptStatus{
		AttemptStarted, AttemptAuthorizing, AttemptAuthorized, AttemptPending,
		AttemptCaptureInitiated, AttemptAuthenticationPending,
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "expected %s to be non-terminal", s)
	}
}

func TestIntentStatusFor(t *testing.T) {
	tests := []struct {
		name     string
		status   AttemptStatus
		capture  CaptureMethod
		expected IntentStatus
	}{
		{"authorized manual capture", AttemptAuthorized, CaptureManual, IntentRequiresCapture},
		{"authorized automatic capture", AttemptAuthorized, CaptureAutomatic, IntentProcessing},
		{"charged", AttemptCharged, CaptureAutomatic, IntentSucceeded},
		{"partial charged", AttemptPartialCharged, CaptureAutomatic, IntentSucceeded},
		{"voided", AttemptVoided, CaptureManual, IntentCancelled},
		{"auto refunded", AttemptAutoRefunded, CaptureAutomatic, IntentCancelled},
		{"failure", AttemptFailure, CaptureAutomatic, IntentFailed},
		{"authentication failed", AttemptAuthenticationFailed, CaptureAutomatic, IntentFailed},
		{"pending", AttemptPending, CaptureAutomatic, IntentProcessing},
		{"authentication pending", AttemptAuthenticationPending, CaptureAutomatic, IntentRequiresCustomerAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IntentStatusFor(tt.status, tt.capture))
		})
	}
}
