// Package reconcile is the single authority for merging connector outcomes
// into canonical payment state. Every update, whether from a dispatched
// call, a deferred sync or an inbound webhook, funnels through here; the
// attempt row lock serializes writers per attempt.
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"payment-router/internal/connector"
	"payment-router/internal/db"
	"payment-router/internal/logging"
	"payment-router/internal/payment"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var (
	appliedCounter    = metrics.GetOrCreateCounter(`reconcile_updates_total{result="applied"}`)
	skippedCounter    = metrics.GetOrCreateCounter(`reconcile_updates_total{result="skipped"}`)
	regressionCounter = metrics.GetOrCreateCounter(`reconcile_updates_total{result="stale_rejected"}`)
)

var (
	ErrAttemptNotFound = errors.New("payment attempt not found for connector reference")
	ErrRefundNotFound  = errors.New("refund not found for connector reference")
)

// AttemptUpdate is one incoming status observation for an attempt.
type AttemptUpdate struct {
	Status                 payment.AttemptStatus
	ConnectorTransactionID string
	ErrorCode              *string
	ErrorMessage           *string
	// SourceOfTruth marks updates that carry the connector transaction id
	// already recorded on the attempt; they win over speculative states.
	SourceOfTruth bool
	// ScheduleSync defers resolution of an ambiguous outcome to the syncer.
	ScheduleSync bool
}

type RefundUpdate struct {
	Status            payment.RefundStatus
	ConnectorRefundID string
	ErrorMessage      *string
}

type Reconciler struct {
	repo      *db.PaymentRepository
	syncDelay time.Duration
	logger    *slog.Logger
}

func NewReconciler(repo *db.PaymentRepository, syncDelay time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{repo: repo, syncDelay: syncDelay, logger: logger}
}

// ApplyAttemptUpdate merges one observation into the attempt and reprojects
// the owning intent, all inside one transaction holding the attempt row
// lock. Returns the attempt as persisted, whether or not the update was
// applied.
func (r *Reconciler) ApplyAttemptUpdate(ctx context.Context, attemptID uuid.UUID, upd AttemptUpdate) (*payment.PaymentAttempt, error) {
	tx, err := r.repo.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "starting reconcile transaction")
	}
	defer tx.Rollback(ctx)

	attempt, err := r.repo.SelectAttemptForUpdate(ctx, tx, attemptID)
	if err != nil {
		return nil, errors.Wrap(err, "locking attempt")
	}

	attempt, err = r.applyLocked(ctx, tx, attempt, upd)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing reconcile transaction")
	}
	return attempt, nil
}

func (r *Reconciler) applyLocked(ctx context.Context, tx pgx.Tx, attempt *payment.PaymentAttempt, upd AttemptUpdate) (*payment.PaymentAttempt, error) {
	ctx = logging.AppendCtx(ctx, slog.String("attemptId", attempt.ID.String()))

	txnMatch := upd.SourceOfTruth ||
		(attempt.ConnectorTransactionID != nil && upd.ConnectorTransactionID != "" &&
			*attempt.ConnectorTransactionID == upd.ConnectorTransactionID)

	if !payment.ShouldApply(attempt.Status, upd.Status, txnMatch) {
		if attempt.Status == upd.Status {
			r.logger.InfoContext(ctx, "Idempotent re-application, no-op", "status", attempt.Status)
			skippedCounter.Inc()
		} else {
			r.logger.WarnContext(ctx, "Rejecting stale status update",
				"current", attempt.Status, "incoming", upd.Status)
			regressionCounter.Inc()
		}
		return attempt, nil
	}

	// the connector transaction id is the idempotency anchor for webhook
	// correlation: set at most once, never overwritten
	if upd.ConnectorTransactionID != "" {
		if attempt.ConnectorTransactionID == nil {
			id := upd.ConnectorTransactionID
			attempt.ConnectorTransactionID = &id
		} else if *attempt.ConnectorTransactionID != upd.ConnectorTransactionID {
			r.logger.WarnContext(ctx, "Ignoring conflicting connector transaction id",
				"stored", *attempt.ConnectorTransactionID, "incoming", upd.ConnectorTransactionID)
		}
	}

	attempt.Status = upd.Status
	attempt.ErrorCode = upd.ErrorCode
	attempt.ErrorMessage = upd.ErrorMessage

	if upd.ScheduleSync && !upd.Status.IsTerminal() {
		syncAfter := time.Now().Add(r.syncDelay)
		attempt.SyncAfter = &syncAfter
	} else {
		attempt.SyncAfter = nil
	}

	if err := r.repo.UpdateAttempt(ctx, tx, attempt); err != nil {
		return nil, err
	}

	if err := r.reprojectIntent(ctx, tx, attempt); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "Applied attempt status update", "status", attempt.Status)
	appliedCounter.Inc()
	return attempt, nil
}

// reprojectIntent recomputes the intent status from its active attempt and
// queues an outgoing merchant webhook for the change.
func (r *Reconciler) reprojectIntent(ctx context.Context, tx pgx.Tx, attempt *payment.PaymentAttempt) error {
	intent, err := r.repo.SelectIntentForUpdate(ctx, tx, attempt.PaymentID)
	if err != nil {
		return errors.Wrap(err, "locking intent")
	}

	if intent.ActiveAttemptID == nil || *intent.ActiveAttemptID != attempt.ID {
		// a superseded attempt no longer drives the intent status
		return nil
	}

	projected := payment.IntentStatusFor(attempt.Status, intent.CaptureMethod)
	if projected == intent.Status {
		return nil
	}

	intent.Status = projected
	if err := r.repo.UpdateIntent(ctx, tx, intent); err != nil {
		return err
	}

	return r.queueMerchantWebhook(ctx, tx, intent, attempt.Connector)
}

func (r *Reconciler) queueMerchantWebhook(ctx context.Context, tx pgx.Tx, intent *payment.PaymentIntent, connectorName string) error {
	account, err := r.repo.GetAccount(ctx, intent.MerchantID, connectorName)
	if err != nil || account.MerchantWebhookURL == "" {
		// merchants without a webhook endpoint simply poll
		return nil
	}

	payloadBytes, err := json.Marshal(map[string]any{
		"payment_id": intent.ID,
		"status":     intent.Status,
		"amount":     intent.Amount,
		"currency":   intent.Currency,
	})
	if err != nil {
		return errors.Wrap(err, "marshalling merchant webhook payload")
	}

	now := time.Now()
	return r.repo.CreateOutgoingWebhook(ctx, tx, &db.OutgoingWebhookEntity{
		ID:          uuid.New(),
		PaymentID:   intent.ID,
		MerchantID:  intent.MerchantID,
		Url:         account.MerchantWebhookURL,
		Payload:     string(payloadBytes),
		ScheduledAt: &now,
	})
}

// ApplyWebhookEvent resolves the entity an inbound webhook refers to and
// applies the mapped status. Webhook updates are source of truth: the
// correlation is by stored connector transaction id.
func (r *Reconciler) ApplyWebhookEvent(ctx context.Context, connectorName string, ref connector.ObjectReference, event connector.EventType) error {
	switch ref.Kind {
	case connector.RefRefund:
		return r.applyRefundWebhook(ctx, connectorName, ref, event)
	case connector.RefDispute:
		// disputes are recorded for visibility only; there is no dispute
		// state machine here
		r.logger.InfoContext(ctx, "Received dispute webhook",
			"connector", connectorName, "transactionId", ref.ConnectorTransactionID, "event", event)
		return nil
	default:
		return r.applyPaymentWebhook(ctx, connectorName, ref, event)
	}
}

func (r *Reconciler) applyPaymentWebhook(ctx context.Context, connectorName string, ref connector.ObjectReference, event connector.EventType) error {
	status, ok := attemptStatusForEvent(event)
	if !ok {
		r.logger.InfoContext(ctx, "Ignoring unsupported webhook event", "event", event)
		return nil
	}

	tx, err := r.repo.BeginTx(ctx)
	if err != nil {
		return errors.Wrap(err, "starting reconcile transaction")
	}
	defer tx.Rollback(ctx)

	attempt, err := r.repo.SelectAttemptForUpdateByConnectorTxnID(ctx, tx, connectorName, ref.ConnectorTransactionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAttemptNotFound
		}
		return errors.Wrap(err, "locking attempt by connector reference")
	}

	if _, err := r.applyLocked(ctx, tx, attempt, AttemptUpdate{
		Status:                 status,
		ConnectorTransactionID: ref.ConnectorTransactionID,
		SourceOfTruth:          true,
	}); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(ctx), "committing reconcile transaction")
}

func (r *Reconciler) applyRefundWebhook(ctx context.Context, connectorName string, ref connector.ObjectReference, event connector.EventType) error {
	status, ok := refundStatusForEvent(event)
	if !ok {
		r.logger.InfoContext(ctx, "Ignoring unsupported refund webhook event", "event", event)
		return nil
	}

	tx, err := r.repo.BeginTx(ctx)
	if err != nil {
		return errors.Wrap(err, "starting reconcile transaction")
	}
	defer tx.Rollback(ctx)

	refund, err := r.repo.SelectRefundForUpdateByConnectorRefundID(ctx, tx, connectorName, ref.ConnectorRefundID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRefundNotFound
		}
		return errors.Wrap(err, "locking refund by connector reference")
	}

	if refund.Status == status {
		skippedCounter.Inc()
		return nil
	}

	refund.Status = status
	if err := r.repo.UpdateRefund(ctx, tx, refund); err != nil {
		return err
	}

	appliedCounter.Inc()
	return errors.Wrap(tx.Commit(ctx), "committing reconcile transaction")
}

// ApplyRefundUpdate merges a dispatched refund outcome.
func (r *Reconciler) ApplyRefundUpdate(ctx context.Context, refundID uuid.UUID, upd RefundUpdate) (*payment.Refund, error) {
	tx, err := r.repo.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "starting reconcile transaction")
	}
	defer tx.Rollback(ctx)

	refund, err := r.repo.SelectRefundForUpdate(ctx, tx, refundID)
	if err != nil {
		return nil, errors.Wrap(err, "locking refund")
	}

	if upd.ConnectorRefundID != "" && refund.ConnectorRefundID == nil {
		id := upd.ConnectorRefundID
		refund.ConnectorRefundID = &id
	}
	refund.Status = upd.Status
	refund.ErrorMessage = upd.ErrorMessage

	if err := r.repo.UpdateRefund(ctx, tx, refund); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing reconcile transaction")
	}

	appliedCounter.Inc()
	return refund, nil
}

func attemptStatusForEvent(event connector.EventType) (payment.AttemptStatus, bool) {
	switch event {
	case connector.EventPaymentSuccess:
		return payment.AttemptCharged, true
	case connector.EventPaymentFailure:
		return payment.AttemptFailure, true
	case connector.EventPaymentProcessing:
		return payment.AttemptPending, true
	case connector.EventPaymentCancelled:
		return payment.AttemptVoided, true
	default:
		return "", false
	}
}

func refundStatusForEvent(event connector.EventType) (payment.RefundStatus, bool) {
	switch event {
	case connector.EventRefundSuccess:
		return payment.RefundSuccess, true
	case connector.EventRefundFailure:
		return payment.RefundFailure, true
	default:
		return "", false
	}
}
