// Package syncer resolves attempts whose last connector call ended
// ambiguously. It polls attempts past their sync deadline, replays a
// status sync against the connector and feeds the outcome back through
// reconciliation.
package syncer

import (
	"context"
	"log/slog"
	"time"

	"payment-router/internal/config"
	"payment-router/internal/connector"
	"payment-router/internal/db"
	"payment-router/internal/dispatch"
	"payment-router/internal/logging"
	"payment-router/internal/payment"
	"payment-router/internal/reconcile"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

const (
	defaultPollingIntervalMs = 2_000
	defaultFetchSize         = 100
	defaultRetryDelayMs      = 30_000
	defaultGiveUpAfterMs     = 24 * 60 * 60 * 1000
)

var (
	syncResolvedCounter   = metrics.GetOrCreateCounter(`payment_sync_total{result="resolved"}`)
	syncPendingCounter    = metrics.GetOrCreateCounter(`payment_sync_total{result="still_pending"}`)
	syncGiveUpCounter     = metrics.GetOrCreateCounter(`payment_sync_total{result="gave_up"}`)
	syncErrorCounter      = metrics.GetOrCreateCounter(`payment_sync_total{result="error"}`)
	syncUnsyncableCounter = metrics.GetOrCreateCounter(`payment_sync_total{result="unsyncable"}`)

	syncDurationHistogram = metrics.GetOrCreateHistogram(`payment_sync_duration_milliseconds`)
)

type Runner struct {
	repo            *db.PaymentRepository
	registry        *connector.Registry
	dispatcher      *dispatch.Dispatcher
	reconciler      *reconcile.Reconciler
	pollingInterval time.Duration
	fetchSize       int
	retryDelay      time.Duration
	giveUpAfter     time.Duration
	logger          *slog.Logger
}

func NewRunner(repo *db.PaymentRepository, registry *connector.Registry, dispatcher *dispatch.Dispatcher, reconciler *reconcile.Reconciler, logger *slog.Logger) *Runner {
	return &Runner{
		repo:            repo,
		registry:        registry,
		dispatcher:      dispatcher,
		reconciler:      reconciler,
		pollingInterval: time.Duration(config.GetInt("SYNCER_POLLING_INTERVAL_MS", defaultPollingIntervalMs)) * time.Millisecond,
		fetchSize:       config.GetInt("SYNCER_FETCH_SIZE", defaultFetchSize),
		retryDelay:      time.Duration(config.GetInt("SYNCER_RETRY_DELAY_MS", defaultRetryDelayMs)) * time.Millisecond,
		giveUpAfter:     time.Duration(config.GetInt("SYNCER_GIVE_UP_AFTER_MS", defaultGiveUpAfterMs)) * time.Millisecond,
		logger:          logger,
	}
}

func (r *Runner) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.process(ctx)
			case <-ctx.Done():
				r.logger.InfoContext(ctx, "Context done, stopping syncer")
				return
			}
		}
	}()
}

// process claims a batch of due attempts and pushes their deadline forward
// before releasing the row locks, so a crash mid-batch only delays the
// retry instead of losing it. The actual connector calls run outside the
// claiming transaction.
func (r *Runner) process(ctx context.Context) {
	startTime := time.Now()

	ctx = logging.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	attempts, err := r.claimDue(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error claiming due sync attempts", "error", err)
		syncErrorCounter.Inc()
		return
	}

	for _, attempt := range attempts {
		r.syncOne(ctx, attempt)
	}

	syncDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}

func (r *Runner) claimDue(ctx context.Context) ([]*payment.PaymentAttempt, error) {
	tx, err := r.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	attempts, err := r.repo.GetDueSyncAttempts(ctx, tx, r.fetchSize)
	if err != nil {
		return nil, err
	}

	next := time.Now().Add(r.retryDelay)
	for _, attempt := range attempts {
		attempt.SyncAfter = &next
		if err := r.repo.UpdateAttempt(ctx, tx, attempt); err != nil {
			return nil, err
		}
	}

	return attempts, tx.Commit(ctx)
}

func (r *Runner) syncOne(ctx context.Context, attempt *payment.PaymentAttempt) {
	ctx = logging.AppendCtx(ctx, slog.String("attemptId", attempt.ID.String()))

	if time.Since(attempt.CreatedAt) > r.giveUpAfter {
		r.logger.WarnContext(ctx, "Attempt unresolved past the sync window, marking failed")
		r.applyFailure(ctx, attempt, "sync_timeout", "payment could not be confirmed with the processor")
		syncGiveUpCounter.Inc()
		return
	}

	if attempt.ConnectorTransactionID == nil {
		// without a processor reference there is nothing to sync against;
		// an inbound webhook can still resolve the attempt later
		r.logger.WarnContext(ctx, "Attempt has no connector transaction id, skipping sync")
		syncUnsyncableCounter.Inc()
		return
	}

	conn, ok := r.registry.Resolve(attempt.Connector)
	if !ok {
		r.logger.ErrorContext(ctx, "Connector no longer registered", "connector", attempt.Connector)
		syncErrorCounter.Inc()
		return
	}

	account, err := r.repo.GetAccount(ctx, attempt.MerchantID, attempt.Connector)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error loading connector account", "error", err)
		syncErrorCounter.Inc()
		return
	}

	auth, err := connector.AuthTypeFromAccount(*account)
	if err != nil {
		r.logger.ErrorContext(ctx, "Connector account credentials are malformed", "error", err)
		syncErrorCounter.Inc()
		return
	}

	rd := &connector.RouterData{
		MerchantID: attempt.MerchantID,
		Connector:  attempt.Connector,
		PaymentID:  attempt.PaymentID,
		AttemptID:  attempt.ID,
		Auth:       auth,
		PaymentRequest: &connector.PaymentsRequest{
			Amount:                 attempt.Amount,
			Currency:               attempt.Currency,
			ConnectorTransactionID: *attempt.ConnectorTransactionID,
		},
	}

	result, err := r.dispatcher.Execute(ctx, connector.FlowPSync, conn, rd)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error dispatching sync", "connector", attempt.Connector, "error", err)
		syncErrorCounter.Inc()
		return
	}

	upd := reconcile.UpdateFromDispatch(result, attempt.Status)
	if _, err := r.reconciler.ApplyAttemptUpdate(ctx, attempt.ID, upd); err != nil {
		r.logger.ErrorContext(ctx, "Error reconciling sync outcome", "error", err)
		syncErrorCounter.Inc()
		return
	}

	if upd.Status.IsTerminal() {
		r.logger.InfoContext(ctx, "Deferred sync resolved attempt", "status", upd.Status)
		syncResolvedCounter.Inc()
	} else {
		syncPendingCounter.Inc()
	}
}

func (r *Runner) applyFailure(ctx context.Context, attempt *payment.PaymentAttempt, code, message string) {
	upd := reconcile.AttemptUpdate{
		Status:       payment.AttemptFailure,
		ErrorCode:    &code,
		ErrorMessage: &message,
	}
	if _, err := r.reconciler.ApplyAttemptUpdate(ctx, attempt.ID, upd); err != nil {
		r.logger.ErrorContext(ctx, "Error marking attempt failed", "error", err)
		syncErrorCounter.Inc()
	}
}
