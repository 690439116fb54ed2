// Package service implements the merchant-facing payment operations. It
// owns the orchestration order: route, create the attempt, dispatch the
// connector flow and hand the outcome to reconciliation. It holds no
// status-merge logic of its own.
package service

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
	"payment-router/internal/routing"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const defaultMaxAttempts = 3

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrRefundNotFound  = errors.New("refund not found")
	ErrInvalidRequest  = errors.New("invalid request data")
	ErrInvalidState    = errors.New("operation not allowed in current payment state")
	ErrNoActiveAttempt = errors.New("payment has no active attempt")
	// ErrRefundExceedsCaptured guards the refund amount invariant: the sum of
	// non-failed refunds never exceeds the captured amount.
	ErrRefundExceedsCaptured = errors.New("refund amount exceeds refundable amount")
)

var (
	confirmSucceededCounter = metrics.GetOrCreateCounter(`payment_confirm_total{result="succeeded"}`)
	confirmPendingCounter   = metrics.GetOrCreateCounter(`payment_confirm_total{result="pending"}`)
	confirmFailedCounter    = metrics.GetOrCreateCounter(`payment_confirm_total{result="failed"}`)
	confirmFailoverCounter  = metrics.GetOrCreateCounter(`payment_confirm_total{result="failover"}`)
)

type CreatePaymentRequest struct {
	MerchantID    string
	ProfileID     string
	Amount        payment.Amount
	Currency      string
	CaptureMethod payment.CaptureMethod
}

type ConfirmPaymentRequest struct {
	PaymentMethod      connector.PaymentMethodData
	ReturnURL          string
	CardNetwork        string
	AuthenticationType string
	BillingCountry     string
	BusinessCountry    string
}

type RefundRequest struct {
	Amount payment.Amount
}

type Service struct {
	repo        *db.PaymentRepository
	engine      *routing.Engine
	registry    *connector.Registry
	dispatcher  *dispatch.Dispatcher
	reconciler  *reconcile.Reconciler
	maxAttempts int
	logger      *slog.Logger
}

func New(repo *db.PaymentRepository, engine *routing.Engine, registry *connector.Registry, dispatcher *dispatch.Dispatcher, reconciler *reconcile.Reconciler, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		engine:      engine,
		registry:    registry,
		dispatcher:  dispatcher,
		reconciler:  reconciler,
		maxAttempts: config.GetInt("ROUTING_MAX_ATTEMPTS", defaultMaxAttempts),
		logger:      logger,
	}
}

func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*payment.PaymentIntent, error) {
	if req.Amount <= 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "amount must be positive")
	}
	if req.Currency == "" || req.MerchantID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "merchant_id and currency are required")
	}

	captureMethod := req.CaptureMethod
	if captureMethod == "" {
		captureMethod = payment.CaptureAutomatic
	}

	now := time.Now()
	intent := &payment.PaymentIntent{
		ID:            uuid.New(),
		MerchantID:    req.MerchantID,
		ProfileID:     req.ProfileID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        payment.IntentRequiresConfirmation,
		CaptureMethod: captureMethod,
		CreatedAt:     now,
		ModifiedAt:    now,
	}

	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Created payment intent", "paymentId", intent.ID, "merchantId", intent.MerchantID)
	return intent, nil
}

// ConfirmPayment routes the payment and walks the candidate list, one
// attempt per connector. A hard decline ends the payment; a retryable
// connector error fails the attempt and moves on to the next candidate; an
// ambiguous transport outcome stops the walk because the charge may have
// landed, leaving resolution to the deferred sync.
func (s *Service) ConfirmPayment(ctx context.Context, paymentID uuid.UUID, req ConfirmPaymentRequest) (*payment.PaymentIntent, error) {
	intent, err := s.getIntent(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	ctx = logging.AppendCtx(ctx, slog.String("paymentId", intent.ID.String()))

	switch intent.Status {
	case payment.IntentRequiresConfirmation, payment.IntentRequiresPaymentMethod, payment.IntentFailed:
	default:
		return nil, errors.Wrapf(ErrInvalidState, "cannot confirm payment in status %s", intent.Status)
	}

	decision, err := s.engine.Decide(ctx, routing.Input{
		MerchantID: intent.MerchantID,
		ProfileID:  intent.ProfileID,
		Attributes: routing.BackendInput{
			Amount:             int64(intent.Amount),
			Currency:           intent.Currency,
			PaymentMethod:      req.PaymentMethod.Type,
			CardNetwork:        req.CardNetwork,
			AuthenticationType: req.AuthenticationType,
			CaptureMethod:      string(intent.CaptureMethod),
			BillingCountry:     req.BillingCountry,
			BusinessCountry:    req.BusinessCountry,
		},
	})
	if err != nil {
		return nil, err
	}

	candidates := decision.Candidates
	limit := s.maxAttempts
	if decision.Kind == routing.CallSingle {
		limit = 1
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for i, candidate := range candidates {
		attempt, err := s.startAttempt(ctx, intent, candidate, req)
		if err != nil {
			return nil, err
		}
		attemptCtx := logging.AppendCtx(ctx, slog.String("attemptId", attempt.ID.String()))
		attemptCtx = logging.AppendCtx(attemptCtx, slog.String("connector", candidate.Connector))

		result, dispatchErr := s.authorize(attemptCtx, intent, candidate, attempt, req)
		if dispatchErr != nil {
			// nothing left the building; fail the attempt and move on
			s.logger.WarnContext(attemptCtx, "Authorize dispatch failed", "error", dispatchErr)
			s.failAttempt(attemptCtx, attempt.ID, "dispatch_error", dispatchErr.Error())
			confirmFailoverCounter.Inc()
			continue
		}

		upd := reconcile.UpdateFromDispatch(result, payment.AttemptPending)

		retryable := !result.Ambiguous && result.RouterData.ErrorResponse != nil &&
			result.RouterData.ErrorResponse.Retryable
		if retryable && i < len(candidates)-1 {
			// the connector rejected the call without charging; the next
			// candidate gets its own attempt
			upd = reconcile.AttemptUpdate{
				Status:       payment.AttemptFailure,
				ErrorCode:    upd.ErrorCode,
				ErrorMessage: upd.ErrorMessage,
			}
			if _, err := s.reconciler.ApplyAttemptUpdate(attemptCtx, attempt.ID, upd); err != nil {
				return nil, err
			}
			confirmFailoverCounter.Inc()
			continue
		}

		if _, err := s.reconciler.ApplyAttemptUpdate(attemptCtx, attempt.ID, upd); err != nil {
			return nil, err
		}
		s.countConfirmOutcome(upd.Status)
		return s.getIntent(ctx, paymentID)
	}

	confirmFailedCounter.Inc()
	return s.getIntent(ctx, paymentID)
}

// CapturePayment captures a previously authorized payment.
func (s *Service) CapturePayment(ctx context.Context, paymentID uuid.UUID) (*payment.PaymentIntent, error) {
	intent, attempt, err := s.getIntentWithAttempt(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if intent.Status != payment.IntentRequiresCapture {
		return nil, errors.Wrapf(ErrInvalidState, "cannot capture payment in status %s", intent.Status)
	}

	result, err := s.executeOnAttempt(ctx, connector.FlowCapture, intent, attempt)
	if err != nil {
		return nil, err
	}

	upd := reconcile.UpdateFromDispatch(result, payment.AttemptCharged)
	if _, err := s.reconciler.ApplyAttemptUpdate(ctx, attempt.ID, upd); err != nil {
		return nil, err
	}
	return s.getIntent(ctx, paymentID)
}

// VoidPayment cancels an authorized, not yet captured payment.
func (s *Service) VoidPayment(ctx context.Context, paymentID uuid.UUID) (*payment.PaymentIntent, error) {
	intent, attempt, err := s.getIntentWithAttempt(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	switch intent.Status {
	case payment.IntentRequiresCapture, payment.IntentProcessing, payment.IntentRequiresCustomerAction:
	default:
		return nil, errors.Wrapf(ErrInvalidState, "cannot void payment in status %s", intent.Status)
	}

	result, err := s.executeOnAttempt(ctx, connector.FlowVoid, intent, attempt)
	if err != nil {
		return nil, err
	}

	upd := reconcile.UpdateFromDispatch(result, payment.AttemptVoided)
	if _, err := s.reconciler.ApplyAttemptUpdate(ctx, attempt.ID, upd); err != nil {
		return nil, err
	}
	return s.getIntent(ctx, paymentID)
}

// SyncPayment fetches the current status from the connector on demand.
func (s *Service) SyncPayment(ctx context.Context, paymentID uuid.UUID) (*payment.PaymentIntent, error) {
	intent, attempt, err := s.getIntentWithAttempt(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if attempt.ConnectorTransactionID == nil || attempt.Status.IsTerminal() {
		return intent, nil
	}

	result, err := s.executeOnAttempt(ctx, connector.FlowPSync, intent, attempt)
	if err != nil {
		return nil, err
	}

	upd := reconcile.UpdateFromDispatch(result, attempt.Status)
	if _, err := s.reconciler.ApplyAttemptUpdate(ctx, attempt.ID, upd); err != nil {
		return nil, err
	}
	return s.getIntent(ctx, paymentID)
}

// CreateRefund refunds part or all of a captured payment. The refundable
// amount is checked before any connector call so an over-refund is rejected
// without side effects.
func (s *Service) CreateRefund(ctx context.Context, paymentID uuid.UUID, req RefundRequest) (*payment.Refund, error) {
	intent, attempt, err := s.getIntentWithAttempt(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if intent.Status != payment.IntentSucceeded {
		return nil, errors.Wrapf(ErrInvalidState, "cannot refund payment in status %s", intent.Status)
	}
	if req.Amount <= 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "refund amount must be positive")
	}
	if attempt.ConnectorTransactionID == nil {
		return nil, errors.Wrap(ErrInvalidState, "payment has no connector transaction to refund")
	}

	refunded, err := s.repo.SumActiveRefunds(ctx, intent.ID)
	if err != nil {
		return nil, err
	}
	if refunded+req.Amount > intent.Amount {
		return nil, errors.Wrapf(ErrRefundExceedsCaptured, "requested %d, refundable %d",
			req.Amount, intent.Amount-refunded)
	}

	now := time.Now()
	refund := &payment.Refund{
		ID:         uuid.New(),
		PaymentID:  intent.ID,
		AttemptID:  attempt.ID,
		MerchantID: intent.MerchantID,
		Connector:  attempt.Connector,
		Status:     payment.RefundPending,
		Amount:     req.Amount,
		Currency:   intent.Currency,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if err := s.repo.CreateRefund(ctx, refund); err != nil {
		return nil, err
	}
	ctx = logging.AppendCtx(ctx, slog.String("refundId", refund.ID.String()))

	conn, auth, err := s.resolveConnector(ctx, intent.MerchantID, attempt.Connector)
	if err != nil {
		return nil, err
	}

	rd := &connector.RouterData{
		MerchantID: intent.MerchantID,
		Connector:  attempt.Connector,
		PaymentID:  intent.ID,
		AttemptID:  attempt.ID,
		Auth:       auth,
		RefundRequest: &connector.RefundsRequest{
			RefundID:               refund.ID,
			ConnectorTransactionID: *attempt.ConnectorTransactionID,
			Amount:                 req.Amount,
			Currency:               intent.Currency,
		},
	}

	result, err := s.dispatcher.Execute(ctx, connector.FlowRefund, conn, rd)
	if err != nil {
		return nil, err
	}

	return s.reconciler.ApplyRefundUpdate(ctx, refund.ID, reconcile.RefundUpdateFromDispatch(result))
}

// SyncRefund fetches the refund status from the connector on demand.
func (s *Service) SyncRefund(ctx context.Context, refundID uuid.UUID) (*payment.Refund, error) {
	refund, err := s.repo.GetRefundByID(ctx, refundID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}

	if refund.ConnectorRefundID == nil ||
		refund.Status == payment.RefundSuccess || refund.Status == payment.RefundFailure {
		return refund, nil
	}

	attempt, err := s.repo.GetAttemptByID(ctx, refund.AttemptID)
	if err != nil {
		return nil, err
	}

	conn, auth, err := s.resolveConnector(ctx, refund.MerchantID, refund.Connector)
	if err != nil {
		return nil, err
	}

	rd := &connector.RouterData{
		MerchantID: refund.MerchantID,
		Connector:  refund.Connector,
		PaymentID:  refund.PaymentID,
		AttemptID:  refund.AttemptID,
		Auth:       auth,
		RefundRequest: &connector.RefundsRequest{
			RefundID:          refund.ID,
			ConnectorRefundID: *refund.ConnectorRefundID,
			Amount:            refund.Amount,
			Currency:          refund.Currency,
		},
	}
	if attempt.ConnectorTransactionID != nil {
		rd.RefundRequest.ConnectorTransactionID = *attempt.ConnectorTransactionID
	}

	result, err := s.dispatcher.Execute(ctx, connector.FlowRSync, conn, rd)
	if err != nil {
		return nil, err
	}

	return s.reconciler.ApplyRefundUpdate(ctx, refund.ID, reconcile.RefundUpdateFromDispatch(result))
}

func (s *Service) GetPayment(ctx context.Context, paymentID uuid.UUID) (*payment.PaymentIntent, error) {
	return s.getIntent(ctx, paymentID)
}

// --- internals ---

func (s *Service) getIntent(ctx context.Context, paymentID uuid.UUID) (*payment.PaymentIntent, error) {
	intent, err := s.repo.GetIntentByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, errors.Wrap(err, "loading payment intent")
	}
	return intent, nil
}

func (s *Service) getIntentWithAttempt(ctx context.Context, paymentID uuid.UUID) (*payment.PaymentIntent, *payment.PaymentAttempt, error) {
	intent, err := s.getIntent(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	if intent.ActiveAttemptID == nil {
		return nil, nil, ErrNoActiveAttempt
	}
	attempt, err := s.repo.GetAttemptByID(ctx, *intent.ActiveAttemptID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading active attempt")
	}
	return intent, attempt, nil
}

// startAttempt persists the new attempt and promotes it to the intent's
// active attempt before any connector traffic.
func (s *Service) startAttempt(ctx context.Context, intent *payment.PaymentIntent, candidate routing.Candidate, req ConfirmPaymentRequest) (*payment.PaymentAttempt, error) {
	now := time.Now()
	attempt := &payment.PaymentAttempt{
		ID:            uuid.New(),
		PaymentID:     intent.ID,
		MerchantID:    intent.MerchantID,
		Connector:     candidate.Connector,
		Status:        payment.AttemptStarted,
		Amount:        intent.Amount,
		Currency:      intent.Currency,
		PaymentMethod: req.PaymentMethod.Type,
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	if err := s.repo.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "starting attempt transaction")
	}
	defer tx.Rollback(ctx)

	locked, err := s.repo.SelectIntentForUpdate(ctx, tx, intent.ID)
	if err != nil {
		return nil, errors.Wrap(err, "locking intent")
	}
	locked.ActiveAttemptID = &attempt.ID
	locked.Status = payment.IntentProcessing
	if err := s.repo.UpdateIntent(ctx, tx, locked); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing attempt transaction")
	}

	intent.ActiveAttemptID = &attempt.ID
	intent.Status = payment.IntentProcessing
	return attempt, nil
}

func (s *Service) authorize(ctx context.Context, intent *payment.PaymentIntent, candidate routing.Candidate, attempt *payment.PaymentAttempt, req ConfirmPaymentRequest) (*dispatch.Result, error) {
	conn, ok := s.registry.Resolve(candidate.Connector)
	if !ok {
		return nil, errors.Errorf("connector %s is not registered", candidate.Connector)
	}
	auth, err := connector.AuthTypeFromAccount(*candidate.Account)
	if err != nil {
		return nil, err
	}

	rd := &connector.RouterData{
		MerchantID: attempt.MerchantID,
		Connector:  attempt.Connector,
		PaymentID:  attempt.PaymentID,
		AttemptID:  attempt.ID,
		Auth:       auth,
		PaymentRequest: &connector.PaymentsRequest{
			Amount:           attempt.Amount,
			Currency:         attempt.Currency,
			PaymentMethod:    req.PaymentMethod,
			AutomaticCapture: intent.CaptureMethod == payment.CaptureAutomatic,
			ReturnURL:        req.ReturnURL,
		},
	}

	return s.dispatcher.Execute(ctx, connector.FlowAuthorize, conn, rd)
}

// executeOnAttempt runs a follow-up flow (capture, void, sync) against the
// connector that owns the attempt.
func (s *Service) executeOnAttempt(ctx context.Context, flow connector.Flow, intent *payment.PaymentIntent, attempt *payment.PaymentAttempt) (*dispatch.Result, error) {
	conn, auth, err := s.resolveConnector(ctx, intent.MerchantID, attempt.Connector)
	if err != nil {
		return nil, err
	}

	rd := &connector.RouterData{
		MerchantID: intent.MerchantID,
		Connector:  attempt.Connector,
		PaymentID:  intent.ID,
		AttemptID:  attempt.ID,
		Auth:       auth,
		PaymentRequest: &connector.PaymentsRequest{
			Amount:           attempt.Amount,
			Currency:         attempt.Currency,
			AutomaticCapture: intent.CaptureMethod == payment.CaptureAutomatic,
		},
	}
	if attempt.ConnectorTransactionID != nil {
		rd.PaymentRequest.ConnectorTransactionID = *attempt.ConnectorTransactionID
	}

	return s.dispatcher.Execute(ctx, flow, conn, rd)
}

func (s *Service) resolveConnector(ctx context.Context, merchantID, connectorName string) (connector.Connector, connector.AuthType, error) {
	conn, ok := s.registry.Resolve(connectorName)
	if !ok {
		return nil, connector.AuthType{}, errors.Errorf("connector %s is not registered", connectorName)
	}
	account, err := s.repo.GetAccount(ctx, merchantID, connectorName)
	if err != nil {
		return nil, connector.AuthType{}, errors.Wrap(err, "loading connector account")
	}
	auth, err := connector.AuthTypeFromAccount(*account)
	if err != nil {
		return nil, connector.AuthType{}, err
	}
	return conn, auth, nil
}

func (s *Service) failAttempt(ctx context.Context, attemptID uuid.UUID, code, message string) {
	upd := reconcile.AttemptUpdate{
		Status:       payment.AttemptFailure,
		ErrorCode:    &code,
		ErrorMessage: &message,
	}
	if _, err := s.reconciler.ApplyAttemptUpdate(ctx, attemptID, upd); err != nil {
		s.logger.ErrorContext(ctx, "Error failing attempt", "error", err)
	}
}

func (s *Service) countConfirmOutcome(status payment.AttemptStatus) {
	switch {
	case status == payment.AttemptCharged || status == payment.AttemptAuthorized:
		confirmSucceededCounter.Inc()
	case status.IsTerminal():
		confirmFailedCounter.Inc()
	default:
		confirmPendingCounter.Inc()
	}
}
