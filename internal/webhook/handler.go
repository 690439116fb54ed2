// Package webhook ingests inbound connector notifications: verify, map to
// a canonical event, deduplicate, and feed reconciliation.
package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-router/internal/connector"
	"payment-router/internal/db"
	"payment-router/internal/logging"
	"payment-router/internal/reconcile"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultLockTTL = 30 * time.Second

var (
	ingestVerifyFailedCounter = metrics.GetOrCreateCounter(`webhook_ingest_total{result="verification_failed"}`)
	ingestDuplicateCounter    = metrics.GetOrCreateCounter(`webhook_ingest_total{result="duplicate"}`)
	ingestLockHeldCounter     = metrics.GetOrCreateCounter(`webhook_ingest_total{result="lock_held"}`)
	ingestProcessedCounter    = metrics.GetOrCreateCounter(`webhook_ingest_total{result="processed"}`)
	ingestErrorCounter        = metrics.GetOrCreateCounter(`webhook_ingest_total{result="error"}`)
)

type Handler struct {
	repo       *db.PaymentRepository
	registry   *connector.Registry
	reconciler *reconcile.Reconciler
	locker     Locker
	lockTTL    time.Duration
	logger     *slog.Logger
}

func NewHandler(repo *db.PaymentRepository, registry *connector.Registry, reconciler *reconcile.Reconciler, locker Locker, lockTTL time.Duration, logger *slog.Logger) *Handler {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Handler{
		repo:       repo,
		registry:   registry,
		reconciler: reconciler,
		locker:     locker,
		lockTTL:    lockTTL,
		logger:     logger,
	}
}

// ServeHTTP handles POST /webhooks/{merchant_id}/{connector}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	merchantID := r.PathValue("merchant_id")
	connectorName := r.PathValue("connector")

	ctx := logging.AppendCtx(r.Context(), slog.String("runId", uuid.New().String()))
	ctx = logging.AppendCtx(ctx, slog.String("connector", connectorName))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		ingestErrorCounter.Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	status, err := h.Process(ctx, merchantID, connectorName, r.Header, body)
	if err != nil {
		h.logger.ErrorContext(ctx, "Webhook processing failed", "error", err, "status", status)
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(status)
}

// Process runs the ingestion pipeline and returns the HTTP status to
// answer the connector with. An unverified payload is never processed.
func (h *Handler) Process(ctx context.Context, merchantID, connectorName string, headers http.Header, body []byte) (int, error) {
	impl, ok := h.registry.Resolve(connectorName)
	if !ok {
		ingestErrorCounter.Inc()
		return http.StatusNotFound, errors.Errorf("unknown connector %q", connectorName)
	}
	webhookImpl, ok := impl.(connector.WebhookHandler)
	if !ok {
		ingestErrorCounter.Inc()
		return http.StatusNotFound, connector.NewNotImplemented(connectorName, "incoming_webhook")
	}

	account, err := h.repo.GetAccount(ctx, merchantID, connectorName)
	if err != nil {
		ingestErrorCounter.Inc()
		return http.StatusNotFound, errors.Wrap(err, "resolving merchant connector account")
	}

	if err := webhookImpl.VerifyWebhook(account.WebhookSecret, headers, body); err != nil {
		h.logger.WarnContext(ctx, "Webhook verification failed", "error", err)
		ingestVerifyFailedCounter.Inc()
		return http.StatusUnauthorized, err
	}

	ref, err := webhookImpl.WebhookObjectReference(body)
	if err != nil {
		ingestErrorCounter.Inc()
		return http.StatusBadRequest, err
	}

	event, err := webhookImpl.WebhookEventType(body)
	if err != nil {
		ingestErrorCounter.Inc()
		return http.StatusBadRequest, err
	}
	if event == connector.EventUnsupported {
		h.logger.InfoContext(ctx, "Acknowledging unsupported webhook event")
		return http.StatusOK, nil
	}

	objectID := ref.ConnectorTransactionID
	if ref.Kind == connector.RefRefund {
		objectID = ref.ConnectorRefundID
	}

	lockKey := fmt.Sprintf("%s:%s:%s", merchantID, connectorName, objectID)
	acquired, err := h.locker.Acquire(ctx, lockKey, h.lockTTL)
	if err != nil {
		ingestErrorCounter.Inc()
		return http.StatusInternalServerError, err
	}
	if !acquired {
		// another delivery of the same object is in flight; the connector
		// will redeliver if this one mattered
		h.logger.InfoContext(ctx, "Webhook lock held, acknowledging without processing", "key", lockKey)
		ingestLockHeldCounter.Inc()
		return http.StatusOK, nil
	}
	defer func() {
		if err := h.locker.Release(ctx, lockKey); err != nil {
			h.logger.WarnContext(ctx, "Failed to release webhook lock", "key", lockKey, "error", err)
		}
	}()

	deliveryAttempt := headers.Get("X-Delivery-Attempt")
	if deliveryAttempt == "" {
		deliveryAttempt = "1"
	}
	eventID := fmt.Sprintf("%s:%s:%s:%s:%s", connectorName, merchantID, objectID, event, deliveryAttempt)

	inserted, err := h.recordEvent(ctx, eventID, merchantID, connectorName, objectID, string(event))
	if err != nil {
		ingestErrorCounter.Inc()
		return http.StatusInternalServerError, err
	}
	if !inserted {
		h.logger.InfoContext(ctx, "Duplicate webhook event, no-op", "eventId", eventID)
		ingestDuplicateCounter.Inc()
		return http.StatusOK, nil
	}

	if err := h.reconciler.ApplyWebhookEvent(ctx, connectorName, ref, event); err != nil {
		if errors.Is(err, reconcile.ErrAttemptNotFound) || errors.Is(err, reconcile.ErrRefundNotFound) {
			return http.StatusNotFound, err
		}
		ingestErrorCounter.Inc()
		return http.StatusInternalServerError, err
	}

	ingestProcessedCounter.Inc()
	return http.StatusOK, nil
}

func (h *Handler) recordEvent(ctx context.Context, eventID, merchantID, connectorName, objectID, eventType string) (bool, error) {
	tx, err := h.repo.BeginTx(ctx)
	if err != nil {
		return false, errors.Wrap(err, "starting webhook event transaction")
	}
	defer tx.Rollback(ctx)

	inserted, err := h.repo.InsertWebhookEvent(ctx, tx, &db.WebhookEventEntity{
		EventID:    eventID,
		MerchantID: merchantID,
		Connector:  connectorName,
		ObjectID:   objectID,
		EventType:  eventType,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		return false, err
	}

	return inserted, errors.Wrap(tx.Commit(ctx), "committing webhook event")
}
