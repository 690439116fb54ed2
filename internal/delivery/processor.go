// Package delivery sends payment status notifications to merchant webhook
// endpoints: an outbox producer publishes due rows to Kafka, this
// processor delivers them with bounded parallelism and backoff retries.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"payment-router/internal/config"
	"payment-router/internal/db"

	"github.com/VictoriaMetrics/metrics"
)

const (
	defaultParallelism         = 1000
	defaultMaxDeliveryAttempts = 3
	defaultRescheduleDelayMs   = 10_000
)

var (
	deliverySuccessCounter     = metrics.GetOrCreateCounter(`delivery_processor_total{result="delivered"}`)
	deliveryRescheduledCounter = metrics.GetOrCreateCounter(`delivery_processor_total{result="rescheduled"}`)
	deliveryMaxAttemptsCounter = metrics.GetOrCreateCounter(`delivery_processor_total{result="max_attempts_reached"}`)
	deliveryErrorCounter       = metrics.GetOrCreateCounter(`delivery_processor_total{result="db_error"}`)
)

type Processor struct {
	repo            *db.PaymentRepository
	sender          *Sender
	sem             chan struct{}
	maxAttempts     int
	rescheduleDelay time.Duration
	logger          *slog.Logger
}

func NewProcessor(repo *db.PaymentRepository, sender *Sender, logger *slog.Logger) *Processor {
	return &Processor{
		repo:            repo,
		sender:          sender,
		sem:             make(chan struct{}, config.GetInt("DELIVERY_PARALLELISM", defaultParallelism)),
		maxAttempts:     config.GetInt("DELIVERY_MAX_ATTEMPTS", defaultMaxDeliveryAttempts),
		rescheduleDelay: time.Duration(config.GetInt("DELIVERY_RESCHEDULE_DELAY_MS", defaultRescheduleDelayMs)) * time.Millisecond,
		logger:          logger,
	}
}

func (p *Processor) Process(ctx context.Context, message Message) error {
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()

		tx, err := p.repo.BeginTx(ctx)
		if err != nil {
			p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
			deliveryErrorCounter.Inc()
			return
		}
		defer tx.Rollback(ctx)

		entity, err := p.repo.SelectOutgoingWebhookForUpdate(ctx, tx, message.ID)
		if err != nil {
			p.logger.ErrorContext(ctx, "Error selecting webhook for update", "error", err)
			deliveryErrorCounter.Inc()
			return
		}

		if entity.DeliveredAt != nil {
			// a previous delivery already landed
			if err := tx.Commit(ctx); err != nil {
				p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
			}
			return
		}

		sendErr := p.sender.Send(ctx, message.Url, message.Payload)
		entity.DeliveryAttempts++

		now := time.Now()
		if sendErr != nil {
			p.logger.WarnContext(ctx, "Merchant webhook delivery failed", "id", message.ID, "error", sendErr)
			errMsg := sendErr.Error()
			entity.Error = &errMsg

			if entity.DeliveryAttempts >= p.maxAttempts {
				entity.ScheduledAt = nil
				deliveryMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := now.Add(time.Duration(entity.DeliveryAttempts) * p.rescheduleDelay)
				entity.ScheduledAt = &scheduledAt
				deliveryRescheduledCounter.Inc()
			}
		} else {
			entity.DeliveredAt = &now
			entity.ScheduledAt = nil
			entity.Error = nil
			deliverySuccessCounter.Inc()
		}

		if err := p.repo.UpdateOutgoingWebhook(ctx, tx, entity); err != nil {
			p.logger.ErrorContext(ctx, "Error updating webhook delivery state", "error", err)
			deliveryErrorCounter.Inc()
			return
		}

		if err := tx.Commit(ctx); err != nil {
			p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
			deliveryErrorCounter.Inc()
		}
	}()

	return nil
}
