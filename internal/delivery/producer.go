package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"payment-router/internal/config"
	"payment-router/internal/db"
	"payment-router/internal/logging"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	defaultPollingIntervalMs   = 500
	defaultFetchSize           = 200
	defaultRetryPublishDelayMs = 10_000
	defaultMaxPublishAttempts  = 3
)

var (
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`delivery_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`delivery_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`delivery_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`delivery_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`delivery_producer_duration_milliseconds`)

	producerMessagesPublishedCounter   = metrics.GetOrCreateCounter(`delivery_producer_messages_total{result="published"}`)
	producerMessagesMaxAttemptsCounter = metrics.GetOrCreateCounter(`delivery_producer_messages_total{result="max_attempts_reached"}`)
	producerMessagesRescheduledCounter = metrics.GetOrCreateCounter(`delivery_producer_messages_total{result="rescheduled"}`)
)

// Producer polls the outgoing webhook outbox and publishes due rows to
// Kafka, rescheduling rows whose publication failed.
type Producer struct {
	repo               *db.PaymentRepository
	writer             *kafka.Writer
	pollingInterval    time.Duration
	fetchSize          int
	retryDelay         time.Duration
	maxPublishAttempts int
	logger             *slog.Logger
}

func NewProducer(repo *db.PaymentRepository, writer *kafka.Writer, logger *slog.Logger) *Producer {
	return &Producer{
		repo:               repo,
		writer:             writer,
		pollingInterval:    time.Duration(config.GetInt("DELIVERY_POLLING_INTERVAL_MS", defaultPollingIntervalMs)) * time.Millisecond,
		fetchSize:          config.GetInt("DELIVERY_FETCH_SIZE", defaultFetchSize),
		retryDelay:         time.Duration(config.GetInt("DELIVERY_RETRY_PUBLISH_DELAY_MS", defaultRetryPublishDelayMs)) * time.Millisecond,
		maxPublishAttempts: config.GetInt("DELIVERY_MAX_PUBLISH_ATTEMPTS", defaultMaxPublishAttempts),
		logger:             logger,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.process(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping delivery producer")
				return
			}
		}
	}()
}

func (p *Producer) process(ctx context.Context) {
	startTime := time.Now()

	// runId correlates all logs of one polling pass
	ctx = logging.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	webhooks, err := p.repo.GetUnpublishedWebhooks(ctx, tx, p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching unpublished webhooks", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	if len(webhooks) == 0 {
		producerSuccessCounter.Inc()
		return
	}

	kafkaMessages := p.toKafkaMessages(ctx, webhooks)

	err = p.writer.WriteMessages(ctx, kafkaMessages...)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", err)
		producerErrorKafkaCounter.Inc()
	}

	now := time.Now()
	for _, webhook := range webhooks {
		messageCtx := logging.AppendCtx(ctx, slog.String("id", webhook.ID.String()))

		webhook.PublishAttempts++

		if err != nil {
			errMsg := err.Error()
			webhook.Error = &errMsg

			if webhook.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(messageCtx, "Max publish attempts reached for webhook")
				webhook.ScheduledAt = nil

				producerMessagesMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := now.Add(time.Duration(webhook.PublishAttempts) * p.retryDelay)
				webhook.ScheduledAt = &scheduledAt

				producerMessagesRescheduledCounter.Inc()
			}
		} else {
			webhook.ScheduledAt = nil
			webhook.PublishedAt = &now
			webhook.Error = nil

			producerMessagesPublishedCounter.Inc()
		}

		if err := p.repo.UpdateOutgoingWebhook(messageCtx, tx, webhook); err != nil {
			p.logger.ErrorContext(messageCtx, "Error updating outgoing webhook", "error", err)
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		producerErrorUpdateCounter.Inc()
	} else {
		producerSuccessCounter.Inc()
	}

	producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}

func (p *Producer) toKafkaMessages(ctx context.Context, webhooks []*db.OutgoingWebhookEntity) []kafka.Message {
	var kafkaMessages []kafka.Message

	for _, entity := range webhooks {
		p.logger.DebugContext(ctx, "Preparing Kafka message for webhook", "id", entity.ID)

		message := Message{
			ID:         entity.ID,
			PaymentID:  entity.PaymentID,
			MerchantID: entity.MerchantID,
			Url:        entity.Url,
			Payload:    entity.Payload,
			Attempts:   entity.DeliveryAttempts,
		}

		messageBytes, _ := json.Marshal(message)

		kafkaMessages = append(kafkaMessages, kafka.Message{
			// payment id as key keeps per-payment ordering
			Key:   []byte(entity.PaymentID.String()),
			Value: messageBytes,
		})
	}
	return kafkaMessages
}
