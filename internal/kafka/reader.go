package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"payment-router/internal/delivery"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var outgoingWebhookMetrics = Metrics{
	ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="outgoing_webhook"}`),
	UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="outgoing_webhook"}`),
	ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="outgoing_webhook"}`),
	SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="outgoing_webhook"}`),
}

func NewReader(kafkaURL, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(kafkaURL, ","),
		GroupID: groupID,
		Topic:   topic,
	})
}

func ReadOutgoingWebhooks(reader *kafka.Reader, processor *delivery.Processor, logger *slog.Logger) {
	readMessages(context.Background(), reader, logger, func(ctx context.Context, value []byte) error {
		var m delivery.Message
		if err := json.Unmarshal(value, &m); err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Error unmarshalling message: %v", err))
			outgoingWebhookMetrics.UnmarshalErrorCounter.Inc()
			return err
		}
		return processor.Process(ctx, m)
	}, outgoingWebhookMetrics)
}

func readMessages(ctx context.Context, reader *kafka.Reader, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) {
	go func() {
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				logger.ErrorContext(ctx, fmt.Sprintf("Error reading message: %v", err))
				kafkaMetrics.ReadErrorCounter.Inc()
				continue
			}
			logger.InfoContext(ctx, fmt.Sprintf("Received message from topic %s", m.Topic))

			err = process(ctx, m.Value)
			if err != nil {
				logger.ErrorContext(ctx, fmt.Sprintf("Error processing message: %v", err))
				kafkaMetrics.ProcessErrorCounter.Inc()
				continue
			}
			kafkaMetrics.SuccessCounter.Inc()
		}
	}()
}
