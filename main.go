package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"payment-router/internal/api"
	"payment-router/internal/config"
	"payment-router/internal/connector"
	"payment-router/internal/connector/aurora"
	"payment-router/internal/connector/stratus"
	"payment-router/internal/db"
	"payment-router/internal/delivery"
	"payment-router/internal/dispatch"
	"payment-router/internal/kafka"
	"payment-router/internal/logging"
	"payment-router/internal/metrics"
	"payment-router/internal/reconcile"
	"payment-router/internal/routing"
	"payment-router/internal/service"
	"payment-router/internal/syncer"
	"payment-router/internal/webhook"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.MustLoadConfig("./config")

	logger := logging.GetLogger(cfg.Logs)
	slog.SetDefault(logger)

	metrics.Setup(cfg.Metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connStr := db.GetConnStr()
	db.RunMigrations(connStr, "./migrations")

	dbpool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer dbpool.Close()

	repo := db.NewPaymentRepository(dbpool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	registry := connector.NewRegistry()
	registry.Register(stratus.New(config.GetRequired("STRATUS_BASE_URL")))
	registry.Register(aurora.New(config.GetRequired("AURORA_BASE_URL")))

	dispatcher := dispatch.NewDispatcher(dispatch.NewRedisTokenStore(redisClient), logger)
	syncDelay := time.Duration(cfg.Syncer.RetryDelayMs) * time.Millisecond
	reconciler := reconcile.NewReconciler(repo, syncDelay, logger)
	engine := routing.NewEngine(repo, registry, routing.NewRedisCursorStore(redisClient), logger)
	svc := service.New(repo, engine, registry, dispatcher, reconciler, logger)

	syncer.NewRunner(repo, registry, dispatcher, reconciler, logger).Start(ctx)

	webhookWriter := kafka.NewWriter(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.OutgoingWebhooks)
	defer webhookWriter.Close()
	delivery.NewProducer(repo, webhookWriter, logger).Start(ctx)

	processor := delivery.NewProcessor(repo, delivery.NewSender(logger), logger)
	webhookReader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.OutgoingWebhooks, cfg.Kafka.Reader.GroupID)
	defer webhookReader.Close()
	kafka.ReadOutgoingWebhooks(webhookReader, processor, logger)

	lockTTL := time.Duration(cfg.Webhook.LockTTLMs) * time.Millisecond
	webhookHandler := webhook.NewHandler(repo, registry, reconciler, webhook.NewRedisLocker(redisClient), lockTTL, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("POST /webhooks/{merchant_id}/{connector}", webhookHandler)
	api.NewHandler(svc, logger).Register(mux)

	logger.Info("Starting payment router", "port", cfg.Server.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Server.Port, mux))
}
