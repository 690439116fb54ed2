package service

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	"payment-router/internal/connector"
	"payment-router/internal/connector/aurora"
	"payment-router/internal/connector/stratus"
	"payment-router/internal/db"
	"payment-router/internal/dispatch"
	"payment-router/internal/payment"
	"payment-router/internal/reconcile"
	"payment-router/internal/routing"
	"payment-router/internal/service"
	"payment-router/tests/testhelpers"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type fakeTokenStore struct {
	token *connector.AccessToken
}

func (s *fakeTokenStore) Get(_ context.Context, _, _ string) (*connector.AccessToken, error) {
	return s.token, nil
}

func (s *fakeTokenStore) Set(_ context.Context, _, _ string, token *connector.AccessToken) error {
	s.token = token
	return nil
}

type fakeCursor struct{}

func (c *fakeCursor) Next(_ context.Context, _ string, _ int) (int, error) {
	return 0, nil
}

type PaymentServiceTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	repo        *db.PaymentRepository
	sut         *service.Service
	ctx         context.Context
}

func (s *PaymentServiceTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	db.RunMigrations(pgContainer.ConnectionString, "../../../migrations")

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.repo = db.NewPaymentRepository(pool)

	registry := connector.NewRegistry()
	registry.Register(stratus.New("https://api.stratus.test"))
	registry.Register(aurora.New("https://api.aurora.test"))

	dispatcher := dispatch.NewDispatcher(
		&fakeTokenStore{token: &connector.AccessToken{Token: "tok_test", ExpiresIn: 3600}}, slog.Default())
	reconciler := reconcile.NewReconciler(s.repo, 30*time.Second, slog.Default())
	engine := routing.NewEngine(s.repo, registry, &fakeCursor{}, slog.Default())

	s.sut = service.New(s.repo, engine, registry, dispatcher, reconciler, slog.Default())
}

func (s *PaymentServiceTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *PaymentServiceTestSuite) SetupTest() {
	for _, table := range []string{"outgoing_webhook", "webhook_event", "refund", "payment_attempt", "payment_intent", "merchant_connector_account", "routing_config"} {
		if _, err := s.pool.Exec(s.ctx, "DELETE FROM "+table); err != nil {
			log.Fatalf("error truncating %s table: %s", table, err)
		}
	}

	accounts := []*payment.MerchantConnectorAccount{
		{
			ID:         uuid.New(),
			MerchantID: "merchant_1",
			Connector:  "stratus",
			AuthType:   "header_key",
			APIKey:     "sk_test",
			CreatedAt:  time.Now(),
		},
		{
			ID:         uuid.New(),
			MerchantID: "merchant_1",
			Connector:  "aurora",
			AuthType:   "signature_key",
			APIKey:     "client_test",
			Key1:       "merchant_account",
			APISecret:  "secret_test",
			CreatedAt:  time.Now(),
		},
	}
	for _, account := range accounts {
		if err := s.repo.CreateAccount(s.ctx, account); err != nil {
			log.Fatalf("error creating connector account: %s", err)
		}
	}

	if err := s.repo.UpsertRoutingConfig(s.ctx, &db.RoutingConfigEntity{
		MerchantID: "merchant_1",
		ProfileID:  "default",
		Algorithm:  routing.AlgorithmStraightThrough,
		Connectors: []string{"stratus", "aurora"},
	}); err != nil {
		log.Fatalf("error upserting routing config: %s", err)
	}
}

func (s *PaymentServiceTestSuite) createPayment(captureMethod payment.CaptureMethod) *payment.PaymentIntent {
	intent, err := s.sut.CreatePayment(s.ctx, service.CreatePaymentRequest{
		MerchantID:    "merchant_1",
		ProfileID:     "default",
		Amount:        1050,
		Currency:      "USD",
		CaptureMethod: captureMethod,
	})
	assert.NoError(s.T(), err)
	assert.Equal(s.T(), payment.IntentRequiresConfirmation, intent.Status)
	return intent
}

func confirmRequest() service.ConfirmPaymentRequest {
	return service.ConfirmPaymentRequest{
		PaymentMethod: connector.PaymentMethodData{
			Type:         "card",
			CardNumber:   "4242424242424242",
			CardExpMonth: "12",
			CardExpYear:  "2030",
			CardCVC:      "123",
		},
	}
}

func (s *PaymentServiceTestSuite) TestConfirm_SucceedsOnFirstConnector() {
	t := s.T()
	defer gock.Off()

	gock.New("https://api.stratus.test").
		Post("/v1/charges").
		Reply(200).
		JSON(map[string]any{"id": "ch_123", "status": "succeeded", "amount": 1050})

	intent := s.createPayment(payment.CaptureAutomatic)

	confirmed, err := s.sut.ConfirmPayment(s.ctx, intent.ID, confirmRequest())
	assert.NoError(t, err)
	assert.Equal(t, payment.IntentSucceeded, confirmed.Status)
	assert.NotNil(t, confirmed.ActiveAttemptID)

	attempt, err := s.repo.GetAttemptByID(s.ctx, *confirmed.ActiveAttemptID)
	assert.NoError(t, err)
	assert.Equal(t, "stratus", attempt.Connector)
	assert.Equal(t, payment.AttemptCharged, attempt.Status)
	assert.Equal(t, "ch_123", *attempt.ConnectorTransactionID)
	assert.True(t, gock.IsDone())
}

func (s *PaymentServiceTestSuite) TestConfirm_FailsOverToSecondConnector() {
	t := s.T()
	defer gock.Off()

	gock.New("https://api.stratus.test").
		Post("/v1/charges").
		Reply(500).
		JSON(map[string]any{"error": map[string]string{
			"type": "api_error", "code": "processing_error", "message": "try again later",
		}})
	gock.New("https://api.aurora.test").
		Post("/v2/payments").
		Reply(200).
		JSON(map[string]any{"pspReference": "psp_456", "resultCode": "Captured"})

	intent := s.createPayment(payment.CaptureAutomatic)

	confirmed, err := s.sut.ConfirmPayment(s.ctx, intent.ID, confirmRequest())
	assert.NoError(t, err)
	assert.Equal(t, payment.IntentSucceeded, confirmed.Status)

	attempt, err := s.repo.GetAttemptByID(s.ctx, *confirmed.ActiveAttemptID)
	assert.NoError(t, err)
	assert.Equal(t, "aurora", attempt.Connector)
	assert.Equal(t, payment.AttemptCharged, attempt.Status)
	assert.Equal(t, "psp_456", *attempt.ConnectorTransactionID)
	assert.True(t, gock.IsDone())
}

func (s *PaymentServiceTestSuite) TestConfirm_HardDeclineStopsFailover() {
	t := s.T()
	defer gock.Off()

	gock.New("https://api.stratus.test").
		Post("/v1/charges").
		Reply(402).
		JSON(map[string]any{"error": map[string]string{
			"type": "card_error", "code": "card_declined", "message": "Your card was declined.",
		}})

	intent := s.createPayment(payment.CaptureAutomatic)

	confirmed, err := s.sut.ConfirmPayment(s.ctx, intent.ID, confirmRequest())
	assert.NoError(t, err)
	assert.Equal(t, payment.IntentFailed, confirmed.Status)

	attempt, err := s.repo.GetAttemptByID(s.ctx, *confirmed.ActiveAttemptID)
	assert.NoError(t, err)
	assert.Equal(t, "stratus", attempt.Connector)
	assert.Equal(t, payment.AttemptFailure, attempt.Status)
	assert.Equal(t, "card_declined", *attempt.ErrorCode)
	assert.True(t, gock.IsDone())
}

func (s *PaymentServiceTestSuite) TestConfirm_AmbiguousOutcomeDefersToSync() {
	t := s.T()
	defer gock.Off()

	gock.New("https://api.stratus.test").
		Post("/v1/charges").
		ReplyError(errors.New("connection reset"))

	intent := s.createPayment(payment.CaptureAutomatic)

	confirmed, err := s.sut.ConfirmPayment(s.ctx, intent.ID, confirmRequest())
	assert.NoError(t, err)
	// the charge may have landed, so no failover and no failure
	assert.Equal(t, payment.IntentProcessing, confirmed.Status)

	attempt, err := s.repo.GetAttemptByID(s.ctx, *confirmed.ActiveAttemptID)
	assert.NoError(t, err)
	assert.Equal(t, "stratus", attempt.Connector)
	assert.Equal(t, payment.AttemptPending, attempt.Status)
	assert.NotNil(t, attempt.SyncAfter)
}

func (s *PaymentServiceTestSuite) TestConfirm_RejectsWrongState() {
	t := s.T()
	defer gock.Off()

	gock.New("https://api.stratus.test").
		Post("/v1/charges").
		Reply(200).
		JSON(map[string]any{"id": "ch_123", "status": "succeeded"})

	intent := s.createPayment(payment.CaptureAutomatic)

	_, err := s.sut.ConfirmPayment(s.ctx, intent.ID, confirmRequest())
	assert.NoError(t, err)

	_, err = s.sut.ConfirmPayment(s.ctx, intent.ID, confirmRequest())
	assert.ErrorIs(t, err, service.ErrInvalidState)
}

func (s *PaymentServiceTestSuite) TestManualCaptureLifecycle() {
	t := s.T()
	defer gock.Off()

	gock.New("https://api.stratus.test").
		Post("/v1/charges").
		Reply(200).
		JSON(map[string]any{"id": "ch_123", "status": "authorized"})
	gock.New("https://api.stratus.test").
		Post("/v1/charges/ch_123/capture").
		Reply(200).
		JSON(map[string]any{"id": "ch_123", "status": "succeeded"})

	intent := s.createPayment(payment.CaptureManual)

	confirmed, err := s.sut.ConfirmPayment(s.ctx, intent.ID, confirmRequest())
	assert.NoError(t, err)
	assert.Equal(t, payment.IntentRequiresCapture, confirmed.Status)

	captured, err := s.sut.CapturePayment(s.ctx, intent.ID)
	assert.NoError(t, err)
	assert.Equal(t, payment.IntentSucceeded, captured.Status)
	assert.True(t, gock.IsDone())
}

func (s *PaymentServiceTestSuite) TestVoidAuthorizedPayment() {
	t := s.T()
	defer gock.Off()

	gock.New("https://api.stratus.test").
		Post("/v1/charges").
		Reply(200).
		JSON(map[string]any{"id": "ch_123", "status": "authorized"})
	gock.New("https://api.stratus.test").
		Post("/v1/charges/ch_123/void").
		Reply(200).
		JSON(map[string]any{"id": "ch_123", "status": "canceled"})

	intent := s.createPayment(payment.CaptureManual)

	_, err := s.sut.ConfirmPayment(s.ctx, intent.ID, confirmRequest())
	assert.NoError(t, err)

	voided, err := s.sut.VoidPayment(s.ctx, intent.ID)
	assert.NoError(t, err)
	assert.Equal(t, payment.IntentCancelled, voided.Status)
	assert.True(t, gock.IsDone())
}

func (s *PaymentServiceTestSuite) TestRefundLifecycleAndAmountInvariant() {
	t := s.T()
	defer gock.Off()

	gock.New("https://api.stratus.test").
		Post("/v1/charges").
		Reply(200).
		JSON(map[string]any{"id": "ch_123", "status": "succeeded"})
	gock.New("https://api.stratus.test").
		Post("/v1/charges/ch_123/refunds").
		Reply(200).
		JSON(map[string]any{"id": "re_123", "status": "succeeded"})

	intent := s.createPayment(payment.CaptureAutomatic)

	_, err := s.sut.ConfirmPayment(s.ctx, intent.ID, confirmRequest())
	assert.NoError(t, err)

	refund, err := s.sut.CreateRefund(s.ctx, intent.ID, service.RefundRequest{Amount: 600})
	assert.NoError(t, err)
	assert.Equal(t, payment.RefundSuccess, refund.Status)
	assert.Equal(t, "re_123", *refund.ConnectorRefundID)

	// 600 already refunded; another 600 would exceed the captured 1050 and
	// must be rejected before any connector call
	_, err = s.sut.CreateRefund(s.ctx, intent.ID, service.RefundRequest{Amount: 600})
	assert.ErrorIs(t, err, service.ErrRefundExceedsCaptured)
	assert.True(t, gock.IsDone())
}

func (s *PaymentServiceTestSuite) TestGetPayment_NotFound() {
	_, err := s.sut.GetPayment(s.ctx, uuid.New())
	assert.ErrorIs(s.T(), err, service.ErrPaymentNotFound)
}

func TestPaymentServiceTestSuite(t *testing.T) {
	suite.Run(t, new(PaymentServiceTestSuite))
}
