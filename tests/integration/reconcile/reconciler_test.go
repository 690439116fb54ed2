package reconcile

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	"payment-router/internal/connector"
	"payment-router/internal/db"
	"payment-router/internal/payment"
	"payment-router/internal/reconcile"
	"payment-router/tests/testhelpers"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type ReconcilerTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	repo        *db.PaymentRepository
	sut         *reconcile.Reconciler
	ctx         context.Context
}

func (s *ReconcilerTestSuite) SetupSuite() {
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
	s.sut = reconcile.NewReconciler(s.repo, 30*time.Second, slog.Default())
}

func (s *ReconcilerTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *ReconcilerTestSuite) SetupTest() {
	for _, table := range []string{"outgoing_webhook", "webhook_event", "refund", "payment_attempt", "payment_intent", "merchant_connector_account"} {
		if _, err := s.pool.Exec(s.ctx, "DELETE FROM "+table); err != nil {
			log.Fatalf("error truncating %s table: %s", table, err)
		}
	}
}

func (s *ReconcilerTestSuite) createPayment(captureMethod payment.CaptureMethod) (*payment.PaymentIntent, *payment.PaymentAttempt) {
	t := s.T()
	now := time.Now()

	intent := &payment.PaymentIntent{
		ID:            uuid.New(),
		MerchantID:    "merchant_1",
		ProfileID:     "default",
		Amount:        1050,
		Currency:      "USD",
		Status:        payment.IntentProcessing,
		CaptureMethod: captureMethod,
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	assert.NoError(t, s.repo.CreateIntent(s.ctx, intent))

	attempt := &payment.PaymentAttempt{
		ID:            uuid.New(),
		PaymentID:     intent.ID,
		MerchantID:    intent.MerchantID,
		Connector:     "stratus",
		Status:        payment.AttemptStarted,
		Amount:        intent.Amount,
		Currency:      intent.Currency,
		PaymentMethod: "card",
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	assert.NoError(t, s.repo.CreateAttempt(s.ctx, attempt))

	tx, err := s.repo.BeginTx(s.ctx)
	assert.NoError(t, err)
	intent.ActiveAttemptID = &attempt.ID
	assert.NoError(t, s.repo.UpdateIntent(s.ctx, tx, intent))
	assert.NoError(t, tx.Commit(s.ctx))

	return intent, attempt
}

func (s *ReconcilerTestSuite) createAccount(webhookURL string) {
	assert.NoError(s.T(), s.repo.CreateAccount(s.ctx, &payment.MerchantConnectorAccount{
		ID:                 uuid.New(),
		MerchantID:         "merchant_1",
		Connector:          "stratus",
		AuthType:           "header_key",
		APIKey:             "sk_test",
		MerchantWebhookURL: webhookURL,
		CreatedAt:          time.Now(),
	}))
}

func (s *ReconcilerTestSuite) TestApplyAttemptUpdate_ProjectsIntentAndQueuesWebhook() {
	t := s.T()

	intent, attempt := s.createPayment(payment.CaptureAutomatic)
	s.createAccount("https://merchant.test/webhooks")

	updated, err := s.sut.ApplyAttemptUpdate(s.ctx, attempt.ID, reconcile.AttemptUpdate{
		Status:                 payment.AttemptCharged,
		ConnectorTransactionID: "ch_123",
	})
	assert.NoError(t, err)
	assert.Equal(t, payment.AttemptCharged, updated.Status)
	assert.Equal(t, "ch_123", *updated.ConnectorTransactionID)

	loadedIntent, err := s.repo.GetIntentByID(s.ctx, intent.ID)
	assert.NoError(t, err)
	assert.Equal(t, payment.IntentSucceeded, loadedIntent.Status)

	tx, err := s.repo.BeginTx(s.ctx)
	assert.NoError(t, err)
	defer tx.Rollback(s.ctx)
	webhooks, err := s.repo.GetUnpublishedWebhooks(s.ctx, tx, 10)
	assert.NoError(t, err)
	assert.Len(t, webhooks, 1)
	assert.Equal(t, intent.ID, webhooks[0].PaymentID)
}

func (s *ReconcilerTestSuite) TestApplyAttemptUpdate_ManualCaptureProjectsRequiresCapture() {
	t := s.T()

	intent, attempt := s.createPayment(payment.CaptureManual)

	_, err := s.sut.ApplyAttemptUpdate(s.ctx, attempt.ID, reconcile.AttemptUpdate{
		Status:                 payment.AttemptAuthorized,
		ConnectorTransactionID: "ch_123",
	})
	assert.NoError(t, err)

	loadedIntent, err := s.repo.GetIntentByID(s.ctx, intent.ID)
	assert.NoError(t, err)
	assert.Equal(t, payment.IntentRequiresCapture, loadedIntent.Status)
}

func (s *ReconcilerTestSuite) TestApplyAttemptUpdate_RejectsStaleRegression() {
	t := s.T()

	intent, attempt := s.createPayment(payment.CaptureAutomatic)

	_, err := s.sut.ApplyAttemptUpdate(s.ctx, attempt.ID, reconcile.AttemptUpdate{
		Status:                 payment.AttemptCharged,
		ConnectorTransactionID: "ch_123",
	})
	assert.NoError(t, err)

	// a late speculative update must not regress the terminal state
	updated, err := s.sut.ApplyAttemptUpdate(s.ctx, attempt.ID, reconcile.AttemptUpdate{
		Status: payment.AttemptPending,
	})
	assert.NoError(t, err)
	assert.Equal(t, payment.AttemptCharged, updated.Status)

	loadedIntent, err := s.repo.GetIntentByID(s.ctx, intent.ID)
	assert.NoError(t, err)
	assert.Equal(t, payment.IntentSucceeded, loadedIntent.Status)
}

func (s *ReconcilerTestSuite) TestApplyAttemptUpdate_TransactionIDSetOnce() {
	t := s.T()

	_, attempt := s.createPayment(payment.CaptureAutomatic)

	_, err := s.sut.ApplyAttemptUpdate(s.ctx, attempt.ID, reconcile.AttemptUpdate{
		Status:                 payment.AttemptAuthorized,
		ConnectorTransactionID: "ch_first",
	})
	assert.NoError(t, err)

	updated, err := s.sut.ApplyAttemptUpdate(s.ctx, attempt.ID, reconcile.AttemptUpdate{
		Status:                 payment.AttemptCharged,
		ConnectorTransactionID: "ch_conflicting",
	})
	assert.NoError(t, err)
	assert.Equal(t, payment.AttemptCharged, updated.Status)
	assert.Equal(t, "ch_first", *updated.ConnectorTransactionID)
}

func (s *ReconcilerTestSuite) TestApplyAttemptUpdate_ScheduleSync() {
	t := s.T()

	_, attempt := s.createPayment(payment.CaptureAutomatic)

	updated, err := s.sut.ApplyAttemptUpdate(s.ctx, attempt.ID, reconcile.AttemptUpdate{
		Status:       payment.AttemptPending,
		ScheduleSync: true,
	})
	assert.NoError(t, err)
	assert.NotNil(t, updated.SyncAfter)

	updated, err = s.sut.ApplyAttemptUpdate(s.ctx, attempt.ID, reconcile.AttemptUpdate{
		Status:                 payment.AttemptCharged,
		ConnectorTransactionID: "ch_123",
	})
	assert.NoError(t, err)
	assert.Nil(t, updated.SyncAfter)
}

func (s *ReconcilerTestSuite) TestApplyWebhookEvent_Payment() {
	t := s.T()

	intent, attempt := s.createPayment(payment.CaptureAutomatic)

	_, err := s.sut.ApplyAttemptUpdate(s.ctx, attempt.ID, reconcile.AttemptUpdate{
		Status:                 payment.AttemptPending,
		ConnectorTransactionID: "ch_123",
		ScheduleSync:           true,
	})
	assert.NoError(t, err)

	err = s.sut.ApplyWebhookEvent(s.ctx, "stratus", connector.ObjectReference{
		Kind:                   connector.RefPayment,
		ConnectorTransactionID: "ch_123",
	}, connector.EventPaymentSuccess)
	assert.NoError(t, err)

	loaded, err := s.repo.GetAttemptByID(s.ctx, attempt.ID)
	assert.NoError(t, err)
	assert.Equal(t, payment.AttemptCharged, loaded.Status)
	assert.Nil(t, loaded.SyncAfter)

	loadedIntent, err := s.repo.GetIntentByID(s.ctx, intent.ID)
	assert.NoError(t, err)
	assert.Equal(t, payment.IntentSucceeded, loadedIntent.Status)
}

func (s *ReconcilerTestSuite) TestApplyWebhookEvent_UnknownReference() {
	t := s.T()

	err := s.sut.ApplyWebhookEvent(s.ctx, "stratus", connector.ObjectReference{
		Kind:                   connector.RefPayment,
		ConnectorTransactionID: "ch_missing",
	}, connector.EventPaymentSuccess)
	assert.ErrorIs(t, err, reconcile.ErrAttemptNotFound)
}

func (s *ReconcilerTestSuite) TestApplyWebhookEvent_Refund() {
	t := s.T()

	intent, attempt := s.createPayment(payment.CaptureAutomatic)

	refundID := "re_123"
	now := time.Now()
	refund := &payment.Refund{
		ID:                uuid.New(),
		PaymentID:         intent.ID,
		AttemptID:         attempt.ID,
		MerchantID:        intent.MerchantID,
		Connector:         "stratus",
		ConnectorRefundID: &refundID,
		Status:            payment.RefundPending,
		Amount:            500,
		Currency:          "USD",
		CreatedAt:         now,
		ModifiedAt:        now,
	}
	assert.NoError(t, s.repo.CreateRefund(s.ctx, refund))

	err := s.sut.ApplyWebhookEvent(s.ctx, "stratus", connector.ObjectReference{
		Kind:              connector.RefRefund,
		ConnectorRefundID: "re_123",
	}, connector.EventRefundSuccess)
	assert.NoError(t, err)

	loaded, err := s.repo.GetRefundByID(s.ctx, refund.ID)
	assert.NoError(t, err)
	assert.Equal(t, payment.RefundSuccess, loaded.Status)
}

func (s *ReconcilerTestSuite) TestApplyRefundUpdate() {
	t := s.T()

	intent, attempt := s.createPayment(payment.CaptureAutomatic)

	now := time.Now()
	refund := &payment.Refund{
		ID:         uuid.New(),
		PaymentID:  intent.ID,
		AttemptID:  attempt.ID,
		MerchantID: intent.MerchantID,
		Connector:  "stratus",
		Status:     payment.RefundPending,
		Amount:     500,
		Currency:   "USD",
		CreatedAt:  now,
		ModifiedAt: now,
	}
	assert.NoError(t, s.repo.CreateRefund(s.ctx, refund))

	updated, err := s.sut.ApplyRefundUpdate(s.ctx, refund.ID, reconcile.RefundUpdate{
		Status:            payment.RefundSuccess,
		ConnectorRefundID: "re_123",
	})
	assert.NoError(t, err)
	assert.Equal(t, payment.RefundSuccess, updated.Status)
	assert.Equal(t, "re_123", *updated.ConnectorRefundID)
}

func TestReconcilerTestSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerTestSuite))
}
