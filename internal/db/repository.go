package db

import (
	"context"
	"time"

	"payment-router/internal/payment"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// --- payment intents ---

func (r *PaymentRepository) CreateIntent(ctx context.Context, intent *payment.PaymentIntent) error {
	query := `INSERT INTO payment_intent (id, merchant_id, profile_id, amount, currency, status, capture_method, active_attempt_id, created_at, modified_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query, intent.ID, intent.MerchantID, intent.ProfileID, intent.Amount,
		intent.Currency, intent.Status, intent.CaptureMethod, intent.ActiveAttemptID, intent.CreatedAt, intent.ModifiedAt)
	return errors.Wrap(err, "creating payment intent")
}

func (r *PaymentRepository) GetIntentByID(ctx context.Context, id uuid.UUID) (*payment.PaymentIntent, error) {
	query := `SELECT id, merchant_id, profile_id, amount, currency, status, capture_method, active_attempt_id, created_at, modified_at
	          FROM payment_intent WHERE id = $1`
	return scanIntent(r.pool.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) SelectIntentForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*payment.PaymentIntent, error) {
	query := `SELECT id, merchant_id, profile_id, amount, currency, status, capture_method, active_attempt_id, created_at, modified_at
	          FROM payment_intent WHERE id = $1 FOR UPDATE`
	return scanIntent(tx.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) UpdateIntent(ctx context.Context, tx pgx.Tx, intent *payment.PaymentIntent) error {
	query := `UPDATE payment_intent SET status = $2, active_attempt_id = $3, modified_at = $4 WHERE id = $1`
	_, err := tx.Exec(ctx, query, intent.ID, intent.Status, intent.ActiveAttemptID, time.Now())
	return errors.Wrap(err, "updating payment intent")
}

func scanIntent(row pgx.Row) (*payment.PaymentIntent, error) {
	var intent payment.PaymentIntent
	err := row.Scan(&intent.ID, &intent.MerchantID, &intent.ProfileID, &intent.Amount, &intent.Currency,
		&intent.Status, &intent.CaptureMethod, &intent.ActiveAttemptID, &intent.CreatedAt, &intent.ModifiedAt)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// --- payment attempts ---

const attemptColumns = `id, payment_id, merchant_id, connector, status, amount, currency, payment_method,
	connector_transaction_id, error_code, error_message, sync_after, created_at, modified_at`

func (r *PaymentRepository) CreateAttempt(ctx context.Context, attempt *payment.PaymentAttempt) error {
	query := `INSERT INTO payment_attempt (` + attemptColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query, attempt.ID, attempt.PaymentID, attempt.MerchantID, attempt.Connector,
		attempt.Status, attempt.Amount, attempt.Currency, attempt.PaymentMethod, attempt.ConnectorTransactionID,
		attempt.ErrorCode, attempt.ErrorMessage, attempt.SyncAfter, attempt.CreatedAt, attempt.ModifiedAt)
	return errors.Wrap(err, "creating payment attempt")
}

func (r *PaymentRepository) GetAttemptByID(ctx context.Context, id uuid.UUID) (*payment.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempt WHERE id = $1`
	return scanAttempt(r.pool.QueryRow(ctx, query, id))
}

// SelectAttemptForUpdate locks the attempt row for the duration of the
// transaction. All status reconciliation goes through this lock, which
// gives the single-writer-per-attempt discipline.
func (r *PaymentRepository) SelectAttemptForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*payment.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempt WHERE id = $1 FOR UPDATE`
	return scanAttempt(tx.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) SelectAttemptForUpdateByConnectorTxnID(ctx context.Context, tx pgx.Tx, connectorName, txnID string) (*payment.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempt
	          WHERE connector = $1 AND connector_transaction_id = $2 FOR UPDATE`
	return scanAttempt(tx.QueryRow(ctx, query, connectorName, txnID))
}

func (r *PaymentRepository) UpdateAttempt(ctx context.Context, tx pgx.Tx, attempt *payment.PaymentAttempt) error {
	query := `UPDATE payment_attempt SET status = $2, connector_transaction_id = $3, error_code = $4,
	          error_message = $5, sync_after = $6, modified_at = $7 WHERE id = $1`
	_, err := tx.Exec(ctx, query, attempt.ID, attempt.Status, attempt.ConnectorTransactionID,
		attempt.ErrorCode, attempt.ErrorMessage, attempt.SyncAfter, time.Now())
	return errors.Wrap(err, "updating payment attempt")
}

// GetDueSyncAttempts fetches pending attempts whose deferred sync deadline
// passed, locking them so concurrent syncer runs don't pick the same rows.
func (r *PaymentRepository) GetDueSyncAttempts(ctx context.Context, tx pgx.Tx, limit int) ([]*payment.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempt
	          WHERE sync_after IS NOT NULL AND sync_after <= now()
	          ORDER BY sync_after
	          LIMIT $1
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "fetching due sync attempts")
	}
	defer rows.Close()

	var attempts []*payment.PaymentAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func scanAttempt(row pgx.Row) (*payment.PaymentAttempt, error) {
	var attempt payment.PaymentAttempt
	err := row.Scan(&attempt.ID, &attempt.PaymentID, &attempt.MerchantID, &attempt.Connector, &attempt.Status,
		&attempt.Amount, &attempt.Currency, &attempt.PaymentMethod, &attempt.ConnectorTransactionID,
		&attempt.ErrorCode, &attempt.ErrorMessage, &attempt.SyncAfter, &attempt.CreatedAt, &attempt.ModifiedAt)
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// --- refunds ---

const refundColumns = `id, payment_id, attempt_id, merchant_id, connector, connector_refund_id, status,
	amount, currency, error_message, created_at, modified_at`

func (r *PaymentRepository) CreateRefund(ctx context.Context, refund *payment.Refund) error {
	query := `INSERT INTO refund (` + refundColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query, refund.ID, refund.PaymentID, refund.AttemptID, refund.MerchantID,
		refund.Connector, refund.ConnectorRefundID, refund.Status, refund.Amount, refund.Currency,
		refund.ErrorMessage, refund.CreatedAt, refund.ModifiedAt)
	return errors.Wrap(err, "creating refund")
}

func (r *PaymentRepository) GetRefundByID(ctx context.Context, id uuid.UUID) (*payment.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refund WHERE id = $1`
	return scanRefund(r.pool.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) SelectRefundForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*payment.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refund WHERE id = $1 FOR UPDATE`
	return scanRefund(tx.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) SelectRefundForUpdateByConnectorRefundID(ctx context.Context, tx pgx.Tx, connectorName, refundID string) (*payment.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refund
	          WHERE connector = $1 AND connector_refund_id = $2 FOR UPDATE`
	return scanRefund(tx.QueryRow(ctx, query, connectorName, refundID))
}

func (r *PaymentRepository) UpdateRefund(ctx context.Context, tx pgx.Tx, refund *payment.Refund) error {
	query := `UPDATE refund SET status = $2, connector_refund_id = $3, error_message = $4, modified_at = $5 WHERE id = $1`
	_, err := tx.Exec(ctx, query, refund.ID, refund.Status, refund.ConnectorRefundID, refund.ErrorMessage, time.Now())
	return errors.Wrap(err, "updating refund")
}

// SumActiveRefunds returns the total of refunds that have not failed for a
// payment, the amount already spoken for by the refund invariant.
func (r *PaymentRepository) SumActiveRefunds(ctx context.Context, paymentID uuid.UUID) (payment.Amount, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM refund
	          WHERE payment_id = $1 AND status NOT IN ('failure', 'transaction_failure')`
	var total int64
	if err := r.pool.QueryRow(ctx, query, paymentID).Scan(&total); err != nil {
		return 0, errors.Wrap(err, "summing refunds")
	}
	return payment.Amount(total), nil
}

func scanRefund(row pgx.Row) (*payment.Refund, error) {
	var refund payment.Refund
	err := row.Scan(&refund.ID, &refund.PaymentID, &refund.AttemptID, &refund.MerchantID, &refund.Connector,
		&refund.ConnectorRefundID, &refund.Status, &refund.Amount, &refund.Currency, &refund.ErrorMessage,
		&refund.CreatedAt, &refund.ModifiedAt)
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// --- merchant connector accounts ---

const accountColumns = `id, merchant_id, connector, auth_type, api_key, key1, api_secret, webhook_secret,
	disabled, payment_methods, merchant_webhook_url, created_at`

func (r *PaymentRepository) GetAccount(ctx context.Context, merchantID, connectorName string) (*payment.MerchantConnectorAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM merchant_connector_account WHERE merchant_id = $1 AND connector = $2`
	return scanAccount(r.pool.QueryRow(ctx, query, merchantID, connectorName))
}

func (r *PaymentRepository) ListAccounts(ctx context.Context, merchantID string) ([]*payment.MerchantConnectorAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM merchant_connector_account WHERE merchant_id = $1`
	rows, err := r.pool.Query(ctx, query, merchantID)
	if err != nil {
		return nil, errors.Wrap(err, "listing merchant connector accounts")
	}
	defer rows.Close()

	var accounts []*payment.MerchantConnectorAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *PaymentRepository) CreateAccount(ctx context.Context, account *payment.MerchantConnectorAccount) error {
	query := `INSERT INTO merchant_connector_account (` + accountColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query, account.ID, account.MerchantID, account.Connector, account.AuthType,
		account.APIKey, account.Key1, account.APISecret, account.WebhookSecret, account.Disabled,
		account.PaymentMethods, account.MerchantWebhookURL, account.CreatedAt)
	return errors.Wrap(err, "creating merchant connector account")
}

func scanAccount(row pgx.Row) (*payment.MerchantConnectorAccount, error) {
	var account payment.MerchantConnectorAccount
	err := row.Scan(&account.ID, &account.MerchantID, &account.Connector, &account.AuthType, &account.APIKey,
		&account.Key1, &account.APISecret, &account.WebhookSecret, &account.Disabled, &account.PaymentMethods,
		&account.MerchantWebhookURL, &account.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// --- routing configs ---

func (r *PaymentRepository) GetRoutingConfig(ctx context.Context, merchantID, profileID string) (*RoutingConfigEntity, error) {
	query := `SELECT merchant_id, profile_id, algorithm, connectors, program FROM routing_config
	          WHERE merchant_id = $1 AND profile_id = $2`
	var entity RoutingConfigEntity
	err := r.pool.QueryRow(ctx, query, merchantID, profileID).Scan(&entity.MerchantID, &entity.ProfileID,
		&entity.Algorithm, &entity.Connectors, &entity.Program)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *PaymentRepository) UpsertRoutingConfig(ctx context.Context, entity *RoutingConfigEntity) error {
	query := `INSERT INTO routing_config (merchant_id, profile_id, algorithm, connectors, program)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (merchant_id, profile_id)
	          DO UPDATE SET algorithm = $3, connectors = $4, program = $5`
	_, err := r.pool.Exec(ctx, query, entity.MerchantID, entity.ProfileID, entity.Algorithm, entity.Connectors, entity.Program)
	return errors.Wrap(err, "upserting routing config")
}

// --- inbound webhook events ---

// InsertWebhookEvent records the idempotent event id. It reports false when
// the same logical event was already processed.
func (r *PaymentRepository) InsertWebhookEvent(ctx context.Context, tx pgx.Tx, event *WebhookEventEntity) (bool, error) {
	query := `INSERT INTO webhook_event (event_id, merchant_id, connector, object_id, event_type, received_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (event_id) DO NOTHING`
	tag, err := tx.Exec(ctx, query, event.EventID, event.MerchantID, event.Connector, event.ObjectID,
		event.EventType, event.ReceivedAt)
	if err != nil {
		return false, errors.Wrap(err, "inserting webhook event")
	}
	return tag.RowsAffected() == 1, nil
}

// --- outgoing webhooks (merchant notification outbox) ---

func (r *PaymentRepository) CreateOutgoingWebhook(ctx context.Context, tx pgx.Tx, entity *OutgoingWebhookEntity) error {
	query := `INSERT INTO outgoing_webhook (id, payment_id, merchant_id, url, payload, created_at, updated_at, scheduled_at, publish_attempts, delivery_attempts)
	          VALUES ($1, $2, $3, $4, $5, $6, $6, $7, 0, 0)`
	_, err := tx.Exec(ctx, query, entity.ID, entity.PaymentID, entity.MerchantID, entity.Url, entity.Payload,
		time.Now(), entity.ScheduledAt)
	return errors.Wrap(err, "creating outgoing webhook")
}

const outgoingColumns = `id, payment_id, merchant_id, url, payload, created_at, updated_at, scheduled_at,
	published_at, delivered_at, publish_attempts, delivery_attempts, error`

// GetUnpublishedWebhooks fetches due outbox rows, skipping rows another
// producer instance already holds.
func (r *PaymentRepository) GetUnpublishedWebhooks(ctx context.Context, tx pgx.Tx, limit int) ([]*OutgoingWebhookEntity, error) {
	query := `SELECT ` + outgoingColumns + ` FROM outgoing_webhook
	          WHERE scheduled_at IS NOT NULL AND scheduled_at <= now() AND delivered_at IS NULL
	          ORDER BY scheduled_at
	          LIMIT $1
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "fetching unpublished webhooks")
	}
	defer rows.Close()

	var entities []*OutgoingWebhookEntity
	for rows.Next() {
		entity, err := scanOutgoing(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func (r *PaymentRepository) SelectOutgoingWebhookForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*OutgoingWebhookEntity, error) {
	query := `SELECT ` + outgoingColumns + ` FROM outgoing_webhook WHERE id = $1 FOR UPDATE`
	return scanOutgoing(tx.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) UpdateOutgoingWebhook(ctx context.Context, tx pgx.Tx, entity *OutgoingWebhookEntity) error {
	query := `UPDATE outgoing_webhook SET scheduled_at = $2, published_at = $3, delivered_at = $4,
	          publish_attempts = $5, delivery_attempts = $6, error = $7, updated_at = $8 WHERE id = $1`
	_, err := tx.Exec(ctx, query, entity.ID, entity.ScheduledAt, entity.PublishedAt, entity.DeliveredAt,
		entity.PublishAttempts, entity.DeliveryAttempts, entity.Error, time.Now())
	return errors.Wrap(err, "updating outgoing webhook")
}

func scanOutgoing(row pgx.Row) (*OutgoingWebhookEntity, error) {
	var entity OutgoingWebhookEntity
	err := row.Scan(&entity.ID, &entity.PaymentID, &entity.MerchantID, &entity.Url, &entity.Payload,
		&entity.CreatedAt, &entity.UpdatedAt, &entity.ScheduledAt, &entity.PublishedAt, &entity.DeliveredAt,
		&entity.PublishAttempts, &entity.DeliveryAttempts, &entity.Error)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}
