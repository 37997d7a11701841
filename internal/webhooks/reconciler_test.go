package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/paygrid-backend/internal/ledger"
	"github.com/angelmondragon/paygrid-backend/internal/payments"
	"github.com/angelmondragon/paygrid-backend/internal/providers"
	"github.com/angelmondragon/paygrid-backend/internal/providers/sandbox"
	"github.com/angelmondragon/paygrid-backend/internal/schedules"
	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox/idempotency"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func setupWebhooksTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	statements := []string{`
CREATE TABLE IF NOT EXISTS webhook_events (
  id TEXT PRIMARY KEY,
  provider_id TEXT NOT NULL,
  provider_event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  payload TEXT NOT NULL,
  processed INTEGER NOT NULL DEFAULT 0,
  received_at DATETIME NOT NULL,
  processed_at DATETIME,
  last_error TEXT,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (provider_id, provider_event_id)
);`, `
CREATE TABLE IF NOT EXISTS payments (
  id TEXT PRIMARY KEY,
  customer_id TEXT,
  amount_cents INTEGER NOT NULL,
  currency TEXT NOT NULL DEFAULT 'usd',
  status TEXT NOT NULL DEFAULT 'pending',
  provider_id TEXT,
  provider_ref TEXT,
  balance_portion_cents INTEGER NOT NULL DEFAULT 0,
  provider_portion_cents INTEGER NOT NULL DEFAULT 0,
  provider_fee_cents INTEGER NOT NULL DEFAULT 0,
  idempotency_key TEXT NOT NULL UNIQUE,
  error_message TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS account_balances (
  id TEXT PRIMARY KEY,
  owner_ref TEXT NOT NULL,
  currency TEXT NOT NULL,
  reference_code TEXT NOT NULL,
  current_balance_cents INTEGER NOT NULL DEFAULT 0,
  credit_limit_cents INTEGER NOT NULL DEFAULT 0,
  minimum_balance_cents INTEGER NOT NULL DEFAULT 0,
  expires_at DATETIME,
  status TEXT NOT NULL DEFAULT 'active',
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (owner_ref, currency, reference_code)
);`, `
CREATE TABLE IF NOT EXISTS account_transactions (
  id TEXT PRIMARY KEY,
  balance_id TEXT NOT NULL,
  type TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  balance_before_cents INTEGER NOT NULL,
  balance_after_cents INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  idempotency_key TEXT NOT NULL,
  description TEXT NOT NULL,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (balance_id, idempotency_key)
);`, `
CREATE TABLE IF NOT EXISTS billing_schedules (
  id TEXT PRIMARY KEY,
  owner_ref TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  currency TEXT NOT NULL DEFAULT 'usd',
  interval_unit TEXT NOT NULL,
  interval_multiplier INTEGER NOT NULL DEFAULT 1,
  start_date DATETIME NOT NULL,
  end_date DATETIME,
  next_billing_date DATETIME NOT NULL,
  last_billed_at DATETIME,
  payment_method_id TEXT,
  account_balance_id TEXT,
  payment_priority TEXT NOT NULL DEFAULT 'payment_method_only',
  status TEXT NOT NULL DEFAULT 'active',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  notify_before_days INTEGER NOT NULL DEFAULT 0,
  last_reminder_at DATETIME,
  locked_until DATETIME,
  lock_version INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`}
	for _, stmt := range statements {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

func countOutbox(t *testing.T, db *gorm.DB, eventType enums.OutboxEventType) int64 {
	t.Helper()

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

type webhookFixture struct {
	db         *gorm.DB
	reconciler *Reconciler
	payments   payments.Service
	schedules  schedules.Service
	adapter    *sandbox.Adapter
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()

	db := setupWebhooksTestDB(t)
	runner := gormTxRunner{db: db}
	outboxSvc := outbox.NewService(outbox.NewRepository(db), nil)

	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		Repo:     ledger.NewRepository(db),
		TxRunner: runner,
		Outbox:   outboxSvc,
	})
	require.NoError(t, err)

	fees, err := providers.NewFeeSchedule("0", 0)
	require.NoError(t, err)
	adapter, err := sandbox.New(sandbox.Params{ID: "sandbox", WebhookSecret: "whsec_test", Fees: fees})
	require.NoError(t, err)
	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(adapter))

	paymentsSvc, err := payments.NewService(payments.ServiceParams{
		Repo:      payments.NewRepository(db),
		Ledger:    ledgerSvc,
		Providers: registry,
		TxRunner:  runner,
		Outbox:    outboxSvc,
	})
	require.NoError(t, err)

	schedulesSvc, err := schedules.NewService(schedules.ServiceParams{
		Repo: schedules.NewRepository(db),
	})
	require.NoError(t, err)

	reconciler, err := NewReconciler(ReconcilerParams{
		Repo:      NewRepository(db),
		Providers: registry,
		Handlers:  DefaultHandlers(paymentsSvc, schedulesSvc),
	})
	require.NoError(t, err)

	return &webhookFixture{
		db:         db,
		reconciler: reconciler,
		payments:   paymentsSvc,
		schedules:  schedulesSvc,
		adapter:    adapter,
	}
}

func (f *webhookFixture) chargePayment(t *testing.T, key string) *models.Payment {
	t.Helper()

	payment, err := f.payments.Charge(context.Background(), payments.ChargeRequest{
		AmountCents:    4200,
		Currency:       "usd",
		Priority:       enums.PaymentPriorityPaymentMethodOnly,
		ProviderID:     "sandbox",
		MethodRef:      "pm_ok_visa",
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.NotNil(t, payment.ProviderRef)
	return payment
}

func (f *webhookFixture) signedRequest(t *testing.T, eventID string, eventType enums.WebhookEventType, providerRef string) providers.WebhookRequest {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"event_id":     eventID,
		"type":         eventType.String(),
		"provider_ref": providerRef,
		"amount_cents": 4200,
		"currency":     "usd",
		"occurred_at":  time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	return providers.WebhookRequest{Body: body, Signature: f.adapter.Sign(body)}
}

// memoryIdempotencyStore is an honest SETNX map for guard tests.
type memoryIdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{keys: make(map[string]string)}
}

func (s *memoryIdempotencyStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[key], nil
}

func (s *memoryIdempotencyStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key]; exists {
		return false, nil
	}
	s.keys[key] = fmt.Sprint(value)
	return true, nil
}

func (s *memoryIdempotencyStore) IdempotencyKey(scope, id string) string {
	return "pg:idempotency:" + scope + ":" + id
}

func (s *memoryIdempotencyStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.keys, key)
	}
	return nil
}

func (f *webhookFixture) withGuard(t *testing.T) *memoryIdempotencyStore {
	t.Helper()

	store := newMemoryIdempotencyStore()
	manager, err := idempotency.NewManager(store, time.Hour)
	require.NoError(t, err)
	f.reconciler.guard = manager
	return store
}

func TestReceiveRefundWebhook(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	payment := f.chargePayment(t, "ord_100")

	req := f.signedRequest(t, "evt_001", enums.WebhookEventChargeRefunded, *payment.ProviderRef)
	row, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.NoError(t, err)
	assert.True(t, row.Processed)

	updated, err := f.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRefunded, updated.Status)
}

func TestReceiveDuplicateDeliveryIsNoOp(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	payment := f.chargePayment(t, "ord_101")

	req := f.signedRequest(t, "evt_002", enums.WebhookEventChargeRefunded, *payment.ProviderRef)
	first, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.NoError(t, err)

	second, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(1), countOutbox(t, f.db, enums.EventPaymentRefunded))
}

func TestReceiveGuardedFirstDeliveryDispatches(t *testing.T) {
	f := newWebhookFixture(t)
	f.withGuard(t)
	ctx := context.Background()
	payment := f.chargePayment(t, "ord_110")

	req := f.signedRequest(t, "evt_020", enums.WebhookEventChargeRefunded, *payment.ProviderRef)
	row, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.Processed)

	var count int64
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	updated, err := f.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRefunded, updated.Status)
}

func TestReceiveGuardedRedeliveryShortCircuits(t *testing.T) {
	f := newWebhookFixture(t)
	f.withGuard(t)
	ctx := context.Background()
	payment := f.chargePayment(t, "ord_111")

	req := f.signedRequest(t, "evt_021", enums.WebhookEventChargeRefunded, *payment.ProviderRef)
	first, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), countOutbox(t, f.db, enums.EventPaymentRefunded))
}

func TestReceiveGuardedHandlerFailureRetries(t *testing.T) {
	f := newWebhookFixture(t)
	store := f.withGuard(t)
	ctx := context.Background()

	// An unknown charge ref fails the handler; the guard marker must be
	// cleared so the provider's redelivery reaches the handler again.
	req := f.signedRequest(t, "evt_022", enums.WebhookEventChargeRefunded, "ch_missing")
	row, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.Error(t, err)
	require.NotNil(t, row)
	assert.False(t, row.Processed)
	assert.Empty(t, store.keys)

	// The redelivery is not short-circuited: it reaches the handler and
	// reports the same dependency failure instead of a silent no-op.
	row, err = f.reconciler.Receive(ctx, "sandbox", req)
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))
	require.NotNil(t, row)
	assert.False(t, row.Processed)
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t)

	req := f.signedRequest(t, "evt_003", enums.WebhookEventChargeRefunded, "ch_unknown")
	req.Signature = "deadbeef"

	_, err := f.reconciler.Receive(context.Background(), "sandbox", req)
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvalidSignature))

	var count int64
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestReceiveLateSuccessAfterRefundIsHandled(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	payment := f.chargePayment(t, "ord_102")

	refund := f.signedRequest(t, "evt_004", enums.WebhookEventChargeRefunded, *payment.ProviderRef)
	_, err := f.reconciler.Receive(ctx, "sandbox", refund)
	require.NoError(t, err)

	// A charge.succeeded delivered after the refund contradicts the stored
	// outcome; it is recorded and marked handled without changing state.
	late := f.signedRequest(t, "evt_005", enums.WebhookEventChargeSucceeded, *payment.ProviderRef)
	row, err := f.reconciler.Receive(ctx, "sandbox", late)
	require.NoError(t, err)
	assert.True(t, row.Processed)

	updated, err := f.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRefunded, updated.Status)
}

func TestReceiveHandlerFailureLeavesEventUnprocessed(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	// No payment carries this provider ref, so the handler fails.
	req := f.signedRequest(t, "evt_006", enums.WebhookEventChargeRefunded, "sandbox_ch_999999")
	row, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.Error(t, err)
	require.NotNil(t, row)
	assert.False(t, row.Processed)
	require.NotNil(t, row.LastError)

	// A later delivery with a known ref processes normally.
	payment := f.chargePayment(t, "ord_103")
	fixed := f.signedRequest(t, "evt_007", enums.WebhookEventChargeRefunded, *payment.ProviderRef)
	row, err = f.reconciler.Receive(ctx, "sandbox", fixed)
	require.NoError(t, err)
	assert.True(t, row.Processed)
}

func TestReceiveSubscriptionCancelled(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	methodID := uuid.New()
	schedule, err := f.schedules.Create(ctx, schedules.CreateInput{
		OwnerRef:        "user:" + uuid.NewString(),
		AmountCents:     1500,
		Currency:        "usd",
		IntervalUnit:    enums.IntervalUnitMonthly,
		StartDate:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		PaymentPriority: enums.PaymentPriorityPaymentMethodOnly,
		PaymentMethodID: &methodID,
	})
	require.NoError(t, err)

	req := f.signedRequest(t, "evt_008", enums.WebhookEventSubscriptionCancelled, schedule.ID.String())
	row, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.NoError(t, err)
	assert.True(t, row.Processed)

	cancelled, err := f.schedules.GetByID(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ScheduleStatusCancelled, cancelled.Status)
}

func TestReceiveMalformedCancellationRefIsAudited(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	req := f.signedRequest(t, "evt_009", enums.WebhookEventSubscriptionCancelled, "not-a-schedule-id")
	row, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.Processed)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "not a schedule id")

	// The redelivery hits the durable dedup and changes nothing.
	again, err := f.reconciler.Receive(ctx, "sandbox", req)
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID)

	var count int64
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
