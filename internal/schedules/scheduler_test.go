package schedules

import (
	"context"
	"errors"
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
	"github.com/angelmondragon/paygrid-backend/pkg/config"
	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type gormMethodSource struct {
	db *gorm.DB
}

func (m gormMethodSource) FindPaymentMethod(ctx context.Context, id uuid.UUID) (*models.PaymentMethod, error) {
	var method models.PaymentMethod
	err := m.db.WithContext(ctx).First(&method, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &method, nil
}

func setupSchedulesTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	statements := []string{`
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
CREATE TABLE IF NOT EXISTS billing_schedule_executions (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  period_key TEXT NOT NULL UNIQUE,
  execution_status TEXT NOT NULL,
  attempted_amount_cents INTEGER NOT NULL,
  charged_amount_cents INTEGER NOT NULL DEFAULT 0,
  payment_source TEXT NOT NULL,
  payment_id TEXT,
  error_message TEXT,
  executed_at DATETIME NOT NULL,
  created_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS payment_methods (
  id TEXT PRIMARY KEY,
  customer_id TEXT NOT NULL,
  provider_id TEXT NOT NULL,
  provider_method_ref TEXT NOT NULL,
  is_default INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
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

type schedulerFixture struct {
	db        *gorm.DB
	repo      Repository
	scheduler *Scheduler
	svc       Service
	ledger    ledger.Service
	now       time.Time
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	db := setupSchedulesTestDB(t)
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

	repo := NewRepository(db)
	now := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	fixture := &schedulerFixture{db: db, repo: repo, ledger: ledgerSvc, now: now}

	scheduler, err := NewScheduler(SchedulerParams{
		Repo:     repo,
		Payments: paymentsSvc,
		Methods:  gormMethodSource{db: db},
		Ledger:   ledgerSvc,
		Outbox:   outboxSvc,
		TxRunner: runner,
		Config: config.BillingConfig{
			TickInterval:  time.Minute,
			LeaseDuration: 5 * time.Minute,
			BatchSize:     100,
		},
		WorkerID: "worker-test",
		Now:      func() time.Time { return fixture.now },
	})
	require.NoError(t, err)
	fixture.scheduler = scheduler

	svc, err := NewService(ServiceParams{Repo: repo, DefaultMaxRetries: 3})
	require.NoError(t, err)
	fixture.svc = svc
	return fixture
}

func (f *schedulerFixture) newPaymentMethod(t *testing.T, methodRef string) *models.PaymentMethod {
	t.Helper()

	method := &models.PaymentMethod{
		ID:                uuid.New(),
		CustomerID:        uuid.New(),
		ProviderID:        "sandbox",
		ProviderMethodRef: methodRef,
	}
	require.NoError(t, f.db.Create(method).Error)
	return method
}

func (f *schedulerFixture) newSchedule(t *testing.T, input CreateInput) *models.BillingSchedule {
	t.Helper()

	if input.OwnerRef == "" {
		input.OwnerRef = "user:" + uuid.NewString()
	}
	if input.Currency == "" {
		input.Currency = "usd"
	}
	if input.IntervalUnit == "" {
		input.IntervalUnit = enums.IntervalUnitWeekly
	}
	if input.StartDate.IsZero() {
		input.StartDate = f.now.Add(-time.Hour)
	}
	schedule, err := f.svc.Create(context.Background(), input)
	require.NoError(t, err)
	return schedule
}

func (f *schedulerFixture) reload(t *testing.T, id uuid.UUID) *models.BillingSchedule {
	t.Helper()

	schedule, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, schedule)
	return schedule
}

func (f *schedulerFixture) countOutboxEvents(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()

	var count int64
	require.NoError(t, f.db.Model(&models.OutboxEvent{}).
		Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func TestNextDate(t *testing.T) {
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name       string
		unit       enums.IntervalUnit
		multiplier int
		want       time.Time
	}{
		{"daily", enums.IntervalUnitDaily, 1, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)},
		{"every two weeks", enums.IntervalUnitWeekly, 2, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)},
		{"monthly", enums.IntervalUnitMonthly, 1, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"yearly", enums.IntervalUnitYearly, 1, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NextDate(base, tc.unit, tc.multiplier))
		})
	}
}

func TestTickChargesDueSchedule(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	method := f.newPaymentMethod(t, "pm_ok_visa")

	schedule := f.newSchedule(t, CreateInput{
		AmountCents:        2500,
		PaymentPriority:    enums.PaymentPriorityPaymentMethodOnly,
		PaymentMethodID:    &method.ID,
		IntervalUnit:       enums.IntervalUnitWeekly,
		IntervalMultiplier: 2,
		StartDate:          time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	})

	require.NoError(t, f.scheduler.Tick(ctx))

	updated := f.reload(t, schedule.ID)
	assert.Equal(t, enums.ScheduleStatusActive, updated.Status)
	assert.Equal(t, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), updated.NextBillingDate.UTC())
	assert.Equal(t, 0, updated.RetryCount)
	assert.Nil(t, updated.LockedUntil)
	require.NotNil(t, updated.LastBilledAt)

	executions, err := f.repo.ListExecutions(ctx, schedule.ID, 10)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, enums.ExecutionStatusSuccess, executions[0].ExecutionStatus)
	assert.Equal(t, int64(2500), executions[0].ChargedAmountCents)
	require.NotNil(t, executions[0].PaymentID)
	assert.Equal(t, int64(1), f.countOutboxEvents(t, enums.EventPaymentSucceeded))
}

func TestTickRetriesThenSuspends(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	method := f.newPaymentMethod(t, sandbox.MethodDeclined)

	schedule := f.newSchedule(t, CreateInput{
		AmountCents:     2500,
		PaymentPriority: enums.PaymentPriorityPaymentMethodOnly,
		PaymentMethodID: &method.ID,
		MaxRetries:      2,
	})
	dueDate := schedule.NextBillingDate

	// First failure moves the schedule to past_due with the date untouched.
	_ = f.scheduler.Tick(ctx)
	updated := f.reload(t, schedule.ID)
	assert.Equal(t, enums.ScheduleStatusPastDue, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Equal(t, dueDate.UTC(), updated.NextBillingDate.UTC())

	// Second failure exhausts the retry budget.
	_ = f.scheduler.Tick(ctx)
	updated = f.reload(t, schedule.ID)
	assert.Equal(t, enums.ScheduleStatusSuspended, updated.Status)
	assert.Equal(t, 2, updated.RetryCount)
	assert.Equal(t, dueDate.UTC(), updated.NextBillingDate.UTC())
	assert.Equal(t, int64(1), f.countOutboxEvents(t, enums.EventBillingScheduleSuspended))

	// Suspended schedules are no longer claimed.
	_ = f.scheduler.Tick(ctx)
	updated = f.reload(t, schedule.ID)
	assert.Equal(t, 2, updated.RetryCount)

	executions, err := f.repo.ListExecutions(ctx, schedule.ID, 10)
	require.NoError(t, err)
	assert.Len(t, executions, 2)
}

func TestTickRecoversFromCrashedRun(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	method := f.newPaymentMethod(t, "pm_ok_visa")

	schedule := f.newSchedule(t, CreateInput{
		AmountCents:     2500,
		PaymentPriority: enums.PaymentPriorityPaymentMethodOnly,
		PaymentMethodID: &method.ID,
	})

	// Simulate a worker that charged the period but died before advancing.
	paymentID := uuid.New()
	require.NoError(t, f.repo.CreateExecution(ctx, &models.BillingScheduleExecution{
		ID:                   uuid.New(),
		ScheduleID:           schedule.ID,
		PeriodKey:            PeriodKey(schedule.ID, schedule.NextBillingDate),
		ExecutionStatus:      enums.ExecutionStatusSuccess,
		AttemptedAmountCents: 2500,
		ChargedAmountCents:   2500,
		PaymentSource:        enums.PaymentSourcePaymentMethod,
		PaymentID:            &paymentID,
		ExecutedAt:           f.now.Add(-time.Minute),
	}))

	require.NoError(t, f.scheduler.Tick(ctx))

	updated := f.reload(t, schedule.ID)
	assert.True(t, updated.NextBillingDate.After(schedule.NextBillingDate))

	// No second charge happened.
	var count int64
	require.NoError(t, f.db.Model(&models.Payment{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestClaimIsExclusive(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	method := f.newPaymentMethod(t, "pm_ok_visa")

	schedule := f.newSchedule(t, CreateInput{
		AmountCents:     2500,
		PaymentPriority: enums.PaymentPriorityPaymentMethodOnly,
		PaymentMethodID: &method.ID,
	})

	// Two workers hold the same snapshot; only one compare-and-set wins.
	first := *f.reload(t, schedule.ID)
	second := first

	require.NoError(t, f.repo.Claim(ctx, &first, f.now.Add(5*time.Minute)))

	err := f.repo.Claim(ctx, &second, f.now.Add(5*time.Minute))
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDoubleClaim))
}

func TestListDueSkipsLeasedSchedules(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	method := f.newPaymentMethod(t, "pm_ok_visa")

	schedule := f.newSchedule(t, CreateInput{
		AmountCents:     2500,
		PaymentPriority: enums.PaymentPriorityPaymentMethodOnly,
		PaymentMethodID: &method.ID,
	})

	claimed := f.reload(t, schedule.ID)
	require.NoError(t, f.repo.Claim(ctx, claimed, f.now.Add(5*time.Minute)))

	due, err := f.repo.ListDue(ctx, f.now, 100)
	require.NoError(t, err)
	assert.Empty(t, due)

	// An expired lease makes the schedule claimable again.
	due, err = f.repo.ListDue(ctx, f.now.Add(10*time.Minute), 100)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestTickCompletesScheduleAtEndDate(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	method := f.newPaymentMethod(t, "pm_ok_visa")

	endDate := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)
	schedule := f.newSchedule(t, CreateInput{
		AmountCents:     2500,
		PaymentPriority: enums.PaymentPriorityPaymentMethodOnly,
		PaymentMethodID: &method.ID,
		IntervalUnit:    enums.IntervalUnitWeekly,
		StartDate:       time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		EndDate:         &endDate,
	})

	require.NoError(t, f.scheduler.Tick(ctx))

	updated := f.reload(t, schedule.ID)
	assert.Equal(t, enums.ScheduleStatusCompleted, updated.Status)
	assert.Equal(t, int64(1), f.countOutboxEvents(t, enums.EventBillingScheduleCompleted))
}

func TestTickSendsReminderOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	method := f.newPaymentMethod(t, "pm_ok_visa")

	f.newSchedule(t, CreateInput{
		AmountCents:      2500,
		PaymentPriority:  enums.PaymentPriorityPaymentMethodOnly,
		PaymentMethodID:  &method.ID,
		StartDate:        f.now.AddDate(0, 0, 2),
		NotifyBeforeDays: 3,
	})

	require.NoError(t, f.scheduler.Tick(ctx))
	assert.Equal(t, int64(1), f.countOutboxEvents(t, enums.EventBillingReminderDue))

	// A second tick inside the same window does not re-notify.
	require.NoError(t, f.scheduler.Tick(ctx))
	assert.Equal(t, int64(1), f.countOutboxEvents(t, enums.EventBillingReminderDue))
}

func TestTickExpiresDueBalances(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	expiresAt := f.now.Add(-time.Hour)
	balance, err := f.ledger.CreateBalance(ctx, ledger.CreateBalanceInput{
		OwnerRef:      "user:" + uuid.NewString(),
		Currency:      "usd",
		ReferenceCode: "promo",
		InitialCents:  700,
		ExpiresAt:     &expiresAt,
	})
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Tick(ctx))

	available, err := f.ledger.GetAvailable(ctx, balance.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)
	assert.Equal(t, int64(1), f.countOutboxEvents(t, enums.EventAccountBalanceExpired))
}
