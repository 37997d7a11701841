package schedules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/paygrid-backend/internal/payments"
	"github.com/angelmondragon/paygrid-backend/pkg/config"
	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
	"github.com/angelmondragon/paygrid-backend/pkg/logger"
	"github.com/angelmondragon/paygrid-backend/pkg/metrics"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox/payloads"
)

// methodSource resolves a stored payment method to its provider token.
type methodSource interface {
	FindPaymentMethod(ctx context.Context, id uuid.UUID) (*models.PaymentMethod, error)
}

// balanceSweeper expires due account balances as part of the tick.
type balanceSweeper interface {
	ExpireDue(ctx context.Context, asOf time.Time, limit int) (int, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// SchedulerParams groups dependencies for the billing worker.
type SchedulerParams struct {
	Repo     Repository
	Payments payments.Service
	Methods  methodSource
	Ledger   balanceSweeper
	Outbox   *outbox.Service
	TxRunner txRunner
	Lock     Lock
	Metrics  *metrics.BillingMetrics
	Logger   *logger.Logger
	Config   config.BillingConfig
	WorkerID string
	Now      func() time.Time
}

// Scheduler drives due billing schedules: it claims them with a bounded
// lease, charges through the payment router, records one execution per
// billing period, and advances or suspends the schedule.
type Scheduler struct {
	repo     Repository
	payments payments.Service
	methods  methodSource
	ledger   balanceSweeper
	outbox   *outbox.Service
	tx       txRunner
	lock     Lock
	metrics  *metrics.BillingMetrics
	logg     *logger.Logger
	cfg      config.BillingConfig
	workerID string
	now      func() time.Time
}

// NewScheduler wires the billing worker.
func NewScheduler(params SchedulerParams) (*Scheduler, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("schedules repository required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	if params.TxRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	lock := params.Lock
	if lock == nil {
		lock = NoopLock{}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	workerID := params.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	cfg := params.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	return &Scheduler{
		repo:     params.Repo,
		payments: params.Payments,
		methods:  params.Methods,
		ledger:   params.Ledger,
		outbox:   params.Outbox,
		tx:       params.TxRunner,
		lock:     lock,
		metrics:  params.Metrics,
		logg:     params.Logger,
		cfg:      cfg,
		workerID: workerID,
		now:      now,
	}, nil
}

// Run ticks on a fixed cadence until the context is canceled. Only one
// instance ticks at a time; the others skip the cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.tickCycle(ctx); err != nil {
		s.logError(ctx, "billing tick failed", err)
	}
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logInfo(ctx, "billing worker context canceled")
			return ctx.Err()
		case <-ticker.C:
			if err := s.tickCycle(ctx); err != nil {
				s.logError(ctx, "billing tick failed", err)
			}
		}
	}
}

func (s *Scheduler) tickCycle(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logInfo(ctx, "another billing worker is ticking; skipping this cycle")
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(ctx); relErr != nil {
			s.logError(ctx, "failed to release billing lock", relErr)
		}
	}()
	return s.Tick(ctx)
}

// Tick runs one full pass: reminders, due-schedule execution, and the
// balance expiry sweep. Per-schedule failures are collected so one bad
// schedule does not starve the rest of the batch.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := s.now()
	defer func() {
		s.metrics.ObserveTickDuration(s.workerID, time.Since(start))
	}()

	var errs error
	if err := s.sendReminders(ctx, start); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("reminders: %w", err))
	}

	due, err := s.repo.ListDue(ctx, start, s.cfg.BatchSize)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("list due: %w", err))
	}

	claimed := 0
	for i := range due {
		schedule := &due[i]
		if err := s.repo.Claim(ctx, schedule, start.Add(s.cfg.LeaseDuration)); err != nil {
			// Losing the lease race is routine, another worker has it.
			if pkgerrors.HasCode(err, pkgerrors.CodeDoubleClaim) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("claim %s: %w", schedule.ID, err))
			continue
		}
		claimed++
		if err := s.executeSchedule(ctx, schedule); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("execute %s: %w", schedule.ID, err))
		}
	}
	s.metrics.SetClaimed(claimed)

	if s.ledger != nil {
		if _, err := s.ledger.ExpireDue(ctx, start, s.cfg.BatchSize); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire balances: %w", err))
		}
	}
	return errs
}

// PeriodKey identifies one billing period of one schedule. The unique index
// on it is what makes a re-run after a crash converge instead of recharging.
func PeriodKey(scheduleID uuid.UUID, billingDate time.Time) string {
	return fmt.Sprintf("%s:%s", scheduleID, billingDate.UTC().Format("2006-01-02"))
}

// NextDate advances a billing date by one interval.
func NextDate(current time.Time, unit enums.IntervalUnit, multiplier int) time.Time {
	if multiplier <= 0 {
		multiplier = 1
	}
	switch unit {
	case enums.IntervalUnitDaily:
		return current.AddDate(0, 0, multiplier)
	case enums.IntervalUnitWeekly:
		return current.AddDate(0, 0, 7*multiplier)
	case enums.IntervalUnitMonthly:
		return current.AddDate(0, multiplier, 0)
	case enums.IntervalUnitYearly:
		return current.AddDate(multiplier, 0, 0)
	default:
		return current.AddDate(0, multiplier, 0)
	}
}

func (s *Scheduler) executeSchedule(ctx context.Context, schedule *models.BillingSchedule) error {
	defer func() {
		if err := s.repo.Release(ctx, schedule.ID); err != nil {
			s.logError(ctx, "failed to release schedule lease", err)
		}
	}()
	if s.logg != nil {
		ctx = s.logg.WithScheduleID(ctx, schedule.ID.String())
	}

	periodKey := PeriodKey(schedule.ID, schedule.NextBillingDate)
	existing, err := s.repo.FindExecutionByPeriodKey(ctx, periodKey)
	if err != nil {
		return err
	}
	if existing != nil {
		// A previous worker charged this period but crashed before
		// advancing the schedule. Finish the bookkeeping only.
		if existing.ExecutionStatus == enums.ExecutionStatusSuccess {
			return s.advanceSchedule(ctx, schedule)
		}
		return nil
	}

	req, err := s.buildChargeRequest(ctx, schedule, periodKey)
	if err != nil {
		return s.recordFailure(ctx, schedule, periodKey, err)
	}

	payment, chargeErr := s.payments.Charge(ctx, *req)
	if chargeErr != nil {
		s.metrics.IncExecution("failed")
		return s.recordFailure(ctx, schedule, periodKey, chargeErr)
	}
	s.metrics.IncExecution("success")
	return s.recordSuccess(ctx, schedule, periodKey, payment)
}

func (s *Scheduler) buildChargeRequest(ctx context.Context, schedule *models.BillingSchedule, periodKey string) (*payments.ChargeRequest, error) {
	// The key is scoped to the retry attempt: a crashed attempt replays
	// its own outcome, while the next retry gets a fresh charge.
	req := payments.ChargeRequest{
		ScheduleID:     &schedule.ID,
		AmountCents:    schedule.AmountCents,
		Currency:       schedule.Currency,
		Priority:       schedule.PaymentPriority,
		BalanceID:      schedule.AccountBalanceID,
		IdempotencyKey: fmt.Sprintf("sched:%s:r%d", periodKey, schedule.RetryCount),
		Description:    fmt.Sprintf("scheduled charge for %s", schedule.NextBillingDate.UTC().Format("2006-01-02")),
	}
	if schedule.PaymentPriority.RequiresPaymentMethod() {
		if schedule.PaymentMethodID == nil {
			return nil, fmt.Errorf("schedule has no payment method configured")
		}
		if s.methods == nil {
			return nil, fmt.Errorf("no payment method source configured")
		}
		method, err := s.methods.FindPaymentMethod(ctx, *schedule.PaymentMethodID)
		if err != nil {
			return nil, err
		}
		if method == nil {
			return nil, fmt.Errorf("payment method %s not found", schedule.PaymentMethodID)
		}
		req.CustomerID = &method.CustomerID
		req.ProviderID = method.ProviderID
		req.MethodRef = method.ProviderMethodRef
	}
	return &req, nil
}

func (s *Scheduler) recordSuccess(ctx context.Context, schedule *models.BillingSchedule, periodKey string, payment *models.Payment) error {
	execution := &models.BillingScheduleExecution{
		ID:                   uuid.New(),
		ScheduleID:           schedule.ID,
		PeriodKey:            periodKey,
		ExecutionStatus:      enums.ExecutionStatusSuccess,
		AttemptedAmountCents: schedule.AmountCents,
		ChargedAmountCents:   payment.AmountCents,
		PaymentSource:        payment.Source(),
		PaymentID:            &payment.ID,
		ExecutedAt:           s.now(),
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateExecution(ctx, execution); err != nil {
			return err
		}
		return s.advanceScheduleTx(ctx, tx, repo, schedule)
	})
}

func (s *Scheduler) advanceSchedule(ctx context.Context, schedule *models.BillingSchedule) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.advanceScheduleTx(ctx, tx, s.repo.WithTx(tx), schedule)
	})
}

func (s *Scheduler) advanceScheduleTx(ctx context.Context, tx *gorm.DB, repo Repository, schedule *models.BillingSchedule) error {
	now := s.now()
	next := NextDate(schedule.NextBillingDate, schedule.IntervalUnit, schedule.IntervalMultiplier)

	schedule.LastBilledAt = &now
	schedule.RetryCount = 0
	schedule.NextBillingDate = next
	schedule.LockedUntil = nil
	schedule.Status = enums.ScheduleStatusActive
	if schedule.EndDate != nil && next.After(*schedule.EndDate) {
		schedule.Status = enums.ScheduleStatusCompleted
	}
	if err := repo.Update(ctx, schedule); err != nil {
		return err
	}
	if schedule.Status == enums.ScheduleStatusCompleted {
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventBillingScheduleCompleted,
			AggregateType: enums.AggregateBillingSchedule,
			AggregateID:   schedule.ID,
			Version:       1,
			Data: payloads.BillingScheduleCompletedEvent{
				ScheduleID:  schedule.ID,
				OwnerRef:    schedule.OwnerRef,
				CompletedAt: now,
			},
		})
	}
	return nil
}

// recordFailure bumps the retry count and leaves the billing date where it
// is, so the next tick retries the same period.
func (s *Scheduler) recordFailure(ctx context.Context, schedule *models.BillingSchedule, periodKey string, chargeErr error) error {
	msg := chargeErr.Error()
	execution := &models.BillingScheduleExecution{
		ID:                   uuid.New(),
		ScheduleID:           schedule.ID,
		PeriodKey:            fmt.Sprintf("%s#%d", periodKey, schedule.RetryCount+1),
		ExecutionStatus:      enums.ExecutionStatusFailed,
		AttemptedAmountCents: schedule.AmountCents,
		PaymentSource:        enums.PaymentSourcePaymentMethod,
		ErrorMessage:         &msg,
		ExecutedAt:           s.now(),
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateExecution(ctx, execution); err != nil {
			return err
		}
		schedule.RetryCount++
		schedule.LockedUntil = nil
		if schedule.RetryCount >= schedule.MaxRetries {
			schedule.Status = enums.ScheduleStatusSuspended
		} else {
			schedule.Status = enums.ScheduleStatusPastDue
		}
		if err := repo.Update(ctx, schedule); err != nil {
			return err
		}
		if schedule.Status != enums.ScheduleStatusSuspended {
			return nil
		}
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventBillingScheduleSuspended,
			AggregateType: enums.AggregateBillingSchedule,
			AggregateID:   schedule.ID,
			Version:       1,
			Data: payloads.BillingScheduleSuspendedEvent{
				ScheduleID:  schedule.ID,
				OwnerRef:    schedule.OwnerRef,
				RetryCount:  schedule.RetryCount,
				MaxRetries:  schedule.MaxRetries,
				SuspendedAt: s.now(),
				LastError:   msg,
			},
		})
	})
}

// sendReminders emits one advance notice per upcoming billing period for
// schedules that asked for them.
func (s *Scheduler) sendReminders(ctx context.Context, asOf time.Time) error {
	candidates, err := s.repo.ListReminderCandidates(ctx, asOf, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	var errs error
	for i := range candidates {
		schedule := &candidates[i]
		windowStart := schedule.NextBillingDate.AddDate(0, 0, -schedule.NotifyBeforeDays)
		if asOf.Before(windowStart) {
			continue
		}
		if schedule.LastReminderAt != nil && !schedule.LastReminderAt.Before(windowStart) {
			continue
		}
		if err := s.sendReminder(ctx, schedule, asOf); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reminder %s: %w", schedule.ID, err))
		}
	}
	return errs
}

func (s *Scheduler) sendReminder(ctx context.Context, schedule *models.BillingSchedule, asOf time.Time) error {
	days := int(schedule.NextBillingDate.Sub(asOf).Hours() / 24)
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		schedule.LastReminderAt = &asOf
		if err := repo.Update(ctx, schedule); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventBillingReminderDue,
			AggregateType: enums.AggregateBillingSchedule,
			AggregateID:   schedule.ID,
			Version:       1,
			Data: payloads.BillingReminderDueEvent{
				ScheduleID:      schedule.ID,
				OwnerRef:        schedule.OwnerRef,
				AmountCents:     schedule.AmountCents,
				Currency:        schedule.Currency,
				NextBillingDate: schedule.NextBillingDate,
				DaysUntilCharge: days,
			},
		})
	})
}

func (s *Scheduler) logInfo(ctx context.Context, msg string) {
	if s.logg != nil {
		s.logg.Info(ctx, msg)
	}
}

func (s *Scheduler) logError(ctx context.Context, msg string, err error) {
	if s.logg != nil {
		s.logg.Error(ctx, msg, err)
	}
}
