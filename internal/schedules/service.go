package schedules

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
	"github.com/angelmondragon/paygrid-backend/pkg/logger"
)

var validate = validator.New()

// Service manages the billing schedule lifecycle. Execution of due schedules
// lives in the Scheduler; this service covers creation and the externally
// triggered transitions.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*models.BillingSchedule, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.BillingSchedule, error)
	ListByOwner(ctx context.Context, ownerRef string, limit int) ([]models.BillingSchedule, error)
	ListExecutions(ctx context.Context, scheduleID uuid.UUID, limit int) ([]models.BillingScheduleExecution, error)
	Pause(ctx context.Context, id uuid.UUID) (*models.BillingSchedule, error)
	Resume(ctx context.Context, id uuid.UUID) (*models.BillingSchedule, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.BillingSchedule, error)
}

// CreateInput describes a new recurring charge.
type CreateInput struct {
	OwnerRef           string                `validate:"required"`
	AmountCents        int64                 `validate:"required,gt=0"`
	Currency           string                `validate:"required,len=3"`
	IntervalUnit       enums.IntervalUnit    `validate:"required"`
	IntervalMultiplier int                   `validate:"gte=0"`
	StartDate          time.Time             `validate:"required"`
	EndDate            *time.Time            ``
	PaymentMethodID    *uuid.UUID            ``
	AccountBalanceID   *uuid.UUID            ``
	PaymentPriority    enums.PaymentPriority `validate:"required"`
	MaxRetries         int                   `validate:"gte=0"`
	NotifyBeforeDays   int                   `validate:"gte=0"`
}

// ServiceParams groups dependencies for the schedule service.
type ServiceParams struct {
	Repo              Repository
	DefaultMaxRetries int
	Logger            *logger.Logger
}

type service struct {
	repo              Repository
	defaultMaxRetries int
	logg              *logger.Logger
}

// NewService wires the schedule service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("schedules repository required")
	}
	maxRetries := params.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &service{
		repo:              params.Repo,
		defaultMaxRetries: maxRetries,
		logg:              params.Logger,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*models.BillingSchedule, error) {
	if err := validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid schedule input")
	}
	if !input.IntervalUnit.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid interval unit %q", input.IntervalUnit))
	}
	if !input.PaymentPriority.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid payment priority %q", input.PaymentPriority))
	}
	if input.PaymentPriority.RequiresBalance() && input.AccountBalanceID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("priority %s requires an account balance", input.PaymentPriority))
	}
	if input.PaymentPriority.RequiresPaymentMethod() && input.PaymentMethodID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("priority %s requires a payment method", input.PaymentPriority))
	}
	if input.EndDate != nil && !input.EndDate.After(input.StartDate) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "end date must be after start date")
	}
	multiplier := input.IntervalMultiplier
	if multiplier == 0 {
		multiplier = 1
	}
	maxRetries := input.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.defaultMaxRetries
	}

	schedule := &models.BillingSchedule{
		ID:                 uuid.New(),
		OwnerRef:           input.OwnerRef,
		AmountCents:        input.AmountCents,
		Currency:           input.Currency,
		IntervalUnit:       input.IntervalUnit,
		IntervalMultiplier: multiplier,
		StartDate:          input.StartDate,
		EndDate:            input.EndDate,
		NextBillingDate:    input.StartDate,
		PaymentMethodID:    input.PaymentMethodID,
		AccountBalanceID:   input.AccountBalanceID,
		PaymentPriority:    input.PaymentPriority,
		Status:             enums.ScheduleStatusActive,
		MaxRetries:         maxRetries,
		NotifyBeforeDays:   input.NotifyBeforeDays,
	}
	if err := s.repo.Create(ctx, schedule); err != nil {
		return nil, err
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithScheduleID(ctx, schedule.ID.String()), "billing schedule created")
	}
	return schedule, nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID) (*models.BillingSchedule, error) {
	schedule, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "schedule not found")
	}
	return schedule, nil
}

func (s *service) ListByOwner(ctx context.Context, ownerRef string, limit int) ([]models.BillingSchedule, error) {
	if ownerRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner ref is required")
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListByOwner(ctx, ownerRef, limit)
}

func (s *service) ListExecutions(ctx context.Context, scheduleID uuid.UUID, limit int) ([]models.BillingScheduleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListExecutions(ctx, scheduleID, limit)
}

func (s *service) Pause(ctx context.Context, id uuid.UUID) (*models.BillingSchedule, error) {
	return s.transition(ctx, id, enums.ScheduleStatusPaused, func(from enums.ScheduleStatus) bool {
		return from.Billable()
	})
}

func (s *service) Resume(ctx context.Context, id uuid.UUID) (*models.BillingSchedule, error) {
	return s.transition(ctx, id, enums.ScheduleStatusActive, func(from enums.ScheduleStatus) bool {
		return from == enums.ScheduleStatusPaused || from == enums.ScheduleStatusSuspended
	})
}

func (s *service) Cancel(ctx context.Context, id uuid.UUID) (*models.BillingSchedule, error) {
	return s.transition(ctx, id, enums.ScheduleStatusCancelled, func(from enums.ScheduleStatus) bool {
		return !from.Terminal()
	})
}

func (s *service) transition(ctx context.Context, id uuid.UUID, target enums.ScheduleStatus, allowed func(enums.ScheduleStatus) bool) (*models.BillingSchedule, error) {
	schedule, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if schedule.Status == target {
		return schedule, nil
	}
	if !allowed(schedule.Status) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("cannot move schedule from %s to %s", schedule.Status, target))
	}
	schedule.Status = target
	if target == enums.ScheduleStatusActive {
		// A resumed schedule restarts its retry budget.
		schedule.RetryCount = 0
	}
	if err := s.repo.Update(ctx, schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}
