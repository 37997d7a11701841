package schedules

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
)

// Repository persists billing schedules and their execution history.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, schedule *models.BillingSchedule) error
	Update(ctx context.Context, schedule *models.BillingSchedule) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.BillingSchedule, error)
	ListByOwner(ctx context.Context, ownerRef string, limit int) ([]models.BillingSchedule, error)
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]models.BillingSchedule, error)
	Claim(ctx context.Context, schedule *models.BillingSchedule, until time.Time) error
	Release(ctx context.Context, id uuid.UUID) error
	ListReminderCandidates(ctx context.Context, asOf time.Time, limit int) ([]models.BillingSchedule, error)
	CreateExecution(ctx context.Context, execution *models.BillingScheduleExecution) error
	FindExecutionByPeriodKey(ctx context.Context, periodKey string) (*models.BillingScheduleExecution, error)
	ListExecutions(ctx context.Context, scheduleID uuid.UUID, limit int) ([]models.BillingScheduleExecution, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a gorm-backed schedule repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, schedule *models.BillingSchedule) error {
	return r.db.WithContext(ctx).Create(schedule).Error
}

func (r *repository) Update(ctx context.Context, schedule *models.BillingSchedule) error {
	return r.db.WithContext(ctx).Save(schedule).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.BillingSchedule, error) {
	var schedule models.BillingSchedule
	err := r.db.WithContext(ctx).First(&schedule, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

func (r *repository) ListByOwner(ctx context.Context, ownerRef string, limit int) ([]models.BillingSchedule, error) {
	var schedules []models.BillingSchedule
	err := r.db.WithContext(ctx).
		Where("owner_ref = ?", ownerRef).
		Order("created_at DESC").
		Limit(limit).
		Find(&schedules).Error
	return schedules, err
}

// ListDue returns billable schedules whose next billing date has arrived and
// whose lease is absent or expired.
func (r *repository) ListDue(ctx context.Context, asOf time.Time, limit int) ([]models.BillingSchedule, error) {
	var schedules []models.BillingSchedule
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{"active", "past_due"}).
		Where("next_billing_date <= ?", asOf).
		Where("locked_until IS NULL OR locked_until <= ?", asOf).
		Order("next_billing_date ASC").
		Limit(limit).
		Find(&schedules).Error
	return schedules, err
}

// Claim takes the execution lease with a compare-and-set on lock_version, so
// only one of two racing workers wins. The loser gets a double-claim error.
// The schedule's in-memory lease and version are refreshed on success.
func (r *repository) Claim(ctx context.Context, schedule *models.BillingSchedule, until time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.BillingSchedule{}).
		Where("id = ? AND lock_version = ?", schedule.ID, schedule.LockVersion).
		Updates(map[string]any{
			"locked_until": until,
			"lock_version": schedule.LockVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeDoubleClaim, "schedule lease held by another worker").
			WithDetails(map[string]any{"schedule_id": schedule.ID})
	}
	schedule.LockedUntil = &until
	schedule.LockVersion++
	return nil
}

func (r *repository) Release(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.BillingSchedule{}).
		Where("id = ?", id).
		Update("locked_until", nil).Error
}

// ListReminderCandidates returns active schedules that want advance notice
// for an upcoming charge. Window arithmetic happens in the caller.
func (r *repository) ListReminderCandidates(ctx context.Context, asOf time.Time, limit int) ([]models.BillingSchedule, error) {
	var schedules []models.BillingSchedule
	err := r.db.WithContext(ctx).
		Where("status = ?", "active").
		Where("notify_before_days > 0").
		Where("next_billing_date > ?", asOf).
		Order("next_billing_date ASC").
		Limit(limit).
		Find(&schedules).Error
	return schedules, err
}

func (r *repository) CreateExecution(ctx context.Context, execution *models.BillingScheduleExecution) error {
	return r.db.WithContext(ctx).Create(execution).Error
}

func (r *repository) FindExecutionByPeriodKey(ctx context.Context, periodKey string) (*models.BillingScheduleExecution, error) {
	var execution models.BillingScheduleExecution
	err := r.db.WithContext(ctx).First(&execution, "period_key = ?", periodKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

func (r *repository) ListExecutions(ctx context.Context, scheduleID uuid.UUID, limit int) ([]models.BillingScheduleExecution, error) {
	var executions []models.BillingScheduleExecution
	err := r.db.WithContext(ctx).
		Where("schedule_id = ?", scheduleID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&executions).Error
	return executions, err
}
