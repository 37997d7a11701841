package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paygrid-backend/pkg/enums"
)

// BillingSchedule is a recurring or installment charge configuration.
// locked_until is the execution claim: a worker owns the schedule until the
// lease elapses, so a crashed worker's claim expires on its own.
type BillingSchedule struct {
	ID                 uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerRef           string                `gorm:"column:owner_ref;not null;index"`
	AmountCents        int64                 `gorm:"column:amount_cents;not null"`
	Currency           string                `gorm:"column:currency;not null;default:'usd'"`
	IntervalUnit       enums.IntervalUnit    `gorm:"column:interval_unit;type:interval_unit;not null"`
	IntervalMultiplier int                   `gorm:"column:interval_multiplier;not null;default:1"`
	StartDate          time.Time             `gorm:"column:start_date;not null"`
	EndDate            *time.Time            `gorm:"column:end_date"`
	NextBillingDate    time.Time             `gorm:"column:next_billing_date;not null;index"`
	LastBilledAt       *time.Time            `gorm:"column:last_billed_at"`
	PaymentMethodID    *uuid.UUID            `gorm:"column:payment_method_id;type:uuid"`
	AccountBalanceID   *uuid.UUID            `gorm:"column:account_balance_id;type:uuid"`
	PaymentPriority    enums.PaymentPriority `gorm:"column:payment_priority;type:payment_priority;not null;default:'payment_method_only'"`
	Status             enums.ScheduleStatus  `gorm:"column:status;type:schedule_status;not null;default:'active'"`
	RetryCount         int                   `gorm:"column:retry_count;not null;default:0"`
	MaxRetries         int                   `gorm:"column:max_retries;not null;default:3"`
	NotifyBeforeDays   int                   `gorm:"column:notify_before_days;not null;default:0"`
	LastReminderAt     *time.Time            `gorm:"column:last_reminder_at"`
	LockedUntil        *time.Time            `gorm:"column:locked_until"`
	LockVersion        int64                 `gorm:"column:lock_version;not null;default:0"`
	CreatedAt          time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}
