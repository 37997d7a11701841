package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paygrid-backend/pkg/enums"
)

// BillingScheduleExecution is the immutable record of one billing attempt.
// period_key is derived from (schedule_id, next_billing_date); its unique
// index is what makes a crashed tick safe to re-run.
type BillingScheduleExecution struct {
	ID                   uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ScheduleID           uuid.UUID             `gorm:"column:schedule_id;type:uuid;not null;index"`
	PeriodKey            string                `gorm:"column:period_key;not null;uniqueIndex:ux_schedule_executions_period"`
	ExecutionStatus      enums.ExecutionStatus `gorm:"column:execution_status;type:execution_status;not null"`
	AttemptedAmountCents int64                 `gorm:"column:attempted_amount_cents;not null"`
	ChargedAmountCents   int64                 `gorm:"column:charged_amount_cents;not null"`
	PaymentSource        enums.PaymentSource   `gorm:"column:payment_source;type:payment_source;not null"`
	PaymentID            *uuid.UUID            `gorm:"column:payment_id;type:uuid"`
	ErrorMessage         *string               `gorm:"column:error_message"`
	ExecutedAt           time.Time             `gorm:"column:executed_at;not null"`
	CreatedAt            time.Time             `gorm:"column:created_at;autoCreateTime"`
}
