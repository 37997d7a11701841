package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paygrid-backend/pkg/enums"
)

// PaymentSucceededEvent is emitted when a charge settles, whatever mix of
// instruments funded it.
type PaymentSucceededEvent struct {
	PaymentID            uuid.UUID           `json:"payment_id"`
	CustomerID           *uuid.UUID          `json:"customer_id,omitempty"`
	ScheduleID           *uuid.UUID          `json:"schedule_id,omitempty"`
	AmountCents          int64               `json:"amount_cents"`
	Currency             string              `json:"currency"`
	Source               enums.PaymentSource `json:"source"`
	BalancePortionCents  int64               `json:"balance_portion_cents"`
	ProviderPortionCents int64               `json:"provider_portion_cents"`
}

// PaymentFailedEvent is emitted when every configured payment source was
// exhausted without settling the charge.
type PaymentFailedEvent struct {
	PaymentID   uuid.UUID  `json:"payment_id"`
	CustomerID  *uuid.UUID `json:"customer_id,omitempty"`
	ScheduleID  *uuid.UUID `json:"schedule_id,omitempty"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	Reason      string     `json:"reason,omitempty"`
}

// PaymentRefundedEvent is emitted when a provider confirms a refund.
type PaymentRefundedEvent struct {
	PaymentID           uuid.UUID `json:"payment_id"`
	ProviderID          string    `json:"provider_id"`
	ProviderRef         string    `json:"provider_ref"`
	RefundedAmountCents int64     `json:"refunded_amount_cents"`
	RefundedAt          time.Time `json:"refunded_at"`
}

// BillingReminderDueEvent tells downstream systems an upcoming charge is near.
type BillingReminderDueEvent struct {
	ScheduleID      uuid.UUID `json:"schedule_id"`
	OwnerRef        string    `json:"owner_ref"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	NextBillingDate time.Time `json:"next_billing_date"`
	DaysUntilCharge int       `json:"days_until_charge"`
}

// BillingScheduleSuspendedEvent reports a schedule that hit its retry ceiling.
type BillingScheduleSuspendedEvent struct {
	ScheduleID  uuid.UUID `json:"schedule_id"`
	OwnerRef    string    `json:"owner_ref"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	SuspendedAt time.Time `json:"suspended_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// BillingScheduleCompletedEvent is emitted when a schedule advances past its end date.
type BillingScheduleCompletedEvent struct {
	ScheduleID  uuid.UUID `json:"schedule_id"`
	OwnerRef    string    `json:"owner_ref"`
	CompletedAt time.Time `json:"completed_at"`
}

// AccountBalanceFrozenEvent reports a balance frozen because its recomputed
// running balance stopped matching the stored one. IncidentRef is an opaque
// handle for operators; it carries no ledger internals.
type AccountBalanceFrozenEvent struct {
	BalanceID   uuid.UUID `json:"balance_id"`
	OwnerRef    string    `json:"owner_ref"`
	IncidentRef string    `json:"incident_ref"`
	FrozenAt    time.Time `json:"frozen_at"`
}

// AccountBalanceExpiredEvent is emitted when the expiry sweep closes a balance.
type AccountBalanceExpiredEvent struct {
	BalanceID      uuid.UUID `json:"balance_id"`
	OwnerRef       string    `json:"owner_ref"`
	ForfeitedCents int64     `json:"forfeited_cents"`
	ExpiredAt      time.Time `json:"expired_at"`
}

// CustomerConvertedEvent is emitted when a guest customer becomes a registered user.
type CustomerConvertedEvent struct {
	CustomerID  uuid.UUID `json:"customer_id"`
	OldOwnerRef string    `json:"old_owner_ref"`
	NewOwnerRef string    `json:"new_owner_ref"`
	ConvertedAt time.Time `json:"converted_at"`
}
