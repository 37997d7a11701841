package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paygrid-backend/pkg/enums"
)

// Payment is one logical charge result. It may be synthesized from a balance
// debit plus a provider charge; the portion columns record the split.
type Payment struct {
	ID                   uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID           *uuid.UUID          `gorm:"column:customer_id;type:uuid;index"`
	AmountCents          int64               `gorm:"column:amount_cents;not null"`
	Currency             string              `gorm:"column:currency;not null;default:'usd'"`
	Status               enums.PaymentStatus `gorm:"column:status;type:payment_status;not null;default:'pending'"`
	ProviderID           *string             `gorm:"column:provider_id"`
	ProviderRef          *string             `gorm:"column:provider_ref;uniqueIndex:ux_payments_provider_ref"`
	BalancePortionCents  int64               `gorm:"column:balance_portion_cents;not null;default:0"`
	ProviderPortionCents int64               `gorm:"column:provider_portion_cents;not null;default:0"`
	ProviderFeeCents     int64               `gorm:"column:provider_fee_cents;not null;default:0"`
	IdempotencyKey       string              `gorm:"column:idempotency_key;not null;uniqueIndex:ux_payments_idempotency_key"`
	ErrorMessage         *string             `gorm:"column:error_message"`
	CreatedAt            time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// Source classifies which instruments funded the payment.
func (p Payment) Source() enums.PaymentSource {
	switch {
	case p.BalancePortionCents > 0 && p.ProviderPortionCents > 0:
		return enums.PaymentSourceMixed
	case p.BalancePortionCents > 0:
		return enums.PaymentSourceAccountBalance
	default:
		return enums.PaymentSourcePaymentMethod
	}
}
