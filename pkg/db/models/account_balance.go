package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paygrid-backend/pkg/enums"
)

// AccountBalance is a named ledger head, unique per
// (owner_ref, currency, reference_code). current_balance_cents is mutated
// only by the ledger service, inside the same transaction that appends the
// AccountTransaction row.
type AccountBalance struct {
	ID                  uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerRef            string              `gorm:"column:owner_ref;not null;uniqueIndex:ux_account_balances_owner_currency_ref,priority:1"`
	Currency            string              `gorm:"column:currency;not null;uniqueIndex:ux_account_balances_owner_currency_ref,priority:2"`
	ReferenceCode       string              `gorm:"column:reference_code;not null;uniqueIndex:ux_account_balances_owner_currency_ref,priority:3"`
	CurrentBalanceCents int64               `gorm:"column:current_balance_cents;not null;default:0"`
	CreditLimitCents    int64               `gorm:"column:credit_limit_cents;not null;default:0"`
	MinimumBalanceCents int64               `gorm:"column:minimum_balance_cents;not null;default:0"`
	ExpiresAt           *time.Time          `gorm:"column:expires_at"`
	Status              enums.BalanceStatus `gorm:"column:status;type:balance_status;not null;default:'active'"`
	CreatedAt           time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// AvailableCents is how much a debit may draw right now: the current balance
// plus the credit line, less the configured floor.
func (b AccountBalance) AvailableCents() int64 {
	return b.CurrentBalanceCents + b.CreditLimitCents - b.MinimumBalanceCents
}
