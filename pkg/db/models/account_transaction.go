package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paygrid-backend/pkg/enums"
)

// AccountTransaction is an immutable ledger entry. amount_cents is always a
// positive magnitude; the type carries the sign. The only post-insert change
// ever allowed is the status transition pending -> completed|failed|reversed.
type AccountTransaction struct {
	ID                 uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	BalanceID          uuid.UUID               `gorm:"column:balance_id;type:uuid;not null;index;uniqueIndex:ux_account_transactions_balance_idem,priority:1"`
	Type               enums.TransactionType   `gorm:"column:type;type:transaction_type;not null"`
	AmountCents        int64                   `gorm:"column:amount_cents;not null"`
	BalanceBeforeCents int64                   `gorm:"column:balance_before_cents;not null"`
	BalanceAfterCents  int64                   `gorm:"column:balance_after_cents;not null"`
	Status             enums.TransactionStatus `gorm:"column:status;type:transaction_status;not null;default:'pending'"`
	IdempotencyKey     string                  `gorm:"column:idempotency_key;not null;uniqueIndex:ux_account_transactions_balance_idem,priority:2"`
	Description        string                  `gorm:"column:description;not null"`
	CreatedAt          time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

// SignedAmountCents folds the type's sign into the magnitude.
func (t AccountTransaction) SignedAmountCents() int64 {
	return t.Type.Sign() * t.AmountCents
}
