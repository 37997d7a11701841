package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentMethod is a tokenized instrument held at one provider. Rows are
// created by the merchant-facing flow and consumed read-only by this core.
type PaymentMethod struct {
	ID                uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID        uuid.UUID `gorm:"column:customer_id;type:uuid;not null;index"`
	ProviderID        string    `gorm:"column:provider_id;not null"`
	ProviderMethodRef string    `gorm:"column:provider_method_ref;not null"`
	IsDefault         bool      `gorm:"column:is_default;not null;default:false"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
