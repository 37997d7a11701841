package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paygrid-backend/pkg/enums"
)

// Customer unifies a registered user, an organization, or a guest behind one
// billing identity. The id is immutable; converting a guest into a user
// rewrites owner_kind/owner_ref in place so referencing rows are unaffected.
type Customer struct {
	ID              uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerKind       enums.OwnerKind `gorm:"column:owner_kind;type:owner_kind;not null"`
	OwnerRef        string          `gorm:"column:owner_ref;not null;index"`
	DefaultCurrency string          `gorm:"column:default_currency;not null;default:'usd'"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
