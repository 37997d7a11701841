package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is an inbound provider notification. (provider_id,
// provider_event_id) is the durable dedup key; providers routinely redeliver.
type WebhookEvent struct {
	ID              uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProviderID      string          `gorm:"column:provider_id;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	ProviderEventID string          `gorm:"column:provider_event_id;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	EventType       string          `gorm:"column:event_type;not null"`
	Payload         json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	Processed       bool            `gorm:"column:processed;not null;default:false"`
	ReceivedAt      time.Time       `gorm:"column:received_at;not null"`
	ProcessedAt     *time.Time      `gorm:"column:processed_at"`
	LastError       *string         `gorm:"column:last_error"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
