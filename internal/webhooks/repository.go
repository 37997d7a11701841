package webhooks

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
)

// Repository persists inbound provider notifications.
type Repository interface {
	Create(ctx context.Context, event *models.WebhookEvent) error
	Update(ctx context.Context, event *models.WebhookEvent) error
	FindByProviderEvent(ctx context.Context, providerID, providerEventID string) (*models.WebhookEvent, error)
	ListUnprocessed(ctx context.Context, limit int) ([]models.WebhookEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a gorm-backed webhook event repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) Update(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Save(event).Error
}

func (r *repository) FindByProviderEvent(ctx context.Context, providerID, providerEventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).
		First(&event, "provider_id = ? AND provider_event_id = ?", providerID, providerEventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repository) ListUnprocessed(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
