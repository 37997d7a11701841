package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paygrid-backend/internal/providers"
	dbpkg "github.com/angelmondragon/paygrid-backend/pkg/db"
	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
	"github.com/angelmondragon/paygrid-backend/pkg/logger"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox/idempotency"
)

const guardConsumer = "webhooks"

// Handler processes one verified provider notification.
type Handler func(ctx context.Context, event *providers.WebhookEvent) error

// guard is the fast-path duplicate check in front of the durable one.
type guard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID string) (bool, error)
	Delete(ctx context.Context, consumer string, eventID string) error
}

// ReconcilerParams groups dependencies for webhook intake.
type ReconcilerParams struct {
	Repo      Repository
	Providers *providers.Registry
	Guard     *idempotency.Manager
	Handlers  map[enums.WebhookEventType]Handler
	Logger    *logger.Logger
}

// Reconciler verifies, deduplicates, persists, and dispatches provider
// webhooks. The redis guard short-circuits routine redeliveries; the unique
// index on (provider_id, provider_event_id) is the durable backstop.
type Reconciler struct {
	repo      Repository
	providers *providers.Registry
	guard     guard
	handlers  map[enums.WebhookEventType]Handler
	logg      *logger.Logger
}

// NewReconciler wires webhook intake.
func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("webhook repository required")
	}
	if params.Providers == nil {
		return nil, fmt.Errorf("provider registry required")
	}
	reconciler := &Reconciler{
		repo:      params.Repo,
		providers: params.Providers,
		handlers:  params.Handlers,
		logg:      params.Logger,
	}
	if params.Guard != nil {
		reconciler.guard = params.Guard
	}
	return reconciler, nil
}

// Receive handles one inbound delivery. Redelivered events return the stored
// row without re-running the handler; a handler failure leaves the row
// unprocessed so the provider's retry gets another attempt.
func (r *Reconciler) Receive(ctx context.Context, providerID string, req providers.WebhookRequest) (*models.WebhookEvent, error) {
	adapter, err := r.providers.Get(providerID)
	if err != nil {
		return nil, err
	}
	if !providers.Supports(adapter, providers.CapabilityWebhook) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider does not deliver webhooks").
			WithDetails(map[string]any{"provider_id": providerID})
	}
	event, err := adapter.VerifyAndParseWebhook(req)
	if err != nil {
		return nil, err
	}
	if r.logg != nil {
		ctx = r.logg.WithFields(ctx, map[string]any{
			"provider_id":       providerID,
			"provider_event_id": event.ProviderEventID,
			"webhook_type":      event.Type.String(),
		})
	}

	if r.guard != nil {
		already, guardErr := r.guard.CheckAndMarkProcessed(ctx, guardKey(providerID), event.ProviderEventID)
		if guardErr != nil {
			// Redis being down must not drop webhooks; the durable
			// dedup below still holds.
			if r.logg != nil {
				r.logg.Error(ctx, "webhook guard unavailable", guardErr)
			}
		} else if already {
			return r.repo.FindByProviderEvent(ctx, providerID, event.ProviderEventID)
		}
	}

	row, err := r.findOrCreate(ctx, providerID, event)
	if err != nil {
		return nil, err
	}
	if row.Processed {
		return row, nil
	}
	return r.dispatch(ctx, providerID, row, event)
}

func (r *Reconciler) findOrCreate(ctx context.Context, providerID string, event *providers.WebhookEvent) (*models.WebhookEvent, error) {
	existing, err := r.repo.FindByProviderEvent(ctx, providerID, event.ProviderEventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	row := &models.WebhookEvent{
		ID:              uuid.New(),
		ProviderID:      providerID,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type.String(),
		Payload:         event.Raw,
		ReceivedAt:      time.Now(),
	}
	if err := r.repo.Create(ctx, row); err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_webhook_events_provider_event") {
			return r.repo.FindByProviderEvent(ctx, providerID, event.ProviderEventID)
		}
		return nil, err
	}
	return row, nil
}

func (r *Reconciler) dispatch(ctx context.Context, providerID string, row *models.WebhookEvent, event *providers.WebhookEvent) (*models.WebhookEvent, error) {
	handler, ok := r.handlers[event.Type]
	if !ok {
		// Persisted for audit; nothing reconciles on this type.
		return row, r.markProcessed(ctx, row)
	}

	if err := handler(ctx, event); err != nil {
		msg := err.Error()
		row.LastError = &msg
		// A malformed event can never succeed, so redelivering it is
		// pointless; keep the row for audit and stop retrying.
		if pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
			now := time.Now()
			row.Processed = true
			row.ProcessedAt = &now
			return row, r.repo.Update(ctx, row)
		}
		if updateErr := r.repo.Update(ctx, row); updateErr != nil && r.logg != nil {
			r.logg.Error(ctx, "failed to record webhook handler error", updateErr)
		}
		if r.guard != nil {
			if delErr := r.guard.Delete(ctx, guardKey(providerID), event.ProviderEventID); delErr != nil && r.logg != nil {
				r.logg.Error(ctx, "failed to clear webhook guard", delErr)
			}
		}
		return row, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("webhook %s handler failed", event.Type))
	}
	return row, r.markProcessed(ctx, row)
}

func (r *Reconciler) markProcessed(ctx context.Context, row *models.WebhookEvent) error {
	now := time.Now()
	row.Processed = true
	row.ProcessedAt = &now
	row.LastError = nil
	return r.repo.Update(ctx, row)
}

func guardKey(providerID string) string {
	return guardConsumer + ":" + providerID
}
