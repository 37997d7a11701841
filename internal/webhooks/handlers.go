package webhooks

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/paygrid-backend/internal/payments"
	"github.com/angelmondragon/paygrid-backend/internal/providers"
	"github.com/angelmondragon/paygrid-backend/internal/schedules"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
)

// DefaultHandlers reconciles charge outcomes onto payments and subscription
// cancellations onto schedules. For subscription.cancelled the provider ref
// carries the schedule id.
func DefaultHandlers(paymentsSvc payments.Service, schedulesSvc schedules.Service) map[enums.WebhookEventType]Handler {
	return map[enums.WebhookEventType]Handler{
		enums.WebhookEventChargeSucceeded: func(ctx context.Context, event *providers.WebhookEvent) error {
			_, err := paymentsSvc.TransitionByProviderRef(ctx, event.ProviderRef, enums.PaymentStatusSucceeded, "")
			return ignoreStateConflict(err)
		},
		enums.WebhookEventChargeFailed: func(ctx context.Context, event *providers.WebhookEvent) error {
			_, err := paymentsSvc.TransitionByProviderRef(ctx, event.ProviderRef, enums.PaymentStatusFailed, "provider reported charge failure")
			return ignoreStateConflict(err)
		},
		enums.WebhookEventChargeRefunded: func(ctx context.Context, event *providers.WebhookEvent) error {
			_, err := paymentsSvc.TransitionByProviderRef(ctx, event.ProviderRef, enums.PaymentStatusRefunded, "")
			return ignoreStateConflict(err)
		},
		enums.WebhookEventSubscriptionCancelled: func(ctx context.Context, event *providers.WebhookEvent) error {
			scheduleID, err := uuid.Parse(event.ProviderRef)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeValidation, err,
					fmt.Sprintf("cancellation ref %q is not a schedule id", event.ProviderRef))
			}
			_, err = schedulesSvc.Cancel(ctx, scheduleID)
			return ignoreStateConflict(err)
		},
	}
}

// ignoreStateConflict treats a contradictory late delivery as handled: the
// stored outcome already won, and retrying the webhook cannot change that.
func ignoreStateConflict(err error) error {
	if err == nil {
		return nil
	}
	if pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		return nil
	}
	return err
}
