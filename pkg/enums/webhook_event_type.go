package enums

import "fmt"

// WebhookEventType enumerates the provider notifications this core reconciles.
// Unknown types are persisted for audit but dispatch to no handler.
type WebhookEventType string

const (
	WebhookEventChargeSucceeded       WebhookEventType = "charge.succeeded"
	WebhookEventChargeFailed          WebhookEventType = "charge.failed"
	WebhookEventChargeRefunded        WebhookEventType = "charge.refunded"
	WebhookEventSubscriptionCancelled WebhookEventType = "subscription.cancelled"
)

var validWebhookEventTypes = []WebhookEventType{
	WebhookEventChargeSucceeded,
	WebhookEventChargeFailed,
	WebhookEventChargeRefunded,
	WebhookEventSubscriptionCancelled,
}

// String implements fmt.Stringer.
func (w WebhookEventType) String() string {
	return string(w)
}

// IsValid reports whether the value is a known WebhookEventType.
func (w WebhookEventType) IsValid() bool {
	for _, candidate := range validWebhookEventTypes {
		if candidate == w {
			return true
		}
	}
	return false
}

// ParseWebhookEventType converts raw input into a WebhookEventType.
func ParseWebhookEventType(value string) (WebhookEventType, error) {
	for _, candidate := range validWebhookEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid webhook event type %q", value)
}
