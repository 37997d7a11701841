package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/angelmondragon/paygrid-backend/pkg/enums"
)

// ChargeInput describes one provider charge attempt. IdempotencyKey is passed
// through to the provider so a retried call settles at most once.
type ChargeInput struct {
	CustomerRef    string
	MethodRef      string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// ChargeResult is the provider's view of a settled charge.
type ChargeResult struct {
	ProviderRef string
	AmountCents int64
	FeeCents    int64
	ChargedAt   time.Time
}

// RefundInput requests a full or partial refund of a prior charge.
type RefundInput struct {
	ProviderRef    string
	AmountCents    int64
	IdempotencyKey string
	Reason         string
}

// RefundResult reports the refunded amount confirmed by the provider.
type RefundResult struct {
	ProviderRef    string
	RefundedCents  int64
	RefundedAt     time.Time
	ProviderReason string
}

// WebhookRequest carries an inbound notification before verification.
type WebhookRequest struct {
	Body      []byte
	Signature string
}

// WebhookEvent is a verified, normalized provider notification.
type WebhookEvent struct {
	ProviderEventID string
	Type            enums.WebhookEventType
	ProviderRef     string
	AmountCents     int64
	Currency        string
	OccurredAt      time.Time
	Raw             json.RawMessage
}

// Capability names one surface of the provider contract. Adapters advertise
// the set they implement and callers check before dispatching.
type Capability string

const (
	CapabilityCustomer      Capability = "customer"
	CapabilityPaymentMethod Capability = "payment_method"
	CapabilityCharge        Capability = "charge"
	CapabilitySubscription  Capability = "subscription"
	CapabilityRefund        Capability = "refund"
	CapabilityWebhook       Capability = "webhook"
)

// Adapter abstracts one external payment provider. Implementations map
// provider-specific failures onto the shared error codes: declined cards to
// CodeCardDeclined, transient outages to CodeProviderUnavailable, bad webhook
// signatures to CodeInvalidSignature.
type Adapter interface {
	ID() string
	Capabilities() []Capability
	Charge(ctx context.Context, input ChargeInput) (*ChargeResult, error)
	Refund(ctx context.Context, input RefundInput) (*RefundResult, error)
	VerifyAndParseWebhook(req WebhookRequest) (*WebhookEvent, error)
}

// Supports reports whether the adapter advertises the capability.
func Supports(adapter Adapter, capability Capability) bool {
	for _, c := range adapter.Capabilities() {
		if c == capability {
			return true
		}
	}
	return false
}
