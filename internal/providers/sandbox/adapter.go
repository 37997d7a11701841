package sandbox

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/paygrid-backend/internal/providers"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
)

// Method ref prefixes that script failure outcomes, in the spirit of test
// card numbers.
const (
	MethodDeclined     = "pm_declined"
	MethodInsufficient = "pm_insufficient"
	MethodUnavailable  = "pm_unavailable"
)

// Adapter is a deterministic in-process provider used in development and
// tests. Charges are idempotent per key, refunds require a known charge, and
// webhooks are verified with hex HMAC-SHA256 over the raw body.
type Adapter struct {
	id            string
	webhookSecret string
	fees          providers.FeeSchedule
	clock         func() time.Time

	mtx     sync.Mutex
	charges map[string]*providers.ChargeResult
	refunds map[string]*providers.RefundResult
	seq     int
}

type Params struct {
	ID            string
	WebhookSecret string
	Fees          providers.FeeSchedule
	Clock         func() time.Time
}

func New(params Params) (*Adapter, error) {
	if params.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider id is required")
	}
	if params.WebhookSecret == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "webhook secret is required")
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Adapter{
		id:            params.ID,
		webhookSecret: params.WebhookSecret,
		fees:          params.Fees,
		clock:         clock,
		charges:       make(map[string]*providers.ChargeResult),
		refunds:       make(map[string]*providers.RefundResult),
	}, nil
}

func (a *Adapter) ID() string {
	return a.id
}

func (a *Adapter) Capabilities() []providers.Capability {
	return []providers.Capability{
		providers.CapabilityCustomer,
		providers.CapabilityPaymentMethod,
		providers.CapabilityCharge,
		providers.CapabilitySubscription,
		providers.CapabilityRefund,
		providers.CapabilityWebhook,
	}
}

func (a *Adapter) Charge(ctx context.Context, input providers.ChargeInput) (*providers.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProviderUnavailable, err, "charge aborted")
	}
	if input.IdempotencyKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	switch {
	case strings.HasPrefix(input.MethodRef, MethodDeclined):
		return nil, pkgerrors.New(pkgerrors.CodeCardDeclined, "card declined")
	case strings.HasPrefix(input.MethodRef, MethodInsufficient):
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientFunds, "insufficient funds")
	case strings.HasPrefix(input.MethodRef, MethodUnavailable):
		return nil, pkgerrors.New(pkgerrors.CodeProviderUnavailable, "provider unavailable")
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	// replay returns the original settlement
	if prior, ok := a.charges[input.IdempotencyKey]; ok {
		return prior, nil
	}

	a.seq++
	result := &providers.ChargeResult{
		ProviderRef: fmt.Sprintf("%s_ch_%06d", a.id, a.seq),
		AmountCents: input.AmountCents,
		FeeCents:    a.fees.FeeCents(input.AmountCents),
		ChargedAt:   a.clock(),
	}
	a.charges[input.IdempotencyKey] = result
	return result, nil
}

func (a *Adapter) Refund(ctx context.Context, input providers.RefundInput) (*providers.RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProviderUnavailable, err, "refund aborted")
	}
	if input.IdempotencyKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	if input.ProviderRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider ref is required")
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	if prior, ok := a.refunds[input.IdempotencyKey]; ok {
		return prior, nil
	}

	var charged *providers.ChargeResult
	for _, c := range a.charges {
		if c.ProviderRef == input.ProviderRef {
			charged = c
			break
		}
	}
	if charged == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("charge %q not found", input.ProviderRef))
	}
	if input.AmountCents > charged.AmountCents {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds charged amount")
	}

	result := &providers.RefundResult{
		ProviderRef:    input.ProviderRef,
		RefundedCents:  input.AmountCents,
		RefundedAt:     a.clock(),
		ProviderReason: input.Reason,
	}
	a.refunds[input.IdempotencyKey] = result
	return result, nil
}

type webhookBody struct {
	EventID     string `json:"event_id"`
	Type        string `json:"type"`
	ProviderRef string `json:"provider_ref"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	OccurredAt  string `json:"occurred_at"`
}

func (a *Adapter) VerifyAndParseWebhook(req providers.WebhookRequest) (*providers.WebhookEvent, error) {
	if !a.validSignature(req.Body, req.Signature) {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidSignature, "webhook signature mismatch")
	}

	var body webhookBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode webhook body")
	}
	if body.EventID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "webhook event id is required")
	}
	eventType := enums.WebhookEventType(body.Type)
	if !eventType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported webhook type %q", body.Type))
	}

	occurredAt := a.clock()
	if body.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, body.OccurredAt)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse occurred_at")
		}
		occurredAt = parsed
	}

	return &providers.WebhookEvent{
		ProviderEventID: body.EventID,
		Type:            eventType,
		ProviderRef:     body.ProviderRef,
		AmountCents:     body.AmountCents,
		Currency:        body.Currency,
		OccurredAt:      occurredAt,
		Raw:             json.RawMessage(req.Body),
	}, nil
}

// Sign computes the signature a sandbox webhook would carry. Tests and dev
// tooling use it to build verifiable requests.
func (a *Adapter) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) validSignature(payload []byte, header string) bool {
	if header == "" || a.webhookSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
