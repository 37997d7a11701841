package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/angelmondragon/paygrid-backend/internal/providers"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	fees, err := providers.NewFeeSchedule("2.9", 30)
	if err != nil {
		t.Fatalf("NewFeeSchedule: %v", err)
	}
	adapter, err := New(Params{
		ID:            "sandbox",
		WebhookSecret: "whsec_test",
		Fees:          fees,
		Clock:         func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return adapter
}

func TestChargeSuccessComputesFee(t *testing.T) {
	adapter := newTestAdapter(t)

	result, err := adapter.Charge(context.Background(), providers.ChargeInput{
		CustomerRef:    "cus_1",
		MethodRef:      "pm_ok",
		AmountCents:    10000,
		Currency:       "usd",
		IdempotencyKey: "charge-1",
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if result.ProviderRef == "" {
		t.Fatalf("missing provider ref")
	}
	if result.AmountCents != 10000 {
		t.Fatalf("unexpected amount %d", result.AmountCents)
	}
	if result.FeeCents != 320 {
		t.Fatalf("unexpected fee %d", result.FeeCents)
	}
}

func TestChargeIdempotentReplay(t *testing.T) {
	adapter := newTestAdapter(t)
	input := providers.ChargeInput{
		MethodRef:      "pm_ok",
		AmountCents:    500,
		Currency:       "usd",
		IdempotencyKey: "charge-replay",
	}

	first, err := adapter.Charge(context.Background(), input)
	if err != nil {
		t.Fatalf("first charge: %v", err)
	}
	second, err := adapter.Charge(context.Background(), input)
	if err != nil {
		t.Fatalf("second charge: %v", err)
	}
	if first.ProviderRef != second.ProviderRef {
		t.Fatalf("replay created a new charge: %q vs %q", first.ProviderRef, second.ProviderRef)
	}
}

func TestChargeFailureTaxonomy(t *testing.T) {
	adapter := newTestAdapter(t)

	cases := []struct {
		methodRef string
		wantCode  pkgerrors.Code
		retryable bool
	}{
		{methodRef: MethodDeclined, wantCode: pkgerrors.CodeCardDeclined, retryable: false},
		{methodRef: MethodInsufficient, wantCode: pkgerrors.CodeInsufficientFunds, retryable: false},
		{methodRef: MethodUnavailable, wantCode: pkgerrors.CodeProviderUnavailable, retryable: true},
	}
	for _, tc := range cases {
		t.Run(tc.methodRef, func(t *testing.T) {
			_, err := adapter.Charge(context.Background(), providers.ChargeInput{
				MethodRef:      tc.methodRef,
				AmountCents:    100,
				Currency:       "usd",
				IdempotencyKey: "charge-" + tc.methodRef,
			})
			if !pkgerrors.HasCode(err, tc.wantCode) {
				t.Fatalf("expected code %s, got %v", tc.wantCode, err)
			}
			if pkgerrors.IsRetryable(err) != tc.retryable {
				t.Fatalf("retryable mismatch for %s", tc.methodRef)
			}
		})
	}
}

func TestRefundRequiresKnownCharge(t *testing.T) {
	adapter := newTestAdapter(t)

	_, err := adapter.Refund(context.Background(), providers.RefundInput{
		ProviderRef:    "ch_unknown",
		AmountCents:    100,
		IdempotencyKey: "refund-1",
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRefundIdempotentAndBounded(t *testing.T) {
	adapter := newTestAdapter(t)

	charge, err := adapter.Charge(context.Background(), providers.ChargeInput{
		MethodRef:      "pm_ok",
		AmountCents:    1000,
		Currency:       "usd",
		IdempotencyKey: "charge-refundable",
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if _, err := adapter.Refund(context.Background(), providers.RefundInput{
		ProviderRef:    charge.ProviderRef,
		AmountCents:    2000,
		IdempotencyKey: "refund-too-big",
	}); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for excess refund, got %v", err)
	}

	input := providers.RefundInput{
		ProviderRef:    charge.ProviderRef,
		AmountCents:    1000,
		IdempotencyKey: "refund-full",
	}
	first, err := adapter.Refund(context.Background(), input)
	if err != nil {
		t.Fatalf("first refund: %v", err)
	}
	second, err := adapter.Refund(context.Background(), input)
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if first.RefundedCents != 1000 || second.RefundedCents != 1000 {
		t.Fatalf("unexpected refund amounts %d / %d", first.RefundedCents, second.RefundedCents)
	}
}

func TestVerifyAndParseWebhook(t *testing.T) {
	adapter := newTestAdapter(t)

	body, err := json.Marshal(map[string]any{
		"event_id":     "evt_100",
		"type":         "charge.succeeded",
		"provider_ref": "sandbox_ch_000001",
		"amount_cents": 2500,
		"currency":     "usd",
		"occurred_at":  "2025-06-01T11:59:00Z",
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}

	event, err := adapter.VerifyAndParseWebhook(providers.WebhookRequest{
		Body:      body,
		Signature: adapter.Sign(body),
	})
	if err != nil {
		t.Fatalf("VerifyAndParseWebhook: %v", err)
	}
	if event.ProviderEventID != "evt_100" {
		t.Fatalf("unexpected event id %q", event.ProviderEventID)
	}
	if event.Type != enums.WebhookEventChargeSucceeded {
		t.Fatalf("unexpected type %s", event.Type)
	}
	if event.AmountCents != 2500 {
		t.Fatalf("unexpected amount %d", event.AmountCents)
	}
}

func TestVerifyAndParseWebhookRejectsBadSignature(t *testing.T) {
	adapter := newTestAdapter(t)

	body := []byte(`{"event_id":"evt_101","type":"charge.succeeded"}`)
	_, err := adapter.VerifyAndParseWebhook(providers.WebhookRequest{
		Body:      body,
		Signature: "deadbeef",
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	if _, err := adapter.VerifyAndParseWebhook(providers.WebhookRequest{Body: body}); !pkgerrors.HasCode(err, pkgerrors.CodeInvalidSignature) {
		t.Fatalf("expected invalid signature for missing header, got %v", err)
	}
}

func TestVerifyAndParseWebhookRejectsUnknownType(t *testing.T) {
	adapter := newTestAdapter(t)

	body := []byte(`{"event_id":"evt_102","type":"charge.exploded"}`)
	_, err := adapter.VerifyAndParseWebhook(providers.WebhookRequest{
		Body:      body,
		Signature: adapter.Sign(body),
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
