package providers

import "testing"

func TestFeeScheduleComputesPercentagePlusFixed(t *testing.T) {
	fees, err := NewFeeSchedule("2.9", 30)
	if err != nil {
		t.Fatalf("NewFeeSchedule: %v", err)
	}

	cases := []struct {
		name        string
		amountCents int64
		want        int64
	}{
		{name: "round dollar amount", amountCents: 10000, want: 320},
		{name: "rounds half up", amountCents: 1950, want: 87}, // 56.55 -> 57 + 30
		{name: "small charge", amountCents: 100, want: 33},
		{name: "zero amount", amountCents: 0, want: 0},
		{name: "negative amount", amountCents: -500, want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fees.FeeCents(tc.amountCents); got != tc.want {
				t.Fatalf("FeeCents(%d) = %d, want %d", tc.amountCents, got, tc.want)
			}
		})
	}
}

func TestFeeScheduleValidation(t *testing.T) {
	if _, err := NewFeeSchedule("not-a-number", 0); err == nil {
		t.Fatalf("expected error for invalid percent")
	}
	if _, err := NewFeeSchedule("-1", 0); err == nil {
		t.Fatalf("expected error for negative percent")
	}
	if _, err := NewFeeSchedule("1", -5); err == nil {
		t.Fatalf("expected error for negative fixed fee")
	}
}

func TestFeeScheduleZero(t *testing.T) {
	fees, err := NewFeeSchedule("0", 0)
	if err != nil {
		t.Fatalf("NewFeeSchedule: %v", err)
	}
	if !fees.IsZero() {
		t.Fatalf("expected zero schedule")
	}
	if got := fees.FeeCents(12345); got != 0 {
		t.Fatalf("expected zero fee, got %d", got)
	}
}
