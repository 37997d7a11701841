package providers

import (
	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
)

// FeeSchedule models the usual provider pricing of a percentage plus a fixed
// per-transaction amount, e.g. 2.9% + 30c.
type FeeSchedule struct {
	percent decimal.Decimal
	fixed   int64
}

// NewFeeSchedule builds a schedule from a percentage string ("2.9") and a
// fixed fee in cents.
func NewFeeSchedule(percent string, fixedCents int64) (FeeSchedule, error) {
	p, err := decimal.NewFromString(percent)
	if err != nil {
		return FeeSchedule{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid fee percentage")
	}
	if p.IsNegative() || fixedCents < 0 {
		return FeeSchedule{}, pkgerrors.New(pkgerrors.CodeValidation, "fee components must be non-negative")
	}
	return FeeSchedule{percent: p, fixed: fixedCents}, nil
}

// FeeCents computes the fee for a charge amount, rounding half up to whole cents.
func (f FeeSchedule) FeeCents(amountCents int64) int64 {
	if amountCents <= 0 {
		return 0
	}
	variable := decimal.NewFromInt(amountCents).
		Mul(f.percent).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return variable.IntPart() + f.fixed
}

// IsZero reports whether the schedule charges nothing.
func (f FeeSchedule) IsZero() bool {
	return f.percent.IsZero() && f.fixed == 0
}
