package enums

import "fmt"

// PaymentPriority governs the draw order between an account balance and a
// tokenized payment method when routing a charge.
type PaymentPriority string

const (
	PaymentPriorityBalanceFirst       PaymentPriority = "balance_first"
	PaymentPriorityPaymentMethodFirst PaymentPriority = "payment_method_first"
	PaymentPriorityBalanceOnly        PaymentPriority = "balance_only"
	PaymentPriorityPaymentMethodOnly  PaymentPriority = "payment_method_only"
)

var validPaymentPriorities = []PaymentPriority{
	PaymentPriorityBalanceFirst,
	PaymentPriorityPaymentMethodFirst,
	PaymentPriorityBalanceOnly,
	PaymentPriorityPaymentMethodOnly,
}

// String implements fmt.Stringer.
func (p PaymentPriority) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentPriority.
func (p PaymentPriority) IsValid() bool {
	for _, candidate := range validPaymentPriorities {
		if candidate == p {
			return true
		}
	}
	return false
}

// RequiresBalance reports whether the policy can touch an account balance.
func (p PaymentPriority) RequiresBalance() bool {
	switch p {
	case PaymentPriorityBalanceOnly, PaymentPriorityBalanceFirst, PaymentPriorityPaymentMethodFirst:
		return true
	default:
		return false
	}
}

// RequiresPaymentMethod reports whether the policy can touch a payment method.
func (p PaymentPriority) RequiresPaymentMethod() bool {
	return p != PaymentPriorityBalanceOnly
}

// ParsePaymentPriority converts raw input into a PaymentPriority.
func ParsePaymentPriority(value string) (PaymentPriority, error) {
	for _, candidate := range validPaymentPriorities {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment priority %q", value)
}
