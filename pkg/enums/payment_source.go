package enums

import "fmt"

// PaymentSource names which instrument(s) funded a billing attempt.
type PaymentSource string

const (
	PaymentSourceAccountBalance PaymentSource = "account_balance"
	PaymentSourcePaymentMethod  PaymentSource = "payment_method"
	PaymentSourceMixed          PaymentSource = "mixed"
)

var validPaymentSources = []PaymentSource{
	PaymentSourceAccountBalance,
	PaymentSourcePaymentMethod,
	PaymentSourceMixed,
}

// String implements fmt.Stringer.
func (p PaymentSource) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentSource.
func (p PaymentSource) IsValid() bool {
	for _, candidate := range validPaymentSources {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentSource converts raw input into a PaymentSource.
func ParsePaymentSource(value string) (PaymentSource, error) {
	for _, candidate := range validPaymentSources {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment source %q", value)
}
