package enums

import "fmt"

// BalanceStatus gates whether a ledger balance accepts mutations.
type BalanceStatus string

const (
	BalanceStatusActive    BalanceStatus = "active"
	BalanceStatusFrozen    BalanceStatus = "frozen"
	BalanceStatusSuspended BalanceStatus = "suspended"
)

var validBalanceStatuses = []BalanceStatus{
	BalanceStatusActive,
	BalanceStatusFrozen,
	BalanceStatusSuspended,
}

// String implements fmt.Stringer.
func (b BalanceStatus) String() string {
	return string(b)
}

// IsValid reports whether the value is a known BalanceStatus.
func (b BalanceStatus) IsValid() bool {
	for _, candidate := range validBalanceStatuses {
		if candidate == b {
			return true
		}
	}
	return false
}

// ParseBalanceStatus converts raw input into a BalanceStatus.
func ParseBalanceStatus(value string) (BalanceStatus, error) {
	for _, candidate := range validBalanceStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid balance status %q", value)
}
