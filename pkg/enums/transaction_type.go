package enums

import "fmt"

// TransactionType classifies a ledger entry. Amounts are stored as positive
// magnitudes; the type carries the sign.
type TransactionType string

const (
	TransactionTypeCredit     TransactionType = "credit"
	TransactionTypeDebit      TransactionType = "debit"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeAdjustment TransactionType = "adjustment"
	TransactionTypeFee        TransactionType = "fee"
)

var validTransactionTypes = []TransactionType{
	TransactionTypeCredit,
	TransactionTypeDebit,
	TransactionTypeRefund,
	TransactionTypeAdjustment,
	TransactionTypeFee,
}

// String implements fmt.Stringer.
func (t TransactionType) String() string {
	return string(t)
}

// IsValid reports whether the value is a known TransactionType.
func (t TransactionType) IsValid() bool {
	for _, candidate := range validTransactionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// Sign returns the multiplier applied to the magnitude when the entry is
// folded into a balance: credits and refunds add, debits and fees subtract.
// Adjustments add; a negative adjustment is modeled as a debit.
func (t TransactionType) Sign() int64 {
	switch t {
	case TransactionTypeDebit, TransactionTypeFee:
		return -1
	default:
		return 1
	}
}

// ParseTransactionType converts raw input into a TransactionType.
func ParseTransactionType(value string) (TransactionType, error) {
	for _, candidate := range validTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction type %q", value)
}
