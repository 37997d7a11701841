package enums

import "fmt"

// ExecutionStatus records the outcome of one billing attempt.
type ExecutionStatus string

const (
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusPartial ExecutionStatus = "partial"
)

var validExecutionStatuses = []ExecutionStatus{
	ExecutionStatusSuccess,
	ExecutionStatusFailed,
	ExecutionStatusPartial,
}

// String implements fmt.Stringer.
func (e ExecutionStatus) String() string {
	return string(e)
}

// IsValid reports whether the value is a known ExecutionStatus.
func (e ExecutionStatus) IsValid() bool {
	for _, candidate := range validExecutionStatuses {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseExecutionStatus converts raw input into an ExecutionStatus.
func ParseExecutionStatus(value string) (ExecutionStatus, error) {
	for _, candidate := range validExecutionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid execution status %q", value)
}
