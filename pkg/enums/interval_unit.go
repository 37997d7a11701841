package enums

import "fmt"

// IntervalUnit defines the cadence unit for a billing schedule.
type IntervalUnit string

const (
	IntervalUnitDaily   IntervalUnit = "daily"
	IntervalUnitWeekly  IntervalUnit = "weekly"
	IntervalUnitMonthly IntervalUnit = "monthly"
	IntervalUnitYearly  IntervalUnit = "yearly"
)

var validIntervalUnits = []IntervalUnit{
	IntervalUnitDaily,
	IntervalUnitWeekly,
	IntervalUnitMonthly,
	IntervalUnitYearly,
}

// String implements fmt.Stringer.
func (i IntervalUnit) String() string {
	return string(i)
}

// IsValid reports whether the value is a known IntervalUnit.
func (i IntervalUnit) IsValid() bool {
	for _, candidate := range validIntervalUnits {
		if candidate == i {
			return true
		}
	}
	return false
}

// ParseIntervalUnit converts raw input into an IntervalUnit.
func ParseIntervalUnit(value string) (IntervalUnit, error) {
	for _, candidate := range validIntervalUnits {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid interval unit %q", value)
}
