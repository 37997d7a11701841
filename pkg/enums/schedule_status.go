package enums

import "fmt"

// ScheduleStatus is the billing schedule state machine:
// active -> (due) -> executing -> active | past_due | suspended.
// paused and cancelled are externally triggered; completed means the end
// date was reached with no further periods due.
type ScheduleStatus string

const (
	ScheduleStatusActive    ScheduleStatus = "active"
	ScheduleStatusPastDue   ScheduleStatus = "past_due"
	ScheduleStatusPaused    ScheduleStatus = "paused"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusSuspended ScheduleStatus = "suspended"
)

var validScheduleStatuses = []ScheduleStatus{
	ScheduleStatusActive,
	ScheduleStatusPastDue,
	ScheduleStatusPaused,
	ScheduleStatusCancelled,
	ScheduleStatusCompleted,
	ScheduleStatusSuspended,
}

// String implements fmt.Stringer.
func (s ScheduleStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known ScheduleStatus.
func (s ScheduleStatus) IsValid() bool {
	for _, candidate := range validScheduleStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Billable reports whether schedules in this status are eligible for claims.
func (s ScheduleStatus) Billable() bool {
	return s == ScheduleStatusActive || s == ScheduleStatusPastDue
}

// Terminal reports whether the status admits no further transitions.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleStatusCancelled || s == ScheduleStatusCompleted
}

// ParseScheduleStatus converts raw input into a ScheduleStatus.
func ParseScheduleStatus(value string) (ScheduleStatus, error) {
	for _, candidate := range validScheduleStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid schedule status %q", value)
}
