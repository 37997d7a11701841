package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregatePayment         OutboxAggregateType = "payment"
	AggregateBillingSchedule OutboxAggregateType = "billing_schedule"
	AggregateAccountBalance  OutboxAggregateType = "account_balance"
	AggregateCustomer        OutboxAggregateType = "customer"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregatePayment,
	AggregateBillingSchedule,
	AggregateAccountBalance,
	AggregateCustomer,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventPaymentSucceeded         OutboxEventType = "payment_succeeded"
	EventPaymentFailed            OutboxEventType = "payment_failed"
	EventPaymentRefunded          OutboxEventType = "payment_refunded"
	EventBillingReminderDue       OutboxEventType = "billing_reminder_due"
	EventBillingScheduleSuspended OutboxEventType = "billing_schedule_suspended"
	EventBillingScheduleCompleted OutboxEventType = "billing_schedule_completed"
	EventAccountBalanceFrozen     OutboxEventType = "account_balance_frozen"
	EventAccountBalanceExpired    OutboxEventType = "account_balance_expired"
	EventCustomerConverted        OutboxEventType = "customer_converted"
)

var validOutboxEventTypes = []OutboxEventType{
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventPaymentRefunded,
	EventBillingReminderDue,
	EventBillingScheduleSuspended,
	EventBillingScheduleCompleted,
	EventAccountBalanceFrozen,
	EventAccountBalanceExpired,
	EventCustomerConverted,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
