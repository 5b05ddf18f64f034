package reminder

import "errors"

// Dispatch failure kinds. They are wrapped with context via fmt.Errorf("%w")
// and matched with errors.Is; none of them escapes the dispatch boundary.
var (
	ErrPolicyDenied          = errors.New("delivery denied by plan")
	ErrContactMissing        = errors.New("contact address missing")
	ErrDeliveryUnreachable   = errors.New("no reachable delivery address")
	ErrGatewayDisconnected   = errors.New("delivery gateway not connected")
	ErrTransientSendFailure  = errors.New("transient send failure")
	ErrMalformedScheduleRule = errors.New("malformed schedule rule")
)

// ErrNotRecurring is returned when a next trigger is requested for a one-shot reminder.
var ErrNotRecurring = errors.New("reminder does not recur")
