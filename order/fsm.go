package main

import (
	"errors"
	"fmt"

	"github.com/shopfabric/microservices/common/broker"
)

// ErrIllegalTransition rejects any order state change not in the transition
// table. It is deterministic, so handlers treat it as permanent.
var ErrIllegalTransition = errors.New("illegal order state transition")

// transition key: current status + trigger event.
type transitionKey struct {
	from    Status
	trigger string
}

// The only legal transitions. Payment must never be processed before
// inventory is reserved, so there is no PENDING→PAID edge.
var transitions = map[transitionKey]Status{
	{StatusPending, broker.InventoryReservedSuccessEvent}: StatusConfirmed,
	{StatusPending, broker.InventoryReservedFailedEvent}:  StatusCancelled,
	{StatusConfirmed, broker.PaymentSucceededEvent}:       StatusPaid,
	{StatusConfirmed, broker.PaymentFailedEvent}:          StatusCancelled,
}

// Transition is the pure state machine: it returns the next status for a
// trigger or ErrIllegalTransition. Persisting the new state and emitting
// follow-on events is the handler's job.
func Transition(from Status, trigger string) (Status, error) {
	to, ok := transitions[transitionKey{from, trigger}]
	if !ok {
		return from, fmt.Errorf("%w: %s cannot handle %s", ErrIllegalTransition, from, trigger)
	}
	return to, nil
}

// TargetOf returns the status a trigger leads to regardless of source state,
// so handlers can recognize an already-reached target as an idempotent no-op.
func TargetOf(trigger string) (Status, bool) {
	for k, to := range transitions {
		if k.trigger == trigger {
			return to, true
		}
	}
	return "", false
}
