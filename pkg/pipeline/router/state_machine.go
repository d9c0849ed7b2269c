package router

import (
	"errors"
	"fmt"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

var ErrInvalidTransition = errors.New("invalid order state transition")

// transitions is the full lifecycle:
// Created -> Submitted -> Acknowledged -> {PartiallyFilled -> Filled | Cancelled | Rejected}.
// Transitions are driven only by connector responses and reconciliation,
// never guessed locally.
var transitions = map[model.OrderState][]model.OrderState{
	model.OrderStateCreated:         {model.OrderStateSubmitted, model.OrderStateRejected},
	model.OrderStateSubmitted:       {model.OrderStateAcknowledged, model.OrderStateRejected, model.OrderStateCancelled},
	model.OrderStateAcknowledged:    {model.OrderStatePartiallyFilled, model.OrderStateFilled, model.OrderStateCancelled, model.OrderStateRejected},
	model.OrderStatePartiallyFilled: {model.OrderStatePartiallyFilled, model.OrderStateFilled, model.OrderStateCancelled},
}

func canTransition(from, to model.OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the order to the next state or fails without mutating it.
func transition(order *model.Order, to model.OrderState) error {
	if !canTransition(order.State, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, order.State, to, order.OrderID)
	}
	order.State = to
	return nil
}
