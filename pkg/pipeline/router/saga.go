package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

// CancelAll is the kill-switch flatten saga: enumerate the account's open
// orders, issue a cancel for each, track per-order completion, and escalate
// any cancel that does not confirm within the timeout. Escalation means an
// audit record and an error back to the operator, never an endless retry.
func (r *Router) CancelAll(ctx context.Context, accountID string) error {
	open, err := r.store.OpenOrdersForAccount(ctx, accountID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(open))

	for _, order := range open {
		if order.State.Terminal() || order.VenueOrderRef == "" {
			continue
		}
		wg.Add(1)
		go func(order *model.Order) {
			defer wg.Done()
			if err := r.cancelOne(ctx, order); err != nil {
				errCh <- err
			}
		}(order)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Router) cancelOne(ctx context.Context, order *model.Order) error {
	entry, ok := r.connectors[order.Venue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, order.Venue)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, r.cfg.CancelTimeout)
	defer cancel()

	_, err := entry.connector.CancelOrder(cancelCtx, order.VenueOrderRef)
	if err != nil {
		r.audit.Append(ctx, model.EventCancelEscalation, order.AccountID, map[string]string{
			"order_id":        order.OrderID,
			"venue_order_ref": order.VenueOrderRef,
			"cause":           err.Error(),
		})
		return fmt.Errorf("cancel %s: %w", order.OrderID, err)
	}

	leaves := order.LeavesQty()
	if err := transition(order, model.OrderStateCancelled); err != nil {
		return err
	}
	if err := r.store.UpdateOrder(ctx, order); err != nil {
		return err
	}
	if _, err := r.audit.Append(ctx, model.EventOrderCancelled, order.AccountID, order); err != nil {
		return err
	}

	// Return the unfilled remainder of the reservation.
	if leaves.IsPositive() {
		if err := r.risk.Release(order.AccountID, order.Symbol, order.Side, leaves); err != nil {
			return err
		}
	}
	return nil
}
