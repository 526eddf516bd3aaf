package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/mExOms/routex/internal/recovery"
	"github.com/mExOms/routex/internal/router"
	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/pkg/types"
)

// RecoverOption adjusts how a recovery action is applied
type RecoverOption func(*recoverSettings)

type recoverSettings struct {
	modification *types.Modification
}

// WithModification overrides the suggested modification for ActionModify
func WithModification(m types.Modification) RecoverOption {
	return func(s *recoverSettings) { s.modification = &m }
}

// Recovery is the result of applying a recovery action
type Recovery struct {
	Action recovery.Action        `json:"action"`
	Record recovery.FailureRecord `json:"record"`
	Orders []Execution            `json:"orders"`
}

// Recover applies one of the strategies offered for a failed order
func (e *Engine) Recover(ctx context.Context, orderID string, action recovery.Action, opts ...RecoverOption) (Recovery, error) {
	var settings recoverSettings
	for _, opt := range opts {
		opt(&settings)
	}

	x, err := e.Get(orderID)
	if err != nil {
		return Recovery{}, err
	}
	if x.Status != StatusFailed {
		return Recovery{}, fmt.Errorf("%w: %s is %s", ErrNotRecoverable, orderID, x.Status)
	}
	rec, err := e.book.Offers(orderID, action)
	if err != nil {
		return Recovery{}, err
	}

	log := e.logger.WithFields(logrus.Fields{
		"order_id":   orderID,
		"action":     action,
		"error_type": rec.Kind,
	})
	log.Info("Applying recovery")

	out := Recovery{Action: action, Record: rec}
	switch action {
	case recovery.ActionRetry:
		if _, err := e.book.RecordRetry(orderID); err != nil {
			return out, err
		}
		order := x.Order
		order.Venue = rec.VenueID
		res, err := e.execute(ctx, attempt{order: order, resolution: action, recovering: true})
		out.Orders = []Execution{res}
		return out, err

	case recovery.ActionReroute:
		order := x.Order
		order.Venue = ""
		res, err := e.execute(ctx, attempt{
			order:      order,
			exclude:    []string{rec.VenueID},
			resolution: action,
			recovering: true,
		})
		out.Orders = []Execution{res}
		return out, err

	case recovery.ActionModify:
		m := settings.modification
		if m == nil && rec.Suggestion != nil {
			s := rec.Suggestion.Modification(x.Order)
			m = &s
		}
		if m == nil || (m.Quantity == 0 && m.Price == nil && m.StopPrice == nil && m.Venue == nil) {
			return out, fmt.Errorf("%w for %s", ErrNoModification, orderID)
		}
		next := x.Order.Modify(*m, e.now())
		if err := e.replace(ctx, orderID, action, next.ID); err != nil {
			return out, err
		}
		res, err := e.Submit(ctx, next)
		out.Orders = []Execution{res}
		return out, err

	case recovery.ActionSplit:
		if x.Order.Quantity < 2 {
			return out, fmt.Errorf("%w: %d", ErrCannotSplit, x.Order.Quantity)
		}
		children := e.split(x.Order)
		if err := e.replace(ctx, orderID, action, children[0].ID, children[1].ID); err != nil {
			return out, err
		}
		out.Orders, err = e.submitAll(ctx, children)
		return out, err

	case recovery.ActionCancel:
		if !e.updateFrom(orderID, func(x *Execution) { x.Status = StatusCancelled }, StatusFailed) {
			return out, fmt.Errorf("%w: %s", ErrNotRecoverable, orderID)
		}
		if _, err := e.book.Archive(ctx, orderID, action); err != nil {
			return out, err
		}
		_, _ = e.tracker.OnTerminal(orderID, tracker.OutcomeCancelled, rec.Kind, e.now())
		out.Orders = []Execution{e.snapshot(orderID)}
		return out, nil
	}
	return out, fmt.Errorf("%w: %s", recovery.ErrActionNotOffered, action)
}

// Cancel cancels a working order at its venue, or withdraws a failed order.
// An order still being routed or sent only records the request; the call
// submitting it cancels once the venue has answered, so the returned
// execution may still be pending.
func (e *Engine) Cancel(ctx context.Context, orderID string) (Execution, error) {
	x, err := e.Get(orderID)
	if err != nil {
		return Execution{}, err
	}
	switch {
	case x.Status.Terminal():
		return x, fmt.Errorf("%w: %s is %s", ErrOrderIsTerminal, orderID, x.Status)
	case x.Status == StatusFailed:
		if e.updateFrom(orderID, func(x *Execution) { x.Status = StatusCancelled }, StatusFailed) {
			if _, err := e.book.Archive(ctx, orderID, recovery.ActionCancel); err != nil {
				e.logger.WithError(err).WithField("order_id", orderID).Warn("Failure record not archived")
			}
			_, _ = e.tracker.OnTerminal(orderID, tracker.OutcomeCancelled, "", e.now())
			return e.snapshot(orderID), nil
		}
		// a recovery picked the order up
		return e.requestCancel(orderID)
	case x.Status == StatusPending:
		return e.requestCancel(orderID)
	}

	adapter, ok := e.adapter(x.VenueID)
	if !ok {
		return x, fmt.Errorf("%w: %s", ErrNoAdapter, x.VenueID)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.config.AckTimeout)
	err = adapter.Cancel(callCtx, x.VenueOrderID)
	cancel()
	if err != nil {
		return x, fmt.Errorf("cancel %s at %s: %w", orderID, x.VenueID, err)
	}

	// pick up fills that raced the cancel
	_, _ = e.Sync(ctx, orderID)
	x, _ = e.Get(orderID)
	if x.Status.Terminal() {
		return x, nil
	}

	outcome := tracker.OutcomeCancelled
	status := StatusCancelled
	if x.Filled > 0 {
		outcome = tracker.OutcomePartial
		status = StatusPartial
	}
	if !e.update(orderID, func(x *Execution) { x.Status = status }) {
		return e.snapshot(orderID), nil
	}
	if d := e.decision(x.DecisionID); d != nil {
		_ = d.ConfirmVenueCancel()
	}
	_, _ = e.tracker.OnTerminal(orderID, outcome, "", e.now())
	e.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"venue":    x.VenueID,
		"filled":   x.Filled,
	}).Info("Order cancelled at venue")
	return e.snapshot(orderID), nil
}

// Helper methods

// requestCancel flags an in-flight order for cancellation
func (e *Engine) requestCancel(orderID string) (Execution, error) {
	if !e.updateFrom(orderID, func(x *Execution) { x.CancelRequested = true }, StatusPending) {
		x := e.snapshot(orderID)
		return x, fmt.Errorf("%w: %s is %s", ErrCancelNotAllowed, orderID, x.Status)
	}
	e.logger.WithField("order_id", orderID).Info("Cancel requested for order in flight")
	return e.snapshot(orderID), nil
}

// replace archives the failure of a superseded order and finalizes it
func (e *Engine) replace(ctx context.Context, orderID string, action recovery.Action, by ...string) error {
	replaced := e.updateFrom(orderID, func(x *Execution) {
		x.Status = StatusReplaced
		x.Replacements = append(x.Replacements, by...)
	}, StatusFailed)
	if !replaced {
		return fmt.Errorf("%w: %s", ErrNotRecoverable, orderID)
	}
	if _, err := e.book.Archive(ctx, orderID, action); err != nil {
		return err
	}
	_, _ = e.tracker.OnTerminal(orderID, tracker.OutcomeCancelled, "", e.now())
	return nil
}

// split builds two children carrying the parent's prices
func (e *Engine) split(order types.CanonicalOrder) []types.CanonicalOrder {
	first := order.Quantity / 2
	qtys := []int64{first, order.Quantity - first}
	out := make([]types.CanonicalOrder, len(qtys))
	for i, q := range qtys {
		c := order.Child(q, order.Kind, order.Price, e.now())
		c.StopPrice = order.StopPrice
		c.TargetPrice = order.TargetPrice
		c.Venue = ""
		out[i] = c
	}
	return out
}

// submitAll sends orders in parallel on the worker pool
func (e *Engine) submitAll(ctx context.Context, orders []types.CanonicalOrder) ([]Execution, error) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	out := make([]Execution, len(orders))
	for i, o := range orders {
		i, o := i, o
		wg.Add(1)
		run := func() {
			defer wg.Done()
			res, err := e.Submit(ctx, o)
			out[i] = res
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}
		if !e.pool.Submit(run) {
			run()
		}
	}
	wg.Wait()
	return out, errs
}

func (e *Engine) decision(id string) *router.Decision {
	if id == "" {
		return nil
	}
	d, err := e.router.Decision(id)
	if err != nil {
		return nil
	}
	return d
}
