package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mExOms/routex/internal/algo"
	"github.com/mExOms/routex/internal/recovery"
	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/pkg/types"
)

// SubmitAlgo starts an algorithmic order. ctx bounds the lifetime of the
// schedule, not just this call.
func (e *Engine) SubmitAlgo(ctx context.Context, order types.CanonicalOrder) (*algo.Handle, error) {
	e.mu.RLock()
	s := e.scheduler
	e.mu.RUnlock()
	if s == nil {
		return nil, ErrNoScheduler
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = e.now()
	}
	o, err := algo.NewAlgoOrder(order)
	if err != nil {
		return nil, err
	}
	return s.Start(ctx, o)
}

// Algo returns the handle of a running algo order
func (e *Engine) Algo(id string) (*algo.Handle, error) {
	e.mu.RLock()
	s := e.scheduler
	e.mu.RUnlock()
	if s == nil {
		return nil, ErrNoScheduler
	}
	return s.Handle(id)
}

// SendSlice routes and sends one algo slice. A rejected slice is withdrawn
// at once; the schedule itself adapts the next slice.
func (e *Engine) SendSlice(ctx context.Context, s algo.Slice) (algo.SliceResult, error) {
	x, err := e.Submit(ctx, s.Order)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			e.withdraw(ctx, s.Order.ID)
		}
		return sliceResult(x), fmt.Errorf("slice %d of %s: %w", s.Seq, s.AlgoID, err)
	}
	return sliceResult(x), nil
}

// SliceStatus reports the cumulative fill of a slice
func (e *Engine) SliceStatus(ctx context.Context, s algo.Slice) (algo.SliceResult, error) {
	x, err := e.Sync(ctx, s.Order.ID)
	if err != nil {
		return sliceResult(x), err
	}
	return sliceResult(x), nil
}

// CancelSlice pulls a resting slice from its venue
func (e *Engine) CancelSlice(ctx context.Context, s algo.Slice) error {
	_, err := e.Cancel(ctx, s.Order.ID)
	if errors.Is(err, ErrOrderIsTerminal) {
		return nil
	}
	return err
}

// Helper methods

// withdraw closes a failed order without applying a recovery strategy
func (e *Engine) withdraw(ctx context.Context, orderID string) {
	var kind types.ErrorKind
	withdrawn := e.updateFrom(orderID, func(x *Execution) {
		x.Status = StatusCancelled
		if x.Failure != nil {
			kind = x.Failure.Kind
		}
	}, StatusFailed)
	if !withdrawn {
		return
	}
	if _, err := e.book.Archive(ctx, orderID, recovery.ActionCancel); err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Warn("Failed order not archived")
	}
	_, _ = e.tracker.OnTerminal(orderID, tracker.OutcomeRejected, kind, e.now())
}

func sliceResult(x Execution) algo.SliceResult {
	return algo.SliceResult{
		VenueID:      x.VenueID,
		VenueOrderID: x.VenueOrderID,
		Filled:       x.Filled,
		AvgPrice:     x.AvgPrice,
		Final:        x.Status.Terminal(),
	}
}
