package algo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/pkg/types"
)

// strategy works one algorithm. step runs at most once at a time, after the
// fills of live slices have been booked, and returns a non-empty reason when
// the order must stop early.
type strategy interface {
	cadence() time.Duration
	step(ctx context.Context, h *Handle, tick int) StopReason
}

// working is a slice still live at the venue
type working struct {
	slice  Slice
	filled int64
	avg    decimal.Decimal
}

func (w *working) leaves() int64 {
	return w.slice.Order.Quantity - w.filled
}

// Handle controls a running algo order
type Handle struct {
	order  *AlgoOrder
	sched  *Scheduler
	strat  strategy
	cancel chan struct{}
	done   chan struct{}
	log    *logrus.Entry

	// touched only by the tick in flight
	seq      int
	failures int
	open     []*working
	tickFill decimal.Decimal // last fill price booked during this tick
}

// Order returns the algo order being worked
func (h *Handle) Order() *AlgoOrder { return h.order }

// Snapshot copies the order's progress
func (h *Handle) Snapshot() Snapshot { return h.order.Snapshot() }

// Done is closed once the order reaches a terminal status
func (h *Handle) Done() <-chan struct{} { return h.done }

// Pause freezes the tick loop. Executed and remaining quantities are kept.
func (h *Handle) Pause() error {
	if err := h.order.setPaused(true, h.sched.clock.Now()); err != nil {
		return err
	}
	h.log.Info("Algo order paused")
	h.progress()
	return nil
}

// Resume continues from the same remaining quantity
func (h *Handle) Resume() error {
	if err := h.order.setPaused(false, h.sched.clock.Now()); err != nil {
		return err
	}
	h.log.Info("Algo order resumed")
	h.progress()
	return nil
}

// Cancel asks the loop to stop. A slice already in flight is not preempted;
// the order is cancelled once it returns.
func (h *Handle) Cancel() error {
	if h.order.Status().Terminal() {
		return ErrAlgoFinished
	}
	select {
	case h.cancel <- struct{}{}:
	default:
	}
	return nil
}

// Helper methods

func (h *Handle) run(ctx context.Context, ticker Ticker) {
	defer close(h.done)
	defer h.sched.remove(h.order.ID)
	defer ticker.Stop()

	finished := make(chan bool, 1)
	ctxDone := ctx.Done()
	busy := false
	var stop StopReason

	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			stop = StopContext
			if !busy {
				h.finish(context.Background(), StatusCancelled, stop)
				return
			}
		case <-h.cancel:
			stop = StopCancelled
			if !busy {
				h.finish(ctx, StatusCancelled, stop)
				return
			}
		case terminal := <-finished:
			busy = false
			if terminal {
				return
			}
			if stop != "" {
				h.finish(context.Background(), StatusCancelled, stop)
				return
			}
		case <-ticker.C():
			if stop != "" || h.order.Status() != StatusActive {
				continue
			}
			now := h.sched.clock.Now()
			if busy {
				h.order.countSkip(now)
				h.log.Debug("Tick skipped, previous tick still running")
				h.progress()
				continue
			}
			busy = true
			h.order.countTick(now)
			tick := h.order.Snapshot().Ticks
			go func() {
				finished <- h.tick(ctx, tick)
			}()
		}
	}
}

// tick runs one strategy step and reports whether the order is finished
func (h *Handle) tick(ctx context.Context, n int) bool {
	h.tickFill = decimal.Zero
	h.refresh(ctx)
	var reason StopReason
	if h.order.Remaining() > 0 {
		reason = h.strat.step(ctx, h, n)
	}
	switch {
	case h.order.Remaining() == 0:
		h.finish(ctx, StatusCompleted, StopFilled)
		return true
	case reason != "":
		h.finish(ctx, StatusCancelled, reason)
		return true
	case h.failures >= h.sched.config.MaxConsecutiveFailures:
		h.finish(ctx, StatusCancelled, StopSliceFailures)
		return true
	}
	h.progress()
	return false
}

func (h *Handle) finish(ctx context.Context, status Status, reason StopReason) {
	if !h.order.finish(status, reason, h.sched.clock.Now()) {
		return
	}
	h.cancelOpen(ctx)
	snap := h.order.Snapshot()
	h.log.WithFields(logrus.Fields{
		"status":    snap.Status,
		"reason":    snap.StopReason,
		"executed":  snap.Executed,
		"remaining": snap.Remaining,
		"ticks":     snap.Ticks,
		"skipped":   snap.Skipped,
	}).Info("Algo order finished")
	h.sched.publisher.Publish(events.New(events.AlgoProgress, snap.ParentID, "", snap))
	h.sched.publisher.Publish(events.New(events.AlgoTerminated, snap.ParentID, "", snap))
}

func (h *Handle) progress() {
	snap := h.order.Snapshot()
	h.sched.publisher.Publish(events.New(events.AlgoProgress, snap.ParentID, "", snap))
}

// send builds and executes a child slice, applying any immediate fill. A
// slice the venue keeps working is tracked until it is done.
func (h *Handle) send(ctx context.Context, qty int64, kind types.OrderKind, price decimal.Decimal, resting bool) (SliceResult, error) {
	now := h.sched.clock.Now()
	h.seq++
	child := h.order.Parent.Child(qty, kind, price, now)
	slice := Slice{ID: child.ID, AlgoID: h.order.ID, Seq: h.seq, Order: child, Resting: resting}

	res, err := h.sched.sender.SendSlice(ctx, slice)
	if err != nil {
		h.failures++
		h.order.countSlice(true)
		h.log.WithError(err).WithFields(logrus.Fields{
			"slice":    slice.Seq,
			"quantity": qty,
		}).Warn("Slice failed")
		return res, err
	}
	h.failures = 0
	h.order.countSlice(false)
	applied := h.order.fill(res.Filled, res.AvgPrice, h.sched.clock.Now())
	if applied > 0 && res.AvgPrice.IsPositive() {
		h.tickFill = res.AvgPrice
	}
	if !res.Final && res.Filled < qty {
		h.open = append(h.open, &working{slice: slice, filled: res.Filled, avg: res.AvgPrice})
	}
	h.log.WithFields(logrus.Fields{
		"slice":    slice.Seq,
		"quantity": qty,
		"filled":   applied,
		"venue":    res.VenueID,
		"live":     !res.Final && res.Filled < qty,
	}).Debug("Slice executed")
	return res, nil
}

// available is the remaining quantity not already live at the venue
func (h *Handle) available() int64 {
	rem := h.order.Remaining()
	for _, w := range h.open {
		rem -= w.leaves()
	}
	if rem < 0 {
		return 0
	}
	return rem
}

// refresh books new fills on live slices and forgets the finished ones
func (h *Handle) refresh(ctx context.Context) {
	live := h.open[:0]
	for _, w := range h.open {
		res, err := h.sched.sender.SliceStatus(ctx, w.slice)
		if err != nil {
			h.log.WithError(err).WithField("slice", w.slice.Seq).Warn("Slice status lookup failed")
			live = append(live, w)
			continue
		}
		h.apply(w, res)
		if !res.Final && w.leaves() > 0 {
			live = append(live, w)
		}
	}
	h.open = live
}

// apply books the fill delta since the last status of a live slice
func (h *Handle) apply(w *working, res SliceResult) {
	delta := res.Filled - w.filled
	if delta <= 0 {
		return
	}
	price := res.AvgPrice
	if w.filled > 0 && res.AvgPrice.IsPositive() {
		notional := res.AvgPrice.Mul(decimal.NewFromInt(res.Filled)).Sub(w.avg.Mul(decimal.NewFromInt(w.filled)))
		price = notional.Div(decimal.NewFromInt(delta))
	}
	if h.order.fill(delta, price, h.sched.clock.Now()) > 0 && price.IsPositive() {
		h.tickFill = price
	}
	w.filled = res.Filled
	w.avg = res.AvgPrice
}

// cancelOpen pulls every live slice and books fills that raced the cancel
func (h *Handle) cancelOpen(ctx context.Context) {
	for _, w := range h.open {
		if err := h.sched.sender.CancelSlice(ctx, w.slice); err != nil {
			h.log.WithError(err).WithField("slice", w.slice.Seq).Warn("Failed to cancel live slice")
			continue
		}
		if res, err := h.sched.sender.SliceStatus(ctx, w.slice); err == nil {
			h.apply(w, res)
		}
	}
	h.open = nil
}

// childKind keeps the parent's limit price on slices when it has one
func childKind(parent types.CanonicalOrder) (types.OrderKind, decimal.Decimal) {
	if parent.Price.IsPositive() {
		return types.OrderKindLimit, parent.Price
	}
	return types.OrderKindMarket, decimal.Zero
}
