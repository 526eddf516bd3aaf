package algo

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/pkg/types"
)

// twap spreads the order evenly over the planned ticks. Quantity left after
// the planned ticks is worked for a grace of a tenth of them, at least one.
type twap struct {
	p       types.TWAPParams
	planned int
	grace   int
	lo, hi  int64
	next    int64 // size forced by the previous failure, 0 when unset
	rand    func(n int64) int64
}

func newTWAP(p types.TWAPParams, rnd func(int64) int64) *twap {
	lo := int64(math.Ceil(float64(p.SliceSize)*(1-p.Randomization) - 1e-9))
	hi := int64(math.Floor(float64(p.SliceSize)*(1+p.Randomization) + 1e-9))
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	planned := PlannedTicks(p)
	grace := (planned + 9) / 10
	if grace < 1 {
		grace = 1
	}
	return &twap{
		p:       p,
		planned: planned,
		grace:   grace,
		lo:      lo,
		hi:      hi,
		rand:    rnd,
	}
}

// PlannedTicks is ceil(duration*60/interval)
func PlannedTicks(p types.TWAPParams) int {
	if p.IntervalSeconds <= 0 {
		return 0
	}
	secs := p.DurationMinutes * 60
	return (secs + p.IntervalSeconds - 1) / p.IntervalSeconds
}

func (t *twap) cadence() time.Duration {
	return time.Duration(t.p.IntervalSeconds) * time.Second
}

func (t *twap) step(ctx context.Context, h *Handle, tick int) StopReason {
	if tick > t.planned+t.grace {
		h.log.WithField("remaining", h.order.Remaining()).Warn("TWAP horizon elapsed")
		return StopHorizon
	}
	if rem := h.available(); rem > 0 {
		qty := t.size(rem, t.planned-tick+1)
		kind, price := childKind(h.order.Parent)
		if _, err := h.send(ctx, qty, kind, price, false); err != nil {
			t.next = max64(qty/2, 1)
		}
	}
	if breaches(h.order.Parent.Side, h.tickFill, t.p.PriceLimit) {
		h.log.WithField("fill_price", h.tickFill.String()).Warn("Fill breached TWAP price limit")
		return StopPriceLimit
	}
	return ""
}

// size picks the slice for this tick. left counts the planned ticks still to
// run including this one. While the schedule is feasible the slice stays in
// [lo, hi] and leaves a remainder the other ticks can finish in that band.
func (t *twap) size(rem int64, left int) int64 {
	if t.next > 0 {
		q := t.next
		t.next = 0
		return min64(q, rem)
	}
	q := t.lo + t.rand(t.hi-t.lo+1)
	switch {
	case left == 1:
		q = min64(rem, t.hi)
	case left > 1:
		k := int64(left - 1)
		floor := max64(t.lo, rem-k*t.hi)
		ceil := min64(t.hi, rem-k*t.lo)
		if floor <= ceil {
			q = max64(floor, min64(q, ceil))
		}
	}
	return min64(q, rem)
}

// breaches reports whether a fill is worse than the limit for the side
func breaches(side types.OrderSide, fill, limit decimal.Decimal) bool {
	if !limit.IsPositive() || !fill.IsPositive() {
		return false
	}
	if side == types.OrderSideBuy {
		return fill.GreaterThan(limit)
	}
	return fill.LessThan(limit)
}

// vwap participates in the volume traded since the last tick
type vwap struct {
	p       types.VWAPParams
	volumes VolumeSource
	since   time.Time
}

func (v *vwap) cadence() time.Duration {
	return time.Duration(v.p.LookbackMinutes) * time.Minute
}

// Band is the participation band after the aggressiveness shift
func Band(p types.VWAPParams) (lo, hi float64) {
	mid := (p.MinParticipation + p.MaxParticipation) / 2
	switch p.Aggressiveness {
	case types.AggressivenessPassive:
		return p.MinParticipation, mid
	case types.AggressivenessAggressive:
		return mid, p.MaxParticipation
	default:
		return p.MinParticipation, p.MaxParticipation
	}
}

func (v *vwap) step(ctx context.Context, h *Handle, _ int) StopReason {
	now := h.sched.clock.Now()
	vol, err := v.volumes.VolumeSince(ctx, h.order.Parent.Symbol, v.since)
	if err != nil {
		h.log.WithError(err).Warn("Volume lookup failed")
		return ""
	}
	v.since = now

	lo, hi := Band(v.p)
	rate := v.p.ParticipationRate
	if rate <= 0 {
		rate = (lo + hi) / 2
	}
	rate = math.Max(lo, math.Min(hi, rate))
	qty := min64(int64(float64(vol)*rate), h.available())
	if qty < 1 {
		return ""
	}
	kind, price := childKind(h.order.Parent)
	_, _ = h.send(ctx, qty, kind, price, false)
	return ""
}

// pov trades a fixed share of volume unless the projected impact is too high
type pov struct {
	p       types.POVParams
	every   time.Duration
	volumes VolumeSource
	impact  ImpactEstimator
	since   time.Time
}

func (p *pov) cadence() time.Duration { return p.every }

func (p *pov) step(ctx context.Context, h *Handle, _ int) StopReason {
	now := h.sched.clock.Now()
	vol, err := p.volumes.VolumeSince(ctx, h.order.Parent.Symbol, p.since)
	if err != nil {
		h.log.WithError(err).Warn("Volume lookup failed")
		return ""
	}
	p.since = now

	rate := math.Max(p.p.MinPercentage, math.Min(p.p.MaxPercentage, p.p.TargetPercentage))
	qty := min64(int64(float64(vol)*rate), h.available())
	if qty < 1 {
		return ""
	}
	if impact := p.impact.ImpactBps(qty, vol); impact > p.p.MarketImpactLimit {
		h.order.countSkip(now)
		h.log.WithFields(logrus.Fields{
			"quantity":   qty,
			"impact_bps": impact,
		}).Info("Projected impact above limit, tick skipped")
		return ""
	}
	kind, price := childKind(h.order.Parent)
	_, _ = h.send(ctx, qty, kind, price, false)
	return ""
}

// SquareRootImpact projects impact as Coefficient * sqrt(qty/volume) bps
type SquareRootImpact struct {
	Coefficient float64
}

func (s SquareRootImpact) ImpactBps(qty, volume int64) float64 {
	if volume <= 0 {
		return math.Inf(1)
	}
	return s.Coefficient * math.Sqrt(float64(qty)/float64(volume))
}

// iceberg keeps one visible clip resting and replaces it once filled
type iceberg struct {
	p     types.IcebergParams
	every time.Duration
	rand  func(n int64) int64
	clips int
}

func (ic *iceberg) cadence() time.Duration { return ic.every }

func (ic *iceberg) step(ctx context.Context, h *Handle, _ int) StopReason {
	if len(h.open) > 0 {
		return ""
	}
	size := ic.p.VisibleQuantity
	if ic.clips > 0 && ic.p.RefreshSize > 0 {
		size = ic.p.RefreshSize
	}
	size = min64(size, h.available())
	if size < 1 {
		return ""
	}
	if _, err := h.send(ctx, size, types.OrderKindLimit, ic.price(), true); err == nil {
		ic.clips++
	}
	return ""
}

// price perturbs the limit by up to PriceVariance ticks, never below one tick
func (ic *iceberg) price() decimal.Decimal {
	if ic.p.PriceVariance <= 0 || !ic.p.TickSize.IsPositive() {
		return ic.p.LimitPrice
	}
	v := int64(ic.p.PriceVariance)
	offset := ic.rand(2*v+1) - v
	p := ic.p.LimitPrice.Add(ic.p.TickSize.Mul(decimal.NewFromInt(offset)))
	if p.LessThan(ic.p.TickSize) {
		return ic.p.TickSize
	}
	return p
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
