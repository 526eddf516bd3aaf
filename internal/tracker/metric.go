package tracker

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/routex/pkg/types"
)

// FillQuality grades execution price against the arrival price
type FillQuality string

const (
	QualityExcellent FillQuality = "excellent"
	QualityGood      FillQuality = "good"
	QualityFair      FillQuality = "fair"
	QualityPoor      FillQuality = "poor"
)

// Quality grades adverse slippage in bps. Thresholds are strict:
// 5.0bp is good, 4.99bp is excellent.
func Quality(slippageBps float64) FillQuality {
	switch {
	case slippageBps < 5:
		return QualityExcellent
	case slippageBps < 15:
		return QualityGood
	case slippageBps < 30:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Outcome is how an order ended
type Outcome string

const (
	OutcomeFilled    Outcome = "filled"
	OutcomePartial   Outcome = "partially_filled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Timeline holds the wall clock of every lifecycle step
type Timeline struct {
	Received   time.Time `json:"received"`
	Routed     time.Time `json:"routed,omitempty"`
	Translated time.Time `json:"translated,omitempty"`
	Sent       time.Time `json:"sent,omitempty"`
	Acked      time.Time `json:"acked,omitempty"`
	FirstFill  time.Time `json:"first_fill,omitempty"`
	LastFill   time.Time `json:"last_fill,omitempty"`
	Confirmed  time.Time `json:"confirmed,omitempty"`
}

// Phases are consecutive timeline deltas. None is negative.
type Phases struct {
	Routing         time.Duration `json:"routing"`
	Translation     time.Duration `json:"translation"`
	Submission      time.Duration `json:"submission"`
	Acknowledgment  time.Duration `json:"acknowledgment"`
	VenueProcessing time.Duration `json:"venue_processing"`
	Matching        time.Duration `json:"matching"`
	Confirmation    time.Duration `json:"confirmation"`
}

// Total is the sum of all phases
func (p Phases) Total() time.Duration {
	return p.Routing + p.Translation + p.Submission + p.Acknowledgment +
		p.VenueProcessing + p.Matching + p.Confirmation
}

// Named maps each phase to its json name
func (p Phases) Named() map[string]time.Duration {
	return map[string]time.Duration{
		"routing":          p.Routing,
		"translation":      p.Translation,
		"submission":       p.Submission,
		"acknowledgment":   p.Acknowledgment,
		"venue_processing": p.VenueProcessing,
		"matching":         p.Matching,
		"confirmation":     p.Confirmation,
	}
}

// phases computes the deltas. A missing step contributes zero; a step that
// precedes its predecessor is clamped to zero and reported as skew.
func (tl Timeline) phases() (Phases, bool) {
	steps := []time.Time{tl.Routed, tl.Translated, tl.Sent, tl.Acked, tl.FirstFill, tl.LastFill, tl.Confirmed}
	out := make([]time.Duration, len(steps))
	prev := tl.Received
	skew := false
	for i, at := range steps {
		if at.IsZero() || prev.IsZero() {
			if prev.IsZero() {
				prev = at
			}
			continue
		}
		d := at.Sub(prev)
		if d < 0 {
			skew = true
			continue
		}
		out[i] = d
		prev = at
	}
	return Phases{
		Routing:         out[0],
		Translation:     out[1],
		Submission:      out[2],
		Acknowledgment:  out[3],
		VenueProcessing: out[4],
		Matching:        out[5],
		Confirmation:    out[6],
	}, skew
}

// Comparison prices the execution against the best quote seen at submit
type Comparison struct {
	BestVenue       string          `json:"best_venue"`
	BestPrice       decimal.Decimal `json:"best_price"`
	RelativeCostBps float64         `json:"relative_cost_bps"`
}

// Quote is one venue's price at submit time
type Quote struct {
	VenueID string          `json:"venue_id"`
	Price   decimal.Decimal `json:"price"`
}

// ExecutionMetric measures one order. It is read-only once finalized.
type ExecutionMetric struct {
	OrderID         string            `json:"order_id"`
	VenueID         string            `json:"venue_id,omitempty"`
	Symbol          string            `json:"symbol"`
	Side            types.OrderSide   `json:"side"`
	Quantity        int64             `json:"quantity"`
	ReferencePrice  decimal.Decimal   `json:"reference_price"`
	Timeline        Timeline          `json:"timeline"`
	Phases          Phases            `json:"phases"`
	Total           time.Duration     `json:"total"`
	ClockSkew       bool              `json:"clock_skew"`
	FilledQty       int64             `json:"filled_qty"`
	AvgPrice        decimal.Decimal   `json:"avg_price"`
	FirstPrice      decimal.Decimal   `json:"first_price"`
	LastPrice       decimal.Decimal   `json:"last_price"`
	SlippageBps     float64           `json:"slippage_bps"`
	MarketImpactBps float64           `json:"market_impact_bps"`
	Shortfall       decimal.Decimal   `json:"implementation_shortfall"`
	Quality         FillQuality       `json:"fill_quality,omitempty"`
	Comparison      *Comparison       `json:"comparison,omitempty"`
	Outcome         Outcome           `json:"outcome,omitempty"`
	ErrorKind       types.ErrorKind   `json:"error_kind,omitempty"`
	Finalized       bool              `json:"finalized"`

	quotes   []Quote
	notional decimal.Decimal
	reserved bool
}

// refresh recomputes every derived field from the raw observations
func (m *ExecutionMetric) refresh() {
	m.Phases, m.ClockSkew = m.Timeline.phases()
	m.Total = m.Phases.Total()
	if m.FilledQty <= 0 {
		return
	}
	m.AvgPrice = m.notional.Div(decimal.NewFromInt(m.FilledQty))
	m.SlippageBps = directionalBps(m.Side, m.AvgPrice, m.ReferencePrice)
	m.MarketImpactBps = directionalBps(m.Side, m.LastPrice, m.FirstPrice)
	if m.ReferencePrice.IsPositive() {
		diff := m.AvgPrice.Sub(m.ReferencePrice).Mul(decimal.NewFromInt(m.FilledQty))
		if m.Side == types.OrderSideSell {
			diff = diff.Neg()
		}
		m.Shortfall = diff
	}
	m.Quality = Quality(m.SlippageBps)
	if best, ok := bestQuote(m.Side, m.quotes); ok {
		m.Comparison = &Comparison{
			BestVenue:       best.VenueID,
			BestPrice:       best.Price,
			RelativeCostBps: directionalBps(m.Side, m.AvgPrice, best.Price),
		}
	}
}

func (m ExecutionMetric) clone() ExecutionMetric {
	if m.Comparison != nil {
		c := *m.Comparison
		m.Comparison = &c
	}
	m.quotes = append([]Quote(nil), m.quotes...)
	return m
}

// directionalBps is the adverse move from ref to price in bps; positive is worse
func directionalBps(side types.OrderSide, price, ref decimal.Decimal) float64 {
	if !ref.IsPositive() || !price.IsPositive() {
		return 0
	}
	bps, _ := price.Sub(ref).Div(ref).Mul(decimal.NewFromInt(10000)).Float64()
	if side == types.OrderSideSell {
		bps = -bps
	}
	return bps
}

func bestQuote(side types.OrderSide, quotes []Quote) (Quote, bool) {
	var best Quote
	found := false
	for _, q := range quotes {
		if !q.Price.IsPositive() {
			continue
		}
		better := side == types.OrderSideBuy && q.Price.LessThan(best.Price) ||
			side == types.OrderSideSell && q.Price.GreaterThan(best.Price)
		if !found || better {
			best = q
			found = true
		}
	}
	return best, found
}
