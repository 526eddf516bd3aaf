package tracker

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/types"
)

var (
	ErrUnknownOrder = errors.New("order not tracked")
	ErrFinalized    = errors.New("execution metric already finalized")
	ErrInvalidFill  = errors.New("invalid fill")
)

// DefaultAlpha is the EMA decay used when folding outcomes into venue statistics
const DefaultAlpha = 0.1

// Venues applies feedback deltas to venue profiles
type Venues interface {
	Update(id string, d venue.Delta) (venue.Profile, error)
}

// Sink persists finalized metrics
type Sink interface {
	RecordMetric(m ExecutionMetric) error
}

// Observer receives finalized metrics for monitoring
type Observer interface {
	ObserveMetric(m ExecutionMetric)
}

// Config controls the tracker
type Config struct {
	Alpha     float64       `mapstructure:"alpha"`
	Retention time.Duration `mapstructure:"retention"`
}

// DefaultConfig returns the default tracker settings
func DefaultConfig() Config {
	return Config{Alpha: DefaultAlpha, Retention: time.Hour}
}

// Tracker owns the execution metric of every order and is the only writer of
// outcome statistics back into the venue registry
type Tracker struct {
	mu      sync.Mutex
	metrics map[string]*ExecutionMetric

	venues    Venues
	publisher events.Publisher
	sinks     []Sink
	observers []Observer
	config    Config
	now       func() time.Time
	logger    *logrus.Entry
}

// Option configures a tracker
type Option func(*Tracker)

// WithSink adds a sink for finalized metrics
func WithSink(s Sink) Option {
	return func(t *Tracker) { t.sinks = append(t.sinks, s) }
}

// WithObserver adds a monitoring observer
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observers = append(t.observers, o) }
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker
func New(venues Venues, publisher events.Publisher, config Config, logger *logrus.Entry, opts ...Option) *Tracker {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if config.Alpha <= 0 || config.Alpha > 1 {
		config.Alpha = DefaultAlpha
	}
	t := &Tracker{
		metrics:   make(map[string]*ExecutionMetric),
		venues:    venues,
		publisher: publisher,
		config:    config,
		now:       time.Now,
		logger:    logger.WithField("component", "execution_tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnSubmit starts tracking an order. Quotes are the venue prices seen at
// submission and feed the cross-venue comparison.
func (t *Tracker) OnSubmit(order types.CanonicalOrder, quotes []Quote, ts time.Time) ExecutionMetric {
	if ts.IsZero() {
		ts = t.now()
	}
	m := &ExecutionMetric{
		OrderID:        order.ID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Quantity:       order.Quantity,
		ReferencePrice: order.ReferencePrice,
		Timeline:       Timeline{Received: ts},
		quotes:         append([]Quote(nil), quotes...),
	}

	t.mu.Lock()
	t.metrics[order.ID] = m
	out := m.clone()
	t.mu.Unlock()
	return out
}

// MarkRouted records the venue chosen for the order. The router has taken one
// unit of load on it; a previous venue still held is released.
func (t *Tracker) MarkRouted(orderID, venueID string, ts time.Time) error {
	var previous string
	err := t.mutate(orderID, func(m *ExecutionMetric) {
		if m.reserved && m.VenueID != venueID {
			previous = m.VenueID
		}
		m.VenueID = venueID
		m.reserved = true
		m.Timeline.Routed = t.stamp(ts)
	})
	if err == nil && previous != "" {
		t.update(previous, venue.Delta{LoadChange: -1})
	}
	return err
}

// MarkTranslated records the end of translation
func (t *Tracker) MarkTranslated(orderID string, ts time.Time) error {
	return t.mutate(orderID, func(m *ExecutionMetric) { m.Timeline.Translated = t.stamp(ts) })
}

// MarkSent records the hand-off to the venue adapter
func (t *Tracker) MarkSent(orderID string, ts time.Time) error {
	return t.mutate(orderID, func(m *ExecutionMetric) { m.Timeline.Sent = t.stamp(ts) })
}

// OnAck records the venue acknowledgment
func (t *Tracker) OnAck(orderID string, ts time.Time) error {
	return t.mutate(orderID, func(m *ExecutionMetric) { m.Timeline.Acked = t.stamp(ts) })
}

// OnFill records an execution of qty at price
func (t *Tracker) OnFill(orderID string, qty int64, price decimal.Decimal, ts time.Time) error {
	if qty <= 0 || !price.IsPositive() {
		return fmt.Errorf("%w: %d @ %s", ErrInvalidFill, qty, price)
	}
	return t.mutate(orderID, func(m *ExecutionMetric) {
		at := t.stamp(ts)
		if m.FilledQty == 0 {
			m.Timeline.FirstFill = at
			m.FirstPrice = price
		}
		m.Timeline.LastFill = at
		m.LastPrice = price
		m.FilledQty += qty
		m.notional = m.notional.Add(price.Mul(decimal.NewFromInt(qty)))
	})
}

// OnVenueReject folds a rejection into the current venue's statistics and
// gives back its load. The order stays tracked for a reroute or retry.
func (t *Tracker) OnVenueReject(orderID string, kind types.ErrorKind, ts time.Time) error {
	var (
		venueID string
		latency time.Duration
	)
	err := t.mutate(orderID, func(m *ExecutionMetric) {
		if !m.reserved {
			return
		}
		venueID = m.VenueID
		m.reserved = false
		if !m.Timeline.Sent.IsZero() {
			if d := t.stamp(ts).Sub(m.Timeline.Sent); d > 0 {
				latency = d
			}
		}
	})
	if err != nil || venueID == "" {
		return err
	}
	t.update(venueID, venue.Delta{
		LoadChange: -1,
		Outcome:    &venue.Outcome{Alpha: t.config.Alpha, Latency: latency, Rejected: true},
		ErrorKind:  kind,
	})
	return nil
}

// OnTerminal finalizes the metric, feeds the outcome back into the venue
// profile and hands the metric to the event bus, sinks and observers.
func (t *Tracker) OnTerminal(orderID string, outcome Outcome, kind types.ErrorKind, ts time.Time) (ExecutionMetric, error) {
	var (
		release bool
		out     ExecutionMetric
	)
	err := t.mutate(orderID, func(m *ExecutionMetric) {
		m.Timeline.Confirmed = t.stamp(ts)
		m.Outcome = outcome
		m.ErrorKind = kind
		release = m.reserved
		m.reserved = false
		m.refresh()
		m.Finalized = true
		out = m.clone()
	})
	if err != nil {
		return ExecutionMetric{}, err
	}

	if release && out.VenueID != "" {
		d := venue.Delta{LoadChange: -1, Outcome: t.outcome(out), ErrorKind: kind}
		t.update(out.VenueID, d)
	}

	t.publisher.Publish(events.New(events.MetricFinalized, out.OrderID, out.VenueID, out))
	for _, s := range t.sinks {
		if err := s.RecordMetric(out); err != nil {
			t.logger.WithError(err).WithField("order_id", orderID).Error("Failed to record execution metric")
		}
	}
	for _, o := range t.observers {
		o.ObserveMetric(out)
	}
	t.logger.WithFields(logrus.Fields{
		"order_id":     out.OrderID,
		"venue":        out.VenueID,
		"outcome":      out.Outcome,
		"filled":       out.FilledQty,
		"slippage_bps": fmt.Sprintf("%.2f", out.SlippageBps),
		"quality":      out.Quality,
		"total":        out.Total,
		"clock_skew":   out.ClockSkew,
	}).Info("Execution finalized")
	return out, nil
}

// Get returns a copy of the order's metric with derived fields current
func (t *Tracker) Get(orderID string) (ExecutionMetric, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.metrics[orderID]
	if !ok {
		return ExecutionMetric{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if !m.Finalized {
		m.refresh()
	}
	return m.clone(), nil
}

// Prune drops finalized metrics confirmed before the retention window
func (t *Tracker) Prune() int {
	cutoff := t.now().Add(-t.config.Retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, m := range t.metrics {
		if m.Finalized && m.Timeline.Confirmed.Before(cutoff) {
			delete(t.metrics, id)
			n++
		}
	}
	return n
}

// Helper methods

func (t *Tracker) mutate(orderID string, fn func(m *ExecutionMetric)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.metrics[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if m.Finalized {
		return fmt.Errorf("%w: %s", ErrFinalized, orderID)
	}
	fn(m)
	return nil
}

func (t *Tracker) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return t.now()
	}
	return ts
}

func (t *Tracker) outcome(m ExecutionMetric) *venue.Outcome {
	o := &venue.Outcome{
		Alpha:    t.config.Alpha,
		Success:  m.Outcome == OutcomeFilled || m.Outcome == OutcomePartial,
		Filled:   m.FilledQty > 0,
		Rejected: m.Outcome == OutcomeRejected,
	}
	if o.Filled {
		o.SlippageBps = m.SlippageBps
	}
	if !m.Timeline.Acked.IsZero() {
		o.Latency = m.Phases.Acknowledgment
	}
	return o
}

func (t *Tracker) update(venueID string, d venue.Delta) {
	if t.venues == nil {
		return
	}
	if _, err := t.venues.Update(venueID, d); err != nil {
		t.logger.WithError(err).WithField("venue", venueID).Warn("Venue feedback failed")
	}
}
