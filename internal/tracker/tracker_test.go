package tracker

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/types"
)

var t0 = time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)

func ms(n int) time.Time { return t0.Add(time.Duration(n) * time.Millisecond) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newRegistry(t *testing.T, profiles ...venue.Profile) *venue.Registry {
	t.Helper()
	reg := venue.NewRegistry(nil)
	for _, p := range profiles {
		require.NoError(t, reg.Register(p))
	}
	return reg
}

func buyOrder(id string) types.CanonicalOrder {
	return types.CanonicalOrder{
		ID: id, Symbol: "INFY", Side: types.OrderSideBuy, Quantity: 100,
		Kind: types.OrderKindMarket, ReferencePrice: dec("100"),
	}
}

type recordingSink struct {
	mu      sync.Mutex
	metrics []ExecutionMetric
	err     error
}

func (s *recordingSink) RecordMetric(m ExecutionMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return s.err
}

func (s *recordingSink) ObserveMetric(m ExecutionMetric) {
	_ = s.RecordMetric(m)
}

func TestQualityThresholds(t *testing.T) {
	tests := []struct {
		bps  float64
		want FillQuality
	}{
		{-3, QualityExcellent},
		{0, QualityExcellent},
		{4.99, QualityExcellent},
		{5.0, QualityGood},
		{14.99, QualityGood},
		{15, QualityFair},
		{29.99, QualityFair},
		{30, QualityPoor},
		{250, QualityPoor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quality(tt.bps), "%.2fbp", tt.bps)
	}
}

func TestFilledOrderLifecycle(t *testing.T) {
	reg := newRegistry(t,
		venue.Profile{ID: "a", Capacity: 10, SuccessRate: 90, FillRate: 80, RejectRate: 10},
		venue.Profile{ID: "b", Capacity: 10},
	)
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe(4, events.MetricFinalized)
	defer cancel()
	sink := &recordingSink{}
	obs := &recordingSink{}
	tr := New(reg, bus, DefaultConfig(), nil, WithSink(sink), WithObserver(obs))

	quotes := []Quote{{VenueID: "a", Price: dec("100.02")}, {VenueID: "b", Price: dec("99.98")}}
	tr.OnSubmit(buyOrder("o-1"), quotes, ms(0))
	_, err := reg.Reserve("a")
	require.NoError(t, err)
	require.NoError(t, tr.MarkRouted("o-1", "a", ms(1)))
	require.NoError(t, tr.MarkTranslated("o-1", ms(2)))
	require.NoError(t, tr.MarkSent("o-1", ms(3)))
	require.NoError(t, tr.OnAck("o-1", ms(13)))
	require.NoError(t, tr.OnFill("o-1", 60, dec("100.05"), ms(20)))

	live, err := tr.Get("o-1")
	require.NoError(t, err)
	assert.False(t, live.Finalized)
	assert.Equal(t, int64(60), live.FilledQty)

	require.NoError(t, tr.OnFill("o-1", 40, dec("100.10"), ms(25)))
	m, err := tr.OnTerminal("o-1", OutcomeFilled, "", ms(30))
	require.NoError(t, err)

	assert.True(t, m.Finalized)
	assert.Equal(t, Phases{
		Routing:         time.Millisecond,
		Translation:     time.Millisecond,
		Submission:      time.Millisecond,
		Acknowledgment:  10 * time.Millisecond,
		VenueProcessing: 7 * time.Millisecond,
		Matching:        5 * time.Millisecond,
		Confirmation:    5 * time.Millisecond,
	}, m.Phases)
	assert.Equal(t, 30*time.Millisecond, m.Total)
	assert.False(t, m.ClockSkew)

	assert.True(t, m.AvgPrice.Equal(dec("100.07")), m.AvgPrice.String())
	assert.InDelta(t, 7.0, m.SlippageBps, 1e-9)
	assert.Equal(t, QualityGood, m.Quality)
	assert.InDelta(t, 4.9975, m.MarketImpactBps, 1e-3)
	assert.True(t, m.Shortfall.Equal(dec("7")), m.Shortfall.String())
	require.NotNil(t, m.Comparison)
	assert.Equal(t, "b", m.Comparison.BestVenue)
	assert.InDelta(t, 9.0018, m.Comparison.RelativeCostBps, 1e-3)

	p, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 0, p.CurrentLoad)
	assert.InDelta(t, 91.0, p.SuccessRate, 1e-9)
	assert.InDelta(t, 82.0, p.FillRate, 1e-9)
	assert.InDelta(t, 9.0, p.RejectRate, 1e-9)
	assert.InDelta(t, 0.7, p.AvgSlippageBps, 1e-9)
	assert.Equal(t, 10*time.Millisecond, p.MeanLatency)

	e := <-ch
	assert.Equal(t, "o-1", e.OrderID)
	assert.Len(t, sink.metrics, 1)
	assert.Len(t, obs.metrics, 1)
}

func TestSellSlippageIsDirectional(t *testing.T) {
	tr := New(nil, nil, DefaultConfig(), nil)
	order := buyOrder("o-2")
	order.Side = types.OrderSideSell
	tr.OnSubmit(order, []Quote{{VenueID: "x", Price: dec("100.01")}, {VenueID: "y", Price: dec("99.95")}}, ms(0))
	require.NoError(t, tr.OnFill("o-2", 100, dec("99.9"), ms(5)))

	m, err := tr.OnTerminal("o-2", OutcomeFilled, "", ms(6))
	require.NoError(t, err)
	assert.InDelta(t, 10.0, m.SlippageBps, 1e-9)
	assert.Equal(t, QualityGood, m.Quality)
	assert.True(t, m.Shortfall.Equal(dec("10")), m.Shortfall.String())
	assert.Equal(t, "x", m.Comparison.BestVenue)

	order = buyOrder("o-3")
	order.Side = types.OrderSideSell
	tr.OnSubmit(order, nil, ms(0))
	require.NoError(t, tr.OnFill("o-3", 100, dec("100.2"), ms(5)))
	m, err = tr.OnTerminal("o-3", OutcomeFilled, "", ms(6))
	require.NoError(t, err)
	assert.Less(t, m.SlippageBps, 0.0)
	assert.Equal(t, QualityExcellent, m.Quality)
	assert.Nil(t, m.Comparison)
}

func TestClockSkewClampsToZero(t *testing.T) {
	tr := New(nil, nil, DefaultConfig(), nil)
	tr.OnSubmit(buyOrder("o-4"), nil, ms(0))
	require.NoError(t, tr.MarkRouted("o-4", "a", ms(2)))
	require.NoError(t, tr.MarkSent("o-4", ms(10)))
	require.NoError(t, tr.OnAck("o-4", ms(8)))
	require.NoError(t, tr.OnFill("o-4", 100, dec("100"), ms(15)))

	m, err := tr.OnTerminal("o-4", OutcomeFilled, "", ms(16))
	require.NoError(t, err)
	assert.True(t, m.ClockSkew)
	assert.Zero(t, m.Phases.Acknowledgment)
	assert.Zero(t, m.Phases.Translation)
	assert.Equal(t, 5*time.Millisecond, m.Phases.VenueProcessing)
	assert.Equal(t, m.Phases.Total(), m.Total)
	assert.Equal(t, 16*time.Millisecond, m.Total)
}

func TestPhasesNeverNegative(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	tr := New(nil, nil, DefaultConfig(), nil)
	at := func() time.Time { return ms(rnd.Intn(100)) }

	for i := 0; i < 200; i++ {
		id := types.NewOrderID()
		tr.OnSubmit(buyOrder(id), nil, at())
		require.NoError(t, tr.MarkRouted(id, "a", at()))
		require.NoError(t, tr.MarkTranslated(id, at()))
		require.NoError(t, tr.MarkSent(id, at()))
		require.NoError(t, tr.OnAck(id, at()))
		require.NoError(t, tr.OnFill(id, 50, dec("100"), at()))
		require.NoError(t, tr.OnFill(id, 50, dec("100"), at()))
		m, err := tr.OnTerminal(id, OutcomeFilled, "", at())
		require.NoError(t, err)

		for _, d := range []time.Duration{
			m.Phases.Routing, m.Phases.Translation, m.Phases.Submission, m.Phases.Acknowledgment,
			m.Phases.VenueProcessing, m.Phases.Matching, m.Phases.Confirmation,
		} {
			assert.GreaterOrEqual(t, d, time.Duration(0))
		}
		assert.Equal(t, m.Phases.Total(), m.Total)
		assert.LessOrEqual(t, m.Total, 100*time.Millisecond)
	}
}

func TestFinalizedMetricIsReadOnly(t *testing.T) {
	tr := New(nil, nil, DefaultConfig(), nil)
	tr.OnSubmit(buyOrder("o-5"), nil, ms(0))
	_, err := tr.OnTerminal("o-5", OutcomeCancelled, "", ms(1))
	require.NoError(t, err)

	assert.ErrorIs(t, tr.OnFill("o-5", 1, dec("100"), ms(2)), ErrFinalized)
	assert.ErrorIs(t, tr.OnAck("o-5", ms(2)), ErrFinalized)
	_, err = tr.OnTerminal("o-5", OutcomeFilled, "", ms(3))
	assert.ErrorIs(t, err, ErrFinalized)

	m, err := tr.Get("o-5")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, m.Outcome)
	assert.Empty(t, m.Quality)

	assert.ErrorIs(t, tr.OnAck("missing", ms(0)), ErrUnknownOrder)
	assert.ErrorIs(t, tr.OnFill("o-5", 0, dec("100"), ms(0)), ErrInvalidFill)
}

func TestRejectThenRerouteReleasesEachVenueOnce(t *testing.T) {
	reg := newRegistry(t,
		venue.Profile{ID: "a", Capacity: 5, SuccessRate: 100, FillRate: 100},
		venue.Profile{ID: "b", Capacity: 5, SuccessRate: 100, FillRate: 100},
	)
	tr := New(reg, nil, DefaultConfig(), nil)
	tr.OnSubmit(buyOrder("o-6"), nil, ms(0))

	_, err := reg.Reserve("a")
	require.NoError(t, err)
	require.NoError(t, tr.MarkRouted("o-6", "a", ms(1)))
	require.NoError(t, tr.MarkSent("o-6", ms(2)))
	require.NoError(t, tr.OnVenueReject("o-6", types.ErrorKindPriceRejection, ms(12)))

	a, _ := reg.Get("a")
	assert.Equal(t, 0, a.CurrentLoad)
	assert.InDelta(t, 10.0, a.RejectRate, 1e-9)
	assert.InDelta(t, 90.0, a.SuccessRate, 1e-9)
	assert.Equal(t, int64(1), a.ErrorCounts[types.ErrorKindPriceRejection])
	assert.Equal(t, 10*time.Millisecond, a.MeanLatency)

	_, err = reg.Reserve("b")
	require.NoError(t, err)
	require.NoError(t, tr.MarkRouted("o-6", "b", ms(13)))
	require.NoError(t, tr.OnFill("o-6", 100, dec("100"), ms(20)))
	_, err = tr.OnTerminal("o-6", OutcomeFilled, "", ms(21))
	require.NoError(t, err)

	a, _ = reg.Get("a")
	b, _ := reg.Get("b")
	assert.Equal(t, 0, a.CurrentLoad)
	assert.Equal(t, 0, b.CurrentLoad)
	assert.InDelta(t, 100.0, b.SuccessRate, 1e-9)
	assert.InDelta(t, 10.0, a.RejectRate, 1e-9)
}

func TestMarkRoutedReleasesPreviousVenue(t *testing.T) {
	reg := newRegistry(t, venue.Profile{ID: "a", Capacity: 5}, venue.Profile{ID: "b", Capacity: 5})
	tr := New(reg, nil, DefaultConfig(), nil)
	tr.OnSubmit(buyOrder("o-7"), nil, ms(0))

	_, _ = reg.Reserve("a")
	require.NoError(t, tr.MarkRouted("o-7", "a", ms(1)))
	_, _ = reg.Reserve("b")
	require.NoError(t, tr.MarkRouted("o-7", "b", ms(2)))

	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	assert.Equal(t, 0, a.CurrentLoad)
	assert.Equal(t, 1, b.CurrentLoad)
}

func TestRejectedTerminalFoldsRejection(t *testing.T) {
	reg := newRegistry(t, venue.Profile{ID: "a", Capacity: 5, SuccessRate: 50, FillRate: 50})
	tr := New(reg, nil, Config{Alpha: 0.5}, nil)
	tr.OnSubmit(buyOrder("o-8"), nil, ms(0))
	_, _ = reg.Reserve("a")
	require.NoError(t, tr.MarkRouted("o-8", "a", ms(1)))

	m, err := tr.OnTerminal("o-8", OutcomeRejected, types.ErrorKindSymbolBan, ms(2))
	require.NoError(t, err)
	assert.Equal(t, types.ErrorKindSymbolBan, m.ErrorKind)
	assert.Empty(t, m.Quality)

	a, _ := reg.Get("a")
	assert.Equal(t, 0, a.CurrentLoad)
	assert.InDelta(t, 25.0, a.SuccessRate, 1e-9)
	assert.InDelta(t, 50.0, a.RejectRate, 1e-9)
	assert.Equal(t, int64(1), a.ErrorCounts[types.ErrorKindSymbolBan])
	assert.Zero(t, a.MeanLatency)
}

func TestSinkErrorDoesNotBlockFinalization(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	tr := New(nil, nil, DefaultConfig(), nil, WithSink(sink))
	tr.OnSubmit(buyOrder("o-9"), nil, ms(0))
	m, err := tr.OnTerminal("o-9", OutcomeCancelled, "", ms(1))
	require.NoError(t, err)
	assert.True(t, m.Finalized)
	assert.Len(t, sink.metrics, 1)
}

func TestPrune(t *testing.T) {
	now := ms(0)
	tr := New(nil, nil, Config{Retention: time.Minute}, nil, WithClock(func() time.Time { return now }))
	tr.OnSubmit(buyOrder("old"), nil, ms(0))
	tr.OnSubmit(buyOrder("live"), nil, ms(0))
	_, err := tr.OnTerminal("old", OutcomeFilled, "", ms(1))
	require.NoError(t, err)

	now = t0.Add(2 * time.Minute)
	assert.Equal(t, 1, tr.Prune())
	_, err = tr.Get("old")
	assert.ErrorIs(t, err, ErrUnknownOrder)
	_, err = tr.Get("live")
	assert.NoError(t, err)
}
