package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/translator"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/types"
)

type fixture struct {
	registry   *venue.Registry
	translator *translator.Translator
	router     *Router
	bus        *events.Bus
}

func newFixture(t testing.TB, profiles ...venue.Profile) *fixture {
	t.Helper()
	reg := venue.NewRegistry(nil)
	var schemas []translator.Schema
	for _, p := range profiles {
		require.NoError(t, reg.Register(p))
		schemas = append(schemas, translator.DefaultSchema(p.ID))
	}
	tr := translator.New(schemas, nil, nil)
	bus := events.NewBus(nil)
	return &fixture{
		registry:   reg,
		translator: tr,
		router:     NewRouter(reg, tr, bus, DefaultConfig(), nil),
		bus:        bus,
	}
}

func profile(id string, latencyMs int, cost, success float64) venue.Profile {
	return venue.Profile{
		ID:          id,
		Capacity:    100,
		MeanLatency: time.Duration(latencyMs) * time.Millisecond,
		CostBps:     cost,
		SuccessRate: success,
		Status:      venue.StatusOnline,
	}
}

func marketOrder(id string) *types.CanonicalOrder {
	return &types.CanonicalOrder{
		ID:         id,
		Version:    1,
		Symbol:     "INFY",
		AssetClass: types.AssetClassEquity,
		Side:       types.OrderSideBuy,
		Kind:       types.OrderKindMarket,
		Quantity:   10,
	}
}

func TestRouteSelectsFasterCheaperVenue(t *testing.T) {
	f := newFixture(t, profile("A", 50, 2, 99), profile("B", 400, 18, 96))

	d, err := f.router.Route(context.Background(), marketOrder("o-1"))
	require.NoError(t, err)

	snap := d.Snapshot()
	assert.Equal(t, "A", snap.VenueID)
	assert.Contains(t, []Reason{ReasonSpeed, ReasonCostOptimization}, snap.Reason)
	assert.Equal(t, ReasonCostOptimization, snap.Reason)
	assert.InDelta(t, 93.06, snap.Score, 0.01)
	assert.Equal(t, StatusRouted, snap.Status)
	assert.Equal(t, 50*time.Millisecond, snap.EstimatedExecution)
	assert.Equal(t, 2.0, snap.EstimatedCostBps)
	require.NotNil(t, snap.Translation)
	assert.True(t, snap.Translation.OK())

	a, _ := f.registry.Get("A")
	assert.Equal(t, 1, a.CurrentLoad)
}

func TestScoreStaysInRange(t *testing.T) {
	worst := venue.Profile{MeanLatency: 10 * time.Second, CostBps: 500, SuccessRate: 0}
	s, _ := Score(worst, DefaultWeights, DefaultCeilings, 0)
	assert.Equal(t, 0.0, s)

	best := venue.Profile{SuccessRate: 100}
	s, _ = Score(best, DefaultWeights, DefaultCeilings, 10)
	assert.Equal(t, 100.0, s)
}

func TestRouteNeverSelectsUnavailableVenue(t *testing.T) {
	for _, status := range []venue.Status{venue.StatusOffline, venue.StatusMaintenance, venue.StatusDegraded} {
		t.Run(string(status), func(t *testing.T) {
			perfect := profile("perfect", 1, 0, 100)
			perfect.Status = status
			f := newFixture(t, perfect, profile("slow", 450, 19, 80))

			d, err := f.router.Route(context.Background(), marketOrder("o-1"))
			require.NoError(t, err)
			assert.Equal(t, "slow", d.Snapshot().VenueID)
			assert.Equal(t, ReasonAvailability, d.Snapshot().Reason)
		})
	}
}

func TestRouteRandomizedStatusProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []venue.Status{venue.StatusOnline, venue.StatusOffline, venue.StatusMaintenance, venue.StatusDegraded}

	for i := 0; i < 200; i++ {
		var profiles []venue.Profile
		for j := 0; j < 5; j++ {
			p := profile(fmt.Sprintf("v%d", j), rng.Intn(600), rng.Float64()*25, rng.Float64()*100)
			p.Status = statuses[rng.Intn(len(statuses))]
			profiles = append(profiles, p)
		}
		f := newFixture(t, profiles...)

		d, err := f.router.Route(context.Background(), marketOrder(fmt.Sprintf("o-%d", i)))
		if err != nil {
			assert.True(t, errors.Is(err, ErrNoEligibleVenue))
			continue
		}
		chosen, _ := f.registry.Get(d.Snapshot().VenueID)
		assert.Equal(t, venue.StatusOnline, chosen.Status)
		assert.GreaterOrEqual(t, d.Snapshot().Score, 0.0)
		assert.LessOrEqual(t, d.Snapshot().Score, 100.0)
	}
}

func TestRouteTieBreaks(t *testing.T) {
	busy := profile("a", 100, 5, 95)
	busy.CurrentLoad = 5
	f := newFixture(t, busy, profile("b", 100, 5, 95), profile("c", 100, 5, 95))

	d, err := f.router.Route(context.Background(), marketOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, "b", d.Snapshot().VenueID)
	assert.Equal(t, ReasonBestExecution, d.Snapshot().Reason)
}

func TestRouteFallsBackOnTranslationFailure(t *testing.T) {
	f := newFixture(t, profile("A", 50, 2, 99), profile("B", 400, 18, 96))
	noStops := translator.DefaultSchema("A")
	delete(noStops.KindNames, types.OrderKindStop)
	f.translator.SetSchema(noStops)

	order := marketOrder("o-1")
	order.Kind = types.OrderKindStop
	order.StopPrice = decimal.NewFromInt(1500)

	d, err := f.router.Route(context.Background(), order)
	require.NoError(t, err)
	snap := d.Snapshot()
	assert.Equal(t, "B", snap.VenueID)
	assert.Equal(t, ReasonFallback, snap.Reason)
	require.Len(t, snap.Attempts, 2)
	assert.Equal(t, translator.StatusValidationError, snap.Attempts[0].Status)

	a, _ := f.registry.Get("A")
	assert.Equal(t, 0, a.CurrentLoad)
	assert.Len(t, f.translator.History("o-1"), 2)
}

func TestRouteExhausted(t *testing.T) {
	var profiles []venue.Profile
	for _, id := range []string{"a", "b", "c", "d"} {
		profiles = append(profiles, profile(id, 50, 2, 99))
	}
	f := newFixture(t, profiles...)
	for _, p := range profiles {
		s := translator.DefaultSchema(p.ID)
		s.KindNames = map[types.OrderKind]string{types.OrderKindLimit: "LIMIT"}
		f.translator.SetSchema(s)
	}

	d, err := f.router.Route(context.Background(), marketOrder("o-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRoutingExhausted))
	require.NotNil(t, d)
	assert.Equal(t, StatusFailed, d.Status())
	assert.Len(t, d.Snapshot().Attempts, 3)

	for _, p := range f.registry.List(venue.Filter{}) {
		assert.Equal(t, 0, p.CurrentLoad, p.ID)
	}
	assert.Equal(t, int64(1), f.router.Stats().GetMetrics().FailedDecisions)
}

func TestRouteNoEligibleVenue(t *testing.T) {
	futures := profile("fno", 50, 2, 99)
	futures.Specialization = []types.AssetClass{types.AssetClassFutures}
	full := profile("full", 50, 2, 99)
	full.CurrentLoad = full.Capacity
	f := newFixture(t, futures, full)

	d, err := f.router.Route(context.Background(), marketOrder("o-1"))
	assert.True(t, errors.Is(err, ErrNoEligibleVenue))
	assert.Equal(t, StatusFailed, d.Status())
}

func TestRouteHardLimitsFromSchema(t *testing.T) {
	f := newFixture(t, profile("A", 50, 2, 99), profile("B", 400, 18, 96))
	s := translator.DefaultSchema("A")
	s.FreezeQuantity = 5
	f.translator.SetSchema(s)

	d, err := f.router.Route(context.Background(), marketOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, "B", d.Snapshot().VenueID)
	assert.Equal(t, ReasonAvailability, d.Snapshot().Reason)
}

func TestRoutePinnedVenue(t *testing.T) {
	f := newFixture(t, profile("A", 50, 2, 99), profile("B", 400, 18, 96))

	order := marketOrder("o-1")
	order.Venue = "B"
	d, err := f.router.Route(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "B", d.Snapshot().VenueID)
	assert.Equal(t, ReasonManual, d.Snapshot().Reason)

	status := venue.StatusOffline
	_, err = f.registry.Update("B", venue.Delta{Status: &status})
	require.NoError(t, err)

	order = marketOrder("o-2")
	order.Venue = "B"
	d, err = f.router.Route(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "A", d.Snapshot().VenueID)
	assert.Equal(t, ReasonFallback, d.Snapshot().Reason)
}

func TestRouteExcluding(t *testing.T) {
	f := newFixture(t, profile("A", 50, 2, 99), profile("B", 400, 18, 96))

	d, err := f.router.RouteExcluding(context.Background(), marketOrder("o-1"), "A")
	require.NoError(t, err)
	assert.Equal(t, "B", d.Snapshot().VenueID)
}

func TestRoutingRules(t *testing.T) {
	f := newFixture(t,
		profile("fast", 20, 15, 97),
		profile("cheap", 300, 1, 97),
		profile("laggy", 490, 0, 99),
	)
	require.NoError(t, f.router.SetRules([]SmartRoutingConfig{
		{
			Name:        "low-priority-cost",
			Priority:    1,
			CostWeight:  1,
			SpeedWeight: 0,
		},
		{
			Name:        "big-infy-speed",
			Priority:    10,
			Conditions:  Conditions{Symbols: []string{"INF*"}, MinQuantity: 5},
			SpeedWeight: 1,
			MaxLatency:  400 * time.Millisecond,
		},
	}))

	d, err := f.router.Route(context.Background(), marketOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, "fast", d.Snapshot().VenueID)
	assert.Equal(t, ReasonSpeed, d.Snapshot().Reason)
	for _, c := range d.Snapshot().Candidates {
		assert.NotEqual(t, "laggy", c.Venue.ID)
	}

	order := marketOrder("o-2")
	order.Symbol = "TCS"
	d, err = f.router.Route(context.Background(), order)
	require.NoError(t, err)
	assert.Contains(t, []string{"cheap", "laggy"}, d.Snapshot().VenueID)
	assert.Equal(t, ReasonCostOptimization, d.Snapshot().Reason)
}

func TestBrokerPreferenceBonus(t *testing.T) {
	f := newFixture(t, profile("a", 100, 5, 95), profile("b", 100, 5, 95))
	require.NoError(t, f.router.SetRules([]SmartRoutingConfig{{
		Name:              "prefer-b",
		BrokerPreferences: []string{"b"},
		SpeedWeight:       1, CostWeight: 1, ReliabilityWeight: 1,
	}}))

	d, err := f.router.Route(context.Background(), marketOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, "b", d.Snapshot().VenueID)
	assert.Equal(t, 2.0, d.Snapshot().Breakdown.Preference)
}

func TestCustomAttribution(t *testing.T) {
	f := newFixture(t, profile("A", 50, 2, 99), profile("B", 400, 18, 96))
	f.router.SetAttribution(func([]Candidate) Reason { return ReasonBestExecution })

	d, err := f.router.Route(context.Background(), marketOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonBestExecution, d.Snapshot().Reason)
}

func TestDecisionLifecycleIsMonotonic(t *testing.T) {
	f := newFixture(t, profile("A", 50, 2, 99))
	ch, cancel := f.bus.Subscribe(16, events.DecisionTransition)
	defer cancel()

	d, err := f.router.Route(context.Background(), marketOrder("o-1"))
	require.NoError(t, err)

	assert.ErrorIs(t, d.Complete(), ErrInvalidTransition)
	require.NoError(t, d.MarkExecuting())
	assert.ErrorIs(t, d.MarkExecuting(), ErrInvalidTransition)
	assert.ErrorIs(t, d.Cancel(), ErrCancelNotAllowed)
	require.NoError(t, d.Complete())
	assert.ErrorIs(t, d.Fail("late"), ErrInvalidTransition)
	assert.ErrorIs(t, d.Cancel(), ErrInvalidTransition)

	var got []Status
	for _, tr := range d.History() {
		got = append(got, tr.To)
	}
	assert.Equal(t, []Status{StatusPending, StatusRouted, StatusExecuting, StatusCompleted}, got)

	var published []Status
	for i := 0; i < 4; i++ {
		e := <-ch
		published = append(published, e.Payload.(Snapshot).Status)
	}
	assert.Equal(t, got, published)
}

func TestCancelBeforeExecution(t *testing.T) {
	f := newFixture(t, profile("A", 50, 2, 99))

	d, err := f.router.Route(context.Background(), marketOrder("o-1"))
	require.NoError(t, err)
	require.NoError(t, f.router.Cancel(d.ID))
	assert.Equal(t, StatusCancelled, d.Status())
	assert.ErrorIs(t, d.MarkExecuting(), ErrInvalidTransition)

	a, _ := f.registry.Get("A")
	assert.Equal(t, 0, a.CurrentLoad)

	found, err := f.router.DecisionForOrder("o-1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, found.ID)
	f.router.Forget(d.ID)
	_, err = f.router.Decision(d.ID)
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}

func TestRouteRejectsInvalidOrder(t *testing.T) {
	f := newFixture(t, profile("A", 50, 2, 99))
	order := marketOrder("o-1")
	order.Quantity = 0
	_, err := f.router.Route(context.Background(), order)
	assert.ErrorIs(t, err, types.ErrInvalidOrder)
}

func TestRouteHonoursContext(t *testing.T) {
	f := newFixture(t, profile("A", 50, 2, 99))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := f.router.Route(ctx, marketOrder("o-1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, d.Status())
}

func TestTimeWindowWrapsMidnight(t *testing.T) {
	w := &TimeWindow{Start: "22:00", End: "02:00"}
	in, err := w.contains(time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, in)
	in, _ = w.contains(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	assert.False(t, in)

	bad := SmartRoutingConfig{Name: "bad", Conditions: Conditions{TimeWindow: &TimeWindow{Start: "25:00", End: "01:00"}}}
	assert.Error(t, bad.Validate())
}
