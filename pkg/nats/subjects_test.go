package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/venue"
)

func TestEventSubjectRoundTrip(t *testing.T) {
	subject := EventSubject(events.DecisionTransition, "ord-1")
	assert.Equal(t, "routex.events.decision.transition.ord-1", subject)

	typ, orderID, err := ParseEventSubject(subject)
	require.NoError(t, err)
	assert.Equal(t, events.DecisionTransition, typ)
	assert.Equal(t, "ord-1", orderID)
}

func TestEventSubjectWithoutOrder(t *testing.T) {
	subject := EventSubject(events.VenueUpdated, "")
	assert.Equal(t, "routex.events.venue.updated._", subject)

	typ, orderID, err := ParseEventSubject(subject)
	require.NoError(t, err)
	assert.Equal(t, events.VenueUpdated, typ)
	assert.Empty(t, orderID)
}

func TestSubjectTokensAreSanitized(t *testing.T) {
	assert.Equal(t, "routex.events.metric.finalized.a_b_c", EventSubject(events.MetricFinalized, "a.b*c"))
	assert.Equal(t, "routex.venues.metrics.bse_fo", VenueMetricsSubject("bse.fo"))
}

func TestParseEventSubjectRejectsForeignSubjects(t *testing.T) {
	for _, s := range []string{"orders.create.x", "routex.events.", "routex.events.nodot", "routex.events.type."} {
		_, _, err := ParseEventSubject(s)
		assert.ErrorIs(t, err, ErrInvalidSubject, s)
	}
}

func TestParseVenueMetricsSubject(t *testing.T) {
	id, err := ParseVenueMetricsSubject(VenueMetricsSubject("nse"))
	require.NoError(t, err)
	assert.Equal(t, "nse", id)

	_, err = ParseVenueMetricsSubject("routex.venues.metrics.")
	assert.ErrorIs(t, err, ErrInvalidSubject)
	_, err = ParseVenueMetricsSubject("routex.venues.metrics.a.b")
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestDecodeMetricUpdate(t *testing.T) {
	u, err := DecodeMetricUpdate("routex.venues.metrics.nse", []byte(`{"status":"degraded","latency_ms":42.5,"cost_bps":3}`))
	require.NoError(t, err)
	assert.Equal(t, "nse", u.VenueID)
	assert.Equal(t, venue.StatusDegraded, u.Status)
	assert.Equal(t, 42.5, u.LatencyMs)
	require.NotNil(t, u.CostBps)
	assert.Equal(t, 3.0, *u.CostBps)

	u, err = DecodeMetricUpdate("routex.venues.metrics.nse", []byte(`{"venue_id":"bse"}`))
	require.NoError(t, err)
	assert.Equal(t, "bse", u.VenueID, "payload venue wins over subject")

	_, err = DecodeMetricUpdate("elsewhere", []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = DecodeMetricUpdate("routex.venues.metrics.nse", []byte(`{`))
	assert.Error(t, err)
}

func TestRetentionPolicy(t *testing.T) {
	for _, name := range []string{"", "limits", "Interest", "workqueue"} {
		_, err := retentionPolicy(name)
		assert.NoError(t, err, name)
	}
	_, err := retentionPolicy("forever")
	assert.Error(t, err)
}

func TestDefaultStreamsCoverSubjects(t *testing.T) {
	cfg := DefaultConfig()
	require.Len(t, cfg.Streams, 2)
	assert.Equal(t, []string{AllEvents}, cfg.Streams[0].Subjects)
	assert.Equal(t, "routex.venues.>", cfg.Streams[1].Subjects[0])
	assert.Equal(t, "routex-venue-metrics", durableName(cfg.ClientID, "venue-metrics"))
}

func TestMarketSubject(t *testing.T) {
	subject := MarketSubject("nse", "NIFTY.FUT")
	assert.Equal(t, "routex.venues.market.nse.NIFTY_FUT", subject)

	venueID, symbol, err := ParseMarketSubject(subject)
	require.NoError(t, err)
	assert.Equal(t, "nse", venueID)
	assert.Equal(t, "NIFTY_FUT", symbol)

	_, _, err = ParseMarketSubject("routex.venues.market.nse")
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestDecodeTickDefaultsFromSubject(t *testing.T) {
	tick, err := DecodeTick(MarketSubject("bse", "INFY"), []byte(`{"price":"1500.5","volume":20}`))
	require.NoError(t, err)
	assert.Equal(t, "bse", tick.VenueID)
	assert.Equal(t, "INFY", tick.Symbol)
	assert.Equal(t, int64(20), tick.Volume)
	assert.Equal(t, "1500.5", tick.Price.String())

	tick, err = DecodeTick(MarketSubject("bse", "INFY"), []byte(`{"venue_id":"nse","symbol":"TCS"}`))
	require.NoError(t, err)
	assert.Equal(t, "nse", tick.VenueID)
	assert.Equal(t, "TCS", tick.Symbol)

	_, err = DecodeTick(MarketSubject("bse", "INFY"), []byte(`{`))
	assert.Error(t, err)
}
