package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/internal/venue"
)

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "routex.log")
	logger, closer, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger.WithField("component", "test").Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "test", line["component"])
}

func TestNewLoggerRejectsBadConfig(t *testing.T) {
	_, _, err := NewLogger(LoggingConfig{Level: "loud"})
	assert.Error(t, err)
	_, _, err = NewLogger(LoggingConfig{Format: "xml"})
	assert.Error(t, err)

	logger, closer, err := NewLogger(DefaultLoggingConfig())
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.NoError(t, closer.Close())
}

func TestMetricsObserveExecution(t *testing.T) {
	m := NewMetrics()
	m.ObserveMetric(tracker.ExecutionMetric{
		VenueID:     "nse",
		Outcome:     tracker.OutcomeFilled,
		FilledQty:   10,
		SlippageBps: 7,
		Quality:     tracker.QualityGood,
		Total:       30 * time.Millisecond,
		Phases:      tracker.Phases{Routing: time.Millisecond, Acknowledgment: 10 * time.Millisecond},
		ClockSkew:   true,
	})
	m.ObserveMetric(tracker.ExecutionMetric{VenueID: "nse", Outcome: tracker.OutcomeRejected})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("nse", "filled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("nse", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quality.WithLabelValues("nse", "good")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clockSkew))
	assert.Equal(t, 1, testutil.CollectAndCount(m.slippage))
	assert.Equal(t, 2, testutil.CollectAndCount(m.phases), "zero phases are not observed")
}

func TestMetricsObserveVenue(t *testing.T) {
	m := NewMetrics()
	m.ObserveVenue(venue.Profile{
		ID:          "nse",
		Capacity:    10,
		CurrentLoad: 7,
		SuccessRate: 98,
		MeanLatency: 50 * time.Millisecond,
		Status:      venue.StatusDegraded,
	})

	assert.Equal(t, 7.0, testutil.ToFloat64(m.venueLoad.WithLabelValues("nse")))
	assert.InDelta(t, 0.7, testutil.ToFloat64(m.venueRatio.WithLabelValues("nse")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.venueUp.WithLabelValues("nse", "degraded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.venueUp.WithLabelValues("nse", "online")))
	assert.InDelta(t, 0.05, testutil.ToFloat64(m.venueLatency.WithLabelValues("nse")), 1e-9)
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.WatchDropped(func() int64 { return 3 })
	m.ObserveMetric(tracker.ExecutionMetric{VenueID: "bse", Outcome: tracker.OutcomeCancelled})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `routex_executions_total{outcome="cancelled",venue="bse"} 1`)
	assert.Contains(t, body, "routex_events_dropped_total 3")
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type venueList []venue.Profile

func (v venueList) List(venue.Filter) []venue.Profile { return v }

func TestHealthChecks(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("redis", PingCheck(pinger{}))
	hc.RegisterCheck("venues", VenueCheck(venueList{
		{ID: "a", Status: venue.StatusOnline, Capacity: 10},
		{ID: "b", Status: venue.StatusMaintenance, Capacity: 10},
	}))

	health := hc.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusDegraded, health.Status)
	require.Len(t, health.Components, 2)
	assert.Equal(t, "redis", health.Components[0].Name)
	assert.Equal(t, HealthStatusHealthy, health.Components[0].Status)
	assert.Equal(t, "1 of 2 venues online", health.Components[1].Message)

	hc.RegisterCheck("nats", PingCheck(pinger{err: errors.New("nats connection is CLOSED")}))
	rec := httptest.NewRecorder()
	hc.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var got SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, HealthStatusUnhealthy, got.Status)
	assert.Equal(t, "nats connection is CLOSED", got.Components[0].Message)
}

func TestVenueCheckWithoutOnlineVenues(t *testing.T) {
	h := VenueCheck(venueList{{ID: "a", Status: venue.StatusOffline}})(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, h.Status)

	h = VenueCheck(venueList{{ID: "a", Status: venue.StatusOnline, Capacity: 10, CurrentLoad: 9}})(context.Background())
	assert.Equal(t, HealthStatusDegraded, h.Status)
	assert.Equal(t, 1, h.Details["hot"])
}
