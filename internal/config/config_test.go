package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/types"
)

const minimal = `
venues:
  - id: a
    adapter: mock
    capacity: 10
    success_rate: 99
    fill_rate: 98
    price: 101.5
`

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "routex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Engine.AckTimeout)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 3, cfg.Router.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Router.Ceilings.Latency)
	assert.Equal(t, 0.1, cfg.Tracker.Alpha)
	assert.Equal(t, 8*time.Hour, cfg.Market.Window)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "routex", cfg.NATS.ClientID)
	require.Len(t, cfg.NATS.Streams, 2)
	assert.Equal(t, "ROUTEX_EVENTS", cfg.NATS.Streams[0].Name)
	assert.Equal(t, "routex", cfg.Redis.KeyPrefix)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	require.Len(t, cfg.Venues, 1)
	assert.True(t, cfg.Venues[0].Price.Equal(decimal.RequireFromString("101.5")))
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "routex.yaml"))
	require.NoError(t, err)

	require.Len(t, cfg.Venues, 3)
	fast := cfg.Venues[0]
	assert.Equal(t, 40*time.Millisecond, fast.Latency)
	assert.Equal(t, []types.AssetClass{types.AssetClassEquity, types.AssetClassFutures}, fast.Specialization)

	schema := fast.TranslatorSchema()
	assert.True(t, schema.TickSize.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, int64(5000), schema.FreezeQuantity)
	assert.Equal(t, 10.0, schema.CircuitBandPct)

	bin := cfg.Venues[2]
	assert.Equal(t, "binance-spot/v3", bin.TranslatorSchema().Version)
	p := bin.Profile()
	assert.Equal(t, venue.FamilyBinance, p.Family)
	assert.Equal(t, venue.StatusOffline, p.Status)
	assert.Equal(t, "https://testnet.binance.vision", bin.Binance.BaseURL)

	require.Len(t, cfg.Routing.Rules, 2)
	rule := cfg.Routing.Rules[1]
	assert.Equal(t, []types.OrderKind{types.OrderKindMarket}, rule.Conditions.OrderKinds)
	require.NotNil(t, rule.Conditions.TimeWindow)
	assert.Equal(t, "03:45", rule.Conditions.TimeWindow.Start)
	assert.Equal(t, 250*time.Millisecond, rule.MaxLatency)
	assert.Equal(t, []string{"sim-fast"}, rule.BrokerPreferences)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ROUTEX_ENGINE_MAX_RETRIES", "7")
	t.Setenv("ROUTEX_LOGGING_LEVEL", "debug")
	t.Setenv("ROUTEX_NATS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.MaxRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.NATS.Enabled)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	_, err := Load(writeConfig(t, `
engine:
  workers: 0
  retry_backoff: 10s
  max_backoff: 1s
tracker:
  alpha: 2
logging:
  format: xml
venues:
  - id: a
    adapter: fix
    capacity: 0
    price: 1
  - id: a
    adapter: mock
    capacity: 1
    success_rate: 120
`))
	require.Error(t, err)
	errs := multierr.Errors(err)
	assert.GreaterOrEqual(t, len(errs), 8)
	for _, want := range []string{
		"engine.workers",
		"engine.retry_backoff must not exceed",
		"tracker.alpha",
		"logging.format",
		"venues[0].adapter",
		"venues[0].capacity",
		`venues[1].id "a" is duplicated`,
		"venues[1] rates",
		"venues[1].price",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidateRequiresVenues(t *testing.T) {
	_, err := Load("")
	assert.ErrorContains(t, err, "at least one venue")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDecimalHook(t *testing.T) {
	hook := stringToDecimalHookFunc()
	for _, in := range []interface{}{"2.5", 2.5, 2} {
		out, err := hook(nil, decimalType, in)
		require.NoError(t, err)
		d := out.(decimal.Decimal)
		assert.True(t, d.GreaterThan(decimal.NewFromInt(1)), in)
	}
	_, err := hook(nil, decimalType, "abc")
	assert.Error(t, err)
}
