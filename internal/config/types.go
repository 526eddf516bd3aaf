package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/mExOms/routex/internal/algo"
	"github.com/mExOms/routex/internal/engine"
	"github.com/mExOms/routex/internal/marketdata"
	"github.com/mExOms/routex/internal/monitor"
	"github.com/mExOms/routex/internal/router"
	archive "github.com/mExOms/routex/internal/storage"
	"github.com/mExOms/routex/internal/stream"
	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/internal/translator"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/internal/venue/binance"
	"github.com/mExOms/routex/pkg/nats"
	audit "github.com/mExOms/routex/pkg/storage"
	"github.com/mExOms/routex/pkg/types"
	"github.com/mExOms/routex/pkg/vault"
)

// Adapter kinds a venue can be served by
const (
	AdapterMock    = "mock"
	AdapterBinance = "binance"
)

type Config struct {
	Server  ServerConfig          `mapstructure:"server"`
	Engine  engine.Config         `mapstructure:"engine"`
	Router  router.Config         `mapstructure:"router"`
	Routing RoutingConfig         `mapstructure:"routing"`
	Venues  []VenueConfig         `mapstructure:"venues"`
	Algo    algo.Config           `mapstructure:"algo"`
	Tracker tracker.Config        `mapstructure:"tracker"`
	Market  marketdata.Config     `mapstructure:"market"`
	NATS    NATSConfig            `mapstructure:"nats"`
	Redis   RedisConfig           `mapstructure:"redis"`
	Vault   VaultConfig           `mapstructure:"vault"`
	Audit   AuditConfig           `mapstructure:"audit"`
	Stream  stream.Config         `mapstructure:"stream"`
	Metrics MetricsConfig         `mapstructure:"metrics"`
	Logging monitor.LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RoutingConfig struct {
	Rules []router.SmartRoutingConfig `mapstructure:"rules"`
}

// VenueConfig seeds one venue: its starting profile, wire schema and adapter
type VenueConfig struct {
	ID             string             `mapstructure:"id"`
	Name           string             `mapstructure:"name"`
	Family         venue.Family       `mapstructure:"family"`
	Adapter        string             `mapstructure:"adapter"`
	Capacity       int                `mapstructure:"capacity"`
	CostBps        float64            `mapstructure:"cost_bps"`
	Latency        time.Duration      `mapstructure:"latency"`
	SuccessRate    float64            `mapstructure:"success_rate"`
	FillRate       float64            `mapstructure:"fill_rate"`
	Status         venue.Status       `mapstructure:"status"`
	Specialization []types.AssetClass `mapstructure:"specialization"`
	Schema         SchemaConfig       `mapstructure:"schema"`
	Price          decimal.Decimal    `mapstructure:"price"` // Fill price of a mock venue
	Binance        BinanceConfig      `mapstructure:"binance"`
}

// SchemaConfig overrides the venue's base wire schema. Zero values keep the base.
type SchemaConfig struct {
	Version        string          `mapstructure:"version"`
	SymbolPrefix   string          `mapstructure:"symbol_prefix"`
	SymbolSuffix   string          `mapstructure:"symbol_suffix"`
	TickSize       decimal.Decimal `mapstructure:"tick_size"`
	LotSize        int64           `mapstructure:"lot_size"`
	FreezeQuantity int64           `mapstructure:"freeze_quantity"`
	CircuitBandPct float64         `mapstructure:"circuit_band_pct"`
}

type BinanceConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	RateLimit int    `mapstructure:"rate_limit"`
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type NATSConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	nats.Config `mapstructure:",squash"`
}

type RedisConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	archive.Config `mapstructure:",squash"`
}

type VaultConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	vault.Config `mapstructure:",squash"`
}

type AuditConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	audit.Config `mapstructure:",squash"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Profile is the starting profile of the venue
func (v VenueConfig) Profile() venue.Profile {
	name := v.Name
	if name == "" {
		name = v.ID
	}
	family := v.Family
	if family == "" {
		family = venue.FamilyGeneric
		if v.Adapter == AdapterBinance {
			family = venue.FamilyBinance
		}
	}
	status := v.Status
	if status == "" {
		status = venue.StatusOnline
	}
	return venue.Profile{
		ID:             v.ID,
		Name:           name,
		Family:         family,
		Capacity:       v.Capacity,
		MeanLatency:    v.Latency,
		PeakLatency:    v.Latency,
		SuccessRate:    v.SuccessRate,
		FillRate:       v.FillRate,
		CostBps:        v.CostBps,
		Status:         status,
		Specialization: v.Specialization,
	}
}

// TranslatorSchema is the adapter's base schema with the overrides applied
func (v VenueConfig) TranslatorSchema() translator.Schema {
	var s translator.Schema
	if v.Adapter == AdapterBinance {
		tick := v.Schema.TickSize
		if tick.IsZero() {
			tick = decimal.RequireFromString("0.01")
		}
		s = binance.Schema(v.ID, tick)
	} else {
		s = translator.DefaultSchema(v.ID)
	}

	o := v.Schema
	if o.Version != "" {
		s.Version = o.Version
	}
	if o.SymbolPrefix != "" {
		s.SymbolPrefix = o.SymbolPrefix
	}
	if o.SymbolSuffix != "" {
		s.SymbolSuffix = o.SymbolSuffix
	}
	if o.TickSize.IsPositive() {
		s.TickSize = o.TickSize
	}
	if o.LotSize > 0 {
		s.LotSize = o.LotSize
	}
	if o.FreezeQuantity > 0 {
		s.FreezeQuantity = o.FreezeQuantity
	}
	if o.CircuitBandPct > 0 {
		s.CircuitBandPct = o.CircuitBandPct
	}
	return s
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var err error

	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr must not be empty"))
	}

	e := c.Engine
	if e.AckTimeout <= 0 {
		err = multierr.Append(err, errors.New("engine.ack_timeout must be positive"))
	}
	if e.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("engine.max_retries must not be negative"))
	}
	if e.RetryBackoff <= 0 || e.MaxBackoff <= 0 {
		err = multierr.Append(err, errors.New("engine.retry_backoff and engine.max_backoff must be positive"))
	}
	if e.RetryBackoff > e.MaxBackoff {
		err = multierr.Append(err, errors.New("engine.retry_backoff must not exceed engine.max_backoff"))
	}
	if e.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("engine.poll_interval must be positive"))
	}
	if e.Workers <= 0 {
		err = multierr.Append(err, errors.New("engine.workers must be positive"))
	}

	if c.Router.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("router.max_attempts must be positive"))
	}
	for i, rule := range c.Routing.Rules {
		if rerr := rule.Validate(); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("routing.rules[%d]: %w", i, rerr))
		}
	}

	err = multierr.Append(err, c.validateVenues())

	if c.Algo.MaxConsecutiveFailures <= 0 {
		err = multierr.Append(err, errors.New("algo.max_consecutive_failures must be positive"))
	}
	if c.Tracker.Alpha <= 0 || c.Tracker.Alpha > 1 {
		err = multierr.Append(err, errors.New("tracker.alpha must be in (0,1]"))
	}

	if c.Market.Window < 0 || c.Market.MaxAge < 0 {
		err = multierr.Append(err, errors.New("market.window and market.max_age must not be negative"))
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		err = multierr.Append(err, errors.New("nats.url must not be empty"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		err = multierr.Append(err, errors.New("redis.addr must not be empty"))
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		err = multierr.Append(err, errors.New("audit.dir must not be empty"))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		err = multierr.Append(err, errors.New("metrics.path must start with /"))
	}
	if _, lerr := logrus.ParseLevel(c.Logging.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("logging.level: %w", lerr))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	return err
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return errors.New("venues: at least one venue is required")
	}

	var err error
	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		prefix := fmt.Sprintf("venues[%d]", i)
		if v.ID == "" {
			err = multierr.Append(err, fmt.Errorf("%s.id must not be empty", prefix))
		} else if seen[v.ID] {
			err = multierr.Append(err, fmt.Errorf("%s.id %q is duplicated", prefix, v.ID))
		}
		seen[v.ID] = true

		switch v.Adapter {
		case AdapterMock, AdapterBinance:
		default:
			err = multierr.Append(err, fmt.Errorf("%s.adapter must be %s or %s, got %q", prefix, AdapterMock, AdapterBinance, v.Adapter))
		}
		if v.Capacity <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s.capacity must be positive", prefix))
		}
		if v.CostBps < 0 || v.Latency < 0 {
			err = multierr.Append(err, fmt.Errorf("%s cost and latency must not be negative", prefix))
		}
		if v.SuccessRate < 0 || v.SuccessRate > 100 || v.FillRate < 0 || v.FillRate > 100 {
			err = multierr.Append(err, fmt.Errorf("%s rates must be in [0,100]", prefix))
		}
		switch v.Status {
		case "", venue.StatusOnline, venue.StatusDegraded, venue.StatusOffline, venue.StatusMaintenance:
		default:
			err = multierr.Append(err, fmt.Errorf("%s.status %q is unknown", prefix, v.Status))
		}
		if v.Schema.TickSize.IsNegative() {
			err = multierr.Append(err, fmt.Errorf("%s.schema.tick_size must not be negative", prefix))
		}
		if v.Adapter == AdapterMock && !v.Price.IsPositive() {
			err = multierr.Append(err, fmt.Errorf("%s.price must be positive for a mock venue", prefix))
		}
	}
	return err
}
