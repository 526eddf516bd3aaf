package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/mExOms/routex/internal/algo"
	"github.com/mExOms/routex/internal/engine"
	"github.com/mExOms/routex/internal/marketdata"
	"github.com/mExOms/routex/internal/router"
	archive "github.com/mExOms/routex/internal/storage"
	"github.com/mExOms/routex/internal/stream"
	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/pkg/nats"
	audit "github.com/mExOms/routex/pkg/storage"
)

const envPrefix = "routex"

// Load reads the YAML file at path, applies ROUTEX_* environment overrides
// and defaults, and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file %q not found: %w", path, err)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	e := engine.DefaultConfig()
	v.SetDefault("engine.ack_timeout", e.AckTimeout)
	v.SetDefault("engine.max_retries", e.MaxRetries)
	v.SetDefault("engine.retry_backoff", e.RetryBackoff)
	v.SetDefault("engine.max_backoff", e.MaxBackoff)
	v.SetDefault("engine.poll_interval", e.PollInterval)
	v.SetDefault("engine.workers", e.Workers)
	v.SetDefault("engine.retention", e.Retention)

	r := router.DefaultConfig()
	v.SetDefault("router.max_attempts", r.MaxAttempts)
	v.SetDefault("router.preference_bonus", r.PreferenceBonus)
	v.SetDefault("router.ceilings.latency", r.Ceilings.Latency)
	v.SetDefault("router.ceilings.cost_bps", r.Ceilings.CostBps)
	v.SetDefault("router.ceilings.success_rate", r.Ceilings.SuccessRate)

	a := algo.DefaultConfig()
	v.SetDefault("algo.max_consecutive_failures", a.MaxConsecutiveFailures)
	v.SetDefault("algo.iceberg_poll", a.IcebergPoll)
	v.SetDefault("algo.pov_interval", a.POVInterval)
	v.SetDefault("algo.impact_coefficient", a.ImpactCoefficient)

	t := tracker.DefaultConfig()
	v.SetDefault("tracker.alpha", t.Alpha)
	v.SetDefault("tracker.retention", t.Retention)

	m := marketdata.DefaultConfig()
	v.SetDefault("market.window", m.Window)
	v.SetDefault("market.max_age", m.MaxAge)

	n := nats.DefaultConfig()
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", n.URL)
	v.SetDefault("nats.client_id", n.ClientID)
	v.SetDefault("nats.reconnect_wait", n.ReconnectWait)
	streams := make([]map[string]interface{}, 0, len(n.Streams))
	for _, s := range n.Streams {
		streams = append(streams, map[string]interface{}{
			"name":      s.Name,
			"subjects":  s.Subjects,
			"retention": s.Retention,
			"max_age":   s.MaxAge,
			"max_msgs":  s.MaxMsgs,
		})
	}
	v.SetDefault("nats.streams", streams)

	rd := archive.DefaultConfig()
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", rd.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", rd.DB)
	v.SetDefault("redis.key_prefix", rd.KeyPrefix)
	v.SetDefault("redis.ttl", rd.TTL)

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.mount", "secret")

	au := audit.DefaultConfig()
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.dir", au.Dir)
	v.SetDefault("audit.flush_interval", au.FlushInterval)
	v.SetDefault("audit.buffer_size", au.BufferSize)
	v.SetDefault("audit.retention_days", au.RetentionDays)
	v.SetDefault("audit.compress_days", au.CompressDays)

	s := stream.DefaultConfig()
	v.SetDefault("stream.send_buffer", s.SendBuffer)
	v.SetDefault("stream.write_timeout", s.WriteTimeout)
	v.SetDefault("stream.ping_interval", s.PingInterval)
	v.SetDefault("stream.allow_origins", []string{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc decodes strings and numbers into decimal.Decimal
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}
