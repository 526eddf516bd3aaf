package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/recovery"
)

// Config holds the Redis connection of the failure archive
type Config struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// DefaultConfig returns a local Redis with a week of retention
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		KeyPrefix: "routex",
		TTL:       7 * 24 * time.Hour,
	}
}

// RedisArchive keeps closed failure records in Redis. Each record is a JSON
// string under <prefix>:failure:<order>; a sorted set orders them by update
// time.
type RedisArchive struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logrus.Entry
}

// NewRedisArchive connects and pings the server
func NewRedisArchive(ctx context.Context, config Config, logger *logrus.Entry) (*RedisArchive, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}
	return NewRedisArchiveWithClient(client, config, logger), nil
}

// NewRedisArchiveWithClient wraps an existing client
func NewRedisArchiveWithClient(client *redis.Client, config Config, logger *logrus.Entry) *RedisArchive {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &RedisArchive{
		client: client,
		prefix: config.KeyPrefix,
		ttl:    config.TTL,
		logger: logger.WithField("component", "failure_archive"),
	}
}

// Put stores a record, replacing any earlier record of the same order
func (a *RedisArchive) Put(ctx context.Context, rec recovery.FailureRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record %s: %w", rec.ID, err)
	}
	ts := rec.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = a.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, a.recordKey(rec.OrderID), data, a.ttl)
		p.ZAdd(ctx, a.indexKey(), redis.Z{Score: float64(ts.UnixNano()), Member: rec.OrderID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive failure record of %s: %w", rec.OrderID, err)
	}
	a.logger.WithFields(logrus.Fields{
		"order_id":   rec.OrderID,
		"resolution": rec.Resolution,
	}).Debug("Failure record archived")
	return nil
}

// Get loads the archived record of an order
func (a *RedisArchive) Get(ctx context.Context, orderID string) (recovery.FailureRecord, error) {
	data, err := a.client.Get(ctx, a.recordKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return recovery.FailureRecord{}, fmt.Errorf("%w: %s", recovery.ErrRecordNotFound, orderID)
	}
	if err != nil {
		return recovery.FailureRecord{}, fmt.Errorf("failed to load failure record of %s: %w", orderID, err)
	}
	var rec recovery.FailureRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return recovery.FailureRecord{}, fmt.Errorf("failed to decode failure record of %s: %w", orderID, err)
	}
	return rec, nil
}

// List returns archived records oldest first. Expired records are dropped
// from the index on the way.
func (a *RedisArchive) List(ctx context.Context) ([]recovery.FailureRecord, error) {
	ids, err := a.client.ZRange(ctx, a.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failure records: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = a.recordKey(id)
	}
	values, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load failure records: %w", err)
	}

	out := make([]recovery.FailureRecord, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec recovery.FailureRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			a.logger.WithError(err).WithField("order_id", ids[i]).Warn("Skipping undecodable failure record")
			continue
		}
		out = append(out, rec)
	}

	if len(stale) > 0 {
		if err := a.client.ZRem(ctx, a.indexKey(), stale...).Err(); err != nil {
			a.logger.WithError(err).Warn("Failed to drop expired failure records from index")
		}
	}
	return out, nil
}

// Ping checks the Redis connection
func (a *RedisArchive) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (a *RedisArchive) Close() error {
	return a.client.Close()
}

// Helper methods

func (a *RedisArchive) recordKey(orderID string) string {
	return a.prefix + ":failure:" + orderID
}

func (a *RedisArchive) indexKey() string {
	return a.prefix + ":failures"
}
