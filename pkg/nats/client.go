package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/marketdata"
	"github.com/mExOms/routex/internal/venue"
)

// Client wraps a JetStream connection carrying routing events and the
// venue metric feed
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry
	config Config
}

// Config holds NATS configuration
type Config struct {
	URL           string         `mapstructure:"url"`
	ClientID      string         `mapstructure:"client_id"`
	ReconnectWait time.Duration  `mapstructure:"reconnect_wait"`
	Streams       []StreamConfig `mapstructure:"streams"`
}

// StreamConfig defines a JetStream stream
type StreamConfig struct {
	Name      string        `mapstructure:"name"`
	Subjects  []string      `mapstructure:"subjects"`
	Retention string        `mapstructure:"retention"`
	MaxAge    time.Duration `mapstructure:"max_age"`
	MaxMsgs   int64         `mapstructure:"max_msgs"`
}

// DefaultConfig returns a local connection with the routex streams
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		ClientID:      "routex",
		ReconnectWait: time.Second,
		Streams: []StreamConfig{
			{Name: StreamEvents, Subjects: []string{SubjectPrefix + ".events.>"}, Retention: "limits", MaxAge: 24 * time.Hour},
			{Name: StreamVenues, Subjects: []string{SubjectPrefix + ".venues.>"}, Retention: "limits", MaxAge: time.Hour},
		},
	}
}

// NewClient connects and makes sure the configured streams exist
func NewClient(config Config, logger *logrus.Entry) (*Client, error) {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	logger = logger.WithField("component", "nats-client")
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = time.Second
	}

	opts := []nats.Option{
		nats.Name(config.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Errorf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Errorf("NATS error: %v", err)
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &Client{
		conn:   conn,
		js:     js,
		logger: logger,
		config: config,
	}

	if err := client.initializeStreams(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize streams: %w", err)
	}

	return client, nil
}

// initializeStreams creates JetStream streams or updates existing ones
func (c *Client) initializeStreams() error {
	for _, streamConfig := range c.config.Streams {
		retention, err := retentionPolicy(streamConfig.Retention)
		if err != nil {
			return err
		}
		config := &nats.StreamConfig{
			Name:      streamConfig.Name,
			Subjects:  streamConfig.Subjects,
			Retention: retention,
			MaxAge:    streamConfig.MaxAge,
			MaxMsgs:   streamConfig.MaxMsgs,
			Storage:   nats.FileStorage,
			Replicas:  1,
		}
		if config.MaxMsgs == 0 {
			config.MaxMsgs = -1
		}

		if _, err := c.js.StreamInfo(streamConfig.Name); err == nil {
			if _, err = c.js.UpdateStream(config); err != nil {
				return fmt.Errorf("failed to update stream %s: %w", streamConfig.Name, err)
			}
			c.logger.Infof("Updated stream: %s", streamConfig.Name)
		} else {
			if _, err = c.js.AddStream(config); err != nil {
				return fmt.Errorf("failed to create stream %s: %w", streamConfig.Name, err)
			}
			c.logger.Infof("Created stream: %s", streamConfig.Name)
		}
	}

	return nil
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Handle publishes a routing event on its event subject
func (c *Client) Handle(_ context.Context, e events.Event) error {
	return c.publish(EventSubject(e.Type, e.OrderID), e)
}

// PublishVenueMetric publishes one venue metric update
func (c *Client) PublishVenueMetric(u venue.MetricUpdate) error {
	if u.VenueID == "" {
		return ErrMissingVenue
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	return c.publish(VenueMetricsSubject(u.VenueID), u)
}

// VenueMetrics subscribes to the venue metric feed of every venue. The
// channel is closed once ctx ends.
func (c *Client) VenueMetrics(ctx context.Context, buffer int) (<-chan venue.MetricUpdate, error) {
	return feed(ctx, c, AllVenueMetrics, "venue-metrics", buffer, DecodeMetricUpdate)
}

// PublishTick publishes a trade print or quote on the market feed
func (c *Client) PublishTick(t marketdata.Tick) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	return c.publish(MarketSubject(t.VenueID, t.Symbol), t)
}

// MarketTicks subscribes to the market feed of every venue. The channel is
// closed once ctx ends.
func (c *Client) MarketTicks(ctx context.Context, buffer int) (<-chan marketdata.Tick, error) {
	return feed(ctx, c, AllMarketTicks, "market-ticks", buffer, DecodeTick)
}

// Helper methods

// feed decodes a durable subscription onto a channel closed when ctx ends
func feed[T any](ctx context.Context, c *Client, subject, name string, buffer int, decode func(string, []byte) (T, error)) (<-chan T, error) {
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan T, buffer)

	var (
		mu     sync.RWMutex
		closed bool
	)
	sub, err := c.subscribe(subject, durableName(c.config.ClientID, name), func(subj string, data []byte) error {
		v, err := decode(subj, data)
		if err != nil {
			return err
		}
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return nil
		}
		select {
		case out <- v:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			c.logger.WithError(err).WithField("subject", subject).Warn("Subscription not removed")
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// publish publishes a JSON message to a subject
func (c *Client) publish(subject string, data interface{}) error {
	msg, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err = c.js.Publish(subject, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	c.logger.Debugf("Published to %s", subject)
	return nil
}

// subscribe creates a durable subscription that acks every message
func (c *Client) subscribe(subject, durable string, handler MessageHandler) (*Subscription, error) {
	sub, err := c.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			c.logger.Errorf("Handler error for %s: %v", msg.Subject, err)
		}
		if err := msg.Ack(); err != nil {
			c.logger.Debugf("Ack failed for %s: %v", msg.Subject, err)
		}
	}, nats.Durable(durable), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.logger.Infof("Subscribed to %s", subject)

	return &Subscription{
		sub:    sub,
		logger: c.logger,
	}, nil
}

// MessageHandler processes incoming messages
type MessageHandler func(subject string, data []byte) error

// Subscription wraps NATS subscription
type Subscription struct {
	sub    *nats.Subscription
	logger *logrus.Entry
}

// Unsubscribe removes the subscription
func (s *Subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	s.logger.Info("Unsubscribed")
	return nil
}

func retentionPolicy(name string) (nats.RetentionPolicy, error) {
	switch strings.ToLower(name) {
	case "", "limits":
		return nats.LimitsPolicy, nil
	case "interest":
		return nats.InterestPolicy, nil
	case "workqueue":
		return nats.WorkQueuePolicy, nil
	}
	return nats.LimitsPolicy, fmt.Errorf("unknown retention policy %q", name)
}

func durableName(clientID, name string) string {
	if clientID == "" {
		clientID = "routex"
	}
	return token(clientID) + "-" + name
}

// Ping checks the connection by round-tripping to the server
func (c *Client) Ping(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", c.conn.Status())
	}
	return c.conn.FlushWithContext(ctx)
}
