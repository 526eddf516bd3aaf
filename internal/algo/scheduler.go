package algo

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/pkg/types"
)

// Slice is one child order of an algo parent
type Slice struct {
	ID      string               `json:"id"`
	AlgoID  string               `json:"algo_id"`
	Seq     int                  `json:"seq"`
	Order   types.CanonicalOrder `json:"order"`
	Resting bool                 `json:"resting"` // Left working at the venue instead of filled immediately
}

// SliceResult reports the cumulative execution of a slice
type SliceResult struct {
	VenueID      string          `json:"venue_id"`
	VenueOrderID string          `json:"venue_order_id"`
	Filled       int64           `json:"filled"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Final        bool            `json:"final"`
}

// SliceSender executes slices. The engine implements it by routing each slice.
type SliceSender interface {
	SendSlice(ctx context.Context, s Slice) (SliceResult, error)
	SliceStatus(ctx context.Context, s Slice) (SliceResult, error)
	CancelSlice(ctx context.Context, s Slice) error
}

// VolumeSource reports traded market volume
type VolumeSource interface {
	VolumeSince(ctx context.Context, symbol string, since time.Time) (int64, error)
}

// ImpactEstimator projects the market impact of trading qty against volume
type ImpactEstimator interface {
	ImpactBps(qty, volume int64) float64
}

// Config tunes the scheduler
type Config struct {
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	IcebergPoll            time.Duration `mapstructure:"iceberg_poll"`
	POVInterval            time.Duration `mapstructure:"pov_interval"`
	ImpactCoefficient      float64       `mapstructure:"impact_coefficient"`
}

// DefaultConfig returns the scheduler defaults
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 5,
		IcebergPoll:            5 * time.Second,
		POVInterval:            time.Minute,
		ImpactCoefficient:      100,
	}
}

// Option customizes a scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRandSource makes slice jitter reproducible
func WithRandSource(src rand.Source) Option {
	return func(s *Scheduler) { s.rnd = rand.New(src) }
}

// WithImpactEstimator replaces the square root impact model
func WithImpactEstimator(e ImpactEstimator) Option {
	return func(s *Scheduler) { s.impact = e }
}

// Scheduler runs one tick loop per algo order
type Scheduler struct {
	sender    SliceSender
	volumes   VolumeSource
	impact    ImpactEstimator
	publisher events.Publisher
	clock     Clock
	config    Config

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu      sync.RWMutex
	handles map[string]*Handle

	logger *logrus.Entry
}

// NewScheduler creates a scheduler
func NewScheduler(sender SliceSender, volumes VolumeSource, publisher events.Publisher, config Config, logger *logrus.Entry, opts ...Option) *Scheduler {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	def := DefaultConfig()
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if config.IcebergPoll <= 0 {
		config.IcebergPoll = def.IcebergPoll
	}
	if config.POVInterval <= 0 {
		config.POVInterval = def.POVInterval
	}
	if config.ImpactCoefficient <= 0 {
		config.ImpactCoefficient = def.ImpactCoefficient
	}
	s := &Scheduler{
		sender:    sender,
		volumes:   volumes,
		publisher: publisher,
		clock:     SystemClock{},
		config:    config,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		handles:   make(map[string]*Handle),
		logger:    logger.WithField("component", "scheduler"),
	}
	s.impact = SquareRootImpact{Coefficient: config.ImpactCoefficient}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins working the order in its own goroutine
func (s *Scheduler) Start(ctx context.Context, order *AlgoOrder) (*Handle, error) {
	if order == nil {
		return nil, fmt.Errorf("%w: nil algo order", types.ErrInvalidOrder)
	}
	if order.Status().Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlgoFinished, order.ID)
	}
	strat, err := s.strategy(order)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		order:  order,
		sched:  s,
		strat:  strat,
		cancel: make(chan struct{}, 1),
		done:   make(chan struct{}),
		log: s.logger.WithFields(logrus.Fields{
			"algo_id":   order.ID,
			"parent_id": order.Parent.ID,
			"algorithm": order.Params.Kind,
		}),
	}
	s.mu.Lock()
	if _, ok := s.handles[order.ID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("algo order %s already running", order.ID)
	}
	s.handles[order.ID] = h
	s.mu.Unlock()

	order.start(s.clock.Now())
	ticker := s.clock.NewTicker(strat.cadence())
	h.log.WithFields(logrus.Fields{
		"total":   order.Parent.Quantity,
		"cadence": strat.cadence(),
	}).Info("Algo order started")
	h.progress()

	go h.run(ctx, ticker)
	return h, nil
}

// Handle returns the running handle for an algo order
func (s *Scheduler) Handle(algoID string) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[algoID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlgoNotFound, algoID)
	}
	return h, nil
}

// Active snapshots every running algo order
func (s *Scheduler) Active() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h.order.Snapshot())
	}
	return out
}

// Helper methods

func (s *Scheduler) strategy(order *AlgoOrder) (strategy, error) {
	p := order.Params
	switch p.Kind {
	case types.AlgoTWAP:
		return newTWAP(*p.TWAP, s.int63n), nil
	case types.AlgoVWAP:
		if s.volumes == nil {
			return nil, fmt.Errorf("vwap needs a volume source")
		}
		return &vwap{p: *p.VWAP, volumes: s.volumes, since: s.clock.Now()}, nil
	case types.AlgoIceberg:
		every := s.config.IcebergPoll
		if p.Iceberg.PollSeconds > 0 {
			every = time.Duration(p.Iceberg.PollSeconds) * time.Second
		}
		return &iceberg{p: *p.Iceberg, every: every, rand: s.int63n}, nil
	case types.AlgoPOV:
		if s.volumes == nil {
			return nil, fmt.Errorf("pov needs a volume source")
		}
		every := s.config.POVInterval
		if p.POV.IntervalSeconds > 0 {
			every = time.Duration(p.POV.IntervalSeconds) * time.Second
		}
		return &pov{p: *p.POV, every: every, volumes: s.volumes, impact: s.impact, since: s.clock.Now()}, nil
	default:
		return nil, fmt.Errorf("unknown algo kind %q", p.Kind)
	}
}

func (s *Scheduler) int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.Int63n(n)
}

func (s *Scheduler) remove(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}
