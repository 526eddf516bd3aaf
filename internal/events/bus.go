package events

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type names an event emitted for the presentation layer
type Type string

const (
	DecisionTransition Type = "decision.transition"
	TranslationDone    Type = "translation.done"
	AlgoProgress       Type = "algo.progress"
	AlgoTerminated     Type = "algo.terminated"
	FailureRecorded    Type = "failure.recorded"
	FailureUpdated     Type = "failure.updated"
	FailureArchived    Type = "failure.archived"
	MetricFinalized    Type = "metric.finalized"
	VenueUpdated       Type = "venue.updated"
)

// Event is one discrete state change
type Event struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	OrderID   string      `json:"order_id,omitempty"`
	VenueID   string      `json:"venue_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// New stamps an event with an id and time
func New(t Type, orderID, venueID string, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		OrderID:   orderID,
		VenueID:   venueID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

// Nop drops every event
type Nop struct{}

func (Nop) Publish(Event) {}

// Sink consumes events delivered by the bus
type Sink interface {
	Handle(ctx context.Context, e Event) error
}

type subscriber struct {
	ch    chan Event
	types map[Type]bool
}

func (s *subscriber) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers. A full subscriber drops the event
// rather than stall the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Int64
	wg      sync.WaitGroup
	logger  *logrus.Entry
}

// NewBus creates an empty bus
func NewBus(logger *logrus.Entry) *Bus {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Bus{
		subs:   make(map[*subscriber]struct{}),
		logger: logger.WithField("component", "event_bus"),
	}
}

// Publish delivers the event to every interested subscriber without blocking.
// Events from one goroutine reach each subscriber in publish order.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.WithFields(logrus.Fields{
				"type":     e.Type,
				"order_id": e.OrderID,
			}).Warn("Subscriber full, event dropped")
		}
	}
}

// Subscribe returns a channel of events of the given types (all when empty)
// and a function that ends the subscription.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Attach runs sink on its own subscription until ctx ends
func (b *Bus) Attach(ctx context.Context, name string, sink Sink, buffer int, types ...Type) {
	ch, cancel := b.Subscribe(buffer, types...)
	log := b.logger.WithField("sink", name)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if err := sink.Handle(ctx, e); err != nil {
					log.WithError(err).WithField("type", e.Type).Warn("Sink failed to handle event")
				}
			}
		}
	}()
}

// Wait blocks until every attached sink has stopped
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Dropped counts events lost to full subscribers
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
