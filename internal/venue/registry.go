package venue

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/pkg/types"
)

// DefaultAlpha is the EMA decay used when an outcome carries none
const DefaultAlpha = 0.1

// Observer is notified with a copy of a profile after every change
type Observer func(Profile)

// entry owns one venue. Its mutex is the per-venue owner lock.
type entry struct {
	mu      sync.Mutex
	profile Profile
}

// Registry holds live venue profiles. Mutations to one venue are serialized
// by that venue's lock; different venues update in parallel.
type Registry struct {
	mu        sync.RWMutex
	venues    map[string]*entry
	observers []Observer
	now       func() time.Time
	logger    *logrus.Entry
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logrus.Entry) *Registry {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Registry{
		venues: make(map[string]*entry),
		now:    time.Now,
		logger: logger.WithField("component", "venue_registry"),
	}
}

// Observe registers a change observer
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Register seeds a venue
func (r *Registry) Register(p Profile) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty venue id", ErrInvalidVenueUpdate)
	}
	if p.Status == "" {
		p.Status = StatusOnline
	}
	if p.CurrentLoad < 0 {
		p.CurrentLoad = 0
	}
	p.SuccessRate = clampRate(p.SuccessRate)
	p.FillRate = clampRate(p.FillRate)
	p.RejectRate = clampRate(p.RejectRate)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = r.now()
	}

	r.mu.Lock()
	if _, ok := r.venues[p.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrVenueExists, p.ID)
	}
	r.venues[p.ID] = &entry{profile: p.clone()}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"venue":    p.ID,
		"capacity": p.Capacity,
		"status":   p.Status,
	}).Info("Venue registered")
	r.notify(p)
	return nil
}

// Get returns a copy of the venue profile
func (r *Registry) Get(id string) (Profile, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Profile{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile.clone(), nil
}

// List returns copies of the matching venues sorted by id
func (r *Registry) List(f Filter) []Profile {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.venues))
	for _, e := range r.venues {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Profile, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		p := e.profile.clone()
		e.mu.Unlock()
		if f.match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies a delta under the venue's owner lock and returns the new profile
func (r *Registry) Update(id string, d Delta) (Profile, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Profile{}, err
	}

	e.mu.Lock()
	p := &e.profile
	if d.Capacity != nil {
		if *d.Capacity < 0 {
			e.mu.Unlock()
			return Profile{}, fmt.Errorf("%w: negative capacity", ErrInvalidVenueUpdate)
		}
		p.Capacity = *d.Capacity
	}
	p.CurrentLoad += d.LoadChange
	if p.CurrentLoad < 0 {
		p.CurrentLoad = 0
	}
	if d.Status != nil {
		p.Status = *d.Status
	}
	if d.CostBps != nil && *d.CostBps >= 0 {
		p.CostBps = *d.CostBps
	}
	if d.LatencySample != nil {
		foldLatency(p, *d.LatencySample, DefaultAlpha)
	}
	if d.Outcome != nil {
		foldOutcome(p, *d.Outcome)
	}
	if d.ErrorKind != "" {
		if p.ErrorCounts == nil {
			p.ErrorCounts = make(map[types.ErrorKind]int64)
		}
		p.ErrorCounts[d.ErrorKind]++
	}
	p.UpdatedAt = r.now()
	out := p.clone()
	e.mu.Unlock()

	r.notify(out)
	return out, nil
}

// Reserve takes one unit of load on the venue
func (r *Registry) Reserve(id string) (Profile, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Profile{}, err
	}

	e.mu.Lock()
	if e.profile.CurrentLoad >= e.profile.Capacity {
		e.mu.Unlock()
		return Profile{}, fmt.Errorf("%w: %s", ErrCapacityExhausted, id)
	}
	e.profile.CurrentLoad++
	e.profile.UpdatedAt = r.now()
	out := e.profile.clone()
	e.mu.Unlock()

	r.notify(out)
	return out, nil
}

// Release gives back one unit of load
func (r *Registry) Release(id string) (Profile, error) {
	return r.Update(id, Delta{LoadChange: -1})
}

// Consume applies metric updates from the feed until ctx ends or the channel closes
func (r *Registry) Consume(ctx context.Context, updates <-chan MetricUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if _, err := r.Update(u.VenueID, u.Delta()); err != nil {
				r.logger.WithError(err).WithField("venue", u.VenueID).Warn("Dropping venue metric update")
			}
		}
	}
}

// Helper methods

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.venues[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVenueNotFound, id)
	}
	return e, nil
}

func (r *Registry) notify(p Profile) {
	r.mu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	for _, o := range observers {
		o(p)
	}
}

func foldLatency(p *Profile, sample time.Duration, alpha float64) {
	if sample < 0 {
		sample = 0
	}
	if p.MeanLatency == 0 {
		p.MeanLatency = sample
	} else {
		p.MeanLatency = time.Duration(ema(float64(p.MeanLatency), float64(sample), alpha))
	}
	if sample > p.PeakLatency {
		p.PeakLatency = sample
	}
}

func foldOutcome(p *Profile, o Outcome) {
	alpha := o.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	if o.Latency > 0 {
		foldLatency(p, o.Latency, alpha)
	}
	p.SuccessRate = clampRate(ema(p.SuccessRate, pct(o.Success), alpha))
	p.FillRate = clampRate(ema(p.FillRate, pct(o.Filled), alpha))
	p.RejectRate = clampRate(ema(p.RejectRate, pct(o.Rejected), alpha))
	if o.Filled {
		p.AvgSlippageBps = ema(p.AvgSlippageBps, o.SlippageBps, alpha)
	}
}

func ema(prev, sample, alpha float64) float64 {
	return (1-alpha)*prev + alpha*sample
}

func pct(b bool) float64 {
	if b {
		return 100
	}
	return 0
}

func clampRate(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
