package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/translator"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/types"
)

var (
	ErrNoEligibleVenue   = errors.New("no eligible venue")
	ErrRoutingExhausted  = errors.New("routing attempts exhausted")
	ErrInvalidTransition = errors.New("invalid decision transition")
	ErrCancelNotAllowed  = errors.New("cancel not allowed while executing")
	ErrDecisionNotFound  = errors.New("decision not found")
	ErrDecisionCancelled = errors.New("decision cancelled while routing")
)

// Venues is the part of the venue registry the router needs
type Venues interface {
	List(f venue.Filter) []venue.Profile
	Reserve(id string) (venue.Profile, error)
	Release(id string) (venue.Profile, error)
}

// Translator converts orders for a venue
type Translator interface {
	Translate(order *types.CanonicalOrder, venueID string) *translator.TranslatedOrder
	Schema(venueID string) (translator.Schema, bool)
}

// Config tunes the router
type Config struct {
	MaxAttempts     int      `mapstructure:"max_attempts"`
	Ceilings        Ceilings `mapstructure:"ceilings"`
	PreferenceBonus float64  `mapstructure:"preference_bonus"` // Points per rank from the end of BrokerPreferences
}

// DefaultConfig returns three attempts, the default ceilings and a 2 point preference bonus
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Ceilings: DefaultCeilings, PreferenceBonus: 2}
}

// Router scores venues and produces routing decisions
type Router struct {
	venues     Venues
	translator Translator
	publisher  events.Publisher
	stats      *PerformanceTracker
	config     Config

	mu          sync.RWMutex
	rules       []SmartRoutingConfig
	attribution Attribution
	decisions   map[string]*Decision // decision id
	byOrder     map[string]string    // order id -> latest decision id

	now    func() time.Time
	logger *logrus.Entry
}

// NewRouter creates a router over an injected venue registry and translator
func NewRouter(venues Venues, tr Translator, publisher events.Publisher, config Config, logger *logrus.Entry) *Router {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Ceilings.Latency <= 0 {
		config.Ceilings.Latency = DefaultCeilings.Latency
	}
	if config.Ceilings.CostBps <= 0 {
		config.Ceilings.CostBps = DefaultCeilings.CostBps
	}
	if config.Ceilings.SuccessRate <= 0 {
		config.Ceilings.SuccessRate = DefaultCeilings.SuccessRate
	}
	return &Router{
		venues:      venues,
		translator:  tr,
		publisher:   publisher,
		stats:       NewPerformanceTracker(),
		config:      config,
		attribution: DominantTerm,
		decisions:   make(map[string]*Decision),
		byOrder:     make(map[string]string),
		now:         time.Now,
		logger:      logger.WithField("component", "router"),
	}
}

// SetRules installs the routing rules
func (r *Router) SetRules(rules []SmartRoutingConfig) error {
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	sorted := SortRules(rules)
	r.mu.Lock()
	r.rules = sorted
	r.mu.Unlock()
	return nil
}

// SetAttribution replaces the reason attribution rule
func (r *Router) SetAttribution(a Attribution) {
	if a == nil {
		a = DominantTerm
	}
	r.mu.Lock()
	r.attribution = a
	r.mu.Unlock()
}

// Stats returns the routing performance tracker
func (r *Router) Stats() *PerformanceTracker {
	return r.stats
}

// Route selects a venue for the order and translates it
func (r *Router) Route(ctx context.Context, order *types.CanonicalOrder) (*Decision, error) {
	return r.RouteExcluding(ctx, order)
}

// RouteExcluding routes while never considering the excluded venues
func (r *Router) RouteExcluding(ctx context.Context, order *types.CanonicalOrder, exclude ...string) (*Decision, error) {
	if order == nil {
		return nil, fmt.Errorf("%w: nil order", types.ErrInvalidOrder)
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	d := newDecision(uuid.NewString(), order.ID, r.publisher, r.now)
	r.mu.Lock()
	r.decisions[d.ID] = d
	r.byOrder[order.ID] = d.ID
	r.mu.Unlock()

	rule := r.matchRule(order)
	cands := r.candidates(order, rule, exclude)
	d.mu.Lock()
	d.Candidates = cands
	d.mu.Unlock()

	log := r.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"decision_id": d.ID,
		"symbol":      order.Symbol,
	})

	if len(cands) == 0 {
		_ = d.Fail(ErrNoEligibleVenue.Error())
		r.stats.RecordFailure()
		log.Warn("No eligible venue")
		return d, fmt.Errorf("%w for order %s", ErrNoEligibleVenue, order.ID)
	}

	// a pinned eligible venue goes first; an ineligible pin falls back to ranking
	pinned := order.Venue != ""
	pinnedFirst := pinned && cands[0].Venue.ID == order.Venue

	attempts := 0
	for i, c := range cands {
		if attempts >= r.config.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			_ = d.Fail(err.Error())
			r.stats.RecordFailure()
			return d, err
		}
		if d.Status() == StatusCancelled {
			return d, fmt.Errorf("%w: %s", ErrDecisionCancelled, d.ID)
		}

		if _, err := r.venues.Reserve(c.Venue.ID); err != nil {
			d.addAttempt(Attempt{VenueID: c.Venue.ID, Errors: []string{err.Error()}})
			log.WithError(err).WithField("venue", c.Venue.ID).Debug("Venue reservation failed")
			continue
		}
		attempts++

		t := r.translator.Translate(order, c.Venue.ID)
		d.addAttempt(Attempt{VenueID: c.Venue.ID, Status: t.Status, Errors: t.Errors})
		r.publisher.Publish(events.New(events.TranslationDone, order.ID, c.Venue.ID, t))
		if !t.OK() {
			_, _ = r.venues.Release(c.Venue.ID)
			log.WithFields(logrus.Fields{"venue": c.Venue.ID, "errors": t.Errors}).Info("Translation failed, trying next venue")
			continue
		}

		reason := r.reason(cands, i, pinned, pinnedFirst)
		if err := d.markRouted(c, reason, t); err != nil {
			// cancelled between the check and now
			_, _ = r.venues.Release(c.Venue.ID)
			return d, fmt.Errorf("%w: %s", ErrDecisionCancelled, d.ID)
		}
		r.stats.RecordRouting(c.Venue.ID, reason, c.Score)
		log.WithFields(logrus.Fields{
			"venue":      c.Venue.ID,
			"reason":     reason,
			"score":      fmt.Sprintf("%.2f", c.Score),
			"candidates": joinIDs(cands),
		}).Info("Order routed")
		return d, nil
	}

	_ = d.Fail(ErrRoutingExhausted.Error())
	r.stats.RecordFailure()
	log.WithField("attempts", attempts).Warn("Routing exhausted")
	return d, fmt.Errorf("%w for order %s", ErrRoutingExhausted, order.ID)
}

// Decision returns a decision by id
func (r *Router) Decision(id string) (*Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decisions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	return d, nil
}

// DecisionForOrder returns the latest decision made for an order
func (r *Router) DecisionForOrder(orderID string) (*Decision, error) {
	r.mu.RLock()
	id, ok := r.byOrder[orderID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrDecisionNotFound, orderID)
	}
	return r.Decision(id)
}

// Cancel cancels a decision that has not started executing
func (r *Router) Cancel(decisionID string) error {
	d, err := r.Decision(decisionID)
	if err != nil {
		return err
	}
	prev := d.Status()
	if err := d.Cancel(); err != nil {
		return err
	}
	if prev == StatusRouted {
		_, _ = r.venues.Release(d.VenueID)
	}
	return nil
}

// Forget drops a terminal decision from the index
func (r *Router) Forget(decisionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.decisions[decisionID]
	if !ok || !d.Status().Terminal() {
		return
	}
	delete(r.decisions, decisionID)
	if r.byOrder[d.OrderID] == decisionID {
		delete(r.byOrder, d.OrderID)
	}
}

// Candidates returns the ranked eligible venues for an order without routing it
func (r *Router) Candidates(order *types.CanonicalOrder, exclude ...string) []Candidate {
	return r.candidates(order, r.matchRule(order), exclude)
}

// Helper methods

func (r *Router) matchRule(order *types.CanonicalOrder) *SmartRoutingConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	for i := range r.rules {
		if r.rules[i].Matches(order, now) {
			rule := r.rules[i]
			return &rule
		}
	}
	return nil
}

func (r *Router) candidates(order *types.CanonicalOrder, rule *SmartRoutingConfig, exclude []string) []Candidate {
	weights := DefaultWeights
	var bonus map[string]float64
	if rule != nil {
		weights = rule.Weights()
		bonus = make(map[string]float64, len(rule.BrokerPreferences))
		for i, id := range rule.BrokerPreferences {
			bonus[id] = float64(len(rule.BrokerPreferences)-i) * r.config.PreferenceBonus
		}
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var out []Candidate
	for _, p := range r.venues.List(venue.Filter{Statuses: []venue.Status{venue.StatusOnline}}) {
		if excluded[p.ID] || !r.eligible(order, p, rule) {
			continue
		}
		score, b := Score(p, weights, r.config.Ceilings, bonus[p.ID])
		out = append(out, Candidate{Venue: p, Score: score, Breakdown: b})
	}
	rank(out)

	if order.Venue != "" {
		for i, c := range out {
			if c.Venue.ID == order.Venue {
				pinned := append([]Candidate{c}, out[:i]...)
				out = append(pinned, out[i+1:]...)
				break
			}
		}
	}
	return out
}

func (r *Router) eligible(order *types.CanonicalOrder, p venue.Profile, rule *SmartRoutingConfig) bool {
	if p.Status != venue.StatusOnline {
		return false
	}
	if !p.Handles(order.AssetClass) || p.LoadRatio() >= 1 {
		return false
	}
	if rule != nil {
		if rule.MaxLatency > 0 && p.MeanLatency > rule.MaxLatency {
			return false
		}
		if rule.MaxSlippage > 0 && p.AvgSlippageBps > rule.MaxSlippage {
			return false
		}
	}
	if schema, ok := r.translator.Schema(p.ID); ok {
		if !schema.WithinFreeze(order.Quantity) {
			return false
		}
		if order.Price.IsPositive() && !schema.WithinBand(schema.RoundPrice(order.Price), order.ReferencePrice) {
			return false
		}
	}
	return true
}

func (r *Router) reason(cands []Candidate, used int, pinned, pinnedFirst bool) Reason {
	switch {
	case pinnedFirst && used == 0:
		return ReasonManual
	case pinned || used > 0:
		return ReasonFallback
	}
	r.mu.RLock()
	attr := r.attribution
	r.mu.RUnlock()
	return attr(cands)
}

func joinIDs(cands []Candidate) string {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.Venue.ID
	}
	return strings.Join(ids, ",")
}
