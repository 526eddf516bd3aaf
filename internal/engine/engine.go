package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/algo"
	"github.com/mExOms/routex/internal/recovery"
	"github.com/mExOms/routex/internal/router"
	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/types"
)

var (
	ErrNoAdapter        = errors.New("no adapter for venue")
	ErrRejected         = errors.New("order rejected by venue")
	ErrUnknownOrder     = errors.New("unknown order")
	ErrAlgoOrder        = errors.New("algo orders go through the scheduler")
	ErrNoScheduler      = errors.New("no algo scheduler attached")
	ErrNotWorking       = errors.New("order is not working")
	ErrNotRecoverable   = errors.New("order is not awaiting recovery")
	ErrNoModification   = errors.New("no modification available")
	ErrCannotSplit      = errors.New("quantity too small to split")
	ErrOrderIsTerminal  = errors.New("order already terminal")
	ErrCancelNotAllowed = errors.New("cancel not allowed")
)

// Status is the engine-side state of an order
type Status string

const (
	StatusPending   Status = "pending"
	StatusWorking   Status = "working"
	StatusFilled    Status = "filled"
	StatusPartial   Status = "partially_filled"
	StatusFailed    Status = "failed" // Awaiting a recovery decision
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusReplaced  Status = "replaced" // Superseded by a modification or split
)

// Terminal reports whether the order will not change again
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusPartial, StatusCancelled, StatusRejected, StatusReplaced:
		return true
	}
	return false
}

// Execution is the engine's view of one order
type Execution struct {
	Order        types.CanonicalOrder    `json:"order"`
	DecisionID   string                  `json:"decision_id,omitempty"`
	VenueID      string                  `json:"venue_id,omitempty"`
	VenueOrderID string                  `json:"venue_order_id,omitempty"`
	Status       Status                  `json:"status"`
	Filled       int64                   `json:"filled"`
	AvgPrice     decimal.Decimal         `json:"avg_price"`
	Attempts     int                     `json:"attempts"`
	Failure      *recovery.FailureRecord `json:"failure,omitempty"`
	Replacements []string                `json:"replacements,omitempty"`
	UpdatedAt    time.Time               `json:"updated_at"`

	// CancelRequested is set when Cancel arrives while the order is being
	// routed or sent; the submitting call honours it once the venue answers.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

func (x *Execution) clone() Execution {
	out := *x
	if x.Failure != nil {
		f := *x.Failure
		out.Failure = &f
	}
	out.Replacements = append([]string(nil), x.Replacements...)
	return out
}

// Router selects and translates venues for orders. The router holds the load
// of a routed venue until the tracker takes it over in MarkRouted.
type Router interface {
	RouteExcluding(ctx context.Context, order *types.CanonicalOrder, exclude ...string) (*router.Decision, error)
	Decision(id string) (*router.Decision, error)
	Cancel(decisionID string) error
	Forget(decisionID string)
}

// QuoteSource supplies venue prices for the cross-venue comparison
type QuoteSource interface {
	Quotes(ctx context.Context, symbol string) []tracker.Quote
}

// Config tunes the engine
type Config struct {
	AckTimeout   time.Duration `mapstructure:"ack_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Workers      int           `mapstructure:"workers"`
	Retention    time.Duration `mapstructure:"retention"`
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		AckTimeout:   5 * time.Second,
		MaxRetries:   recovery.DefaultMaxRetries,
		RetryBackoff: 200 * time.Millisecond,
		MaxBackoff:   5 * time.Second,
		PollInterval: time.Second,
		Workers:      8,
		Retention:    time.Hour,
	}
}

// Engine drives orders from routing through venue execution and recovery
type Engine struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	adapters   map[string]venue.Adapter

	router    Router
	book      *recovery.Book
	tracker   *tracker.Tracker
	scheduler *algo.Scheduler
	quotes    QuoteSource
	pool      *WorkerPool
	config    Config
	now       func() time.Time
	logger    *logrus.Entry
}

// Option customizes an engine
type Option func(*Engine)

// WithQuoteSource enables the cross-venue comparison
func WithQuoteSource(q QuoteSource) Option {
	return func(e *Engine) { e.quotes = q }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. Call Start before Run or SubmitAlgo.
func New(r Router, book *recovery.Book, tr *tracker.Tracker, config Config, logger *logrus.Entry, opts ...Option) *Engine {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	def := DefaultConfig()
	if config.AckTimeout <= 0 {
		config.AckTimeout = def.AckTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	if config.MaxBackoff < config.RetryBackoff {
		config.MaxBackoff = config.RetryBackoff
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	e := &Engine{
		executions: make(map[string]*Execution),
		adapters:   make(map[string]venue.Adapter),
		router:     r,
		book:       book,
		tracker:    tr,
		config:     config,
		now:        time.Now,
		logger:     logger.WithField("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.pool = NewWorkerPool(config.Workers)
	return e
}

// RegisterAdapter binds a venue id to its connectivity
func (e *Engine) RegisterAdapter(venueID string, a venue.Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[venueID] = a
}

// AttachScheduler sets the scheduler used for algo orders. The scheduler
// sends its slices back through this engine.
func (e *Engine) AttachScheduler(s *algo.Scheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduler = s
}

// Start launches the worker pool
func (e *Engine) Start() {
	e.pool.Start()
}

// Stop drains the worker pool
func (e *Engine) Stop() {
	e.pool.Stop()
}

// Submit routes and sends a simple order. A venue rejection returns the
// execution with its failure record and an error wrapping ErrRejected.
func (e *Engine) Submit(ctx context.Context, order types.CanonicalOrder) (Execution, error) {
	if err := order.Validate(); err != nil {
		return Execution{}, err
	}
	if order.Kind.IsAlgo() {
		return Execution{}, fmt.Errorf("%w: %s", ErrAlgoOrder, order.Kind)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = e.now()
	}

	x := &Execution{Order: order, Status: StatusPending, UpdatedAt: e.now()}
	e.mu.Lock()
	if _, dup := e.executions[order.ID]; dup {
		e.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: duplicate order id %s", types.ErrInvalidOrder, order.ID)
	}
	e.executions[order.ID] = x
	e.mu.Unlock()

	var quotes []tracker.Quote
	if e.quotes != nil {
		quotes = e.quotes.Quotes(ctx, order.Symbol)
	}
	e.tracker.OnSubmit(order, quotes, order.CreatedAt)

	return e.execute(ctx, attempt{order: order, resolution: recovery.ActionRetry})
}

// Get returns the engine's view of an order
func (e *Engine) Get(orderID string) (Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.executions[orderID]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	return x.clone(), nil
}

// List returns every execution not yet pruned
func (e *Engine) List() []Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Execution, 0, len(e.executions))
	for _, x := range e.executions {
		out = append(out, x.clone())
	}
	return out
}

// attempt describes one pass of routing and sending an order
type attempt struct {
	order      types.CanonicalOrder // Venue may be pinned
	exclude    []string
	resolution recovery.Action // Archives an open failure record on acceptance
	recovering bool            // A routing failure leaves the order awaiting recovery
}

// execute routes the order and sends it, retrying network failures in place
func (e *Engine) execute(ctx context.Context, a attempt) (Execution, error) {
	order := a.order
	log := e.logger.WithField("order_id", order.ID)

	d, err := e.router.RouteExcluding(ctx, &order, a.exclude...)
	if err != nil {
		if a.recovering {
			e.update(order.ID, func(x *Execution) { x.Status = StatusFailed })
		} else {
			e.reject(order.ID, types.ErrorKindExecution)
		}
		log.WithError(err).Warn("Routing failed")
		return e.snapshot(order.ID), fmt.Errorf("route order %s: %w", order.ID, err)
	}
	routed := e.updateFrom(order.ID, func(x *Execution) {
		x.DecisionID = d.ID
		x.VenueID = d.VenueID
		x.VenueOrderID = ""
		x.Status = StatusPending
	}, StatusPending, StatusFailed)
	if !routed {
		// finalized while routing; the router still holds the load
		_ = e.router.Cancel(d.ID)
		return e.snapshot(order.ID), fmt.Errorf("%w: %s", ErrOrderIsTerminal, order.ID)
	}
	now := e.now()
	_ = e.tracker.MarkRouted(order.ID, d.VenueID, now)
	_ = e.tracker.MarkTranslated(order.ID, now)

	adapter, ok := e.adapter(d.VenueID)
	if !ok {
		_ = d.Fail(ErrNoAdapter.Error())
		_ = e.tracker.OnVenueReject(order.ID, types.ErrorKindExecution, e.now())
		e.reject(order.ID, types.ErrorKindExecution)
		return e.snapshot(order.ID), fmt.Errorf("%w: %s", ErrNoAdapter, d.VenueID)
	}

	for n := 0; ; n++ {
		if n > 0 {
			if err := e.backoff(ctx, n); err != nil {
				e.abort(order.ID, d, err)
				return e.snapshot(order.ID), err
			}
		}
		if e.cancelRequested(order.ID) {
			return e.dropUnsent(order.ID, d), nil
		}
		_ = e.tracker.MarkSent(order.ID, e.now())
		e.update(order.ID, func(x *Execution) { x.Attempts++ })

		resp, err := e.send(ctx, adapter, d)
		if err != nil {
			e.abort(order.ID, d, err)
			return e.snapshot(order.ID), err
		}

		if resp.Accepted() {
			x, err := e.accept(order.ID, d, resp.Ack, a.resolution)
			if err != nil || !x.CancelRequested || x.Status.Terminal() {
				return x, err
			}
			res, err := e.Cancel(ctx, order.ID)
			if err != nil {
				log.WithError(err).Warn("Requested cancel failed at venue, order stays working")
				return e.snapshot(order.ID), nil
			}
			return res, nil
		}

		rec := e.book.Open(order, d.VenueID, resp, e.config.MaxRetries)
		if rec.Kind == types.ErrorKindNetwork && rec.RetriesLeft() && !e.cancelRequested(order.ID) {
			if _, err := e.book.RecordRetry(order.ID); err == nil {
				log.WithFields(logrus.Fields{
					"venue":   d.VenueID,
					"attempt": n + 1,
				}).Warn("Network failure, retrying")
				continue
			}
		}

		_ = d.Fail(string(rec.Kind) + ": " + rec.Message)
		_ = e.tracker.OnVenueReject(order.ID, rec.Kind, e.now())
		e.update(order.ID, func(x *Execution) {
			x.Status = StatusFailed
			x.Failure = &rec
		})
		if e.cancelRequested(order.ID) {
			e.withdraw(ctx, order.ID)
		} else {
			log.WithFields(logrus.Fields{
				"venue":      d.VenueID,
				"error_type": rec.Kind,
				"strategies": len(rec.Strategies),
			}).Warn("Order rejected, awaiting recovery")
		}
		return e.snapshot(order.ID), fmt.Errorf("%w: %s on %s: %s", ErrRejected, rec.Kind, d.VenueID, rec.Message)
	}
}

// send calls the adapter under the ack deadline. A venue that does not
// answer in time, or a failed call, becomes a network reject. Only the
// caller's own cancellation returns an error.
func (e *Engine) send(ctx context.Context, adapter venue.Adapter, d *router.Decision) (venue.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.AckTimeout)
	defer cancel()

	resp, err := adapter.Submit(callCtx, d.Translation)
	if err == nil {
		if resp.VenueID == "" {
			resp.VenueID = d.VenueID
		}
		if resp.Ack == nil && resp.Reject == nil {
			resp.Reject = &venue.Reject{Message: "empty venue response", Timestamp: e.now()}
		}
		return resp, nil
	}
	if ctx.Err() != nil {
		return venue.Response{}, ctx.Err()
	}
	if callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return venue.TimeoutResponse(d.VenueID, err, e.now()), nil
	}
	return venue.Response{
		VenueID: d.VenueID,
		Reject: &venue.Reject{
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Timestamp:  e.now(),
		},
	}, nil
}

// accept records a venue acknowledgment and any fills it carries
func (e *Engine) accept(orderID string, d *router.Decision, ack *venue.Ack, resolution recovery.Action) (Execution, error) {
	at := e.now()
	_ = d.MarkExecuting()
	_ = e.tracker.OnAck(orderID, at)
	e.update(orderID, func(x *Execution) {
		x.VenueOrderID = ack.VenueOrderID
		x.Status = StatusWorking
		x.Failure = nil
	})
	if err := e.archiveFailure(orderID, resolution); err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Warn("Failure record not archived")
	}
	e.applyFill(orderID, ack.FilledQty, ack.AvgPrice, at)
	if ack.Final {
		e.complete(orderID, d)
	}
	e.logger.WithFields(logrus.Fields{
		"order_id":       orderID,
		"venue":          d.VenueID,
		"venue_order_id": ack.VenueOrderID,
		"filled":         ack.FilledQty,
	}).Info("Order acknowledged")
	return e.snapshot(orderID), nil
}

// archiveFailure closes the order's open failure record, if any
func (e *Engine) archiveFailure(orderID string, resolution recovery.Action) error {
	rec, err := e.book.Get(context.Background(), orderID)
	if err != nil || rec.Resolved {
		return nil
	}
	_, err = e.book.Archive(context.Background(), orderID, resolution)
	return err
}

// Helper methods

func (e *Engine) adapter(venueID string) (venue.Adapter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[venueID]
	return a, ok
}

// update applies fn to a live order. A terminal order is never changed.
func (e *Engine) update(orderID string, fn func(x *Execution)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	x, ok := e.executions[orderID]
	if !ok || x.Status.Terminal() {
		return false
	}
	fn(x)
	x.UpdatedAt = e.now()
	return true
}

// updateFrom applies fn only while the order is in one of the given states
func (e *Engine) updateFrom(orderID string, fn func(x *Execution), from ...Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	x, ok := e.executions[orderID]
	if !ok {
		return false
	}
	for _, s := range from {
		if x.Status == s {
			fn(x)
			x.UpdatedAt = e.now()
			return true
		}
	}
	return false
}

func (e *Engine) cancelRequested(orderID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.executions[orderID]
	return ok && x.CancelRequested
}

// dropUnsent ends an order cancelled before it reached the venue. The
// tracker owns the venue load at this point and gives it back.
func (e *Engine) dropUnsent(orderID string, d *router.Decision) Execution {
	_ = d.Cancel()
	if err := e.archiveFailure(orderID, recovery.ActionCancel); err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Warn("Failure record not archived")
	}
	if e.update(orderID, func(x *Execution) { x.Status = StatusCancelled }) {
		_, _ = e.tracker.OnTerminal(orderID, tracker.OutcomeCancelled, "", e.now())
	}
	e.logger.WithField("order_id", orderID).Info("Order cancelled before reaching the venue")
	return e.snapshot(orderID)
}

func (e *Engine) snapshot(orderID string) Execution {
	x, _ := e.Get(orderID)
	return x
}

// applyFill converts a cumulative venue fill into the increment since the
// last observation
func (e *Engine) applyFill(orderID string, cumulative int64, avg decimal.Decimal, at time.Time) {
	var (
		delta int64
		price decimal.Decimal
	)
	e.update(orderID, func(x *Execution) {
		if cumulative <= x.Filled || !avg.IsPositive() {
			return
		}
		delta = cumulative - x.Filled
		notional := avg.Mul(decimal.NewFromInt(cumulative)).Sub(x.AvgPrice.Mul(decimal.NewFromInt(x.Filled)))
		price = notional.Div(decimal.NewFromInt(delta))
		x.Filled = cumulative
		x.AvgPrice = avg
	})
	if delta > 0 {
		if err := e.tracker.OnFill(orderID, delta, price, at); err != nil {
			e.logger.WithError(err).WithField("order_id", orderID).Debug("Fill not tracked")
		}
	}
}

// complete closes a working order whose venue reported no further fills
func (e *Engine) complete(orderID string, d *router.Decision) {
	var x Execution
	done := e.update(orderID, func(cur *Execution) {
		switch {
		case cur.Filled == 0:
			cur.Status = StatusCancelled
		case cur.Filled < cur.Order.Quantity:
			cur.Status = StatusPartial
		default:
			cur.Status = StatusFilled
		}
		x = cur.clone()
	})
	if !done {
		return
	}
	outcome := tracker.OutcomeFilled
	switch x.Status {
	case StatusCancelled:
		outcome = tracker.OutcomeCancelled
		if d != nil {
			_ = d.ConfirmVenueCancel()
		}
	case StatusPartial:
		outcome = tracker.OutcomePartial
		if d != nil {
			_ = d.Complete()
		}
	default:
		if d != nil {
			_ = d.Complete()
		}
	}
	if _, err := e.tracker.OnTerminal(orderID, outcome, "", e.now()); err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Debug("Metric already finalized")
	}
}

// reject ends an order that never reached a venue
func (e *Engine) reject(orderID string, kind types.ErrorKind) {
	if e.update(orderID, func(x *Execution) { x.Status = StatusRejected }) {
		_, _ = e.tracker.OnTerminal(orderID, tracker.OutcomeRejected, kind, e.now())
	}
}

// abort ends an order whose caller gave up mid-flight
func (e *Engine) abort(orderID string, d *router.Decision, cause error) {
	_ = d.Fail(cause.Error())
	_ = e.tracker.OnVenueReject(orderID, types.ErrorKindNetwork, e.now())
	if e.update(orderID, func(x *Execution) { x.Status = StatusCancelled }) {
		_, _ = e.tracker.OnTerminal(orderID, tracker.OutcomeFailed, types.ErrorKindNetwork, e.now())
	}
}

// backoff waits RetryBackoff * 2^(attempt-1), capped at MaxBackoff
func (e *Engine) backoff(ctx context.Context, attempt int) error {
	d := e.config.RetryBackoff
	for i := 1; i < attempt && d < e.config.MaxBackoff; i++ {
		d *= 2
	}
	if d > e.config.MaxBackoff {
		d = e.config.MaxBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
