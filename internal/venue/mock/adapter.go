package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mExOms/routex/internal/translator"
	"github.com/mExOms/routex/internal/venue"
)

var ErrUnknownOrder = errors.New("unknown venue order")

// Step scripts the answer to one Submit call
type Step struct {
	Reject  *venue.Reject
	Err     error
	Delay   time.Duration   // Honours ctx; a cancelled ctx returns ctx.Err()
	Resting bool            // Ack without fills; fills arrive through Fill
	Partial int64           // Fill only this much, 0 = full
	Price   decimal.Decimal // Fill price, zero falls back to the adapter price
}

type restingOrder struct {
	qty    int64
	filled int64
	notion decimal.Decimal
	final  bool
}

// Adapter is a scripted in-memory venue
type Adapter struct {
	mu        sync.Mutex
	venueID   string
	price     decimal.Decimal
	steps     []Step
	submitted []*translator.TranslatedOrder
	orders    map[string]*restingOrder
	cancelled []string
	now       func() time.Time
}

// New returns a mock adapter that fully fills every order unless scripted otherwise
func New(venueID string) *Adapter {
	return &Adapter{
		venueID: venueID,
		orders:  make(map[string]*restingOrder),
		now:     time.Now,
	}
}

// WithPrice sets the default fill price
func (a *Adapter) WithPrice(p decimal.Decimal) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.price = p
	return a
}

// Enqueue appends scripted steps, consumed one per Submit
func (a *Adapter) Enqueue(steps ...Step) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, steps...)
}

// RejectNext scripts a single rejection
func (a *Adapter) RejectNext(code, message string) {
	a.Enqueue(Step{Reject: &venue.Reject{Code: code, Message: message}})
}

func (a *Adapter) Submit(ctx context.Context, order *translator.TranslatedOrder) (venue.Response, error) {
	a.mu.Lock()
	a.submitted = append(a.submitted, order)
	var step Step
	if len(a.steps) > 0 {
		step = a.steps[0]
		a.steps = a.steps[1:]
	}
	a.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return venue.Response{}, ctx.Err()
		}
	}
	if step.Err != nil {
		return venue.Response{}, step.Err
	}
	if step.Reject != nil {
		rej := *step.Reject
		if rej.Timestamp.IsZero() {
			rej.Timestamp = a.now()
		}
		return venue.Response{VenueID: a.venueID, Reject: &rej}, nil
	}
	if order == nil || order.Payload == nil {
		return venue.Response{}, fmt.Errorf("mock %s: empty payload", a.venueID)
	}

	price := a.fillPrice(step, order)
	qty := order.Payload.Quantity
	filled := qty
	if step.Resting {
		filled = 0
	} else if step.Partial > 0 && step.Partial < qty {
		filled = step.Partial
	}

	id := "mock-" + uuid.NewString()
	a.mu.Lock()
	a.orders[id] = &restingOrder{
		qty:    qty,
		filled: filled,
		notion: price.Mul(decimal.NewFromInt(filled)),
		final:  filled == qty,
	}
	a.mu.Unlock()

	return venue.Response{
		VenueID: a.venueID,
		Ack: &venue.Ack{
			VenueOrderID: id,
			FilledQty:    filled,
			AvgPrice:     avg(price.Mul(decimal.NewFromInt(filled)), filled),
			Final:        filled == qty,
			Timestamp:    a.now(),
		},
	}, nil
}

// Fill adds a fill to a resting order
func (a *Adapter) Fill(venueOrderID string, qty int64, price decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, venueOrderID)
	}
	if qty > o.qty-o.filled {
		qty = o.qty - o.filled
	}
	o.filled += qty
	o.notion = o.notion.Add(price.Mul(decimal.NewFromInt(qty)))
	o.final = o.filled == o.qty
	return nil
}

func (a *Adapter) Status(_ context.Context, venueOrderID string) (venue.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[venueOrderID]
	if !ok {
		return venue.Response{}, fmt.Errorf("%w: %s", ErrUnknownOrder, venueOrderID)
	}
	return venue.Response{
		VenueID: a.venueID,
		Ack: &venue.Ack{
			VenueOrderID: venueOrderID,
			FilledQty:    o.filled,
			AvgPrice:     avg(o.notion, o.filled),
			Final:        o.final,
			Timestamp:    a.now(),
		},
	}, nil
}

func (a *Adapter) Cancel(_ context.Context, venueOrderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, venueOrderID)
	}
	o.final = true
	a.cancelled = append(a.cancelled, venueOrderID)
	return nil
}

// Submitted returns every order received so far
func (a *Adapter) Submitted() []*translator.TranslatedOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*translator.TranslatedOrder(nil), a.submitted...)
}

// Cancelled returns the venue order ids cancelled so far
func (a *Adapter) Cancelled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

func (a *Adapter) fillPrice(step Step, order *translator.TranslatedOrder) decimal.Decimal {
	if step.Price.IsPositive() {
		return step.Price
	}
	a.mu.Lock()
	p := a.price
	a.mu.Unlock()
	if p.IsPositive() {
		return p
	}
	if order.Payload.Price != "" {
		if v, err := decimal.NewFromString(order.Payload.Price); err == nil {
			return v
		}
	}
	return decimal.Zero
}

func avg(notional decimal.Decimal, qty int64) decimal.Decimal {
	if qty <= 0 {
		return decimal.Zero
	}
	return notional.Div(decimal.NewFromInt(qty))
}
