package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidOrder is returned when a canonical order fails basic validation
var ErrInvalidOrder = errors.New("invalid order")

// CanonicalOrder is the venue-neutral representation of an order.
// It is immutable once accepted; Modify produces a new version.
type CanonicalOrder struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	PreviousID  string          `json:"previous_id,omitempty"` // Version this one replaces
	ParentID    string          `json:"parent_id,omitempty"`   // Algo parent for slices
	Symbol      string          `json:"symbol"`
	AssetClass  AssetClass      `json:"asset_class"`
	Side        OrderSide       `json:"side"`
	Quantity    int64           `json:"quantity"`
	Kind        OrderKind       `json:"kind"`
	Price       decimal.Decimal `json:"price,omitempty"`
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	TargetPrice decimal.Decimal `json:"target_price,omitempty"`
	TimeInForce TimeInForce     `json:"time_in_force,omitempty"`
	Venue       string          `json:"venue,omitempty"` // Pinned venue, routes manually
	// ReferencePrice is the arrival price used for slippage measurement.
	ReferencePrice decimal.Decimal `json:"reference_price,omitempty"`
	Algo           *AlgoParams     `json:"algo,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewOrderID returns a fresh order identifier
func NewOrderID() string {
	return uuid.NewString()
}

// Validate checks the order for structural problems
func (o *CanonicalOrder) Validate() error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: id required", ErrInvalidOrder)
	case o.Symbol == "":
		return fmt.Errorf("%w: symbol required", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	case !o.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOrder, o.Kind)
	case o.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case o.Kind.NeedsPrice() && !o.Price.IsPositive():
		return fmt.Errorf("%w: price required for %s orders", ErrInvalidOrder, o.Kind)
	case o.Kind.NeedsStopPrice() && !o.StopPrice.IsPositive():
		return fmt.Errorf("%w: stop price required for %s orders", ErrInvalidOrder, o.Kind)
	case o.Kind == OrderKindBracket && !o.TargetPrice.IsPositive():
		return fmt.Errorf("%w: target price required for bracket orders", ErrInvalidOrder)
	}
	if o.Kind.IsAlgo() && o.Algo == nil {
		return fmt.Errorf("%w: %s order without algo parameters", ErrInvalidOrder, o.Kind)
	}
	return nil
}

// Modification describes the fields a caller may change on a new version
type Modification struct {
	Quantity  int64            `json:"quantity,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StopPrice *decimal.Decimal `json:"stop_price,omitempty"`
	Venue     *string          `json:"venue,omitempty"`
}

// Modify returns a new version of the order with the modification applied.
// The receiver is left untouched.
func (o CanonicalOrder) Modify(m Modification, now time.Time) CanonicalOrder {
	next := o
	next.ID = NewOrderID()
	next.Version = o.Version + 1
	next.PreviousID = o.ID
	next.CreatedAt = now
	if m.Quantity > 0 {
		next.Quantity = m.Quantity
	}
	if m.Price != nil {
		next.Price = *m.Price
	}
	if m.StopPrice != nil {
		next.StopPrice = *m.StopPrice
	}
	if m.Venue != nil {
		next.Venue = *m.Venue
	}
	return next
}

// Child builds a slice order of the given quantity for an algo parent
func (o CanonicalOrder) Child(qty int64, kind OrderKind, price decimal.Decimal, now time.Time) CanonicalOrder {
	child := CanonicalOrder{
		ID:             NewOrderID(),
		Version:        1,
		ParentID:       o.ID,
		Symbol:         o.Symbol,
		AssetClass:     o.AssetClass,
		Side:           o.Side,
		Quantity:       qty,
		Kind:           kind,
		Price:          price,
		TimeInForce:    o.TimeInForce,
		Venue:          o.Venue,
		ReferencePrice: o.ReferencePrice,
		CreatedAt:      now,
	}
	if kind == OrderKindMarket {
		child.Price = decimal.Zero
	}
	return child
}
