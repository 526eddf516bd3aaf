package recovery

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/routex/internal/translator"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/types"
)

// FailureRecord tracks the failure of one order and how to recover it
type FailureRecord struct {
	ID            string             `json:"id"`
	OrderID       string             `json:"order_id"`
	VenueID       string             `json:"venue_id"`
	Kind          types.ErrorKind    `json:"error_type"`
	Message       string             `json:"message"`
	Code          string             `json:"code,omitempty"`
	HTTPStatus    int                `json:"http_status,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
	Failures      int                `json:"failures"`
	RetryAttempts int                `json:"retry_attempts"`
	MaxRetries    int                `json:"max_retries"`
	CanRetry      bool               `json:"can_retry"`
	CanModify     bool               `json:"can_modify"`
	Strategies    []RecoveryStrategy `json:"strategies"`
	Diagnostic    *venue.Diagnostic  `json:"diagnostic,omitempty"`
	Suggestion    *Suggestion        `json:"suggestion,omitempty"`
	Resolved      bool               `json:"resolved"`
	Resolution    Action             `json:"resolution,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// RetriesLeft reports whether another retry is allowed
func (r FailureRecord) RetriesLeft() bool {
	return r.CanRetry && r.RetryAttempts < r.MaxRetries
}

func (r FailureRecord) clone() FailureRecord {
	r.Strategies = append([]RecoveryStrategy(nil), r.Strategies...)
	if r.Suggestion != nil {
		s := *r.Suggestion
		r.Suggestion = &s
	}
	return r
}

// Suggestion is a concrete modification that should clear the failure
type Suggestion struct {
	MinPrice    decimal.Decimal `json:"min_price,omitempty"`
	MaxPrice    decimal.Decimal `json:"max_price,omitempty"`
	MaxQuantity int64           `json:"max_quantity,omitempty"`
	Reason      string          `json:"reason"`
}

// Modification turns the suggestion into an order modification
func (s Suggestion) Modification(order types.CanonicalOrder) types.Modification {
	var m types.Modification
	if s.MaxQuantity > 0 && order.Quantity > s.MaxQuantity {
		m.Quantity = s.MaxQuantity
	}
	if order.Price.IsPositive() && s.MaxPrice.IsPositive() {
		p := order.Price
		if p.GreaterThan(s.MaxPrice) {
			p = s.MaxPrice
		}
		if p.LessThan(s.MinPrice) {
			p = s.MinPrice
		}
		if !p.Equal(order.Price) {
			m.Price = &p
		}
	}
	return m
}

// Suggest derives a modification for kinds that a new version can fix
func Suggest(kind types.ErrorKind, order types.CanonicalOrder, schema *translator.Schema) *Suggestion {
	switch kind {
	case types.ErrorKindPriceRejection:
		if schema == nil {
			return nil
		}
		lo, hi, ok := schema.Band(order.ReferencePrice)
		if !ok {
			return nil
		}
		return &Suggestion{
			MinPrice: lo,
			MaxPrice: hi,
			Reason:   "limit price outside the venue circuit band",
		}
	case types.ErrorKindQuantityFreeze:
		if schema == nil || schema.FreezeQuantity <= 0 {
			return nil
		}
		return &Suggestion{MaxQuantity: schema.FreezeQuantity, Reason: "quantity above the venue freeze limit"}
	case types.ErrorKindMarginShortage:
		half := order.Quantity / 2
		if half < 1 {
			half = 1
		}
		return &Suggestion{MaxQuantity: half, Reason: "insufficient margin for the full quantity"}
	}
	return nil
}
