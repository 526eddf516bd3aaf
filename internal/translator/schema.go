package translator

import (
	"github.com/shopspring/decimal"

	"github.com/mExOms/routex/pkg/types"
)

// CanonicalSchemaVersion is the version of the venue-neutral order format
const CanonicalSchemaVersion = "canonical/v1"

// Schema describes how one venue expects orders on the wire
type Schema struct {
	VenueID      string `mapstructure:"venue_id" json:"venue_id"`
	Version      string `mapstructure:"version" json:"version"`
	SymbolPrefix string `mapstructure:"symbol_prefix" json:"symbol_prefix,omitempty"`
	SymbolSuffix string `mapstructure:"symbol_suffix" json:"symbol_suffix,omitempty"`

	SideNames map[types.OrderSide]string   `mapstructure:"side_names" json:"side_names"`
	KindNames map[types.OrderKind]string   `mapstructure:"kind_names" json:"kind_names"`
	TIFNames  map[types.TimeInForce]string `mapstructure:"tif_names" json:"tif_names,omitempty"`

	TickSize       decimal.Decimal `mapstructure:"tick_size" json:"tick_size"`
	LotSize        int64           `mapstructure:"lot_size" json:"lot_size"`
	FreezeQuantity int64           `mapstructure:"freeze_quantity" json:"freeze_quantity"` // Max quantity per order, 0 = unlimited
	CircuitBandPct float64         `mapstructure:"circuit_band_pct" json:"circuit_band_pct"` // 0 disables the band check
}

// Supports reports whether the venue accepts the order kind
func (s Schema) Supports(kind types.OrderKind) bool {
	_, ok := s.KindNames[kind]
	return ok
}

// RoundPrice rounds to the nearest tick, halves away from zero
func (s Schema) RoundPrice(p decimal.Decimal) decimal.Decimal {
	if !s.TickSize.IsPositive() {
		return p
	}
	return p.Div(s.TickSize).Round(0).Mul(s.TickSize)
}

// FormatPrice renders a price with the tick's precision
func (s Schema) FormatPrice(p decimal.Decimal) string {
	places := int32(0)
	if s.TickSize.IsPositive() && s.TickSize.Exponent() < 0 {
		places = -s.TickSize.Exponent()
	}
	return s.RoundPrice(p).StringFixed(places)
}

// Band returns the circuit band around a reference price.
// ok is false when no band applies.
func (s Schema) Band(ref decimal.Decimal) (lo, hi decimal.Decimal, ok bool) {
	if s.CircuitBandPct <= 0 || !ref.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	width := ref.Mul(decimal.NewFromFloat(s.CircuitBandPct)).Div(decimal.NewFromInt(100))
	return s.RoundPrice(ref.Sub(width)), s.RoundPrice(ref.Add(width)), true
}

// WithinBand reports whether a price lies inside the circuit band
func (s Schema) WithinBand(price, ref decimal.Decimal) bool {
	lo, hi, ok := s.Band(ref)
	if !ok || price.IsZero() {
		return true
	}
	return price.GreaterThanOrEqual(lo) && price.LessThanOrEqual(hi)
}

// WithinFreeze reports whether the quantity fits into one order
func (s Schema) WithinFreeze(qty int64) bool {
	return s.FreezeQuantity <= 0 || qty <= s.FreezeQuantity
}

// DefaultSchema builds a plain schema using canonical names
func DefaultSchema(venueID string) Schema {
	return Schema{
		VenueID: venueID,
		Version: venueID + "/v1",
		SideNames: map[types.OrderSide]string{
			types.OrderSideBuy:  "BUY",
			types.OrderSideSell: "SELL",
		},
		KindNames: map[types.OrderKind]string{
			types.OrderKindMarket:    "MARKET",
			types.OrderKindLimit:     "LIMIT",
			types.OrderKindStop:      "SL-M",
			types.OrderKindStopLimit: "SL",
			types.OrderKindBracket:   "BO",
		},
		TIFNames: map[types.TimeInForce]string{
			types.TimeInForceDAY: "DAY",
			types.TimeInForceGTC: "GTC",
			types.TimeInForceIOC: "IOC",
			types.TimeInForceFOK: "FOK",
		},
		TickSize: decimal.RequireFromString("0.05"),
		LotSize:  1,
	}
}
