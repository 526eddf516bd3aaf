package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AlgoKind identifies an execution algorithm
type AlgoKind string

const (
	AlgoTWAP    AlgoKind = "TWAP"
	AlgoVWAP    AlgoKind = "VWAP"
	AlgoIceberg AlgoKind = "ICEBERG"
	AlgoPOV     AlgoKind = "POV"
)

// Aggressiveness shifts the VWAP participation band
type Aggressiveness string

const (
	AggressivenessPassive    Aggressiveness = "PASSIVE"
	AggressivenessNeutral    Aggressiveness = "NEUTRAL"
	AggressivenessAggressive Aggressiveness = "AGGRESSIVE"
)

// AlgoParams carries the parameters of exactly one algorithm
type AlgoParams struct {
	Kind    AlgoKind       `json:"kind"`
	TWAP    *TWAPParams    `json:"twap,omitempty"`
	VWAP    *VWAPParams    `json:"vwap,omitempty"`
	Iceberg *IcebergParams `json:"iceberg,omitempty"`
	POV     *POVParams     `json:"pov,omitempty"`
}

// TWAPParams configures time weighted slicing
type TWAPParams struct {
	DurationMinutes int     `json:"duration_minutes"`
	SliceSize       int64   `json:"slice_size"`
	IntervalSeconds int     `json:"interval_seconds"`
	Randomization   float64 `json:"randomization"` // Fraction, 0.2 = ±20%
	// PriceLimit stops the schedule when a fill is worse than it. Zero disables.
	PriceLimit decimal.Decimal `json:"price_limit,omitempty"`
}

// VWAPParams configures volume weighted slicing. Rates are fractions of volume.
type VWAPParams struct {
	ParticipationRate float64        `json:"participation_rate"`
	LookbackMinutes   int            `json:"lookback_minutes"`
	Aggressiveness    Aggressiveness `json:"aggressiveness"`
	MinParticipation  float64        `json:"min_participation"`
	MaxParticipation  float64        `json:"max_participation"`
}

// IcebergParams configures a single resting visible clip
type IcebergParams struct {
	VisibleQuantity int64           `json:"visible_quantity"`
	RefreshSize     int64           `json:"refresh_size"`
	PriceVariance   int             `json:"price_variance"` // In ticks
	TickSize        decimal.Decimal `json:"tick_size"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	PollSeconds     int             `json:"poll_seconds,omitempty"`
}

// POVParams configures percentage of volume slicing. Percentages are fractions.
type POVParams struct {
	TargetPercentage  float64 `json:"target_percentage"`
	MinPercentage     float64 `json:"min_percentage"`
	MaxPercentage     float64 `json:"max_percentage"`
	MarketImpactLimit float64 `json:"market_impact_limit"` // bps
	IntervalSeconds   int     `json:"interval_seconds,omitempty"`
}

// Validate checks that the parameters for the selected algorithm are usable
func (p *AlgoParams) Validate() error {
	switch p.Kind {
	case AlgoTWAP:
		t := p.TWAP
		if t == nil {
			return fmt.Errorf("twap parameters missing")
		}
		if t.DurationMinutes <= 0 || t.IntervalSeconds <= 0 || t.SliceSize <= 0 {
			return fmt.Errorf("twap duration, interval and slice size must be positive")
		}
		if t.Randomization < 0 || t.Randomization >= 1 {
			return fmt.Errorf("twap randomization must be in [0,1)")
		}
	case AlgoVWAP:
		v := p.VWAP
		if v == nil {
			return fmt.Errorf("vwap parameters missing")
		}
		if v.LookbackMinutes <= 0 {
			return fmt.Errorf("vwap lookback must be positive")
		}
		if !fractionBand(v.MinParticipation, v.MaxParticipation) {
			return fmt.Errorf("vwap participation band invalid: [%v,%v]", v.MinParticipation, v.MaxParticipation)
		}
	case AlgoIceberg:
		i := p.Iceberg
		if i == nil {
			return fmt.Errorf("iceberg parameters missing")
		}
		if i.VisibleQuantity <= 0 {
			return fmt.Errorf("iceberg visible quantity must be positive")
		}
		if i.PriceVariance < 0 {
			return fmt.Errorf("iceberg price variance must not be negative")
		}
		if !i.LimitPrice.IsPositive() {
			return fmt.Errorf("iceberg limit price required")
		}
	case AlgoPOV:
		v := p.POV
		if v == nil {
			return fmt.Errorf("pov parameters missing")
		}
		if !fractionBand(v.MinPercentage, v.MaxPercentage) {
			return fmt.Errorf("pov percentage band invalid: [%v,%v]", v.MinPercentage, v.MaxPercentage)
		}
		if v.MarketImpactLimit <= 0 {
			return fmt.Errorf("pov market impact limit must be positive")
		}
	default:
		return fmt.Errorf("unknown algo kind %q", p.Kind)
	}
	return nil
}

func fractionBand(lo, hi float64) bool {
	return lo >= 0 && hi <= 1 && lo <= hi && hi > 0
}
