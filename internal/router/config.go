package router

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/mExOms/routex/pkg/types"
)

// Weights are the relative importance of the scoring terms
type Weights struct {
	Speed       float64 `mapstructure:"speed" json:"speed"`
	Cost        float64 `mapstructure:"cost" json:"cost"`
	Reliability float64 `mapstructure:"reliability" json:"reliability"`
}

// DefaultWeights apply when no routing rule matches
var DefaultWeights = Weights{Speed: 0.33, Cost: 0.33, Reliability: 0.34}

// Normalize scales the weights to sum to one. Non-positive sums fall back to the defaults.
func (w Weights) Normalize() Weights {
	if w.Speed < 0 || w.Cost < 0 || w.Reliability < 0 {
		return DefaultWeights
	}
	sum := w.Speed + w.Cost + w.Reliability
	if sum <= 0 {
		return DefaultWeights
	}
	return Weights{Speed: w.Speed / sum, Cost: w.Cost / sum, Reliability: w.Reliability / sum}
}

// TimeWindow is a daily window in HH:MM, inclusive of Start and exclusive of End.
// A window whose End is before Start wraps midnight.
type TimeWindow struct {
	Start    string `mapstructure:"start" json:"start"`
	End      string `mapstructure:"end" json:"end"`
	Location string `mapstructure:"location" json:"location,omitempty"`
}

func (w *TimeWindow) contains(t time.Time) (bool, error) {
	if w == nil || (w.Start == "" && w.End == "") {
		return true, nil
	}
	if w.Location != "" {
		loc, err := time.LoadLocation(w.Location)
		if err != nil {
			return false, fmt.Errorf("time window location: %w", err)
		}
		t = t.In(loc)
	}
	start, err := minuteOfDay(w.Start)
	if err != nil {
		return false, err
	}
	end, err := minuteOfDay(w.End)
	if err != nil {
		return false, err
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now < end, nil
	}
	return now >= start || now < end, nil
}

func minuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Conditions select the orders a rule applies to. Empty fields match everything.
type Conditions struct {
	Symbols      []string           `mapstructure:"symbols" json:"symbols,omitempty"` // Glob patterns
	MinQuantity  int64              `mapstructure:"min_quantity" json:"min_quantity,omitempty"`
	MaxQuantity  int64              `mapstructure:"max_quantity" json:"max_quantity,omitempty"`
	OrderKinds   []types.OrderKind  `mapstructure:"order_kinds" json:"order_kinds,omitempty"`
	AssetClasses []types.AssetClass `mapstructure:"asset_classes" json:"asset_classes,omitempty"`
	TimeWindow   *TimeWindow        `mapstructure:"time_window" json:"time_window,omitempty"`
}

// SmartRoutingConfig is one routing rule
type SmartRoutingConfig struct {
	Name              string        `mapstructure:"name" json:"name"`
	Priority          int           `mapstructure:"priority" json:"priority"`
	Conditions        Conditions    `mapstructure:"conditions" json:"conditions"`
	BrokerPreferences []string      `mapstructure:"broker_preferences" json:"broker_preferences,omitempty"`
	MaxSlippage       float64       `mapstructure:"max_slippage" json:"max_slippage,omitempty"` // bps, 0 = no limit
	MaxLatency        time.Duration `mapstructure:"max_latency" json:"max_latency,omitempty"`   // 0 = no limit
	SpeedWeight       float64       `mapstructure:"speed_weight" json:"speed_weight"`
	CostWeight        float64       `mapstructure:"cost_weight" json:"cost_weight"`
	ReliabilityWeight float64       `mapstructure:"reliability_weight" json:"reliability_weight"`
}

// Weights returns the rule's normalized weights
func (c SmartRoutingConfig) Weights() Weights {
	return Weights{Speed: c.SpeedWeight, Cost: c.CostWeight, Reliability: c.ReliabilityWeight}.Normalize()
}

// Matches reports whether the rule applies to the order at time t
func (c SmartRoutingConfig) Matches(o *types.CanonicalOrder, t time.Time) bool {
	cond := c.Conditions
	if len(cond.Symbols) > 0 && !matchSymbol(cond.Symbols, o.Symbol) {
		return false
	}
	if cond.MinQuantity > 0 && o.Quantity < cond.MinQuantity {
		return false
	}
	if cond.MaxQuantity > 0 && o.Quantity > cond.MaxQuantity {
		return false
	}
	if len(cond.OrderKinds) > 0 && !containsKind(cond.OrderKinds, o.Kind) {
		return false
	}
	if len(cond.AssetClasses) > 0 && !containsClass(cond.AssetClasses, o.AssetClass) {
		return false
	}
	ok, err := cond.TimeWindow.contains(t)
	return err == nil && ok
}

// Validate checks the rule for configuration mistakes
func (c SmartRoutingConfig) Validate() error {
	for _, p := range c.Conditions.Symbols {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("rule %s: bad symbol pattern %q: %w", c.Name, p, err)
		}
	}
	if c.Conditions.MaxQuantity > 0 && c.Conditions.MinQuantity > c.Conditions.MaxQuantity {
		return fmt.Errorf("rule %s: min quantity above max quantity", c.Name)
	}
	if c.SpeedWeight < 0 || c.CostWeight < 0 || c.ReliabilityWeight < 0 {
		return fmt.Errorf("rule %s: negative weight", c.Name)
	}
	if _, err := c.Conditions.TimeWindow.contains(time.Now()); err != nil {
		return fmt.Errorf("rule %s: %w", c.Name, err)
	}
	return nil
}

// SortRules orders rules by descending priority, keeping the given order for ties
func SortRules(rules []SmartRoutingConfig) []SmartRoutingConfig {
	out := append([]SmartRoutingConfig(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Helper methods

func matchSymbol(patterns []string, symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, p := range patterns {
		if ok, _ := path.Match(strings.ToUpper(p), symbol); ok {
			return true
		}
	}
	return false
}

func containsKind(kinds []types.OrderKind, k types.OrderKind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func containsClass(classes []types.AssetClass, c types.AssetClass) bool {
	for _, v := range classes {
		if v == c {
			return true
		}
	}
	return false
}
