package router

import (
	"math"
	"sort"
	"time"

	"github.com/mExOms/routex/internal/venue"
)

// Reason explains why a venue was chosen
type Reason string

const (
	ReasonBestExecution    Reason = "best_execution"
	ReasonCostOptimization Reason = "cost_optimization"
	ReasonSpeed            Reason = "speed"
	ReasonAvailability     Reason = "availability"
	ReasonManual           Reason = "manual"
	ReasonFallback         Reason = "fallback"
)

// Ceilings are the reference maxima each metric is normalized against
type Ceilings struct {
	Latency     time.Duration `mapstructure:"latency" json:"latency"`
	CostBps     float64       `mapstructure:"cost_bps" json:"cost_bps"`
	SuccessRate float64       `mapstructure:"success_rate" json:"success_rate"`
}

// DefaultCeilings are 500ms latency, 20bp cost and 100% success
var DefaultCeilings = Ceilings{Latency: 500 * time.Millisecond, CostBps: 20, SuccessRate: 100}

// Breakdown holds the weighted penalty of every term, each in [0, weight]
type Breakdown struct {
	Speed       float64 `json:"speed"`
	Cost        float64 `json:"cost"`
	Reliability float64 `json:"reliability"`
	Preference  float64 `json:"preference"` // Bonus points from broker preferences
}

// Candidate is a scored eligible venue
type Candidate struct {
	Venue     venue.Profile `json:"venue"`
	Score     float64       `json:"score"`
	Breakdown Breakdown     `json:"breakdown"`
}

// Attribution picks the reason for an automatically selected winner.
// ranked[0] is the winner.
type Attribution func(ranked []Candidate) Reason

// Score computes a venue's score in [0,100]. Lower latency and cost and a
// higher success rate raise the score.
func Score(p venue.Profile, w Weights, c Ceilings, bonus float64) (float64, Breakdown) {
	b := Breakdown{
		Speed:       w.Speed * normalize(float64(p.MeanLatency), float64(c.Latency)),
		Cost:        w.Cost * normalize(p.CostBps, c.CostBps),
		Reliability: w.Reliability * (1 - normalize(p.SuccessRate, c.SuccessRate)),
		Preference:  bonus,
	}
	score := 100*(1-(b.Speed+b.Cost+b.Reliability)) + bonus
	return clamp(score, 0, 100), b
}

// DominantTerm is the default attribution: a sole candidate is chosen for
// availability; otherwise the term where the winner beats the runner-up by the
// widest weighted margin names the reason.
func DominantTerm(ranked []Candidate) Reason {
	if len(ranked) == 0 {
		return ReasonBestExecution
	}
	if len(ranked) == 1 {
		return ReasonAvailability
	}
	win, next := ranked[0].Breakdown, ranked[1].Breakdown

	reason := ReasonBestExecution
	best := 0.0
	for _, term := range []struct {
		reason Reason
		adv    float64
	}{
		{ReasonSpeed, next.Speed - win.Speed},
		{ReasonCostOptimization, next.Cost - win.Cost},
		{ReasonAvailability, next.Reliability - win.Reliability},
	} {
		if term.adv > best+1e-12 {
			best = term.adv
			reason = term.reason
		}
	}
	return reason
}

// rank sorts by score desc, then current load asc, then venue id
func rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Venue.CurrentLoad != b.Venue.CurrentLoad {
			return a.Venue.CurrentLoad < b.Venue.CurrentLoad
		}
		return a.Venue.ID < b.Venue.ID
	})
}

func normalize(v, ceiling float64) float64 {
	if ceiling <= 0 {
		return 0
	}
	return clamp(v/ceiling, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
