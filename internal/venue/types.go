package venue

import (
	"errors"
	"time"

	"github.com/mExOms/routex/pkg/types"
)

var (
	ErrVenueNotFound      = errors.New("venue not found")
	ErrVenueExists        = errors.New("venue already registered")
	ErrCapacityExhausted  = errors.New("venue capacity exhausted")
	ErrInvalidVenueUpdate = errors.New("invalid venue update")
)

// Status is the operational status of a venue
type Status string

const (
	StatusOnline      Status = "online"
	StatusDegraded    Status = "degraded"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
)

// Heat buckets the load ratio for display
type Heat string

const (
	HeatCool Heat = "cool"
	HeatWarm Heat = "warm"
	HeatHot  Heat = "hot"
)

// Profile holds the live metrics of one venue.
// Rates are percentages in [0,100], costs and slippage are basis points.
type Profile struct {
	ID             string                    `json:"id"`
	Name           string                    `json:"name"`
	Family         Family                    `json:"family"`
	Capacity       int                       `json:"capacity"`
	CurrentLoad    int                       `json:"current_load"`
	MeanLatency    time.Duration             `json:"mean_latency"`
	PeakLatency    time.Duration             `json:"peak_latency"`
	SuccessRate    float64                   `json:"success_rate"`
	FillRate       float64                   `json:"fill_rate"`
	AvgSlippageBps float64                   `json:"avg_slippage_bps"`
	RejectRate     float64                   `json:"reject_rate"`
	ErrorCounts    map[types.ErrorKind]int64 `json:"error_counts,omitempty"`
	CostBps        float64                   `json:"cost_bps"`
	Status         Status                    `json:"status"`
	Specialization []types.AssetClass        `json:"specialization"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// LoadRatio is current load over capacity. A venue without capacity reads as full.
func (p Profile) LoadRatio() float64 {
	if p.Capacity <= 0 {
		return 1
	}
	return float64(p.CurrentLoad) / float64(p.Capacity)
}

// Heat classifies the load ratio
func (p Profile) Heat() Heat {
	r := p.LoadRatio()
	switch {
	case r > 0.8:
		return HeatHot
	case r > 0.6:
		return HeatWarm
	default:
		return HeatCool
	}
}

// Handles reports whether the venue specializes in the asset class.
// An empty specialization list handles everything.
func (p Profile) Handles(ac types.AssetClass) bool {
	if len(p.Specialization) == 0 || ac == "" {
		return true
	}
	for _, s := range p.Specialization {
		if s == ac {
			return true
		}
	}
	return false
}

func (p Profile) clone() Profile {
	out := p
	if p.ErrorCounts != nil {
		out.ErrorCounts = make(map[types.ErrorKind]int64, len(p.ErrorCounts))
		for k, v := range p.ErrorCounts {
			out.ErrorCounts[k] = v
		}
	}
	out.Specialization = append([]types.AssetClass(nil), p.Specialization...)
	return out
}

// Outcome is one terminal order result folded into the rolling statistics
type Outcome struct {
	Alpha       float64       `json:"alpha"`
	Latency     time.Duration `json:"latency"`
	Success     bool          `json:"success"`
	Filled      bool          `json:"filled"`
	Rejected    bool          `json:"rejected"`
	SlippageBps float64       `json:"slippage_bps"`
}

// Delta is a partial change applied by Registry.Update. Nil fields are left alone.
type Delta struct {
	LoadChange    int
	Status        *Status
	Capacity      *int
	CostBps       *float64
	LatencySample *time.Duration
	Outcome       *Outcome
	ErrorKind     types.ErrorKind
}

// MetricUpdate is one message of the inbound venue metric feed
type MetricUpdate struct {
	VenueID   string    `json:"venue_id"`
	Status    Status    `json:"status,omitempty"`
	LatencyMs float64   `json:"latency_ms,omitempty"`
	CostBps   *float64  `json:"cost_bps,omitempty"`
	Capacity  *int      `json:"capacity,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Delta converts the feed message into a registry delta
func (m MetricUpdate) Delta() Delta {
	var d Delta
	if m.Status != "" {
		s := m.Status
		d.Status = &s
	}
	if m.LatencyMs > 0 {
		l := time.Duration(m.LatencyMs * float64(time.Millisecond))
		d.LatencySample = &l
	}
	d.CostBps = m.CostBps
	d.Capacity = m.Capacity
	return d
}

// Filter selects venues in List. Zero values match everything.
type Filter struct {
	Statuses     []Status
	AssetClass   types.AssetClass
	MaxLoadRatio float64
}

func (f Filter) match(p Profile) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if p.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AssetClass != "" && !p.Handles(f.AssetClass) {
		return false
	}
	if f.MaxLoadRatio > 0 && p.LoadRatio() >= f.MaxLoadRatio {
		return false
	}
	return true
}
