package router

import (
	"sync"
	"time"
)

// PerformanceMetrics summarizes routing activity
type PerformanceMetrics struct {
	TotalDecisions    int64            `json:"total_decisions"`
	RoutedDecisions   int64            `json:"routed_decisions"`
	FailedDecisions   int64            `json:"failed_decisions"`
	AverageScore      float64          `json:"average_score"`
	VenueDistribution map[string]int64 `json:"venue_distribution"`
	ReasonCounts      map[Reason]int64 `json:"reason_counts"`
}

// HourlyStats tracks routing per hour
type HourlyStats struct {
	Hour      time.Time        `json:"hour"`
	Routed    int64            `json:"routed"`
	Failed    int64            `json:"failed"`
	ByVenue   map[string]int64 `json:"by_venue"`
	MeanScore float64          `json:"mean_score"`
}

// PerformanceTracker tracks routing performance metrics
type PerformanceTracker struct {
	mu          sync.RWMutex
	metrics     PerformanceMetrics
	hourlyStats map[int64]*HourlyStats // Unix hour -> stats
	retention   time.Duration
	now         func() time.Time
}

// NewPerformanceTracker creates a tracker keeping one day of hourly stats
func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{
		metrics: PerformanceMetrics{
			VenueDistribution: make(map[string]int64),
			ReasonCounts:      make(map[Reason]int64),
		},
		hourlyStats: make(map[int64]*HourlyStats),
		retention:   24 * time.Hour,
		now:         time.Now,
	}
}

// RecordRouting records a successful routing decision
func (pt *PerformanceTracker) RecordRouting(venueID string, reason Reason, score float64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.metrics.TotalDecisions++
	pt.metrics.RoutedDecisions++
	pt.metrics.VenueDistribution[venueID]++
	pt.metrics.ReasonCounts[reason]++
	pt.metrics.AverageScore = calculateRunningAverage(pt.metrics.AverageScore, score, pt.metrics.RoutedDecisions)

	h := pt.hour()
	h.Routed++
	h.ByVenue[venueID]++
	h.MeanScore = calculateRunningAverage(h.MeanScore, score, h.Routed)
}

// RecordFailure records a decision that could not be routed
func (pt *PerformanceTracker) RecordFailure() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.metrics.TotalDecisions++
	pt.metrics.FailedDecisions++
	pt.hour().Failed++
}

// GetMetrics returns a copy of the current metrics
func (pt *PerformanceTracker) GetMetrics() PerformanceMetrics {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := pt.metrics
	out.VenueDistribution = make(map[string]int64, len(pt.metrics.VenueDistribution))
	for k, v := range pt.metrics.VenueDistribution {
		out.VenueDistribution[k] = v
	}
	out.ReasonCounts = make(map[Reason]int64, len(pt.metrics.ReasonCounts))
	for k, v := range pt.metrics.ReasonCounts {
		out.ReasonCounts[k] = v
	}
	return out
}

// GetHourlyStats returns the stats of the hour containing t
func (pt *PerformanceTracker) GetHourlyStats(t time.Time) (HourlyStats, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	h, ok := pt.hourlyStats[t.Unix()/3600]
	if !ok {
		return HourlyStats{}, false
	}
	out := *h
	out.ByVenue = make(map[string]int64, len(h.ByVenue))
	for k, v := range h.ByVenue {
		out.ByVenue[k] = v
	}
	return out, true
}

// Helper methods

// hour returns the current bucket, pruning expired ones; caller holds mu
func (pt *PerformanceTracker) hour() *HourlyStats {
	now := pt.now()
	key := now.Unix() / 3600
	h, ok := pt.hourlyStats[key]
	if !ok {
		h = &HourlyStats{
			Hour:    time.Unix(key*3600, 0),
			ByVenue: make(map[string]int64),
		}
		pt.hourlyStats[key] = h

		cutoff := now.Add(-pt.retention).Unix() / 3600
		for k := range pt.hourlyStats {
			if k < cutoff {
				delete(pt.hourlyStats, k)
			}
		}
	}
	return h
}

func calculateRunningAverage(current, sample float64, count int64) float64 {
	if count <= 1 {
		return sample
	}
	return current + (sample-current)/float64(count)
}
