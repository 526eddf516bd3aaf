package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mExOms/routex/internal/venue"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check function
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// SystemHealth represents the overall system health
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Timestamp  time.Time         `json:"timestamp"`
}

// HealthChecker runs registered checks, caching results briefly
type HealthChecker struct {
	mu sync.RWMutex

	checks      map[string]HealthCheck
	lastResults map[string]ComponentHealth
	cacheExpiry time.Duration
	timeout     time.Duration

	startTime time.Time
	version   string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:      make(map[string]HealthCheck),
		lastResults: make(map[string]ComponentHealth),
		cacheExpiry: 10 * time.Second,
		timeout:     5 * time.Second,
		startTime:   time.Now(),
		version:     version,
	}
}

// RegisterCheck registers a health check
func (hc *HealthChecker) RegisterCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = check
	delete(hc.lastResults, name)
}

// CheckHealth runs all checks in parallel
func (hc *HealthChecker) CheckHealth(ctx context.Context) SystemHealth {
	hc.mu.RLock()
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(checks))

	for name, check := range checks {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()

			if cached, ok := hc.getCachedResult(n); ok {
				results <- cached
				return
			}

			checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()

			result := c(checkCtx)
			result.Name = n
			result.LastChecked = time.Now()
			hc.setCachedResult(n, result)

			results <- result
		}(name, check)
	}

	wg.Wait()
	close(results)

	components := make([]ComponentHealth, 0, len(checks))
	overallStatus := HealthStatusHealthy
	for result := range results {
		components = append(components, result)

		if result.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
		} else if result.Status == HealthStatusDegraded && overallStatus == HealthStatusHealthy {
			overallStatus = HealthStatusDegraded
		}
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return SystemHealth{
		Status:     overallStatus,
		Components: components,
		Version:    hc.version,
		Uptime:     time.Since(hc.startTime).String(),
		Timestamp:  time.Now(),
	}
}

// HTTPHandler serves the system health as JSON. Unhealthy answers 503.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hc.CheckHealth(r.Context())

		statusCode := http.StatusOK
		if health.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	}
}

// Helper methods

func (hc *HealthChecker) getCachedResult(name string) (ComponentHealth, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	if result, ok := hc.lastResults[name]; ok {
		if time.Since(result.LastChecked) < hc.cacheExpiry {
			return result, true
		}
	}

	return ComponentHealth{}, false
}

func (hc *HealthChecker) setCachedResult(name string, result ComponentHealth) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.lastResults[name] = result
}

// Common health checks

// Pinger is a dependency that can prove it is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck is healthy while p answers
func PingCheck(p Pinger) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: err.Error(),
			}
		}
		return ComponentHealth{
			Status:  HealthStatusHealthy,
			Details: map[string]interface{}{"latency": time.Since(start).String()},
		}
	}
}

// VenueLister lists venue profiles
type VenueLister interface {
	List(f venue.Filter) []venue.Profile
}

// VenueCheck is unhealthy when no venue is online and degraded while any
// venue is not online or runs hot
func VenueCheck(venues VenueLister) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		all := venues.List(venue.Filter{})
		counts := make(map[string]interface{})
		online, hot := 0, 0
		for _, p := range all {
			key := string(p.Status)
			n, _ := counts[key].(int)
			counts[key] = n + 1
			if p.Status == venue.StatusOnline {
				online++
			}
			if p.Heat() == venue.HeatHot {
				hot++
			}
		}
		counts["hot"] = hot

		status := HealthStatusHealthy
		switch {
		case online == 0:
			status = HealthStatusUnhealthy
		case online < len(all) || hot > 0:
			status = HealthStatusDegraded
		}
		return ComponentHealth{
			Status:  status,
			Message: fmt.Sprintf("%d of %d venues online", online, len(all)),
			Details: counts,
		}
	}
}
