package algo

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mExOms/routex/pkg/types"
)

var (
	ErrNotAlgoOrder    = errors.New("order carries no algo parameters")
	ErrAlgoFinished    = errors.New("algo order already finished")
	ErrInvalidAlgoMove = errors.New("invalid algo status change")
	ErrAlgoNotFound    = errors.New("algo order not found")
)

// Status is the lifecycle of an algo order
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// StopReason explains why an algo order stopped
type StopReason string

const (
	StopFilled        StopReason = "filled"
	StopCancelled     StopReason = "cancelled"
	StopPriceLimit    StopReason = "price_limit"
	StopContext       StopReason = "context_done"
	StopSliceFailures StopReason = "slice_failures"
	StopHorizon       StopReason = "horizon_elapsed"
)

// AlgoOrder is a parent order being worked by an algorithm.
// Executed plus remaining always equals the total quantity.
type AlgoOrder struct {
	mu sync.Mutex

	ID     string
	Parent types.CanonicalOrder
	Params types.AlgoParams

	total        int64
	executed     int64
	notional     decimal.Decimal
	lastPrice    decimal.Decimal
	ticks        int
	skipped      int
	slices       int
	failedSlices int
	status       Status
	reason       StopReason
	startedAt    time.Time
	updatedAt    time.Time
}

// Snapshot is a consistent copy of an algo order's progress
type Snapshot struct {
	ID           string          `json:"id"`
	ParentID     string          `json:"parent_id"`
	Symbol       string          `json:"symbol"`
	Side         types.OrderSide `json:"side"`
	Algorithm    types.AlgoKind  `json:"algorithm"`
	Total        int64           `json:"total"`
	Executed     int64           `json:"executed"`
	Remaining    int64           `json:"remaining"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Ticks        int             `json:"ticks"`
	Skipped      int             `json:"skipped"`
	Slices       int             `json:"slices"`
	FailedSlices int             `json:"failed_slices"`
	Status       Status          `json:"status"`
	StopReason   StopReason      `json:"stop_reason,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewAlgoOrder wraps a parent order that carries algo parameters
func NewAlgoOrder(parent types.CanonicalOrder) (*AlgoOrder, error) {
	if parent.Algo == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAlgoOrder, parent.ID)
	}
	if err := parent.Validate(); err != nil {
		return nil, err
	}
	if err := parent.Algo.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidOrder, err)
	}
	return &AlgoOrder{
		ID:     uuid.NewString(),
		Parent: parent,
		Params: *parent.Algo,
		total:  parent.Quantity,
		status: StatusActive,
	}, nil
}

// Status returns the current status
func (a *AlgoOrder) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Remaining returns the quantity still to execute
func (a *AlgoOrder) Remaining() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.executed
}

// Snapshot copies the order's progress
func (a *AlgoOrder) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		ID:           a.ID,
		ParentID:     a.Parent.ID,
		Symbol:       a.Parent.Symbol,
		Side:         a.Parent.Side,
		Algorithm:    a.Params.Kind,
		Total:        a.total,
		Executed:     a.executed,
		Remaining:    a.total - a.executed,
		LastPrice:    a.lastPrice,
		Ticks:        a.ticks,
		Skipped:      a.skipped,
		Slices:       a.slices,
		FailedSlices: a.failedSlices,
		Status:       a.status,
		StopReason:   a.reason,
		StartedAt:    a.startedAt,
		UpdatedAt:    a.updatedAt,
	}
	if a.executed > 0 {
		s.AvgPrice = a.notional.Div(decimal.NewFromInt(a.executed))
	}
	return s
}

// Helper methods

func (a *AlgoOrder) start(now time.Time) {
	a.mu.Lock()
	a.startedAt = now
	a.updatedAt = now
	a.mu.Unlock()
}

// fill applies an execution, capped at the remaining quantity
func (a *AlgoOrder) fill(qty int64, price decimal.Decimal, now time.Time) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if qty <= 0 {
		return 0
	}
	if rem := a.total - a.executed; qty > rem {
		qty = rem
	}
	a.executed += qty
	if price.IsPositive() {
		a.notional = a.notional.Add(price.Mul(decimal.NewFromInt(qty)))
		a.lastPrice = price
	}
	a.updatedAt = now
	return qty
}

func (a *AlgoOrder) countTick(now time.Time) {
	a.mu.Lock()
	a.ticks++
	a.updatedAt = now
	a.mu.Unlock()
}

func (a *AlgoOrder) countSkip(now time.Time) {
	a.mu.Lock()
	a.skipped++
	a.updatedAt = now
	a.mu.Unlock()
}

func (a *AlgoOrder) countSlice(failed bool) {
	a.mu.Lock()
	a.slices++
	if failed {
		a.failedSlices++
	}
	a.mu.Unlock()
}

func (a *AlgoOrder) setPaused(paused bool, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	from, to := StatusActive, StatusPaused
	if !paused {
		from, to = StatusPaused, StatusActive
	}
	if a.status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlgoFinished, a.ID)
	}
	if a.status != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidAlgoMove, a.status, to)
	}
	a.status = to
	a.updatedAt = now
	return nil
}

// finish moves to a terminal status once; later calls are ignored
func (a *AlgoOrder) finish(status Status, reason StopReason, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.Terminal() {
		return false
	}
	a.status = status
	a.reason = reason
	a.updatedAt = now
	return true
}
