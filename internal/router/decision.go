package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/translator"
)

// Status is the lifecycle of a routing decision
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouted    Status = "routed"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// allowed lists the forward transitions of the decision state machine
var allowed = map[Status][]Status{
	StatusPending:   {StatusRouted, StatusFailed, StatusCancelled},
	StatusRouted:    {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Transition is one recorded state change
type Transition struct {
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Attempt records one venue tried while routing
type Attempt struct {
	VenueID string            `json:"venue_id"`
	Status  translator.Status `json:"status"`
	Errors  []string          `json:"errors,omitempty"`
}

// Decision is the routing decision for one order. Status only moves forward.
type Decision struct {
	mu sync.Mutex

	ID                 string
	OrderID            string
	VenueID            string
	Reason             Reason
	Score              float64
	Breakdown          Breakdown
	EstimatedExecution time.Duration
	EstimatedCostBps   float64
	Attempts           []Attempt
	Candidates         []Candidate
	Translation        *translator.TranslatedOrder
	CreatedAt          time.Time

	status    Status
	history   []Transition
	publisher events.Publisher
	now       func() time.Time
}

// Snapshot is an immutable copy of a decision
type Snapshot struct {
	ID                 string                      `json:"id"`
	OrderID            string                      `json:"order_id"`
	VenueID            string                      `json:"venue_id,omitempty"`
	Reason             Reason                      `json:"reason,omitempty"`
	Score              float64                     `json:"score"`
	Breakdown          Breakdown                   `json:"breakdown"`
	EstimatedExecution time.Duration               `json:"estimated_execution"`
	EstimatedCostBps   float64                     `json:"estimated_cost_bps"`
	Attempts           []Attempt                   `json:"attempts,omitempty"`
	Candidates         []Candidate                 `json:"candidates,omitempty"`
	Translation        *translator.TranslatedOrder `json:"translation,omitempty"`
	Status             Status                      `json:"status"`
	History            []Transition                `json:"history"`
	CreatedAt          time.Time                   `json:"created_at"`
}

func newDecision(id, orderID string, publisher events.Publisher, now func() time.Time) *Decision {
	d := &Decision{
		ID:        id,
		OrderID:   orderID,
		CreatedAt: now(),
		publisher: publisher,
		now:       now,
	}
	d.mu.Lock()
	d.record("", StatusPending, "")
	d.mu.Unlock()
	return d
}

// Status returns the current status
func (d *Decision) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// History returns the recorded transitions, oldest first
func (d *Decision) History() []Transition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Transition(nil), d.history...)
}

// Snapshot copies the decision
func (d *Decision) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot()
}

func (d *Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Snapshot())
}

// MarkExecuting records the venue acknowledgement
func (d *Decision) MarkExecuting() error {
	return d.transition(StatusExecuting, "", StatusRouted)
}

// Complete records a terminal fill
func (d *Decision) Complete() error {
	return d.transition(StatusCompleted, "", StatusExecuting)
}

// Fail records a terminal failure
func (d *Decision) Fail(detail string) error {
	return d.transition(StatusFailed, detail, StatusPending, StatusRouted, StatusExecuting)
}

// Cancel cancels locally. An executing order must be cancelled at the venue.
func (d *Decision) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.status {
	case StatusPending, StatusRouted:
		d.record(d.status, StatusCancelled, "cancelled before execution")
		return nil
	case StatusExecuting:
		return fmt.Errorf("%w: decision %s is executing", ErrCancelNotAllowed, d.ID)
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.status, StatusCancelled)
	}
}

// ConfirmVenueCancel records a cancellation confirmed by the venue
func (d *Decision) ConfirmVenueCancel() error {
	return d.transition(StatusCancelled, "cancelled at venue", StatusExecuting)
}

// Helper methods

func (d *Decision) markRouted(c Candidate, reason Reason, t *translator.TranslatedOrder) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.status, StatusRouted)
	}
	d.VenueID = c.Venue.ID
	d.Reason = reason
	d.Score = c.Score
	d.Breakdown = c.Breakdown
	d.EstimatedExecution = c.Venue.MeanLatency
	d.EstimatedCostBps = c.Venue.CostBps
	d.Translation = t
	d.record(StatusPending, StatusRouted, string(reason))
	return nil
}

func (d *Decision) addAttempt(a Attempt) {
	d.mu.Lock()
	d.Attempts = append(d.Attempts, a)
	d.mu.Unlock()
}

func (d *Decision) transition(to Status, detail string, from ...Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range from {
		if d.status == f && canMove(f, to) {
			d.record(f, to, detail)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.status, to)
}

// record appends the transition and publishes it; caller holds mu
func (d *Decision) record(from, to Status, detail string) {
	d.status = to
	d.history = append(d.history, Transition{From: from, To: to, At: d.now(), Detail: detail})
	if d.publisher != nil {
		d.publisher.Publish(events.New(events.DecisionTransition, d.OrderID, d.VenueID, d.snapshot()))
	}
}

func (d *Decision) snapshot() Snapshot {
	return Snapshot{
		ID:                 d.ID,
		OrderID:            d.OrderID,
		VenueID:            d.VenueID,
		Reason:             d.Reason,
		Score:              d.Score,
		Breakdown:          d.Breakdown,
		EstimatedExecution: d.EstimatedExecution,
		EstimatedCostBps:   d.EstimatedCostBps,
		Attempts:           append([]Attempt(nil), d.Attempts...),
		Candidates:         append([]Candidate(nil), d.Candidates...),
		Translation:        d.Translation,
		Status:             d.status,
		History:            append([]Transition(nil), d.history...),
		CreatedAt:          d.CreatedAt,
	}
}

func canMove(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
