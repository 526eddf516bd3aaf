package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/translator"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/types"
)

var (
	ErrRecordNotFound   = errors.New("failure record not found")
	ErrRetryNotAllowed  = errors.New("retry not allowed for this error kind")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrActionNotOffered = errors.New("recovery action not offered")
)

// DefaultMaxRetries applies when a caller passes no limit
const DefaultMaxRetries = 3

// Archive stores resolved failure records
type Archive interface {
	Put(ctx context.Context, rec FailureRecord) error
	Get(ctx context.Context, orderID string) (FailureRecord, error)
	List(ctx context.Context) ([]FailureRecord, error)
}

// Schemas looks up venue schemas for modification suggestions
type Schemas interface {
	Schema(venueID string) (translator.Schema, bool)
}

// Book holds the open failure record of every failed order
type Book struct {
	mu      sync.Mutex
	records map[string]*FailureRecord // order id

	archive   Archive
	schemas   Schemas
	publisher events.Publisher
	now       func() time.Time
	logger    *logrus.Entry
}

// NewBook creates a failure book. A nil archive keeps resolved records in memory.
func NewBook(archive Archive, schemas Schemas, publisher events.Publisher, logger *logrus.Entry) *Book {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	if archive == nil {
		archive = NewMemoryArchive()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Book{
		records:   make(map[string]*FailureRecord),
		archive:   archive,
		schemas:   schemas,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.WithField("component", "failure_book"),
	}
}

// Open records a venue rejection. A second failure of the same order updates
// its record and keeps the retry count.
func (b *Book) Open(order types.CanonicalOrder, venueID string, resp venue.Response, maxRetries int) FailureRecord {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	kind := Classify(resp)
	now := b.now()

	b.mu.Lock()
	rec, existing := b.records[order.ID]
	if !existing {
		rec = &FailureRecord{
			ID:      uuid.NewString(),
			OrderID: order.ID,
		}
		b.records[order.ID] = rec
	}
	rec.VenueID = venueID
	rec.Kind = kind
	rec.Timestamp = now
	rec.UpdatedAt = now
	rec.Failures++
	rec.MaxRetries = maxRetries
	rec.CanRetry = CanRetry(kind)
	rec.CanModify = CanModify(kind)
	rec.Message, rec.Code, rec.HTTPStatus, rec.Diagnostic = "", "", 0, nil
	if r := resp.Reject; r != nil {
		rec.Message = r.Message
		rec.Code = r.Code
		rec.HTTPStatus = r.HTTPStatus
		rec.Diagnostic = r.Diagnostic
	}
	rec.Suggestion = b.suggest(kind, order, venueID)
	rec.Strategies = Plan(*rec)
	out := rec.clone()
	b.mu.Unlock()

	eventType := events.FailureRecorded
	if existing {
		eventType = events.FailureUpdated
	}
	b.publisher.Publish(events.New(eventType, out.OrderID, venueID, out))
	b.logger.WithFields(logrus.Fields{
		"order_id":   out.OrderID,
		"venue":      venueID,
		"error_type": kind,
		"failures":   out.Failures,
		"retries":    out.RetryAttempts,
	}).Warn("Order failure recorded")
	return out
}

// RecordRetry counts a retry of the order's failed submission
func (b *Book) RecordRetry(orderID string) (FailureRecord, error) {
	b.mu.Lock()
	rec, ok := b.records[orderID]
	if !ok {
		b.mu.Unlock()
		return FailureRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, orderID)
	}
	if !rec.CanRetry {
		b.mu.Unlock()
		return FailureRecord{}, fmt.Errorf("%w: %s", ErrRetryNotAllowed, rec.Kind)
	}
	if rec.RetryAttempts >= rec.MaxRetries {
		b.mu.Unlock()
		return FailureRecord{}, fmt.Errorf("%w: %d of %d", ErrRetriesExhausted, rec.RetryAttempts, rec.MaxRetries)
	}
	rec.RetryAttempts++
	rec.UpdatedAt = b.now()
	rec.Strategies = Plan(*rec)
	out := rec.clone()
	b.mu.Unlock()

	b.publisher.Publish(events.New(events.FailureUpdated, orderID, out.VenueID, out))
	return out, nil
}

// Get returns the open record of an order, falling back to the archive
func (b *Book) Get(ctx context.Context, orderID string) (FailureRecord, error) {
	b.mu.Lock()
	rec, ok := b.records[orderID]
	if ok {
		out := rec.clone()
		b.mu.Unlock()
		return out, nil
	}
	b.mu.Unlock()
	return b.archive.Get(ctx, orderID)
}

// OpenRecords lists open records ordered by time
func (b *Book) OpenRecords() []FailureRecord {
	b.mu.Lock()
	out := make([]FailureRecord, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r.clone())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Offers reports whether the order's current plan contains the action
func (b *Book) Offers(orderID string, action Action) (FailureRecord, error) {
	rec, err := b.Get(context.Background(), orderID)
	if err != nil {
		return FailureRecord{}, err
	}
	for _, s := range rec.Strategies {
		if s.Action == action {
			return rec, nil
		}
	}
	return rec, fmt.Errorf("%w: %s for %s", ErrActionNotOffered, action, rec.Kind)
}

// Archive resolves the order's record with the applied action and moves it
// to the archive
func (b *Book) Archive(ctx context.Context, orderID string, resolution Action) (FailureRecord, error) {
	b.mu.Lock()
	rec, ok := b.records[orderID]
	if !ok {
		b.mu.Unlock()
		return FailureRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, orderID)
	}
	rec.Resolved = true
	rec.Resolution = resolution
	rec.UpdatedAt = b.now()
	out := rec.clone()
	delete(b.records, orderID)
	b.mu.Unlock()

	if err := b.archive.Put(ctx, out); err != nil {
		b.logger.WithError(err).WithField("order_id", orderID).Error("Failed to archive failure record")
		b.mu.Lock()
		rec.Resolved, rec.Resolution = false, ""
		b.records[orderID] = rec
		b.mu.Unlock()
		return FailureRecord{}, fmt.Errorf("archive failure record %s: %w", orderID, err)
	}
	b.publisher.Publish(events.New(events.FailureArchived, orderID, out.VenueID, out))
	b.logger.WithFields(logrus.Fields{
		"order_id":   orderID,
		"resolution": resolution,
	}).Info("Failure record archived")
	return out, nil
}

// Helper methods

func (b *Book) suggest(kind types.ErrorKind, order types.CanonicalOrder, venueID string) *Suggestion {
	if b.schemas == nil {
		return Suggest(kind, order, nil)
	}
	s, ok := b.schemas.Schema(venueID)
	if !ok {
		return Suggest(kind, order, nil)
	}
	return Suggest(kind, order, &s)
}
