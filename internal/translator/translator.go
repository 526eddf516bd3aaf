package translator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/pkg/types"
)

// Status is the lifecycle of a translation
type Status string

const (
	StatusPending         Status = "pending"
	StatusTranslating     Status = "translating"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusValidationError Status = "validation_error"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusValidationError
}

// VenuePayload is the venue-shaped order
type VenuePayload struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	Quantity      int64  `json:"quantity"`
	Price         string `json:"price,omitempty"`
	TriggerPrice  string `json:"trigger_price,omitempty"`
	TargetPrice   string `json:"target_price,omitempty"`
	TimeInForce   string `json:"time_in_force,omitempty"`
}

// TranslatedOrder is one translation of an order for one venue
type TranslatedOrder struct {
	OrderID       string          `json:"order_id"`
	OrderVersion  int             `json:"order_version"`
	VenueID       string          `json:"venue_id"`
	SourceVersion string          `json:"source_version"`
	TargetVersion string          `json:"target_version,omitempty"`
	Payload       *VenuePayload   `json:"payload,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
	Status        Status          `json:"status"`
	Transitions   []Status        `json:"transitions"`
}

// OK reports whether the translation produced a sendable payload
func (t *TranslatedOrder) OK() bool {
	return t.Status == StatusCompleted
}

// Sink receives every translation for audit
type Sink interface {
	RecordTranslation(t *TranslatedOrder) error
}

// Translator converts canonical orders into venue payloads
type Translator struct {
	mu      sync.RWMutex
	schemas map[string]Schema
	history map[string][]*TranslatedOrder
	sink    Sink
	logger  *logrus.Entry
}

// New creates a translator with the given venue schemas
func New(schemas []Schema, sink Sink, logger *logrus.Entry) *Translator {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	t := &Translator{
		schemas: make(map[string]Schema, len(schemas)),
		history: make(map[string][]*TranslatedOrder),
		sink:    sink,
		logger:  logger.WithField("component", "translator"),
	}
	for _, s := range schemas {
		t.schemas[s.VenueID] = s
	}
	return t
}

// SetSchema installs or replaces a venue schema
func (t *Translator) SetSchema(s Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schemas[s.VenueID] = s
}

// Schema returns the schema for a venue
func (t *Translator) Schema(venueID string) (Schema, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.schemas[venueID]
	return s, ok
}

// Translate converts the order for a venue. It never fails outright:
// problems are reported through Status and Errors.
func (t *Translator) Translate(order *types.CanonicalOrder, venueID string) *TranslatedOrder {
	out := &TranslatedOrder{
		VenueID:       venueID,
		SourceVersion: CanonicalSchemaVersion,
		Status:        StatusPending,
		Transitions:   []Status{StatusPending},
	}
	if order != nil {
		out.OrderID = order.ID
		out.OrderVersion = order.Version
	}
	out.advance(StatusTranslating)

	schema, ok := t.Schema(venueID)
	switch {
	case order == nil:
		out.Errors = []string{"nil order"}
		out.advance(StatusFailed)
	case !ok:
		out.Errors = []string{fmt.Sprintf("no schema for venue %q", venueID)}
		out.advance(StatusFailed)
	default:
		out.TargetVersion = schema.Version
		t.translate(order, schema, out)
	}

	t.record(out)
	return out
}

// History returns every translation made for the order, oldest first
func (t *Translator) History(orderID string) []*TranslatedOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*TranslatedOrder(nil), t.history[orderID]...)
}

// ClientOrderID derives a stable client id from order, venue and version
func ClientOrderID(orderID, venueID string, version int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%s|%d", orderID, venueID, version))).String()
}

// Helper methods

func (t *Translator) translate(order *types.CanonicalOrder, s Schema, out *TranslatedOrder) {
	var errs []string
	if err := order.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	side, ok := s.SideNames[order.Side]
	if !ok {
		errs = append(errs, fmt.Sprintf("side %s not supported", order.Side))
	}
	kind, ok := s.KindNames[order.Kind]
	if !ok {
		errs = append(errs, fmt.Sprintf("order kind %s not supported", order.Kind))
	}
	tif := ""
	if order.TimeInForce != "" {
		name, ok := s.TIFNames[order.TimeInForce]
		if !ok {
			errs = append(errs, fmt.Sprintf("time in force %s not supported", order.TimeInForce))
		}
		tif = name
	}
	if s.LotSize > 1 && order.Quantity%s.LotSize != 0 {
		errs = append(errs, fmt.Sprintf("quantity %d is not a multiple of lot size %d", order.Quantity, s.LotSize))
	}
	if !s.WithinFreeze(order.Quantity) {
		errs = append(errs, fmt.Sprintf("quantity %d exceeds freeze limit %d", order.Quantity, s.FreezeQuantity))
	}

	payload := &VenuePayload{
		ClientOrderID: ClientOrderID(order.ID, s.VenueID, order.Version),
		Symbol:        s.SymbolPrefix + order.Symbol + s.SymbolSuffix,
		Side:          side,
		OrderType:     kind,
		Quantity:      order.Quantity,
		TimeInForce:   tif,
	}
	if order.Price.IsPositive() {
		payload.Price = s.FormatPrice(order.Price)
		if !s.WithinBand(s.RoundPrice(order.Price), order.ReferencePrice) {
			lo, hi, _ := s.Band(order.ReferencePrice)
			errs = append(errs, fmt.Sprintf("price %s outside circuit band [%s, %s]", payload.Price, lo, hi))
		}
	}
	if order.StopPrice.IsPositive() {
		payload.TriggerPrice = s.FormatPrice(order.StopPrice)
	}
	if order.TargetPrice.IsPositive() {
		payload.TargetPrice = s.FormatPrice(order.TargetPrice)
	}

	if len(errs) > 0 {
		out.Errors = errs
		out.advance(StatusValidationError)
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		out.Errors = []string{err.Error()}
		out.advance(StatusFailed)
		return
	}
	out.Payload = payload
	out.Raw = raw
	out.advance(StatusCompleted)
}

func (t *Translator) record(out *TranslatedOrder) {
	t.mu.Lock()
	t.history[out.OrderID] = append(t.history[out.OrderID], out)
	t.mu.Unlock()

	entry := t.logger.WithFields(logrus.Fields{
		"order_id": out.OrderID,
		"venue":    out.VenueID,
		"status":   out.Status,
	})
	if out.OK() {
		entry.Debug("Order translated")
	} else {
		entry.WithField("errors", out.Errors).Warn("Order translation rejected")
	}

	if t.sink != nil {
		if err := t.sink.RecordTranslation(out); err != nil {
			entry.WithError(err).Warn("Failed to write translation audit")
		}
	}
}

func (o *TranslatedOrder) advance(s Status) {
	if o.Status.Terminal() {
		return
	}
	o.Status = s
	o.Transitions = append(o.Transitions, s)
}
