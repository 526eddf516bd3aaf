package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/marketdata"
	"github.com/mExOms/routex/internal/venue"
)

// Subject naming convention:
// routex.events.{event type}.{order}
// routex.venues.metrics.{venue}
// routex.venues.market.{venue}.{symbol}
// Examples:
// - routex.events.decision.transition.3f0c...
// - routex.events.venue.updated._
// - routex.venues.metrics.nse
// - routex.venues.market.nse.INFY

const (
	SubjectPrefix = "routex"

	// AllEvents matches every routing event
	AllEvents = SubjectPrefix + ".events.>"
	// AllVenueMetrics matches the metric feed of every venue
	AllVenueMetrics = SubjectPrefix + ".venues.metrics.*"
	// AllMarketTicks matches every venue's trade and quote feed
	AllMarketTicks = SubjectPrefix + ".venues.market.*.*"

	eventsPrefix  = SubjectPrefix + ".events."
	metricsPrefix = SubjectPrefix + ".venues.metrics."
	marketPrefix  = SubjectPrefix + ".venues.market."

	// noOrder stands in for events not tied to an order
	noOrder = "_"
)

// Stream names for JetStream
const (
	StreamEvents = "ROUTEX_EVENTS"
	StreamVenues = "ROUTEX_VENUES"
)

var (
	ErrInvalidSubject = errors.New("invalid subject")
	ErrMissingVenue   = errors.New("venue metric without venue id")
)

// EventSubject builds the subject an event is published on
func EventSubject(t events.Type, orderID string) string {
	if orderID == "" {
		orderID = noOrder
	}
	return eventsPrefix + string(t) + "." + token(orderID)
}

// ParseEventSubject splits an event subject into event type and order id.
// Events without an order return an empty order id.
func ParseEventSubject(subject string) (events.Type, string, error) {
	rest, ok := strings.CutPrefix(subject, eventsPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidSubject, subject)
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidSubject, subject)
	}
	orderID := rest[i+1:]
	if orderID == noOrder {
		orderID = ""
	}
	return events.Type(rest[:i]), orderID, nil
}

// VenueMetricsSubject builds the metric feed subject of a venue
func VenueMetricsSubject(venueID string) string {
	return metricsPrefix + token(venueID)
}

// ParseVenueMetricsSubject returns the venue of a metric feed subject
func ParseVenueMetricsSubject(subject string) (string, error) {
	id, ok := strings.CutPrefix(subject, metricsPrefix)
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", fmt.Errorf("%w: %s", ErrInvalidSubject, subject)
	}
	return id, nil
}

// DecodeMetricUpdate decodes a metric feed message. The venue id defaults to
// the one named by the subject.
func DecodeMetricUpdate(subject string, data []byte) (venue.MetricUpdate, error) {
	var u venue.MetricUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("failed to decode venue metric on %s: %w", subject, err)
	}
	if u.VenueID == "" {
		id, err := ParseVenueMetricsSubject(subject)
		if err != nil {
			return u, err
		}
		u.VenueID = id
	}
	if u.VenueID == "" {
		return u, ErrMissingVenue
	}
	return u, nil
}

// MarketSubject builds the market feed subject of a symbol at a venue
func MarketSubject(venueID, symbol string) string {
	return marketPrefix + token(venueID) + "." + token(symbol)
}

// ParseMarketSubject returns the venue and symbol of a market feed subject
func ParseMarketSubject(subject string) (string, string, error) {
	rest, ok := strings.CutPrefix(subject, marketPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidSubject, subject)
	}
	venueID, symbol, ok := strings.Cut(rest, ".")
	if !ok || venueID == "" || symbol == "" || strings.Contains(symbol, ".") {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidSubject, subject)
	}
	return venueID, symbol, nil
}

// DecodeTick decodes a market feed message. Venue and symbol default to the
// ones named by the subject.
func DecodeTick(subject string, data []byte) (marketdata.Tick, error) {
	var t marketdata.Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("failed to decode market tick on %s: %w", subject, err)
	}
	if t.VenueID == "" || t.Symbol == "" {
		venueID, symbol, err := ParseMarketSubject(subject)
		if err != nil {
			return t, err
		}
		if t.VenueID == "" {
			t.VenueID = venueID
		}
		if t.Symbol == "" {
			t.Symbol = symbol
		}
	}
	return t, nil
}

// token makes s safe to use as a single subject token
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
