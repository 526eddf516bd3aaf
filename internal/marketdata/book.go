package marketdata

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/tracker"
)

var ErrInvalidTick = errors.New("invalid market tick")

// Tick is one trade print or quote update from a venue
type Tick struct {
	VenueID string          `json:"venue_id"`
	Symbol  string          `json:"symbol"`
	Price   decimal.Decimal `json:"price"`
	Volume  int64           `json:"volume"`
	Time    time.Time       `json:"timestamp"`
}

// Validate checks that the tick can be booked
func (t Tick) Validate() error {
	switch {
	case t.VenueID == "" || t.Symbol == "":
		return ErrInvalidTick
	case t.Volume < 0 || t.Price.IsNegative():
		return ErrInvalidTick
	}
	return nil
}

// Config tunes the book
type Config struct {
	// Window is how long trade prints are kept for volume queries
	Window time.Duration `mapstructure:"window"`
	// MaxAge drops quotes that have not been refreshed
	MaxAge time.Duration `mapstructure:"max_age"`
}

// DefaultConfig keeps one trading session of prints
func DefaultConfig() Config {
	return Config{
		Window: 8 * time.Hour,
		MaxAge: time.Minute,
	}
}

// Book aggregates last prices and traded volume across venues
type Book struct {
	mu sync.RWMutex

	// last price per symbol per venue
	prices map[string]map[string]Tick
	// trade prints per symbol, oldest first
	prints map[string][]Tick
	// reference prices per venue, used when a symbol has no live quote
	reference map[string]decimal.Decimal

	config Config
	now    func() time.Time
	logger *logrus.Entry
}

// NewBook creates an empty book
func NewBook(config Config, logger *logrus.Entry) *Book {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	def := DefaultConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	return &Book{
		prices:    make(map[string]map[string]Tick),
		prints:    make(map[string][]Tick),
		reference: make(map[string]decimal.Decimal),
		config:    config,
		now:       time.Now,
		logger:    logger.WithField("component", "marketdata"),
	}
}

// SetReference sets the fallback price quoted for venueID
func (b *Book) SetReference(venueID string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !price.IsPositive() {
		delete(b.reference, venueID)
		return
	}
	b.reference[venueID] = price
}

// Update books a tick. A positive price refreshes the venue quote; a
// positive volume is recorded as a trade print.
func (b *Book) Update(t Tick) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Time.IsZero() {
		t.Time = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t.Price.IsPositive() {
		venues := b.prices[t.Symbol]
		if venues == nil {
			venues = make(map[string]Tick)
			b.prices[t.Symbol] = venues
		}
		if cur, ok := venues[t.VenueID]; !ok || !t.Time.Before(cur.Time) {
			venues[t.VenueID] = t
		}
	}
	if t.Volume > 0 {
		b.prints[t.Symbol] = insertPrint(b.prints[t.Symbol], t)
		b.trim(t.Symbol)
	}
	return nil
}

// Consume books ticks until the channel closes or ctx ends
func (b *Book) Consume(ctx context.Context, ticks <-chan Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := b.Update(t); err != nil {
				b.logger.WithError(err).WithField("venue_id", t.VenueID).Debug("Tick ignored")
			}
		}
	}
}

// ObserveMetric books the fills of a finalized execution as a trade print
func (b *Book) ObserveMetric(m tracker.ExecutionMetric) {
	if m.FilledQty <= 0 || m.VenueID == "" {
		return
	}
	at := m.Timeline.LastFill
	if at.IsZero() {
		at = m.Timeline.Confirmed
	}
	if err := b.Update(Tick{VenueID: m.VenueID, Symbol: m.Symbol, Price: m.AvgPrice, Volume: m.FilledQty, Time: at}); err != nil {
		b.logger.WithError(err).WithField("order_id", m.OrderID).Debug("Fill not booked")
	}
}

// Quotes returns the live price of symbol at every venue quoting it. Venues
// without a fresh quote fall back to their reference price.
func (b *Book) Quotes(_ context.Context, symbol string) []tracker.Quote {
	cutoff := b.now().Add(-b.config.MaxAge)

	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]tracker.Quote, 0, len(b.prices[symbol])+len(b.reference))
	for id, t := range b.prices[symbol] {
		if t.Time.Before(cutoff) {
			continue
		}
		seen[id] = true
		out = append(out, tracker.Quote{VenueID: id, Price: t.Price})
	}
	for id, p := range b.reference {
		if !seen[id] {
			out = append(out, tracker.Quote{VenueID: id, Price: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VenueID < out[j].VenueID })
	return out
}

// VolumeSince sums the volume printed on symbol strictly after since across
// all venues. No prints is zero volume, not an error.
func (b *Book) VolumeSince(ctx context.Context, symbol string, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	prints := b.prints[symbol]
	i := sort.Search(len(prints), func(i int) bool { return prints[i].Time.After(since) })
	var total int64
	for _, t := range prints[i:] {
		total += t.Volume
	}
	return total, nil
}

// Symbols lists every symbol with a quote or a print
func (b *Book) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := make(map[string]struct{}, len(b.prices))
	for s := range b.prices {
		set[s] = struct{}{}
	}
	for s := range b.prints {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Helper methods

// trim drops prints older than the window. Caller holds the lock.
func (b *Book) trim(symbol string) {
	cutoff := b.now().Add(-b.config.Window)
	prints := b.prints[symbol]
	i := sort.Search(len(prints), func(i int) bool { return !prints[i].Time.Before(cutoff) })
	if i == 0 {
		return
	}
	b.prints[symbol] = append(prints[:0:0], prints[i:]...)
}

// insertPrint keeps prints ordered by time; late prints are slotted in place
func insertPrint(prints []Tick, t Tick) []Tick {
	i := sort.Search(len(prints), func(i int) bool { return prints[i].Time.After(t.Time) })
	prints = append(prints, Tick{})
	copy(prints[i+1:], prints[i:])
	prints[i] = t
	return prints
}
