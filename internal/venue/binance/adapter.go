package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/translator"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/cache"
	"github.com/mExOms/routex/pkg/types"
)

// Binance error code for request weight exhaustion
const codeTooManyRequests = -1003

// Config configures the spot adapter
type Config struct {
	VenueID   string
	APIKey    string
	SecretKey string
	BaseURL   string // Overrides the production endpoint, e.g. the testnet
	RateLimit int    // Orders per minute
}

// Adapter submits translated orders to Binance spot
type Adapter struct {
	venueID     string
	client      *binance.Client
	symbols     *cache.MemoryCache // venue order id -> symbol, needed for cancel and status
	rateLimiter *cache.RateLimiter
	logger      *logrus.Entry
}

// New creates a Binance spot adapter
func New(cfg Config, logger *logrus.Entry) *Adapter {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	if cfg.VenueID == "" {
		cfg.VenueID = "binance"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1200
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	return &Adapter{
		venueID:     cfg.VenueID,
		client:      client,
		symbols:     cache.NewMemoryCache(time.Minute),
		rateLimiter: cache.NewRateLimiter(cfg.RateLimit, time.Minute),
		logger:      logger.WithFields(logrus.Fields{"component": "binance_adapter", "venue": cfg.VenueID}),
	}
}

// Schema returns the wire schema Binance spot expects
func Schema(venueID string, tick decimal.Decimal) translator.Schema {
	return translator.Schema{
		VenueID: venueID,
		Version: "binance-spot/v3",
		SideNames: map[types.OrderSide]string{
			types.OrderSideBuy:  string(binance.SideTypeBuy),
			types.OrderSideSell: string(binance.SideTypeSell),
		},
		KindNames: map[types.OrderKind]string{
			types.OrderKindMarket:    string(binance.OrderTypeMarket),
			types.OrderKindLimit:     string(binance.OrderTypeLimit),
			types.OrderKindStop:      string(binance.OrderTypeStopLoss),
			types.OrderKindStopLimit: string(binance.OrderTypeStopLossLimit),
		},
		TIFNames: map[types.TimeInForce]string{
			types.TimeInForceGTC: string(binance.TimeInForceTypeGTC),
			types.TimeInForceIOC: string(binance.TimeInForceTypeIOC),
			types.TimeInForceFOK: string(binance.TimeInForceTypeFOK),
		},
		TickSize: tick,
		LotSize:  1,
	}
}

func (a *Adapter) Submit(ctx context.Context, order *translator.TranslatedOrder) (venue.Response, error) {
	if order == nil || order.Payload == nil {
		return venue.Response{}, fmt.Errorf("binance: empty payload")
	}
	if !a.rateLimiter.Allow("create_order") {
		return a.reject(&common.APIError{Code: codeTooManyRequests, Message: "local order rate limit exceeded"}, http.StatusTooManyRequests), nil
	}

	p := order.Payload
	svc := a.client.NewCreateOrderService().
		Symbol(p.Symbol).
		Side(binance.SideType(p.Side)).
		Type(binance.OrderType(p.OrderType)).
		Quantity(strconv.FormatInt(p.Quantity, 10)).
		NewClientOrderID(p.ClientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL)

	if p.Price != "" && binance.OrderType(p.OrderType) != binance.OrderTypeMarket {
		svc.Price(p.Price)
		tif := p.TimeInForce
		if tif == "" {
			tif = string(binance.TimeInForceTypeGTC)
		}
		svc.TimeInForce(binance.TimeInForceType(tif))
	}
	if p.TriggerPrice != "" {
		svc.StopPrice(p.TriggerPrice)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		if common.IsAPIError(err) {
			apiErr := err.(*common.APIError)
			a.logger.WithFields(logrus.Fields{
				"code":     apiErr.Code,
				"symbol":   p.Symbol,
				"order_id": order.OrderID,
			}).Warn("Order rejected")
			return a.reject(apiErr, 0), nil
		}
		return venue.Response{}, fmt.Errorf("binance create order: %w", err)
	}

	venueOrderID := strconv.FormatInt(res.OrderID, 10)
	a.symbols.Set(venueOrderID, res.Symbol, 24*time.Hour)

	filled := quantity(res.ExecutedQuantity)
	return venue.Response{
		VenueID: a.venueID,
		Ack: &venue.Ack{
			VenueOrderID: venueOrderID,
			FilledQty:    filled,
			AvgPrice:     avgPrice(res.CummulativeQuoteQuantity, filled),
			Final:        finalStatus(res.Status),
			Timestamp:    time.UnixMilli(res.TransactTime),
		},
	}, nil
}

func (a *Adapter) Status(ctx context.Context, venueOrderID string) (venue.Response, error) {
	symbol, id, err := a.lookup(venueOrderID)
	if err != nil {
		return venue.Response{}, err
	}

	o, err := a.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		if common.IsAPIError(err) {
			return a.reject(err.(*common.APIError), 0), nil
		}
		return venue.Response{}, fmt.Errorf("binance get order: %w", err)
	}

	filled := quantity(o.ExecutedQuantity)
	return venue.Response{
		VenueID: a.venueID,
		Ack: &venue.Ack{
			VenueOrderID: venueOrderID,
			FilledQty:    filled,
			AvgPrice:     avgPrice(o.CummulativeQuoteQuantity, filled),
			Final:        finalStatus(o.Status),
			Timestamp:    time.UnixMilli(o.UpdateTime),
		},
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, venueOrderID string) error {
	if !a.rateLimiter.Allow("cancel_order") {
		return fmt.Errorf("binance cancel: rate limit exceeded, retry after %s", a.rateLimiter.RetryAfter("cancel_order"))
	}
	symbol, id, err := a.lookup(venueOrderID)
	if err != nil {
		return err
	}
	if _, err := a.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("binance cancel order %s: %w", venueOrderID, err)
	}
	return nil
}

// Close releases the adapter's background resources
func (a *Adapter) Close() {
	a.symbols.Stop()
}

// Helper methods

func (a *Adapter) lookup(venueOrderID string) (string, int64, error) {
	symbol, ok := a.symbols.GetString(venueOrderID)
	if !ok {
		return "", 0, fmt.Errorf("binance: unknown order %s", venueOrderID)
	}
	id, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("binance: invalid order id %s: %w", venueOrderID, err)
	}
	return symbol, id, nil
}

func (a *Adapter) reject(apiErr *common.APIError, httpStatus int) venue.Response {
	return venue.Response{
		VenueID: a.venueID,
		Reject: &venue.Reject{
			Code:       strconv.FormatInt(apiErr.Code, 10),
			Message:    apiErr.Message,
			HTTPStatus: httpStatus,
			Diagnostic: venue.NewBinanceDiagnostic(venue.BinanceDiagnostic{
				Code:       apiErr.Code,
				Message:    apiErr.Message,
				HTTPStatus: httpStatus,
			}),
			Timestamp: time.Now(),
		},
	}
}

func quantity(s string) int64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.IntPart()
}

func avgPrice(quote string, filled int64) decimal.Decimal {
	if filled <= 0 {
		return decimal.Zero
	}
	q, err := decimal.NewFromString(quote)
	if err != nil {
		return decimal.Zero
	}
	return q.Div(decimal.NewFromInt(filled))
}

func finalStatus(s binance.OrderStatusType) bool {
	switch s {
	case binance.OrderStatusTypeFilled, binance.OrderStatusTypeCanceled,
		binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return true
	}
	return false
}
