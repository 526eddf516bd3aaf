package venue

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/routex/internal/translator"
)

// Adapter is the seam to a venue's connectivity
type Adapter interface {
	// Submit sends a translated order. A venue rejection is a Response with
	// Reject set; a returned error means the call itself failed.
	Submit(ctx context.Context, order *translator.TranslatedOrder) (Response, error)
	Cancel(ctx context.Context, venueOrderID string) error
	// Status reports the current fill state of a resting order
	Status(ctx context.Context, venueOrderID string) (Response, error)
}

// Response is either an acknowledgement or a rejection
type Response struct {
	VenueID string  `json:"venue_id"`
	Ack     *Ack    `json:"ack,omitempty"`
	Reject  *Reject `json:"reject,omitempty"`
}

// Accepted reports whether the venue acknowledged the order
func (r Response) Accepted() bool {
	return r.Ack != nil && r.Reject == nil
}

// Ack is a venue acknowledgement, possibly with fills
type Ack struct {
	VenueOrderID string          `json:"venue_order_id"`
	FilledQty    int64           `json:"filled_qty"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Final        bool            `json:"final"` // No further fills expected
	Timestamp    time.Time       `json:"timestamp"`
}

// Reject is a venue rejection as received on the wire
type Reject struct {
	Code       string      `json:"code,omitempty"`
	Message    string      `json:"message"`
	HTTPStatus int         `json:"http_status,omitempty"`
	Timeout    bool        `json:"timeout,omitempty"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// TimeoutResponse builds the reject recorded when a venue does not answer in time
func TimeoutResponse(venueID string, err error, now time.Time) Response {
	msg := "acknowledgement timeout"
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return Response{
		VenueID: venueID,
		Reject:  &Reject{Message: msg, Timeout: true, Timestamp: now},
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
