package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/routex/internal/translator"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/types"
)

var _ venue.Adapter = (*Adapter)(nil)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func translated(t *testing.T) *translator.TranslatedOrder {
	t.Helper()
	tr := translator.New([]translator.Schema{Schema("binance", decimal.RequireFromString("0.01"))}, nil, nil)
	out := tr.Translate(&types.CanonicalOrder{
		ID:          "ord-1",
		Version:     1,
		Symbol:      "BTCUSDT",
		Side:        types.OrderSideBuy,
		Kind:        types.OrderKindLimit,
		Quantity:    2,
		Price:       decimal.RequireFromString("50000.004"),
		TimeInForce: types.TimeInForceGTC,
	}, "binance")
	require.True(t, out.OK(), out.Errors)
	return out
}

func TestSubmitFilled(t *testing.T) {
	var form map[string][]string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.Form
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"x","transactTime":1700000000000,
			"price":"50000.00","origQty":"2","executedQty":"2","cummulativeQuoteQty":"100010.00",
			"status":"FILLED","timeInForce":"GTC","type":"LIMIT","side":"BUY"}`))
	})

	a := New(Config{APIKey: "k", SecretKey: "s", BaseURL: srv.URL}, nil)
	defer a.Close()

	resp, err := a.Submit(context.Background(), translated(t))
	require.NoError(t, err)
	require.True(t, resp.Accepted())
	assert.Equal(t, "28", resp.Ack.VenueOrderID)
	assert.Equal(t, int64(2), resp.Ack.FilledQty)
	assert.True(t, resp.Ack.Final)
	assert.True(t, resp.Ack.AvgPrice.Equal(decimal.NewFromInt(50005)))

	assert.Equal(t, []string{"50000.00"}, form["price"])
	assert.Equal(t, []string{"LIMIT"}, form["type"])
	assert.Equal(t, []string{"GTC"}, form["timeInForce"])
}

func TestSubmitAPIErrorBecomesReject(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	})

	a := New(Config{APIKey: "k", SecretKey: "s", BaseURL: srv.URL}, nil)
	defer a.Close()

	resp, err := a.Submit(context.Background(), translated(t))
	require.NoError(t, err)
	require.NotNil(t, resp.Reject)
	assert.Equal(t, "-2010", resp.Reject.Code)
	require.True(t, resp.Reject.Diagnostic.Valid())
	assert.Equal(t, venue.FamilyBinance, resp.Reject.Diagnostic.Family)
	assert.Equal(t, int64(-2010), resp.Reject.Diagnostic.Binance.Code)
}

func TestLocalRateLimit(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":1,"executedQty":"0","cummulativeQuoteQty":"0","status":"NEW"}`))
	})

	a := New(Config{APIKey: "k", SecretKey: "s", BaseURL: srv.URL, RateLimit: 1}, nil)
	defer a.Close()

	resp, err := a.Submit(context.Background(), translated(t))
	require.NoError(t, err)
	assert.True(t, resp.Accepted())
	assert.False(t, resp.Ack.Final)

	resp, err = a.Submit(context.Background(), translated(t))
	require.NoError(t, err)
	require.NotNil(t, resp.Reject)
	assert.Equal(t, http.StatusTooManyRequests, resp.Reject.HTTPStatus)
}

func TestCancelUnknownOrder(t *testing.T) {
	a := New(Config{BaseURL: "http://127.0.0.1:0"}, nil)
	defer a.Close()
	assert.Error(t, a.Cancel(context.Background(), "999"))
}
