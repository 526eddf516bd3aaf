package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/routex/internal/algo"
	"github.com/mExOms/routex/internal/engine"
	"github.com/mExOms/routex/internal/recovery"
	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/storage"
	"github.com/mExOms/routex/pkg/types"
)

type fakeEngine struct {
	orders    map[string]engine.Execution
	submitted []types.CanonicalOrder
	reject    bool
	recovered recovery.Action
	modified  *types.Modification
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{orders: make(map[string]engine.Execution)}
}

func (f *fakeEngine) Submit(_ context.Context, order types.CanonicalOrder) (engine.Execution, error) {
	if err := order.Validate(); err != nil {
		return engine.Execution{}, err
	}
	f.submitted = append(f.submitted, order)
	x := engine.Execution{Order: order, VenueID: "nse", Status: engine.StatusFilled, Filled: order.Quantity, UpdatedAt: time.Now()}
	if f.reject {
		x.Status = engine.StatusFailed
		x.Filled = 0
		f.orders[order.ID] = x
		return x, fmt.Errorf("%w: margin shortage", engine.ErrRejected)
	}
	f.orders[order.ID] = x
	return x, nil
}

func (f *fakeEngine) SubmitAlgo(context.Context, types.CanonicalOrder) (*algo.Handle, error) {
	return nil, engine.ErrNoScheduler
}

func (f *fakeEngine) Algo(id string) (*algo.Handle, error) {
	return nil, fmt.Errorf("%w: %s", algo.ErrAlgoNotFound, id)
}

func (f *fakeEngine) Get(id string) (engine.Execution, error) {
	x, ok := f.orders[id]
	if !ok {
		return engine.Execution{}, fmt.Errorf("%w: %s", engine.ErrUnknownOrder, id)
	}
	return x, nil
}

func (f *fakeEngine) List() []engine.Execution {
	out := make([]engine.Execution, 0, len(f.orders))
	for _, x := range f.orders {
		out = append(out, x)
	}
	return out
}

func (f *fakeEngine) Cancel(_ context.Context, id string) (engine.Execution, error) {
	x, err := f.Get(id)
	if err != nil {
		return x, err
	}
	if x.Status.Terminal() {
		return x, fmt.Errorf("%w: %s", engine.ErrOrderIsTerminal, id)
	}
	x.Status = engine.StatusCancelled
	f.orders[id] = x
	return x, nil
}

func (f *fakeEngine) Recover(_ context.Context, id string, action recovery.Action, opts ...engine.RecoverOption) (engine.Recovery, error) {
	x, err := f.Get(id)
	if err != nil {
		return engine.Recovery{}, err
	}
	if x.Status != engine.StatusFailed {
		return engine.Recovery{}, fmt.Errorf("%w: %s", engine.ErrNotRecoverable, id)
	}
	f.recovered = action
	if len(opts) > 0 {
		m := types.Modification{Quantity: 1}
		f.modified = &m
	}
	return engine.Recovery{Action: action, Orders: []engine.Execution{x}}, nil
}

type fakeVenues []venue.Profile

func (v fakeVenues) List(venue.Filter) []venue.Profile { return append([]venue.Profile(nil), v...) }

type fakeQuotes map[string][]tracker.Quote

func (q fakeQuotes) Quotes(_ context.Context, symbol string) []tracker.Quote { return q[symbol] }

type fakeAudit struct {
	date  time.Time
	order string
}

func (f *fakeAudit) Trail(date time.Time, orderID string) (storage.Trail, error) {
	f.date, f.order = date, orderID
	return storage.Trail{
		OrderID:      orderID,
		Date:         date.Format("2006-01-02"),
		Translations: []storage.Record{{Kind: storage.KindTranslations, OrderID: orderID, VenueID: "nse"}},
		Failures:     []storage.Record{},
		Metrics:      []storage.Record{{Kind: storage.KindMetrics, OrderID: orderID, VenueID: "nse"}},
	}, nil
}

func newTestServer(t *testing.T, eng *fakeEngine, services Services) *httptest.Server {
	t.Helper()
	services.Engine = eng
	srv := httptest.NewServer(New(services, nil).Router(context.Background()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func limitOrder() types.CanonicalOrder {
	return types.CanonicalOrder{
		Symbol:     "INFY",
		AssetClass: types.AssetClassEquity,
		Side:       types.OrderSideBuy,
		Kind:       types.OrderKindLimit,
		Quantity:   10,
		Price:      decimal.NewFromInt(1500),
	}
}

func TestPlaceOrderAssignsID(t *testing.T) {
	eng := newFakeEngine()
	srv := newTestServer(t, eng, Services{})

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/orders", limitOrder())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var x engine.Execution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&x))
	assert.NotEmpty(t, x.Order.ID)
	assert.Equal(t, 1, x.Order.Version)
	assert.Equal(t, engine.StatusFilled, x.Status)
	require.Len(t, eng.submitted, 1)
}

func TestPlaceOrderValidation(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), Services{})

	o := limitOrder()
	o.Quantity = 0
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/orders", o)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/orders", bytes.NewBufferString("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestPlaceOrderRejectedCarriesExecution(t *testing.T) {
	eng := newFakeEngine()
	eng.reject = true
	srv := newTestServer(t, eng, Services{})

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/orders", limitOrder())
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	require.NotNil(t, e.Order)
	assert.Equal(t, engine.StatusFailed, e.Order.Status)
	assert.Contains(t, e.Message, "margin shortage")
}

func TestAlgoWithoutScheduler(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), Services{})

	o := limitOrder()
	o.Kind = types.OrderKindTWAP
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/orders", o)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/algos/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetAndCancelOrder(t *testing.T) {
	eng := newFakeEngine()
	eng.orders["o-1"] = engine.Execution{Order: types.CanonicalOrder{ID: "o-1"}, Status: engine.StatusWorking}
	srv := newTestServer(t, eng, Services{})

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/api/v1/orders/o-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var x engine.Execution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&x))
	assert.Equal(t, engine.StatusCancelled, x.Status)

	resp = do(t, http.MethodDelete, srv.URL+"/api/v1/orders/o-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListOrdersFiltersByStatus(t *testing.T) {
	eng := newFakeEngine()
	eng.orders["a"] = engine.Execution{Order: types.CanonicalOrder{ID: "a"}, Status: engine.StatusWorking}
	eng.orders["b"] = engine.Execution{Order: types.CanonicalOrder{ID: "b"}, Status: engine.StatusFilled}
	srv := newTestServer(t, eng, Services{})

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/orders?status=working", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var orders []engine.Execution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "a", orders[0].Order.ID)
}

func TestRecoverOrder(t *testing.T) {
	eng := newFakeEngine()
	eng.orders["o-1"] = engine.Execution{Order: types.CanonicalOrder{ID: "o-1"}, Status: engine.StatusFailed}
	eng.orders["o-2"] = engine.Execution{Order: types.CanonicalOrder{ID: "o-2"}, Status: engine.StatusFilled}
	srv := newTestServer(t, eng, Services{})

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/orders/o-1/recover", RecoverRequest{
		Action:       recovery.ActionModify,
		Modification: &types.Modification{Quantity: 5},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, recovery.ActionModify, eng.recovered)
	assert.NotNil(t, eng.modified)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/orders/o-2/recover", RecoverRequest{Action: recovery.ActionRetry})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/orders/o-1/recover", RecoverRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVenuesAndQuotes(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), Services{
		Venues: fakeVenues{{ID: "nse"}, {ID: "bse"}},
		Quotes: fakeQuotes{"INFY": {{VenueID: "nse", Price: decimal.NewFromInt(1500)}}},
	})

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/venues", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var venues []venue.Profile
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&venues))
	require.Len(t, venues, 2)
	assert.Equal(t, "bse", venues[0].ID)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/venues?asset_class=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/quotes/INFY", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var quotes []tracker.Quote
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&quotes))
	require.Len(t, quotes, 1)
	assert.Equal(t, "nse", quotes[0].VenueID)
}

func TestOrderAuditTrail(t *testing.T) {
	audit := &fakeAudit{}
	srv := newTestServer(t, newFakeEngine(), Services{Audit: audit})

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/orders/o-7/audit?date=2024-03-14", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trail storage.Trail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trail))
	assert.Equal(t, "o-7", trail.OrderID)
	assert.Equal(t, "2024-03-14", trail.Date)
	assert.Len(t, trail.Translations, 1)
	assert.Len(t, trail.Metrics, 1)
	assert.Equal(t, "o-7", audit.order)
	assert.Equal(t, time.March, audit.date.Month())
	assert.Equal(t, 14, audit.date.Day())

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/orders/o-7/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, time.Now().Format("2006-01-02"), audit.date.Format("2006-01-02"))

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/orders/o-7/audit?date=14-03-2024", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMissingServices(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), Services{})

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/orders/o-1/metric", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/failures", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/orders/o-1/audit", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), Services{})

	resp := do(t, http.MethodOptions, srv.URL+"/api/v1/orders", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
