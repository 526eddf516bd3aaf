package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/algo"
	"github.com/mExOms/routex/internal/engine"
	"github.com/mExOms/routex/internal/recovery"
	"github.com/mExOms/routex/internal/router"
	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/storage"
	"github.com/mExOms/routex/pkg/types"
)

// Engine is the order entry surface of the execution engine
type Engine interface {
	Submit(ctx context.Context, order types.CanonicalOrder) (engine.Execution, error)
	SubmitAlgo(ctx context.Context, order types.CanonicalOrder) (*algo.Handle, error)
	Algo(id string) (*algo.Handle, error)
	Get(orderID string) (engine.Execution, error)
	List() []engine.Execution
	Cancel(ctx context.Context, orderID string) (engine.Execution, error)
	Recover(ctx context.Context, orderID string, action recovery.Action, opts ...engine.RecoverOption) (engine.Recovery, error)
}

type Venues interface {
	List(f venue.Filter) []venue.Profile
}

type Metrics interface {
	Get(orderID string) (tracker.ExecutionMetric, error)
}

type Failures interface {
	OpenRecords() []recovery.FailureRecord
	Get(ctx context.Context, orderID string) (recovery.FailureRecord, error)
}

type Algos interface {
	Active() []algo.Snapshot
}

// Audit reads back the audit log of an order
type Audit interface {
	Trail(date time.Time, orderID string) (storage.Trail, error)
}

// Services are the components the API reads and drives. Only Engine is
// required; lists backed by a missing service are empty.
type Services struct {
	Engine   Engine
	Venues   Venues
	Quotes   engine.QuoteSource
	Metrics  Metrics
	Failures Failures
	Algos    Algos
	Audit    Audit
}

// Server serves order entry and inspection over HTTP
type Server struct {
	services Services
	logger   *logrus.Entry
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Order   *engine.Execution `json:"order,omitempty"`
}

// RecoverRequest picks one of the strategies offered for a failed order
type RecoverRequest struct {
	Action       recovery.Action     `json:"action"`
	Modification *types.Modification `json:"modification,omitempty"`
}

// New creates a server
func New(services Services, logger *logrus.Entry) *Server {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Server{
		services: services,
		logger:   logger.WithField("component", "api"),
	}
}

// Router returns the API routes. ctx bounds the algo orders started through
// the API, so it should live as long as the process.
func (s *Server) Router(ctx context.Context) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.cors, s.logRequests)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.placeOrder(ctx)).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.listOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.getOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.cancelOrder).Methods(http.MethodDelete)
	api.HandleFunc("/orders/{id}/recover", s.recoverOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/metric", s.getMetric).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/failure", s.getFailure).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/audit", s.getAudit).Methods(http.MethodGet)

	api.HandleFunc("/algos", s.listAlgos).Methods(http.MethodGet)
	api.HandleFunc("/algos/{id}", s.getAlgo).Methods(http.MethodGet)
	api.HandleFunc("/algos/{id}", s.algoAction((*algo.Handle).Cancel)).Methods(http.MethodDelete)
	api.HandleFunc("/algos/{id}/pause", s.algoAction((*algo.Handle).Pause)).Methods(http.MethodPost)
	api.HandleFunc("/algos/{id}/resume", s.algoAction((*algo.Handle).Resume)).Methods(http.MethodPost)

	api.HandleFunc("/failures", s.listFailures).Methods(http.MethodGet)
	api.HandleFunc("/venues", s.listVenues).Methods(http.MethodGet)
	api.HandleFunc("/quotes/{symbol}", s.getQuotes).Methods(http.MethodGet)

	// preflight requests only need the CORS headers
	api.Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	return r
}

// Handler implementations

func (s *Server) placeOrder(base context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var order types.CanonicalOrder
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", nil)
			return
		}
		if order.ID == "" {
			order.ID = types.NewOrderID()
		}
		if order.Version == 0 {
			order.Version = 1
		}

		if order.Kind.IsAlgo() {
			h, err := s.services.Engine.SubmitAlgo(base, order)
			if err != nil {
				s.fail(w, err, nil)
				return
			}
			writeJSON(w, http.StatusAccepted, h.Snapshot())
			return
		}

		x, err := s.services.Engine.Submit(r.Context(), order)
		if err != nil {
			s.fail(w, err, &x)
			return
		}
		writeJSON(w, http.StatusCreated, x)
	}
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.services.Engine.List()
	if status := r.URL.Query().Get("status"); status != "" {
		kept := orders[:0]
		for _, x := range orders {
			if string(x.Status) == status {
				kept = append(kept, x)
			}
		}
		orders = kept
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].UpdatedAt.After(orders[j].UpdatedAt) })
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	x, err := s.services.Engine.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, x)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	x, err := s.services.Engine.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, x)
}

func (s *Server) recoverOrder(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	var opts []engine.RecoverOption
	if req.Modification != nil {
		opts = append(opts, engine.WithModification(*req.Modification))
	}
	rec, err := s.services.Engine.Recover(r.Context(), mux.Vars(r)["id"], req.Action, opts...)
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getMetric(w http.ResponseWriter, r *http.Request) {
	if s.services.Metrics == nil {
		writeError(w, http.StatusNotFound, "Execution metrics are not available", nil)
		return
	}
	m, err := s.services.Metrics.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) getFailure(w http.ResponseWriter, r *http.Request) {
	if s.services.Failures == nil {
		writeError(w, http.StatusNotFound, "Failure records are not available", nil)
		return
	}
	rec, err := s.services.Failures.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// getAudit serves the audit trail of an order for the day given as
// ?date=YYYY-MM-DD, today by default
func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.services.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit log is disabled", nil)
		return
	}
	date := time.Now()
	if d := r.URL.Query().Get("date"); d != "" {
		parsed, err := time.ParseInLocation("2006-01-02", d, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date, want YYYY-MM-DD", nil)
			return
		}
		date = parsed
	}
	trail, err := s.services.Audit.Trail(date, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	if s.services.Failures == nil {
		writeJSON(w, http.StatusOK, []recovery.FailureRecord{})
		return
	}
	writeJSON(w, http.StatusOK, s.services.Failures.OpenRecords())
}

func (s *Server) listAlgos(w http.ResponseWriter, r *http.Request) {
	if s.services.Algos == nil {
		writeJSON(w, http.StatusOK, []algo.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.services.Algos.Active())
}

func (s *Server) getAlgo(w http.ResponseWriter, r *http.Request) {
	h, err := s.services.Engine.Algo(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Snapshot())
}

func (s *Server) algoAction(action func(*algo.Handle) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := s.services.Engine.Algo(mux.Vars(r)["id"])
		if err != nil {
			s.fail(w, err, nil)
			return
		}
		if err := action(h); err != nil {
			s.fail(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, h.Snapshot())
	}
}

func (s *Server) listVenues(w http.ResponseWriter, r *http.Request) {
	if s.services.Venues == nil {
		writeJSON(w, http.StatusOK, []venue.Profile{})
		return
	}
	var f venue.Filter
	if class := r.URL.Query().Get("asset_class"); class != "" {
		ac, err := types.ParseAssetClass(class)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		f.AssetClass = ac
	}
	venues := s.services.Venues.List(f)
	sort.Slice(venues, func(i, j int) bool { return venues[i].ID < venues[j].ID })
	writeJSON(w, http.StatusOK, venues)
}

func (s *Server) getQuotes(w http.ResponseWriter, r *http.Request) {
	if s.services.Quotes == nil {
		writeJSON(w, http.StatusOK, []tracker.Quote{})
		return
	}
	writeJSON(w, http.StatusOK, s.services.Quotes.Quotes(r.Context(), mux.Vars(r)["symbol"]))
}

// Middleware

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("Request served")
	})
}

// Helper functions

func (s *Server) fail(w http.ResponseWriter, err error, x *engine.Execution) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	if x != nil && x.Order.ID == "" {
		x = nil
	}
	writeError(w, status, err.Error(), x)
}

// statusFor maps package sentinel errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidOrder),
		errors.Is(err, algo.ErrNotAlgoOrder),
		errors.Is(err, engine.ErrAlgoOrder):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownOrder),
		errors.Is(err, algo.ErrAlgoNotFound),
		errors.Is(err, tracker.ErrUnknownOrder),
		errors.Is(err, recovery.ErrRecordNotFound),
		errors.Is(err, venue.ErrVenueNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotRecoverable),
		errors.Is(err, engine.ErrOrderIsTerminal),
		errors.Is(err, engine.ErrCancelNotAllowed),
		errors.Is(err, engine.ErrNotWorking),
		errors.Is(err, engine.ErrNoModification),
		errors.Is(err, engine.ErrCannotSplit),
		errors.Is(err, recovery.ErrActionNotOffered),
		errors.Is(err, recovery.ErrRetryNotAllowed),
		errors.Is(err, recovery.ErrRetriesExhausted),
		errors.Is(err, router.ErrCancelNotAllowed),
		errors.Is(err, algo.ErrAlgoFinished),
		errors.Is(err, algo.ErrInvalidAlgoMove):
		return http.StatusConflict
	case errors.Is(err, engine.ErrRejected),
		errors.Is(err, router.ErrNoEligibleVenue),
		errors.Is(err, router.ErrRoutingExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrNoScheduler),
		errors.Is(err, engine.ErrNoAdapter):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, x *engine.Execution) {
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Order:   x,
	})
}
