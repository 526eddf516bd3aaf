package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mExOms/routex/internal/algo"
	"github.com/mExOms/routex/internal/api"
	"github.com/mExOms/routex/internal/config"
	"github.com/mExOms/routex/internal/engine"
	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/marketdata"
	"github.com/mExOms/routex/internal/monitor"
	"github.com/mExOms/routex/internal/recovery"
	"github.com/mExOms/routex/internal/router"
	archive "github.com/mExOms/routex/internal/storage"
	"github.com/mExOms/routex/internal/stream"
	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/internal/translator"
	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/internal/venue/binance"
	"github.com/mExOms/routex/internal/venue/mock"
	"github.com/mExOms/routex/pkg/nats"
	audit "github.com/mExOms/routex/pkg/storage"
	"github.com/mExOms/routex/pkg/vault"
)

// Version is reported by the health endpoint
var Version = "dev"

const (
	sinkBuffer     = 256
	feedBuffer     = 256
	rotateInterval = time.Hour
)

// App owns the component graph of the routing daemon
type App struct {
	cfg    *config.Config
	logger *logrus.Entry

	bus        *events.Bus
	registry   *venue.Registry
	translator *translator.Translator
	router     *router.Router
	book       *recovery.Book
	tracker    *tracker.Tracker
	engine     *engine.Engine
	scheduler  *algo.Scheduler
	market     *marketdata.Book
	metrics    *monitor.Metrics
	health     *monitor.HealthChecker
	hub        *stream.Hub
	api        *api.Server

	nats    *nats.Client
	archive *archive.RedisArchive
	audit   *audit.AuditLog
	rotator *audit.LogRotator

	closers []func() error
}

// New connects the configured backends and builds every component. ctx
// bounds the connection attempts only.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (_ *App, err error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &App{
		cfg:    cfg,
		logger: logger.WithField("component", "app"),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	if err = a.connect(ctx, logger); err != nil {
		return nil, err
	}

	a.bus = events.NewBus(logger)
	a.metrics = monitor.NewMetrics()
	a.metrics.WatchDropped(a.bus.Dropped)
	a.market = marketdata.NewBook(cfg.Market, logger)

	a.registry = venue.NewRegistry(logger)
	a.registry.Observe(a.metrics.ObserveVenue)
	a.registry.Observe(func(p venue.Profile) {
		a.bus.Publish(events.New(events.VenueUpdated, "", p.ID, p))
	})

	schemas := make([]translator.Schema, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		if err = a.registry.Register(v.Profile()); err != nil {
			return nil, err
		}
		schemas = append(schemas, v.TranslatorSchema())
	}

	var translations translator.Sink
	if a.audit != nil {
		translations = a.audit
	}
	a.translator = translator.New(schemas, translations, logger)

	a.router = router.NewRouter(a.registry, a.translator, a.bus, cfg.Router, logger)
	if err = a.router.SetRules(cfg.Routing.Rules); err != nil {
		return nil, fmt.Errorf("routing rules: %w", err)
	}

	var failures recovery.Archive = recovery.NewMemoryArchive()
	if a.archive != nil {
		failures = a.archive
	}
	a.book = recovery.NewBook(failures, a.translator, a.bus, logger)

	opts := []tracker.Option{
		tracker.WithObserver(a.metrics),
		tracker.WithObserver(a.market),
	}
	if a.audit != nil {
		opts = append(opts, tracker.WithSink(a.audit))
	}
	a.tracker = tracker.New(a.registry, a.bus, cfg.Tracker, logger, opts...)

	a.engine = engine.New(a.router, a.book, a.tracker, cfg.Engine, logger, engine.WithQuoteSource(a.market))
	a.scheduler = algo.NewScheduler(a.engine, a.market, a.bus, cfg.Algo, logger)
	a.engine.AttachScheduler(a.scheduler)

	if err = a.registerAdapters(ctx, logger); err != nil {
		return nil, err
	}

	a.hub = stream.NewHub(cfg.Stream, logger)
	services := api.Services{
		Engine:   a.engine,
		Venues:   a.registry,
		Quotes:   a.market,
		Metrics:  a.tracker,
		Failures: a.book,
		Algos:    a.scheduler,
	}
	if a.audit != nil {
		services.Audit = a.audit
	}
	a.api = api.New(services, logger)

	a.health = monitor.NewHealthChecker(Version)
	a.health.RegisterCheck("venues", monitor.VenueCheck(a.registry))
	if a.nats != nil {
		a.health.RegisterCheck("nats", monitor.PingCheck(a.nats))
	}
	if a.archive != nil {
		a.health.RegisterCheck("redis", monitor.PingCheck(a.archive))
	}

	return a, nil
}

// Engine exposes the execution engine
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Handler serves the API, the event stream, health and metrics. ctx bounds
// algo orders started through the API.
func (a *App) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", a.api.Router(ctx))
	mux.Handle("/stream", a.hub)
	mux.Handle("/health", a.health.HTTPHandler())
	if a.cfg.Metrics.Enabled {
		mux.Handle(a.cfg.Metrics.Path, a.metrics.Handler())
	}
	return mux
}

// Run serves until ctx ends, then drains the event sinks
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var (
		updates <-chan venue.MetricUpdate
		ticks   <-chan marketdata.Tick
	)
	if a.nats != nil {
		var err error
		if updates, err = a.nats.VenueMetrics(ctx, feedBuffer); err != nil {
			return err
		}
		if ticks, err = a.nats.MarketTicks(ctx, feedBuffer); err != nil {
			return err
		}
	}

	a.bus.Attach(ctx, "log", events.NewLogSink(a.logger), sinkBuffer)
	a.bus.Attach(ctx, "stream", a.hub, sinkBuffer)
	if a.nats != nil {
		a.bus.Attach(ctx, "nats", a.nats, sinkBuffer)
	}
	if a.audit != nil {
		a.bus.Attach(ctx, "audit", a.audit, sinkBuffer,
			events.FailureRecorded, events.FailureUpdated, events.FailureArchived)
	}

	a.engine.Start()
	defer a.engine.Stop()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Warn("HTTP server shutdown failed")
		}
		return nil
	})

	g.Go(func() error { return ignoreCanceled(a.engine.Run(ctx)) })

	if a.nats != nil {
		g.Go(func() error { return ignoreCanceled(a.registry.Consume(ctx, updates)) })
		g.Go(func() error { return ignoreCanceled(a.market.Consume(ctx, ticks)) })
	}
	if a.rotator != nil {
		g.Go(func() error { return ignoreCanceled(a.rotator.Run(ctx, rotateInterval)) })
	}

	err := g.Wait()
	a.bus.Wait()
	return err
}

// Close releases every backend connection
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// Helper methods

// connect opens the optional backends
func (a *App) connect(ctx context.Context, logger *logrus.Entry) error {
	cfg := a.cfg

	if cfg.NATS.Enabled {
		c, err := nats.NewClient(cfg.NATS.Config, logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		a.nats = c
		a.closers = append(a.closers, func() error { c.Close(); return nil })
	}

	if cfg.Redis.Enabled {
		r, err := archive.NewRedisArchive(ctx, cfg.Redis.Config, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.archive = r
		a.closers = append(a.closers, r.Close)
	}

	if cfg.Audit.Enabled {
		l, err := audit.NewAuditLog(cfg.Audit.Config, logger)
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
		a.audit = l
		a.rotator = audit.NewLogRotator(cfg.Audit.Config, logger)
		a.closers = append(a.closers, l.Close)
	}
	return nil
}

// registerAdapters creates the adapter of every configured venue
func (a *App) registerAdapters(ctx context.Context, logger *logrus.Entry) error {
	var secrets *vault.Client
	if a.cfg.Vault.Enabled {
		c, err := vault.NewClient(a.cfg.Vault.Config, logger)
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		secrets = c
	}

	for _, v := range a.cfg.Venues {
		switch v.Adapter {
		case config.AdapterMock:
			a.engine.RegisterAdapter(v.ID, mock.New(v.ID).WithPrice(v.Price))
			a.market.SetReference(v.ID, v.Price)

		case config.AdapterBinance:
			apiKey, secretKey := v.Binance.APIKey, v.Binance.SecretKey
			if secrets != nil {
				creds, err := secrets.VenueCredentials(ctx, v.ID)
				if err != nil {
					return fmt.Errorf("credentials of %s: %w", v.ID, err)
				}
				apiKey, secretKey = creds.APIKey, creds.SecretKey
			}
			if apiKey == "" {
				a.logger.WithField("venue", v.ID).Warn("Binance venue has no API key; orders will be rejected")
			}
			ad := binance.New(binance.Config{
				VenueID:   v.ID,
				APIKey:    apiKey,
				SecretKey: secretKey,
				BaseURL:   v.Binance.BaseURL,
				RateLimit: v.Binance.RateLimit,
			}, logger)
			a.engine.RegisterAdapter(v.ID, ad)
			a.closers = append(a.closers, func() error { ad.Close(); return nil })
		}
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
