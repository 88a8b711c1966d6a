// Package app wires all voicebridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the carrier WebSocket endpoint until the context is
// cancelled, and the shutdown path drains active calls before returning.
//
// For testing, inject doubles via functional options (WithDialer,
// WithTenantStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/yobell-ai/voicebridge/internal/bridge"
	"github.com/yobell-ai/voicebridge/internal/config"
	"github.com/yobell-ai/voicebridge/internal/health"
	"github.com/yobell-ai/voicebridge/internal/observe"
	"github.com/yobell-ai/voicebridge/internal/reservation"
	"github.com/yobell-ai/voicebridge/internal/session"
	"github.com/yobell-ai/voicebridge/internal/tenant"
	"github.com/yobell-ai/voicebridge/pkg/realtime"
)

// drainTimeout bounds how long shutdown waits for in-flight calls to finish
// after the listener has stopped accepting new streams.
const drainTimeout = 30 * time.Second

// Dialer opens a model session for one call. The default wraps
// [realtime.Dial]; tests inject a fake.
type Dialer func(ctx context.Context, cfg realtime.DialConfig) (bridge.ModelSession, error)

// App owns all subsystem lifetimes and serves the carrier media stream.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	pool       *pgxpool.Pool
	tenants    *tenant.Loader
	finalizer  *reservation.Finalizer
	resStore   reservation.Store
	summarizer bridge.Summarizer

	metrics     *observe.Metrics
	callMetrics bridge.Metrics
	health      *health.Handler

	dial  Dialer
	calls *registry
	wg    sync.WaitGroup

	// injected test doubles; nil means build from config.
	tenantStore tenant.Store
	notifier    reservation.Notifier

	// closers are called in reverse order during shutdown.
	closers []func()
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer injects the model-session dialer.
func WithDialer(d Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithTenantStore injects a tenant store instead of connecting to PostgreSQL.
func WithTenantStore(s tenant.Store) Option {
	return func(a *App) { a.tenantStore = s }
}

// WithReservationStore injects a reservation store instead of connecting to
// PostgreSQL.
func WithReservationStore(s reservation.Store) Option {
	return func(a *App) { a.resStore = s }
}

// WithNotifier injects the reservation notifier.
func WithNotifier(n reservation.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithSummarizer injects the post-call summarizer.
func WithSummarizer(s bridge.Summarizer) Option {
	return func(a *App) { a.summarizer = s }
}

// WithCallMetrics injects the per-call metrics sink.
func WithCallMetrics(m bridge.Metrics) Option {
	return func(a *App) { a.callMetrics = m }
}

// New creates an App by wiring all subsystems together. It connects to
// PostgreSQL and runs migrations unless both stores were injected.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		calls:  newRegistry(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	a.tenants = tenant.NewLoader(a.tenantStore, logger)

	if a.notifier == nil {
		if url := cfg.Notifications.WebhookURL; url != "" {
			a.notifier = reservation.NewWebhookNotifier(url, time.Duration(cfg.Notifications.TimeoutSeconds)*time.Second)
		} else {
			a.notifier = &reservation.LogNotifier{Logger: logger}
		}
	}
	var finalizerOpts []reservation.FinalizerOption
	if cfg.Notifications.TimeoutSeconds > 0 {
		finalizerOpts = append(finalizerOpts,
			reservation.WithNotifyTimeout(time.Duration(cfg.Notifications.TimeoutSeconds)*time.Second))
	}
	a.finalizer = reservation.NewFinalizer(a.resStore, a.notifier, logger, finalizerOpts...)

	if a.summarizer == nil && cfg.Realtime.SummaryModel != "" {
		sum, err := session.NewSummarizer(cfg.Realtime.APIKey, cfg.Realtime.SummaryModel)
		if err != nil {
			return nil, fmt.Errorf("app: init summarizer: %w", err)
		}
		a.summarizer = sum
	}

	if a.callMetrics == nil {
		a.metrics = observe.DefaultMetrics()
		a.callMetrics = observe.CallRecorder{M: a.metrics}
	} else if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.dial == nil {
		a.dial = func(ctx context.Context, dc realtime.DialConfig) (bridge.ModelSession, error) {
			return realtime.Dial(ctx, dc)
		}
	}

	a.health = health.New(a.healthCheckers()...)

	return a, nil
}

// initStores connects to PostgreSQL and runs migrations, unless both stores
// were injected.
func (a *App) initStores(ctx context.Context) error {
	if a.tenantStore != nil && a.resStore != nil {
		return nil
	}

	dsn := a.cfg.Database.DSN
	if dsn == "" {
		return errors.New("database.dsn is required when stores are not injected")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	if a.tenantStore == nil {
		ts := tenant.NewPostgresStore(pool)
		if err := ts.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate tenant schema: %w", err)
		}
		a.tenantStore = ts
	}
	if a.resStore == nil {
		rs := reservation.NewPostgresStore(pool)
		if err := rs.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate reservation schema: %w", err)
		}
		a.resStore = rs
	}
	return nil
}

// healthCheckers builds the readiness checks for this deployment.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if a.pool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: a.pool.Ping,
		})
	}
	checkers = append(checkers, health.Checker{
		Name: "realtime",
		Check: func(context.Context) error {
			if a.cfg.Realtime.APIKey == "" {
				return errors.New("api key missing")
			}
			return nil
		},
	})
	return checkers
}

// Handler returns the full HTTP handler: the media-stream WebSocket endpoint,
// health probes, and the Prometheus scrape endpoint, wrapped in the
// observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /media-stream", a.handleMediaStream)
	mux.HandleFunc("POST /incoming-call", a.handleIncomingCall)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ActiveCalls returns the number of calls currently bridged.
func (a *App) ActiveCalls() int { return a.calls.len() }

// Run serves HTTP until ctx is cancelled, then drains gracefully: the
// readiness probe flips to draining, the listener closes, in-flight calls get
// [drainTimeout] to finish, and pending notifications are flushed.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.shutdown(srv)
		return nil
	})

	return g.Wait()
}

// shutdown runs the drain sequence. Called once, from Run.
func (a *App) shutdown(srv *http.Server) {
	a.health.SetDraining(true)
	a.logger.Info("draining", "active_calls", a.calls.len())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	// Stop accepting new streams. Active WebSockets are not closed by
	// Shutdown; the calls below finish on their own or hit the deadline.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("drain deadline exceeded", "remaining_calls", a.calls.len())
	}

	a.finalizer.Wait()

	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.logger.Info("shutdown complete")
}
