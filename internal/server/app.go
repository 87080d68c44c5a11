package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/mistakeknot/canvass/internal/analytics"
	"github.com/mistakeknot/canvass/internal/auth"
	"github.com/mistakeknot/canvass/internal/config"
	"github.com/mistakeknot/canvass/internal/core"
	httpapi "github.com/mistakeknot/canvass/internal/http"
	"github.com/mistakeknot/canvass/internal/metrics"
	"github.com/mistakeknot/canvass/internal/notify"
	"github.com/mistakeknot/canvass/internal/storage"
	"github.com/mistakeknot/canvass/internal/storage/postgres"
	"github.com/mistakeknot/canvass/internal/storage/sqlite"
	"github.com/mistakeknot/canvass/internal/telemetry"
	"github.com/mistakeknot/canvass/internal/ws"
)

const serviceName = "canvass"

// App is a fully wired canvass server: store, analytics, event fan-out
// and HTTP surface.
type App struct {
	Store    storage.Store
	Analyzer *analytics.Analyzer
	Bus      *notify.Bus
	Hub      *ws.Hub
	Metrics  *metrics.Metrics
	Handler  http.Handler

	cfg       config.Server
	logger    *slog.Logger
	scheduler *analytics.Scheduler
	closers   []func() error
	shutdown  func(context.Context) error
}

type buildOptions struct {
	keyring *auth.Keyring
	noAuth  bool
}

type BuildOption func(*buildOptions)

// WithKeyring uses ring instead of loading cfg.KeysFile.
func WithKeyring(ring *auth.Keyring) BuildOption {
	return func(o *buildOptions) { o.keyring = ring }
}

// WithoutAuth serves every request as if it came from localhost.
func WithoutAuth() BuildOption {
	return func(o *buildOptions) { o.noAuth = true }
}

// Build opens the store named by cfg.Store (a postgres DSN or a sqlite
// path) and wires everything that serves it.
func Build(ctx context.Context, cfg config.Server, logger *slog.Logger, opts ...BuildOption) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{cfg: cfg, logger: logger, Metrics: metrics.New(), Bus: notify.NewBus(256)}
	shutdown, err := telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "err", err)
	}
	app.shutdown = shutdown

	if err := app.openStore(ctx); err != nil {
		app.Close()
		return nil, err
	}

	analyzerOpts := []analytics.Option{
		analytics.WithMetrics(app.Metrics),
		analytics.WithLogger(logger),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, analytics cache disabled", "addr", cfg.RedisAddr, "err", err)
			_ = rdb.Close()
		} else {
			analyzerOpts = append(analyzerOpts, analytics.WithCache(analytics.NewRedisCache(rdb, cfg.CacheTTL)))
			app.closers = append(app.closers, rdb.Close)
		}
	}
	app.Analyzer = analytics.New(app.Store, app.Store, analytics.SourceFor(app.Store), analyzerOpts...)

	app.Hub = ws.NewHub(logger)
	app.scheduler = analytics.NewScheduler(app.Analyzer, app.Bus, app.Hub.Campaigns, cfg.RefreshInterval, logger)

	var mw func(http.Handler) http.Handler
	if !o.noAuth {
		ring := o.keyring
		if ring == nil {
			if ring, err = auth.LoadKeyring(cfg.KeysFile); err != nil {
				app.Close()
				return nil, fmt.Errorf("load keys: %w", err)
			}
		}
		mw = auth.Middleware(ring)
	}
	svc := httpapi.NewService(app.Store, app.Analyzer).
		WithPublisher(app.Bus).
		WithMetrics(app.Metrics).
		WithLogger(logger)
	app.Handler = httpapi.NewRouter(svc, app.Hub.Handler(httpapi.CampaignParam), mw)
	return app, nil
}

func (a *App) openStore(ctx context.Context) error {
	if postgres.IsDSN(a.cfg.Store) {
		st, err := postgres.Open(ctx, a.cfg.Store)
		if err != nil {
			return err
		}
		a.Store = st
		a.closers = append(a.closers, st.Close)
		a.logger.Info("store opened", "driver", "postgres")
		return nil
	}
	inner, err := sqlite.New(a.cfg.Store,
		sqlite.WithLogger(a.logger),
		sqlite.WithSlowQueryThreshold(a.cfg.SlowQuery),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	gauge := a.Metrics.BreakerState
	st := sqlite.NewResilient(inner, sqlite.WithStateChange(func(from, to sqlite.BreakerState) {
		gauge.Set(float64(to))
		a.logger.Warn("store circuit breaker", "from", from.String(), "to", to.String())
	}))
	a.Store = st
	a.closers = append(a.closers, st.Close)
	a.logger.Info("store opened", "driver", "sqlite", "path", a.cfg.Store)
	return nil
}

// Run starts event fan-out and the analytics scheduler, then serves HTTP
// until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dashboard, unsubDashboard := a.Bus.Subscribe()
	defer unsubDashboard()
	go a.Hub.Relay(ctx, dashboard)

	changes, unsubChanges := a.Bus.Subscribe(core.EventSessionCompleted, core.EventSpendRecorded, core.EventLocationCreated)
	defer unsubChanges()
	go a.Analyzer.InvalidateOn(ctx, changes)

	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	srv, err := New(Config{Addr: a.cfg.Addr, SocketPath: a.cfg.Socket, Handler: a.Handler, Logger: a.logger})
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Close releases the store, cache and tracer.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	if a.shutdown != nil {
		if err := a.shutdown(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
		a.shutdown = nil
	}
	return firstErr
}

var _ io.Closer = (*App)(nil)
