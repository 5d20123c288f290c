// Package app wires the tollgate runtime: config, logging, stores, the
// operator channel, the ingestion loop, the sweeper, and HTTP routes.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tollgate/internal/api"
	"tollgate/internal/auth"
	"tollgate/internal/channel"
	"tollgate/internal/hub"
	"tollgate/internal/ingest"
	"tollgate/internal/license"
	"tollgate/internal/request"
	"tollgate/internal/settings"
	"tollgate/internal/sweep"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// App is the tollgate runtime. It owns the DB pool, the operator channel,
// and the background loops, and serves the HTTP surface.
type App struct {
	cfg Config
	log *slog.Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	messenger channel.Messenger
	hub       *hub.Hub

	requests *request.Service
	licenses *license.Service
	settings *settings.Service

	guard   *ingest.Guard
	loop    *ingest.Loop
	sweeper *sweep.Sweeper

	api *api.Handler
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	stores, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	messenger, err := newMessenger(cfg, log)
	if err != nil {
		if stores.pool != nil {
			stores.pool.Close()
		}
		return nil, err
	}

	events := hub.New(log)

	requestSvc := request.NewService(log, stores.requests, messenger)
	licenseSvc := license.NewService(log, stores.licenses, messenger, events, cfg.PaymentAddress)
	settingsSvc := settings.NewService(log, stores.settings, events)

	guard := ingest.NewGuard()
	loop := ingest.NewLoop(log, guard, messenger, requestSvc, licenseSvc,
		ingest.WithPullTimeout(cfg.PullTimeout),
		ingest.WithPullDelay(cfg.PullDelay),
	)

	sweeper := sweep.New(log, stores.requests, stores.licenses, cfg.SweepInterval, cfg.RequestTimeout)

	apiCfg := api.Config{HeartbeatInterval: cfg.HeartbeatInterval}
	if cfg.AdminSecret != "" {
		hash, err := auth.HashSecret(cfg.AdminSecret)
		if err != nil {
			if stores.pool != nil {
				stores.pool.Close()
			}
			return nil, err
		}
		apiCfg.AdminSecretHash = hash
	} else {
		log.Warn("admin.disabled.no_secret")
	}

	handler := api.NewHandler(log, apiCfg, requestSvc, licenseSvc, settingsSvc, events)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    stores.pool,
		dbEnabled: stores.pool != nil,
		messenger: messenger,
		hub:       events,
		requests:  requestSvc,
		licenses:  licenseSvc,
		settings:  settingsSvc,
		guard:     guard,
		loop:      loop,
		sweeper:   sweeper,
		api:       handler,
	}, nil
}

// Run starts the HTTP server, the ingestion loop, and the sweeper, and
// blocks until context cancellation or a fatal error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.api)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		// WriteTimeout stays zero: SSE and WebSocket responses are
		// long-lived. Per-write deadlines live in the stream code.
		WriteTimeout:   a.cfg.WriteTimeout,
		IdleTimeout:    nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes: nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.loop.Run(gctx)
	})

	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("server.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// stores bundles the persistence layer. pool is nil in memory mode.
type stores struct {
	pool     *pgxpool.Pool
	requests request.Store
	licenses license.Store
	settings settings.Store
}

// newStores decides between Postgres-backed persistence and in-memory mode.
func newStores(ctx context.Context, cfg Config, log *slog.Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return stores{
			requests: request.NewMemoryStore(),
			licenses: license.NewMemoryStore(),
			settings: settings.NewMemoryStore(),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return stores{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	requests, err := request.NewPostgresStore(pool, request.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	licenses, err := license.NewPostgresStore(pool, license.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	toggles, err := settings.NewPostgresStore(pool, cfg.DBSchema)
	if err != nil {
		pool.Close()
		return stores{}, err
	}

	if err := requests.EnsureSchema(ctx); err != nil {
		pool.Close()
		return stores{}, err
	}
	if err := licenses.EnsureSchema(ctx); err != nil {
		pool.Close()
		return stores{}, err
	}
	if err := toggles.EnsureSchema(ctx); err != nil {
		pool.Close()
		return stores{}, err
	}

	return stores{
		pool:     pool,
		requests: requests,
		licenses: licenses,
		settings: toggles,
	}, nil
}

// newMessenger selects the operator channel. An empty bot token means dev
// mode: actions can only arrive through the admin API.
func newMessenger(cfg Config, log *slog.Logger) (channel.Messenger, error) {
	if cfg.TelegramBotToken == "" {
		log.Info("channel.disabled.inmemory_messenger")
		return channel.NewMemory(), nil
	}
	if cfg.TelegramChatID == 0 {
		return nil, errors.New("app: TOLLGATE_TELEGRAM_CHAT_ID is required when bot token is set")
	}
	log.Info("channel.enabled.telegram", "chat_id", cfg.TelegramChatID)
	return channel.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
