// Package app wires the genesis console runtime: config, logging, metrics,
// the durable mirror, the sync engine, and the admin HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/engine"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/gatewayapi"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/metrics"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/mirror"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/msgsync"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/realtime"
	v1 "github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/contracts/gateway/v1"
)

// App owns every long-lived component of the console process.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry

	mirror   mirror.Mirror
	dbPool   *pgxpool.Pool
	redisCli *redis.Client

	store  *msgsync.Store
	mgr    *realtime.Manager
	gw     *gatewayapi.Client
	engine *engine.Engine

	upstreamMu sync.Mutex
	upstream   string
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mset := metrics.New(registry)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	m, pool, redisCli, err := newMirror(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	store := msgsync.NewStore(log, m, msgsync.Config{
		DedupWindow:                cfg.DedupWindow,
		MaxMessagesPerConversation: cfg.MaxMessages,
		Metrics:                    mset,
	})
	// A dead mirror at boot means a cold start, not a refusal to start.
	if err := store.Restore(ctx); err != nil {
		log.Warn("sync.restore.fail", "err", err)
	}

	mgr := realtime.New(log, realtime.Config{
		URL:               cfg.GatewayWSURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectCap:      cfg.ReconnectCap,
		MaxAttempts:       cfg.MaxAttempts,
		QueueCap:          cfg.SendQueueCap,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		Metrics:           mset,
	})

	gw := gatewayapi.New(log, gatewayapi.Config{
		BaseURL: cfg.GatewayBaseURL,
		Timeout: cfg.GatewayTimeout,
	})

	eng := engine.New(log, mgr, store, gw, engine.Config{
		PollInterval: cfg.PollInterval,
		Metrics:      mset,
	})

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: registry,
		mirror:   m,
		dbPool:   pool,
		redisCli: redisCli,
		store:    store,
		mgr:      mgr,
		gw:       gw,
		engine:   eng,
	}

	eng.GatewayStatus().Subscribe(func(p v1.ConnectionStatusPayload) {
		a.upstreamMu.Lock()
		a.upstream = p.Status
		a.upstreamMu.Unlock()
	})

	return a, nil
}

// Run starts the engine and the HTTP server and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	// A failed first dial is not fatal: the manager keeps retrying with
	// backoff while the console serves whatever the mirror restored.
	if err := a.mgr.Connect(ctx, a.cfg.GatewayWSURL); err != nil {
		a.log.Warn("gateway.connect.fail", "url", a.cfg.GatewayWSURL, "err", err)
	}

	router := newRouter(a.log, a.cfg, routerDeps{
		store:          a.store,
		sync:           a.engine,
		connState:      a.mgr.State,
		upstreamStatus: a.upstreamStatus,
		gatewayPing:    a.gw.Ping,
		metricsHandler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"gateway", a.cfg.GatewayBaseURL,
		"gateway_ws", a.cfg.GatewayWSURL,
		"mirror", a.cfg.MirrorDriver,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.shutdownComponents(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	a.shutdownComponents(shutdownCtx)

	a.log.Info("server.stopped")
	return nil
}

// shutdownComponents tears the runtime down in dependency order: engine
// first (stops producing), then the socket, then the store (drains pending
// snapshot writes), then the mirror and its clients.
func (a *App) shutdownComponents(ctx context.Context) {
	a.engine.Close()
	a.mgr.Disconnect()

	if err := a.store.Close(ctx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if err := a.mirror.Close(); err != nil {
		a.log.Error("mirror.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.redisCli != nil {
		if err := a.redisCli.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
}

func (a *App) upstreamStatus() string {
	a.upstreamMu.Lock()
	defer a.upstreamMu.Unlock()
	return a.upstream
}

// newMirror opens the configured mirror backend. The app owns the pool and
// client lifecycles; mirror Close methods are no-ops for shared resources.
func newMirror(ctx context.Context, cfg Config, log Logger) (mirror.Mirror, *pgxpool.Pool, *redis.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.MirrorDriver)) {
	case "", "memory":
		log.Info("mirror.memory")
		return mirror.NewMemory(), nil, nil, nil

	case "sqlite":
		m, err := mirror.OpenSqlite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite mirror: %w", err)
		}
		log.Info("mirror.sqlite", "path", cfg.SQLitePath)
		return m, nil, nil, nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, nil, errors.New("mirror driver postgres requires GENESIS_DATABASE_URL")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		m, err := mirror.NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("open postgres mirror: %w", err)
		}
		log.Info("mirror.postgres")
		return m, pool, nil, nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, nil, nil, errors.New("mirror driver redis requires GENESIS_REDIS_URL")
		}
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		cli := redis.NewClient(opt)
		m, err := mirror.NewRedis(ctx, cli)
		if err != nil {
			_ = cli.Close()
			return nil, nil, nil, fmt.Errorf("open redis mirror: %w", err)
		}
		log.Info("mirror.redis")
		return m, nil, cli, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown mirror driver %q", cfg.MirrorDriver)
	}
}

// runtimeBaseURL renders the address the server is reachable on. Bind-all
// addresses map to loopback, which is what a local operator can open.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an HTTP base URL onto its websocket counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	default:
		return "ws://" + base
	}
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
