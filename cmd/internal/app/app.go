// Package app wires the relay runtime: config, logging, the shared message
// store and fanout bus, and one gateway worker per listening port.
package app

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"relay/cmd/internal/chat"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App is the relay runtime. It owns the store, the bus, and the workers.
type App struct {
	cfg Config
	log Logger

	store chat.MessageStore
	bus   chat.Bus

	dbPool    *pgxpool.Pool
	dbEnabled bool

	workers []*Worker
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	ctx := context.Background()

	store, dbPool, dbEnabled, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	bus, err := newBus(ctx, cfg, log)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		bus:       bus,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
	}

	for i := 0; i < cfg.Workers; i++ {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.BasePort+i))
		w, err := newWorker(i, addr, log, cfg, store, bus, dbEnabled, dbPool)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.workers = append(a.workers, w)
	}

	return a, nil
}

// Run starts all workers and blocks until context cancellation or the first
// fatal worker error.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("server.start",
		"host", a.cfg.Host,
		"base_port", a.cfg.BasePort,
		"workers", len(a.workers),
		"db_enabled", a.dbEnabled,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(a.workers))
	done := make(chan struct{}, len(a.workers))

	for _, w := range a.workers {
		w := w
		go func() {
			if err := w.Run(ctx); err != nil {
				errCh <- fmt.Errorf("worker %d: %w", w.index, err)
			}
			done <- struct{}{}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
		cancel()
	}

	for range a.workers {
		<-done
	}

	a.closeResources()
	a.log.Info("server.stopped")
	return runErr
}

func (a *App) closeResources() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("bus.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// newStore decides between Postgres and the default sqlite log.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.MessageStore, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, err
		}

		// Ownership model:
		// - app owns pool lifecycle
		// - PostgresStore.Close() is a no-op
		store, err := chat.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, false, err
		}

		log.Info("store.postgres")
		return store, pool, true, nil
	}

	store, err := chat.NewSQLiteStore(ctx, cfg.SQLitePath, cfg.SQLiteBusyTimeout)
	if err != nil {
		return nil, nil, false, err
	}
	log.Info("store.sqlite", "path", cfg.SQLitePath)
	return store, nil, false, nil
}

// newBus decides how workers reach each other: a networked Redis channel, an
// in-process broker, or nothing at all for a single worker.
func newBus(ctx context.Context, cfg Config, log Logger) (chat.Bus, error) {
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		bus, err := chat.NewRedisBus(ctx, log, rdb)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		log.Info("bus.redis", "addr", cfg.RedisAddr)
		return bus, nil
	}

	if cfg.Workers > 1 {
		log.Info("bus.local", "workers", cfg.Workers)
		return chat.NewLocalBus(), nil
	}

	log.Info("bus.none.single_worker")
	return chat.NoopBus{}, nil
}
