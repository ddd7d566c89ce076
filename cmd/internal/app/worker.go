package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"relay/cmd/internal/chat"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Worker is one listener of the service: its own hub, fanout, and gateway on
// base-port + index. All workers share the message store and the bus.
type Worker struct {
	index  int
	addr   string
	log    Logger
	fanout *chat.Fanout
	srv    *http.Server
}

func newWorker(index int, addr string, log Logger, cfg Config, store chat.MessageStore, bus chat.Bus, dbEnabled bool, dbPool *pgxpool.Pool) (*Worker, error) {
	workerID, err := chat.NewWorkerID(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	wlog := log.With("worker", index)

	hub := chat.NewHub(wlog)
	fanout := chat.NewFanout(wlog, hub, bus, workerID)
	gw := chat.NewGateway(wlog, hub, store, fanout)

	mux := http.NewServeMux()
	registerHTTP(mux, wlog, cfg, dbPool, dbEnabled, gw)

	srv := &http.Server{
		Addr:              addr,
		Handler:           WithRequestLogging(mux, wlog),
		ReadHeaderTimeout: nonZeroDuration(cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(cfg.MaxHeaderBytes, 1<<20),
	}

	return &Worker{
		index:  index,
		addr:   addr,
		log:    wlog,
		fanout: fanout,
		srv:    srv,
	}, nil
}

// Run serves until ctx cancellation or a fatal server error.
func (w *Worker) Run(ctx context.Context) error {
	// Bus subscription runs for the worker lifetime; a clean cancellation is
	// not an error.
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		if err := w.fanout.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("worker.bus.fail", "err", err)
		}
	}()

	w.log.Info("worker.start", "addr", w.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		w.log.Info("worker.stop", "reason", "context_done")
	case err := <-errCh:
		w.log.Error("worker.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.srv.Shutdown(shutdownCtx); err != nil {
		w.log.Error("worker.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	select {
	case <-busDone:
	case <-shutdownCtx.Done():
	}

	return runErr
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
