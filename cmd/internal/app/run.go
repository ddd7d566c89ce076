package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run loads configuration, wires the App, and serves until the process
// receives SIGINT or SIGTERM. The error is returned to main rather than
// exiting here so deferred cleanup in the call chain still runs.
func Run() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}
