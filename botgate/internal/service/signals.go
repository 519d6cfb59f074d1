package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// NotifyContext returns a context cancelled by the first SIGINT or SIGTERM.
// A second signal exits the process immediately with status 1.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(parent)
	go watchSignals(ctx, sigs, cancel, os.Exit)

	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

func watchSignals(ctx context.Context, sigs <-chan os.Signal, cancel context.CancelFunc, exit func(int)) {
	select {
	case sig := <-sigs:
		slog.Info("shutdown signal received, draining", slog.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
		return
	}

	sig := <-sigs
	slog.Warn("second signal received, forcing exit", slog.String("signal", sig.String()))
	exit(1)
}
