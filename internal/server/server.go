// Package server runs the bridge's HTTP server until the process is asked to
// stop, then drains requests and releases resources.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Serve listens on srv.Addr until ctx is done or the process receives SIGINT
// or SIGTERM. In-flight requests are given shutdownTimeout to complete before
// the hooks run with the remainder of that deadline.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		err = fmt.Errorf("listening on %s: %w", srv.Addr, err)
		if hooks != nil {
			return hooks.Abandon(ctx, err)
		}
		return err
	}

	return serveListener(ctx, srv, listener, shutdownTimeout, hooks)
}

func serveListener(ctx context.Context, srv *http.Server, listener net.Listener, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("server listening")
		serveErr <- srv.Serve(listener)
	}()

	var failure error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			failure = fmt.Errorf("server stopped unexpectedly: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown requested, draining requests")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}

	if hooks != nil {
		if err := hooks.Execute(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("resources not released cleanly")
		}
	}

	log.Info().Msg("server stopped")
	return failure
}
