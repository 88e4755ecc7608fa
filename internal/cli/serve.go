// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/morganforge/chatrelay/internal/config"
	"github.com/morganforge/chatrelay/internal/registry"
	"github.com/morganforge/chatrelay/internal/relay"
)

// HandleServeCommand runs the relay server until interrupted.
func HandleServeCommand(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	srv := relay.NewServer(cfg.Server.Port, registry.New()).
		WithIdleTimeout(time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second).
		WithCORS(cfg.Server.AllowedOrigins).
		WithRateLimit(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst)

	// Reload-sensitive settings are applied on config file changes; the
	// listen port stays fixed for the process lifetime.
	if path, err := config.ConfigPath(); err == nil {
		if w, err := config.Watch(path, func(fresh *config.Config) {
			srv.WithIdleTimeout(time.Duration(fresh.Server.IdleTimeoutSecs) * time.Second).
				WithRateLimit(fresh.Server.RateLimitPerSec, fresh.Server.RateLimitBurst)
		}); err == nil {
			defer w.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-sigCh:
		log.Printf("SERVER_SIGNAL | signal=%s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
