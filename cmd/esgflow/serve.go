package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/esg-flow/internal/certs"
	"github.com/Veraticus/esg-flow/internal/config"
	"github.com/Veraticus/esg-flow/internal/observability"
	"github.com/Veraticus/esg-flow/internal/server"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		addr   string
		useTLS bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the completion, search and extraction endpoints behind the
per-client rate limiter, plus /api/health and /metrics.

Examples:
  esgflow serve
  esgflow serve --addr 127.0.0.1:9090
  ESGFLOW_RATELIMIT_STORE=redis esgflow serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = appConfig.Server.Address
			}
			if cmd.Flags().Changed("tls") {
				appConfig.Server.TLS = useTLS
			}
			return runServer(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.address)")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "serve HTTPS with a self-signed localhost certificate")

	return cmd
}

func runServer(ctx context.Context, addr string) error {
	shutdownTracing, err := observability.InitTracing(ctx, appConfig.Tracing, version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(ctx, appConfig, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(a.serverDeps()).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if appConfig.Server.TLS {
		tlsConfig, err := certs.NewFileManager(config.ExpandPath(appConfig.Server.CertDir)).TLSConfig()
		if err != nil {
			return fmt.Errorf("prepare TLS certificate: %w", err)
		}
		srv.TLSConfig = tlsConfig
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server listening",
			"addr", addr,
			"tls", srv.TLSConfig != nil,
			"provider", a.provider,
			"rateLimiting", a.limiter != nil,
			"webSearch", a.search != nil)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		slog.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		slog.Info("HTTP server stopped")
		return nil
	})

	return g.Wait()
}
