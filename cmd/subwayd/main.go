// Command subwayd is the relay server: it accepts tunnel clients on
// the control port and forwards public HTTP traffic to them by
// subdomain. Wiring mirrors the teacher's cmd/server/main.go (config
// load, component construction, graceful shutdown on SIGINT/SIGTERM),
// with the JWT/Postgres-backed account system replaced by the relay's
// own Engine/Registry pair.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/subwayhq/subway/internal/config"
	"github.com/subwayhq/subway/internal/engine"
	"github.com/subwayhq/subway/internal/logging"
	"github.com/subwayhq/subway/internal/metrics"
	"github.com/subwayhq/subway/internal/registry"
	"github.com/subwayhq/subway/internal/relayproxy"
)

func main() {
	fs := pflag.NewFlagSet("subwayd", pflag.ExitOnError)
	cfg, err := config.LoadServer(fs, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel)

	scheme := "http"
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		scheme = "https"
	}

	m := metrics.New()

	// registry.OnEvict needs to call back into the Engine, which in
	// turn is constructed with the registry — resolve
	// the cycle with a forwarding closure bound once the Engine exists.
	var onEvict registry.OnEvict = func(string) {}
	reg := registry.New(registry.Config{
		TTL:             cfg.ExpireAfter,
		CleanupInterval: cfg.CleanupInterval,
		OnEvict:         func(subdomain string) { onEvict(subdomain) },
		Logger:          logger,
		Metrics:         m,
	})

	eng, err := engine.New(engine.Config{
		Domain:             cfg.Domain,
		Scheme:             scheme,
		MaxParkedPerTenant: cfg.MaxParked,
		MaxTenants:         cfg.MaxTenants,
	}, cfg.ControlAddr, reg, m, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start control listener")
	}
	onEvict = eng.EvictSubdomain

	proxyEngine := relayproxy.New(relayproxy.Config{
		Domain:        cfg.Domain,
		BehindProxy:   cfg.BehindProxy,
		Registry:      reg,
		Metrics:       m,
		Logger:        logger,
		EnableMetrics: cfg.MetricsEnabled,
	})
	proxyServer := &http.Server{
		Addr:    cfg.ProxyAddr,
		Handler: proxyEngine,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reg.Run(ctx)
	go func() {
		logger.Info().Str("addr", cfg.ControlAddr).Msg("control listener starting")
		if err := eng.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("control listener exited")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.ProxyAddr).Str("domain", cfg.Domain).Msg("public proxy starting")
		var err error
		if scheme == "https" {
			err = proxyServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = proxyServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("public proxy exited unexpectedly")
		}
	}()

	waitForShutdown(cancel, proxyServer, eng, reg)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, eng *engine.Engine, reg *registry.Registry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down subwayd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful proxy shutdown failed; forcing close")
		srv.Close()
	}

	eng.Close()
	reg.Stop()
	cancel()

	log.Info().Msg("subwayd stopped")
}
