// Command subway is the tunnel client: it exposes a local TCP/HTTP
// service through a subwayd relay server under a public subdomain.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/subwayhq/subway/internal/client"
	"github.com/subwayhq/subway/internal/config"
	"github.com/subwayhq/subway/internal/logging"
)

func main() {
	fs := pflag.NewFlagSet("subway", pflag.ExitOnError)
	cfg, err := config.LoadClient(fs, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel)

	agent := client.New(client.Config{
		ServerAddr: cfg.ServerAddr,
		LocalAddr:  cfg.LocalAddr,
		Subdomain:  cfg.Subdomain,
		Retry:      cfg.Retry,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down subway client")
		cancel()
	}()

	logger.Info().Str("server", cfg.ServerAddr).Str("local", cfg.LocalAddr).Msg("connecting")
	if err := agent.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("tunnel client exited")
	}
}
