// Command server runs the checkout service: it publishes signed order
// events to the configured relays and reconciles incoming payment
// receipts against them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lacrypta/checkout/internal/config"
	"github.com/lacrypta/checkout/internal/logging"
	"github.com/lacrypta/checkout/internal/server"
)

// Injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "checkout: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	format := "json"
	if cfg.IsDevelopment() {
		format = "text"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("checkout starting",
		"version", version,
		"commit", commit,
		"env", cfg.Env,
		"port", cfg.Port,
		"fiat_currency", cfg.FiatCurrency,
		"relays", len(cfg.RelayURLs),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("server setup failed", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
