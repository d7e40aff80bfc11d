// The panelyt API serves the biomarker catalog and cart sessions backed
// by the remote pricing service. main wires configuration, logging, the
// catalog refresh cycle and the HTTP server together, then waits for a
// shutdown signal.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/panelyt/panelyt-api/catalog"
	"github.com/panelyt/panelyt-api/config"
	"github.com/panelyt/panelyt-api/health"
	"github.com/panelyt/panelyt-api/logging"
	"github.com/panelyt/panelyt-api/pricing"
	"github.com/panelyt/panelyt-api/resolver"
	"github.com/panelyt/panelyt-api/scheduler"
	"github.com/panelyt/panelyt-api/server"
	"github.com/panelyt/panelyt-api/session"
	"github.com/panelyt/panelyt-api/validation"
)

func main() {
	// .env is a development convenience; deployments set real variables
	if err := godotenv.Load(); err != nil {
		logging.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	logging.InitLoggerWithOptions("logs", cfg.LogRetentionWeeks, cfg.MaxLogFileSize, logging.ParseLevel(cfg.LogLevel))

	store := catalog.NewContainer()
	store.SetServerStartTime(time.Now())

	validator := validation.NewValidator()

	labs, err := pricing.LoadRegistry(cfg.LabsConfig)
	if err != nil {
		logging.Error("Failed to load lab registry", "error", err, "path", cfg.LabsConfig)
		os.Exit(1)
	}
	logging.Info("Lab registry loaded", "labs", labs.Len(), "path", cfg.LabsConfig)

	client := pricing.NewClient(cfg.PricingBaseURL)

	sessions := session.NewRegistry(session.Config{
		Resolver:       resolver.New(client),
		Pricing:        client,
		Labs:           labs,
		ShareBase:      cfg.ShareBaseURL,
		SharePath:      cfg.SharePath,
		DefaultLocale:  cfg.DefaultLocale,
		PricingContext: cfg.DefaultPricingContext,
		TTL:            time.Duration(cfg.SessionTTLMinutes) * time.Minute,
	})
	sessions.Start()

	// The scheduler loads the catalog before the server accepts traffic,
	// then keeps it fresh twice a day.
	sched := scheduler.NewScheduler(store, catalog.NewFetcher(cfg.CatalogURL), validator)
	if err := sched.Start(); err != nil {
		logging.Error("Failed to load the initial catalog", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg, server.Deps{
		Store:     store,
		Sessions:  sessions,
		Pricing:   client,
		Labs:      labs,
		Checker:   health.NewHealthChecker(store, sessions),
		Validator: validator,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("Shutdown did not drain cleanly", "error", err)
	}

	sched.Stop()
	sessions.Close()

	logging.Info("Shutdown complete")
}
