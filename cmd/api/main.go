// Package main is the entry point for the subscription sync API server.
//
// It loads configuration, connects the Postgres pool, wires the webhook
// pipeline (verifier, classifier, reconciler) and the billing surface
// (checkout, portal, read model) into the HTTP chassis, and runs the
// idempotency janitor alongside the server.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"golang.org/x/sync/errgroup"

	"github.com/Curay1998/SAAS-POS-sub003/internal/api/handlers"
	"github.com/Curay1998/SAAS-POS-sub003/internal/billing"
	"github.com/Curay1998/SAAS-POS-sub003/internal/config"
	"github.com/Curay1998/SAAS-POS-sub003/internal/core"
	"github.com/Curay1998/SAAS-POS-sub003/internal/db"
	"github.com/Curay1998/SAAS-POS-sub003/internal/external"
	"github.com/Curay1998/SAAS-POS-sub003/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("subscription sync API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	// Local development convenience only. Deployed environments run managed
	// migrations before rollout.
	if cfg.Environment == "local" {
		if err := db.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}

	repo := db.NewSubscriptionRepo(pool, pool, logger)

	// Metrics.
	collector, err := newCollector(ctx, cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	// Webhook pipeline.
	verifier := billing.NewVerifier(cfg.Billing.WebhookSecret, cfg.Billing.SignatureTolerance)
	reconciler := billing.NewReconciler(repo, logger)
	webhookHandler := handlers.NewWebhookHandler(verifier, reconciler, repo, collector, logger)

	// Provider client and billing surface.
	stripeClient := external.NewStripeClient(external.NewProviderHTTPClient(), external.StripeClientConfig{
		APIKey:  cfg.Billing.APIKey,
		BaseURL: cfg.Billing.APIBaseURL,
		Logger:  logger,
	})
	billingHandler := handlers.NewBillingHandler(stripeClient, repo, core.NewValidator(logger), cfg.Billing, logger)

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, &db.PoolProbe{Pool: pool})
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		webhookHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
	)
	srv.MountRoutes()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	janitor := db.NewJanitor(repo, cfg.Billing.EventRetention, cfg.Billing.PurgeInterval, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := janitor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event janitor: %w", err)
		}
		return nil
	})

	// Shut the HTTP server down when the signal context or a sibling
	// goroutine ends the group.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newCollector returns the CloudWatch-backed collector when metrics are
// enabled, otherwise a no-op.
func newCollector(ctx context.Context, cfg config.ObservabilityConfig, logger *slog.Logger) (metrics.Collector, error) {
	if !cfg.MetricsEnabled {
		return metrics.NoopCollector{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return metrics.NewCloudWatchCollector(cloudwatch.NewFromConfig(awsCfg), cfg.MetricNamespace, logger), nil
}

// newLogger creates a JSON slog.Logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
