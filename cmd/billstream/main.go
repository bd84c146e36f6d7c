package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/earthboundkid/versioninfo/v2"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"
	"github.com/riverqueue/river"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dynoinc/billstream/internal"
	"github.com/dynoinc/billstream/internal/account"
	"github.com/dynoinc/billstream/internal/background"
	"github.com/dynoinc/billstream/internal/background/charge_retry_worker"
	"github.com/dynoinc/billstream/internal/background/invocation_purge_worker"
	"github.com/dynoinc/billstream/internal/llm"
	"github.com/dynoinc/billstream/internal/otel/metrics"
	"github.com/dynoinc/billstream/internal/otel/trace"
	"github.com/dynoinc/billstream/internal/pricing"
	"github.com/dynoinc/billstream/internal/storage"
	"github.com/dynoinc/billstream/internal/stream"
	"github.com/dynoinc/billstream/internal/telemetry"
	"github.com/dynoinc/billstream/internal/thread"
	"github.com/dynoinc/billstream/internal/web"
)

type Config struct {
	DevMode  bool       `split_words:"true" default:"true"`
	LogLevel slog.Level `split_words:"true" default:"INFO"`

	// Database configuration
	Database storage.DatabaseConfig

	// Provider configuration
	LLM llm.Config

	// Billing and persistence
	Accounts  account.Config
	Threads   thread.Config
	Stream    stream.Config
	Telemetry telemetry.Config
	// Pricing table path; the embedded table is used when empty.
	PricingFile string `split_words:"true"`

	// Observability
	SentryDSN string `envconfig:"SENTRY_DSN"`
	Trace     trace.Config

	// HTTP configuration
	HTTPAddr string `split_words:"true" default:"127.0.0.1:5001"`
}

func main() {
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help {
		_ = envconfig.Usage("billstream", &Config{})
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("error loading .env file", "error", err)
		os.Exit(1)
	}

	var c Config
	if err := envconfig.Process("billstream", &c); err != nil {
		slog.Error("error loading configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(c)

	if err := run(c); err != nil {
		slog.Error("error running server", "error", err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func setupLogging(c Config) {
	var handler slog.Handler
	if c.DevMode {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: c.LogLevel, TimeFormat: time.Kitchen})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel})
	}
	slog.SetDefault(slog.New(handler))
}

func run(c Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	slog.InfoContext(ctx, "Running version", "version", versioninfo.Short())

	// Observability setup
	withSentry := c.SentryDSN != ""
	if withSentry {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              c.SentryDSN,
			Release:          versioninfo.Revision,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		}); err != nil {
			return fmt.Errorf("error setting up sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	shutdownTracing, err := trace.Setup(ctx, c.Trace, withSentry)
	if err != nil {
		return fmt.Errorf("error setting up tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	shutdownMetrics, err := metrics.Setup()
	if err != nil {
		return fmt.Errorf("error setting up metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	// Database setup
	if c.DevMode {
		if err := storage.StartPostgresContainer(ctx, c.Database); err != nil {
			return fmt.Errorf("error setting up dev database: %w", err)
		}
	}
	db, err := storage.NewWithConfig(ctx, c.Database.URL(), c.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("error setting up database: %w", err)
	}
	defer db.Close()

	// LLM setup
	if c.DevMode {
		if err := llm.StartOllamaContainer(ctx); err != nil {
			return fmt.Errorf("error setting up ollama: %w", err)
		}
	}
	llmClient, err := llm.New(ctx, c.LLM)
	if err != nil {
		return fmt.Errorf("error setting up LLM client: %w", err)
	}

	prices, err := pricing.Load(c.PricingFile)
	if err != nil {
		return fmt.Errorf("error loading pricing table: %w", err)
	}

	// Bot setup
	bot, err := internal.New(db, llmClient, prices, internal.Config{
		Accounts:  c.Accounts,
		Threads:   c.Threads,
		Stream:    c.Stream,
		Telemetry: c.Telemetry,
	})
	if err != nil {
		return fmt.Errorf("error setting up bot: %w", err)
	}

	// Background job setup
	workers := river.NewWorkers()
	river.AddWorker(workers, charge_retry_worker.New(bot))
	river.AddWorker(workers, invocation_purge_worker.New(bot))

	periodicJobs, err := background.PeriodicJobs(c.Telemetry)
	if err != nil {
		return fmt.Errorf("error setting up periodic jobs: %w", err)
	}
	riverClient, err := background.New(db, workers, periodicJobs)
	if err != nil {
		return fmt.Errorf("error setting up background worker: %w", err)
	}
	bot.RiverClient = riverClient

	// HTTP server setup
	handler, err := web.New(ctx, bot, db, riverClient)
	if err != nil {
		return fmt.Errorf("error setting up HTTP server: %w", err)
	}

	server := &http.Server{
		BaseContext: func(listener net.Listener) context.Context { return ctx },
		Addr:        c.HTTPAddr,
		Handler:     otelhttp.NewHandler(handler, "billstream"),
	}

	wg.Go(func() error {
		slog.InfoContext(ctx, "Starting river client")
		return riverClient.Start(ctx)
	})
	wg.Go(func() error {
		slog.InfoContext(ctx, "Starting HTTP server", "addr", c.HTTPAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}

		return nil
	})
	wg.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-ctx.Done():
		case <-sig:
			slog.InfoContext(ctx, "Shutting down")
		}

		// Let in-flight turns finish streaming and settle their charges.
		shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer stop()

		err := server.Shutdown(shutdownCtx)
		if stopErr := riverClient.Stop(shutdownCtx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		cancel()
		return err
	})

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
