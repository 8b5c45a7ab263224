package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cvmdata/insider-pipeline/internal/config"
	"github.com/cvmdata/insider-pipeline/internal/discovery"
	"github.com/cvmdata/insider-pipeline/internal/extract"
	"github.com/cvmdata/insider-pipeline/internal/fetch"
	"github.com/cvmdata/insider-pipeline/internal/pipeline"
	"github.com/cvmdata/insider-pipeline/internal/resolve"
	"github.com/cvmdata/insider-pipeline/internal/store"
)

var (
	version   = "dev"     // This will be set by build flags
	buildTime = "unknown" // This will be set by build flags
	gitCommit = "unknown" // This will be set by build flags
)

func printVersion() {
	fmt.Printf("insiderd %s (built %s, commit %s)\n", version, buildTime, gitCommit)
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(level); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}

// setupTracing installs a stdout span exporter. The returned shutdown
// flushes pending spans.
func setupTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" || arg == "-v" {
			printVersion()
			return
		}
	}

	// .env is optional; flags and real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.LoadFromFlags()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if cfg.Trace {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("trace shutdown failed", zap.Error(err))
			}
		}()
	}

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	filings := store.NewFilingRepo(pool, logger)
	insiders := store.NewInsiderRepo(pool, logger)
	transactions := store.NewTransactionRepo(pool, logger)
	client := fetch.NewClient(cfg.HTTPTimeout, cfg.MaxFileSize)

	if cfg.Discover {
		svc := discovery.NewService(client, filings, logger, cfg.Category, cfg.IndexURL)
		if err := svc.Run(ctx, cfg.StartYear, cfg.EndYear); err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
	}

	p := pipeline.New(
		client,
		extract.NewExtractor(cfg.MaxFileSize),
		filings,
		transactions,
		resolve.NewResolver(insiders, logger),
		logger,
		pipeline.Options{
			AnchorColumns: cfg.AnchorColumns,
			Limit:         cfg.Limit,
			Reprocess:     cfg.Reprocess,
		},
	)

	summary, err := p.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("done",
		zap.Int("filings", summary.Filings),
		zap.Int("processed", summary.Processed),
		zap.Int("terminal", summary.Terminal),
		zap.Int("transient", summary.Transient),
		zap.Int("transactions", summary.Transactions))
	return nil
}
