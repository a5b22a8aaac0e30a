package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/archive"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/catalog"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/config"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/database"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/dispatcher"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/pipeline"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/sweeper"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/tokenbroker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the claim/scan/normalize dispatcher loop",
	Long: `Sweeps any scan runs orphaned by a prior crash, then polls the
catalog for queued scan runs and processes each one through the fixed
pipeline (fetch, sca/sast, semantic, publish, normalize, finalize) until
interrupted.`,
	RunE: runServe,
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := newLogger(cfg.Log)

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	store := catalog.New(db)
	broker := tokenbroker.New(cfg.TokenBroker.URL)
	fetcher := archive.New(cfg.GitHub.APIBaseURL, cfg.Archive.MaxBytes)
	engine := pipeline.New(store, store, broker, fetcher, cfg, log)

	threshold := time.Duration(cfg.Dispatcher.RecoveryThresholdSeconds) * time.Second
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	sw := sweeper.New(store, threshold, 5*time.Minute, log)
	if err := sw.SweepOnce(ctx); err != nil {
		log.Error("startup sweep failed", "error", err)
	}
	go sw.Run(ctx)

	pollInterval := time.Duration(cfg.Dispatcher.PollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	loop := dispatcher.New(store, engine, pollInterval, log)

	log.Info("dispatcher starting", "poll_interval", pollInterval)
	loop.Run(ctx)
	log.Info("dispatcher stopped")
	return nil
}
