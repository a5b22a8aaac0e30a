// Package dispatcher runs the claim/execute poll loop that feeds queued
// ScanRuns into the pipeline engine (spec §4.2). Grounded on the teacher's
// internal/agent/orchestrator.go Run() loop structure (ctx.Done/ticker
// select, best-effort-failure-is-logged-not-propagated discipline) and on
// original_source/backend/worker.py's main() for the exact
// claim-then-dispatch-with-no-sleep-on-success sequencing.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/catalog"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/pipeline"
)

// Loop repeatedly claims the oldest queued ScanRun and runs it to completion.
type Loop struct {
	store        *catalog.Store
	engine       *pipeline.Engine
	pollInterval time.Duration
	log          *slog.Logger
}

func New(store *catalog.Store, engine *pipeline.Engine, pollInterval time.Duration, log *slog.Logger) *Loop {
	return &Loop{store: store, engine: engine, pollInterval: pollInterval, log: log}
}

// Run blocks until ctx is cancelled. Each iteration claims at most one run;
// when the queue is empty it waits pollInterval before trying again. A run
// immediately following a successful claim skips the wait, matching
// worker.py's tight poll loop under load.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := l.tick(ctx)
		if err != nil {
			l.log.Error("dispatcher tick failed", "error", err)
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick claims and runs at most one ScanRun, reporting whether one was found.
func (l *Loop) tick(ctx context.Context) (bool, error) {
	run, err := l.store.Claim(ctx)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil
	}

	l.log.Info("claimed scan run", "scan_run_id", run.ID, "repo_id", run.RepoID, "trigger", run.Trigger)
	// The claimed run is not tied to ctx's cancellation: a shutdown signal
	// stops further claims, but the in-flight run still finishes.
	if err := l.engine.Run(context.WithoutCancel(ctx), run); err != nil {
		l.log.Error("scan run failed", "scan_run_id", run.ID, "error", err, "status", models.StatusFailed)
	}
	return true, nil
}
