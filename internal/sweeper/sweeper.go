// Package sweeper recovers ScanRuns left `running` by a crashed process
// (spec §9's crash-recovery design note). Grounded on the teacher's
// internal/gateway/heartbeat.go periodic-evaluate-on-ticker idiom, repurposed
// from "detect a stuck orchestrator and broadcast SSE" to "find running rows
// older than a threshold and fail them".
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/catalog"
)

// Sweeper periodically fails orphaned `running` ScanRuns.
type Sweeper struct {
	store     *catalog.Store
	threshold time.Duration
	interval  time.Duration
	log       *slog.Logger
}

func New(store *catalog.Store, threshold, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{store: store, threshold: threshold, interval: interval, log: log}
}

// SweepOnce runs a single recovery pass, intended to be called once at
// startup before the dispatcher loop begins (so a prior crash's orphaned
// rows are failed before new work is claimed).
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	n, err := s.store.SweepOrphaned(ctx, s.threshold)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Warn("recovered orphaned scan runs", "count", n, "threshold", s.threshold)
	}
	return nil
}

// Run evaluates the sweep on every tick until ctx is cancelled, catching
// runs orphaned by a crash that happens mid-flight rather than only at
// process start.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}
