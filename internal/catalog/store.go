// Package catalog wraps the generic database.DB with the scan-specific
// queries the pipeline engine and dispatcher need: claiming, stage lifecycle
// recording, and the final findings/artifacts commit. Grounded on the
// persistence helpers in the teacher's internal/scanner/runner.go
// (createScanJob/persistScannerResults/finaliseScanJob, including its
// dbWriteCtx fallback for writes that must land after cancellation) and on
// the stage-recording protocol in original_source/backend/worker.py's
// _record_stage().
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/database"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"
)

// Store is the catalog's transactional query surface.
type Store struct {
	db database.DB
}

func New(db database.DB) *Store {
	return &Store{db: db}
}

// Claim atomically selects and marks-running the oldest queued ScanRun
// (spec §4.2 steps 1-3). Returns (nil, nil) when none are queued.
func (s *Store) Claim(ctx context.Context) (*models.ScanRun, error) {
	run, err := s.db.ClaimQueuedScanRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("claiming scan run: %w", err)
	}
	return run, nil
}

// OpenStage writes a new ScanStage row and advances the parent's
// current_stage, per spec §4.3's stage recording protocol. Returns the new
// stage row's id for use by CloseStage.
func (s *Store) OpenStage(ctx context.Context, runID, stage string) (int64, error) {
	now := nowUTC()
	id, err := s.db.Insert(ctx, "scan_stages", &models.ScanStage{
		ScanRunID: runID,
		Stage:     stage,
		StartedAt: now,
	})
	if err != nil {
		return 0, fmt.Errorf("opening stage %s: %w", stage, err)
	}
	if err := s.db.Exec(ctx, `UPDATE scan_runs SET current_stage = ? WHERE id = ?`, stage, runID); err != nil {
		return 0, fmt.Errorf("setting current_stage to %s: %w", stage, err)
	}
	return id, nil
}

// CloseStage sets ended_at (and error_message, if errMsg is non-empty) on a
// previously opened stage row. Writes here use dbWriteCtxFallback so a stage
// still closes durably even if the run's own context was just cancelled by
// the global timeout check.
func (s *Store) CloseStage(ctx context.Context, stageID int64, errMsg string) error {
	ctx = dbWriteCtxFallback(ctx)
	return s.db.Exec(ctx,
		`UPDATE scan_stages SET ended_at = ?, error_message = ? WHERE id = ?`,
		nowUTC(), nullIfEmpty(errMsg), stageID)
}

// CommitFindings writes all Findings and ScanArtifacts for a run in one
// transaction, per spec §4.3's normalize stage contract.
func (s *Store) CommitFindings(ctx context.Context, runID string, findings []models.Finding, artifacts []models.ScanArtifact) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("opening findings transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range findings {
		f := findings[i]
		f.ScanRunID = runID
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if _, err := tx.Insert(ctx, "findings", &f); err != nil {
			return fmt.Errorf("inserting finding: %w", err)
		}
	}
	for i := range artifacts {
		a := artifacts[i]
		a.ScanRunID = runID
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if _, err := tx.Insert(ctx, "scan_artifacts", &a); err != nil {
			return fmt.Errorf("inserting artifact %s: %w", a.Name, err)
		}
	}
	return tx.Commit()
}

// Finalize sets the ScanRun's terminal status, per spec §4.3's finalize stage
// and §3 invariant 1 (once terminal, only result_summary may change again).
func (s *Store) Finalize(ctx context.Context, runID, status, errMsg, resultSummary string) error {
	ctx = dbWriteCtxFallback(ctx)
	return s.db.Exec(ctx,
		`UPDATE scan_runs SET status = ?, ended_at = ?, current_stage = ?, error_message = ?, result_summary = ? WHERE id = ?`,
		status, nowUTC(), models.StageFinalize, nullIfEmpty(errMsg), resultSummary, runID)
}

// Resolve looks up the Repo a ScanRun belongs to and picks the git ref to
// fetch: the run's own commit_sha or branch if set, else the repo's default
// branch. Satisfies pipeline.RepoLookup by structural typing.
func (s *Store) Resolve(ctx context.Context, run *models.ScanRun) (owner, name, ref string, err error) {
	var repo models.Repo
	if err := s.db.Get(ctx, &repo,
		`SELECT id, repo_id, installation_id, owner, name, full_name, default_branch,
		        is_private, archived, created_at, last_synced_at
		 FROM repos WHERE id = ?`, run.RepoID); err != nil {
		return "", "", "", fmt.Errorf("looking up repo %d: %w", run.RepoID, err)
	}

	ref = run.CommitSHA
	if ref == "" {
		ref = run.Branch
	}
	if ref == "" {
		ref = repo.DefaultBranch
	}
	if ref == "" {
		ref = "HEAD"
	}
	return repo.Owner, repo.Name, ref, nil
}

// SweepOrphaned fails every `running` ScanRun whose started_at is older than
// threshold, per spec §9's crash-recovery design note.
func (s *Store) SweepOrphaned(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold).Format(time.RFC3339)
	var rows []models.ScanRun
	if err := s.db.Select(ctx, &rows,
		`SELECT id, repo_id, installation_id, trigger, status, current_stage, branch, commit_sha,
		        created_at, started_at, ended_at, error_message, result_summary
		 FROM scan_runs WHERE status = ? AND started_at < ?`, models.StatusRunning, cutoff); err != nil {
		return 0, fmt.Errorf("selecting orphaned runs: %w", err)
	}
	for _, r := range rows {
		if err := s.Finalize(ctx, r.ID, models.StatusFailed, "orphaned", ""); err != nil {
			return 0, fmt.Errorf("failing orphaned run %s: %w", r.ID, err)
		}
	}
	return len(rows), nil
}

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// dbWriteCtxFallback mirrors the teacher's dbWriteCtx(): a final durable
// write must land even if the caller's context was just cancelled (e.g. by
// the global-timeout checkpoint), so it runs against a background context
// instead when the original is already done.
func dbWriteCtxFallback(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}
