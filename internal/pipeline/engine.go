// Package pipeline runs one ScanRun through the fixed-order stage sequence
// (spec §4.3): fetch_repo, the {sca_osv, sast_semgrep} parallel pair,
// semantic_codeql, sonarqube_publish, normalize, finalize. Grounded on the
// teacher's internal/scanner/runner.go for the per-stage try/record/continue
// shape and its goroutine/channel fan-out for the parallel pair, and on
// original_source/backend/worker.py's process_scan_run() for the exact
// stage ordering and global-timeout checkpoint placement.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/catalog"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/config"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/normalize"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/scanner"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/tokenbroker"
)

// Per-stage subprocess timeouts. Unlike the global job timeout these are
// fixed literals, not derived from it: a short job timeout (e.g. testing a
// global-timeout abort) must not shrink the budget CodeQL needs to finish a
// database create/analyze pass, and a long job timeout must not let OSV or
// Semgrep run far past what a healthy invocation ever needs.
const (
	scaStageTimeout    = 120 * time.Second
	sastStageTimeout   = 300 * time.Second
	codeqlStageTimeout = 600 * time.Second
	sonarStageTimeout  = 300 * time.Second
)

// RepoLookup resolves a ScanRun's owner/name/ref so the engine can fetch the
// right snapshot without importing the full hosted-platform client surface.
type RepoLookup interface {
	Resolve(ctx context.Context, run *models.ScanRun) (owner, name, ref string, err error)
}

// Fetcher retrieves and extracts a repository snapshot into workDir, per
// spec §4.6. *archive.Fetcher satisfies this; the interface exists so the
// pipeline's stage sequencing can be exercised against a stub in tests
// without a real hosted-platform endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, owner, name, ref, token, workDir string) (string, error)
}

// driverFactories builds a fresh scanner.Driver per run for each stage.
// Factories, not bare Driver values, because Sonar's project key (spec §6)
// is derived from the run id and so must be constructed per-run rather than
// once at Engine construction time. Defaulted from cfg in New; overridden
// directly by tests in this package to substitute stub drivers.
type driverFactories struct {
	osv     func() scanner.Driver
	semgrep func() scanner.Driver
	codeql  func() scanner.Driver
	sonar   func(scanID string) scanner.Driver
}

// Engine executes the pipeline for claimed ScanRuns.
type Engine struct {
	store   *catalog.Store
	repos   RepoLookup
	broker  tokenbroker.Broker
	fetcher Fetcher
	cfg     config.Config
	log     *slog.Logger
	drivers driverFactories
}

func New(store *catalog.Store, repos RepoLookup, broker tokenbroker.Broker, fetcher Fetcher, cfg config.Config, log *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		repos:   repos,
		broker:  broker,
		fetcher: fetcher,
		cfg:     cfg,
		log:     log,
		drivers: driverFactories{
			osv:     func() scanner.Driver { return scanner.NewOSV(cfg.Tools.BinDir) },
			semgrep: func() scanner.Driver { return scanner.NewSemgrep(cfg.Tools.BinDir) },
			codeql:  func() scanner.Driver { return scanner.NewCodeQL(cfg.CodeQL.Home, cfg.Tools.BinDir) },
			sonar: func(scanID string) scanner.Driver {
				return scanner.NewSonar(cfg.Tools.BinDir, cfg.Sonar.HostURL, cfg.Sonar.Token, scanID)
			},
		},
	}
}

// stageOutcome is the per-stage bookkeeping the engine threads through the
// run: which artifact (if any) the stage produced, and whether it failed
// hard enough to abort the remaining pipeline.
type stageOutcome struct {
	stage    string
	ok       bool
	message  string
	artifact string
}

// Run executes the full stage sequence for one already-claimed run (spec
// §4.2 step 4 onward). It always finalizes the run — to "completed" if every
// required stage produced a result, to "failed" otherwise — before
// returning, regardless of how far it got.
func (e *Engine) Run(ctx context.Context, run *models.ScanRun) error {
	ctx, cancel := context.WithTimeout(ctx, e.jobTimeout())
	defer cancel()

	log := e.log.With("scan_run_id", run.ID)

	workDir, cleanup, err := e.scratchDir(run.ID)
	if err != nil {
		e.finalize(ctx, run, models.StatusFailed, fmt.Sprintf("creating scratch dir: %v", err))
		return err
	}
	defer cleanup()

	owner, name, ref, err := e.repos.Resolve(ctx, run)
	if err != nil {
		e.finalize(ctx, run, models.StatusFailed, fmt.Sprintf("resolving repo: %v", err))
		return err
	}

	resolvedDir, outcome := e.runStage(ctx, run.ID, models.StageFetchRepo, func(ctx context.Context) (string, bool, string, error) {
		token, err := e.broker.IssueToken(ctx, run.InstallationID)
		if err != nil {
			return "", false, "", fmt.Errorf("issuing token: %w", err)
		}
		dir, err := e.fetcher.Fetch(ctx, owner, name, ref, token, workDir)
		if err != nil {
			return "", false, "", err
		}
		return dir, true, "fetched", nil
	})
	if !outcome.ok {
		e.finalize(ctx, run, models.StatusFailed, outcome.message)
		return fmt.Errorf("fetch_repo: %s", outcome.message)
	}
	if resolvedDir != "" {
		workDir = resolvedDir
	}

	if err := ctx.Err(); err != nil {
		e.finalize(ctx, run, models.StatusFailed, "Job timeout")
		return err
	}

	osvResult, semgrepResult := e.runParallel(ctx, run.ID, workDir)

	if err := ctx.Err(); err != nil {
		e.finalize(ctx, run, models.StatusFailed, "Job timeout")
		return err
	}

	codeqlArtifact, _ := e.runStage(ctx, run.ID, models.StageSemanticCodeQL, func(ctx context.Context) (string, bool, string, error) {
		r := e.drivers.codeql().Run(ctx, workDir, codeqlStageTimeout)
		return r.ArtifactPath, r.OK, r.Message, nil
	})

	if err := ctx.Err(); err != nil {
		e.finalize(ctx, run, models.StatusFailed, "Job timeout")
		return err
	}

	e.runStage(ctx, run.ID, models.StageSonarPublish, func(ctx context.Context) (string, bool, string, error) {
		r := e.drivers.sonar(run.ID).Run(ctx, workDir, sonarStageTimeout)
		return "", r.OK, r.Message, nil
	})

	findings, mergedArtifact, normErr := e.normalize(run.ID, osvResult.artifact, semgrepResult.artifact, codeqlArtifact)
	if normErr != nil {
		log.Warn("normalize stage failed", "error", normErr)
	}

	var artifacts []models.ScanArtifact
	if mergedArtifact != "" {
		artifacts = append(artifacts, normalize.ArtifactRecord(mergedArtifact))
	}
	if err := e.store.CommitFindings(ctx, run.ID, findings, artifacts); err != nil {
		log.Error("committing findings failed", "error", err)
		e.finalize(ctx, run, models.StatusFailed, fmt.Sprintf("committing findings: %v", err))
		return err
	}

	summary := fmt.Sprintf("%d findings", len(findings))
	if err := e.store.Finalize(ctx, run.ID, models.StatusCompleted, "", summary); err != nil {
		log.Error("finalizing run failed", "error", err)
	}
	return nil
}

// runParallel executes sca_osv and sast_semgrep concurrently — the pipeline's
// one parallel pair (spec §4.3) — and waits for both before returning, via
// two goroutines feeding a buffered results channel the caller drains
// exactly twice, generalized from the teacher's runner.go fan-out.
func (e *Engine) runParallel(ctx context.Context, runID, workDir string) (osv, semgrep struct {
	artifact string
	outcome  stageOutcome
}) {
	type slot struct {
		artifact string
		outcome  stageOutcome
	}
	results := make(chan struct {
		key  string
		slot slot
	}, 2)

	run := func(key, stage string, d scanner.Driver, timeout time.Duration) {
		artifact, outcome := e.runStage(ctx, runID, stage, func(ctx context.Context) (string, bool, string, error) {
			r := d.Run(ctx, workDir, timeout)
			return r.ArtifactPath, r.OK, r.Message, nil
		})
		results <- struct {
			key  string
			slot slot
		}{key, slot{artifact, outcome}}
	}

	go run("osv", models.StageSCAOSV, e.drivers.osv(), scaStageTimeout)
	go run("semgrep", models.StageSASTSemgrep, e.drivers.semgrep(), sastStageTimeout)

	for i := 0; i < 2; i++ {
		r := <-results
		switch r.key {
		case "osv":
			osv.artifact, osv.outcome = r.slot.artifact, r.slot.outcome
		case "semgrep":
			semgrep.artifact, semgrep.outcome = r.slot.artifact, r.slot.outcome
		}
	}
	return osv, semgrep
}

// runStage wraps a stage function with the catalog's OpenStage/CloseStage
// bookkeeping (spec §4.3's stage-recording protocol).
func (e *Engine) runStage(ctx context.Context, runID, stage string, fn func(ctx context.Context) (artifact string, ok bool, message string, err error)) (string, stageOutcome) {
	stageID, err := e.store.OpenStage(ctx, runID, stage)
	if err != nil {
		e.log.Error("opening stage failed", "stage", stage, "error", err)
	}

	artifact, ok, message, err := fn(ctx)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else if !ok {
		errMsg = message
	}

	if stageID != 0 {
		if cerr := e.store.CloseStage(ctx, stageID, errMsg); cerr != nil {
			e.log.Error("closing stage failed", "stage", stage, "error", cerr)
		}
	}

	// outcome.message carries whichever text actually describes what
	// happened: the failure reason on failure (including a wrapped fn error,
	// which the bare success/failure message on its own would drop), the
	// success message otherwise.
	outcomeMessage := message
	if !ok {
		outcomeMessage = errMsg
	}
	return artifact, stageOutcome{stage: stage, ok: ok, message: outcomeMessage, artifact: artifact}
}

func (e *Engine) normalize(runID, osvPath, semgrepPath, codeqlPath string) ([]models.Finding, string, error) {
	var findings []models.Finding

	for _, pair := range []struct {
		path, tool string
	}{
		{osvPath, models.ToolOSV},
		{semgrepPath, models.ToolSemgrep},
		{codeqlPath, models.ToolCodeQL},
	} {
		if pair.path == "" {
			continue
		}
		parsed, err := normalize.ParseFile(pair.path, pair.tool)
		if err != nil {
			return findings, "", fmt.Errorf("parsing %s sarif: %w", pair.tool, err)
		}
		findings = append(findings, parsed...)
	}

	merged, ok := normalize.Merge([]string{osvPath, semgrepPath, codeqlPath})
	if !ok {
		return findings, "", nil
	}
	return findings, merged, nil
}

func (e *Engine) finalize(ctx context.Context, run *models.ScanRun, status, errMsg string) {
	if err := e.store.Finalize(ctx, run.ID, status, errMsg, ""); err != nil {
		e.log.Error("finalizing run failed", "scan_run_id", run.ID, "error", err)
	}
}

func (e *Engine) scratchDir(runID string) (dir string, cleanup func(), err error) {
	base := e.cfg.Dispatcher.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	dir = filepath.Join(base, "scan-"+runID+"-"+uuid.NewString()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating scratch directory %s: %w", dir, err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func (e *Engine) jobTimeout() time.Duration {
	s := e.cfg.Dispatcher.JobTimeoutSeconds
	if s <= 0 {
		s = 1800
	}
	return time.Duration(s) * time.Second
}
