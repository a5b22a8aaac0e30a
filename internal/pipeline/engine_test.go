package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/catalog"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/config"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/database"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/scanner"
)

// Fakes implementing the engine's collaborator interfaces, standing in for
// the broker/hosted-platform/scanner-binary boundaries the six seeded
// end-to-end scenarios (spec §8) stub out.

type fakeRepoLookup struct{ owner, name, ref string }

func (f fakeRepoLookup) Resolve(context.Context, *models.ScanRun) (string, string, string, error) {
	return f.owner, f.name, f.ref, nil
}

type fakeBroker struct {
	token string
	err   error
}

func (f fakeBroker) IssueToken(context.Context, int64) (string, error) {
	return f.token, f.err
}

type fakeFetcher struct {
	fn func(ctx context.Context, owner, name, ref, token, workDir string) (string, error)
}

func (f fakeFetcher) Fetch(ctx context.Context, owner, name, ref, token, workDir string) (string, error) {
	return f.fn(ctx, owner, name, ref, token, workDir)
}

type fakeDriver struct {
	name string
	fn   func(ctx context.Context, workDir string, timeout time.Duration) scanner.Result
}

func (f *fakeDriver) Name() string { return f.name }
func (f *fakeDriver) Run(ctx context.Context, workDir string, timeout time.Duration) scanner.Result {
	return f.fn(ctx, workDir, timeout)
}

func okDriver(name string) *fakeDriver {
	return &fakeDriver{name: name, fn: func(context.Context, string, time.Duration) scanner.Result {
		return scanner.Result{OK: true, Message: name + " ok"}
	}}
}

func commandNotFoundDriver(name string) *fakeDriver {
	return &fakeDriver{name: name, fn: func(context.Context, string, time.Duration) scanner.Result {
		return scanner.Result{OK: false, Message: "command not found"}
	}}
}

func sleepingDriver(name string, d time.Duration) *fakeDriver {
	return &fakeDriver{name: name, fn: func(ctx context.Context, _ string, _ time.Duration) scanner.Result {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
		return scanner.Result{OK: true, Message: name + " ok"}
	}}
}

func noopFetcher() fakeFetcher {
	return fakeFetcher{fn: func(_ context.Context, _, _, _, _, workDir string) (string, error) {
		return workDir, nil
	}}
}

// newTestEngine wires an Engine against a real (SQLite, in a temp file)
// catalog store so stage rows, findings, and run status are verified the
// same way the production dispatcher would observe them.
func newTestEngine(t *testing.T, fetcher Fetcher) (*Engine, *catalog.Store, database.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pipeline.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	store := catalog.New(db)

	cfg := config.Config{
		Dispatcher: config.DispatcherConfig{WorkDir: t.TempDir(), JobTimeoutSeconds: 30},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(store, fakeRepoLookup{owner: "acme", name: "app", ref: "main"}, fakeBroker{token: "t1"}, fetcher, cfg, log)
	return e, store, db
}

// seedRunningRun inserts a Repo and a ScanRun already in the `running` state
// (as the dispatcher leaves it after Claim), matching the precondition
// Engine.Run assumes.
func seedRunningRun(t *testing.T, db database.DB) *models.ScanRun {
	t.Helper()
	ctx := context.Background()
	repoPK, err := db.Insert(ctx, "repos", &models.Repo{
		RepoID: 42, InstallationID: 7, Owner: "acme", Name: "app",
		FullName: "acme/app", DefaultBranch: "main", CreatedAt: "2026-07-31T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seeding repo: %v", err)
	}
	run := &models.ScanRun{
		ID: "run-" + t.Name(), RepoID: repoPK, InstallationID: 7, Trigger: "manual",
		Status: models.StatusRunning, CreatedAt: "2026-07-31T00:00:00Z", StartedAt: "2026-07-31T00:00:01Z",
	}
	if _, err := db.Insert(ctx, "scan_runs", run); err != nil {
		t.Fatalf("seeding scan run: %v", err)
	}
	return run
}

func getRun(t *testing.T, db database.DB, id string) models.ScanRun {
	t.Helper()
	var run models.ScanRun
	if err := db.Get(context.Background(), &run,
		`SELECT id, repo_id, installation_id, trigger, status, current_stage, branch, commit_sha,
		        created_at, started_at, ended_at, error_message, result_summary
		 FROM scan_runs WHERE id = ?`, id); err != nil {
		t.Fatalf("fetching run %s: %v", id, err)
	}
	return run
}

func getStages(t *testing.T, db database.DB, runID string) []models.ScanStage {
	t.Helper()
	var stages []models.ScanStage
	if err := db.Select(context.Background(), &stages,
		`SELECT id, scan_run_id, stage, started_at, ended_at, error_message
		 FROM scan_stages WHERE scan_run_id = ?`, runID); err != nil {
		t.Fatalf("fetching stages for %s: %v", runID, err)
	}
	return stages
}

func stageByName(stages []models.ScanStage, name string) (models.ScanStage, bool) {
	for _, s := range stages {
		if s.Stage == name {
			return s, true
		}
	}
	return models.ScanStage{}, false
}

const sampleSemgrepFinding = `{
  "version": "2.1.0",
  "runs": [
    {
      "tool": {"driver": {"name": "semgrep", "rules": [
        {"id": "python.lang.security.audit.eval-detected", "shortDescription": {"text": "Use of eval()"}}
      ]}},
      "results": [
        {"ruleId": "python.lang.security.audit.eval-detected", "level": "error",
         "message": {"text": "Found eval() call"},
         "locations": [{"physicalLocation": {
            "artifactLocation": {"uri": "hello.py"},
            "region": {"startLine": 4, "endLine": 4}
         }}]}
      ]
    }
  ]
}`

// Scenario 1: happy path, one finding (spec §8 scenario 1).
func TestEngineHappyPathOneFinding(t *testing.T) {
	e, _, db := newTestEngine(t, noopFetcher())
	run := seedRunningRun(t, db)

	e.drivers.osv = func() scanner.Driver { return okDriver("osv-scanner") }
	e.drivers.semgrep = func() scanner.Driver {
		return &fakeDriver{name: "semgrep", fn: func(_ context.Context, workDir string, _ time.Duration) scanner.Result {
			path := filepath.Join(workDir, "semgrep.sarif")
			if err := os.WriteFile(path, []byte(sampleSemgrepFinding), 0o644); err != nil {
				t.Fatalf("writing fixture: %v", err)
			}
			return scanner.Result{OK: true, Message: "ok", ArtifactPath: path}
		}}
	}
	e.drivers.codeql = func() scanner.Driver { return okDriver("codeql") }

	if err := e.Run(context.Background(), run); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got := getRun(t, db, run.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed (error_message=%q)", got.Status, got.ErrorMessage)
	}

	var findings []models.Finding
	if err := db.Select(context.Background(), &findings,
		`SELECT id, scan_run_id, tool, rule_id, title, severity_raw, severity_normalized, cvss, cwe,
		        confidence, path, start_line, end_line, fingerprint, help_text, codeql_trace
		 FROM findings WHERE scan_run_id = ?`, run.ID); err != nil {
		t.Fatalf("selecting findings: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Tool != models.ToolSemgrep {
		t.Errorf("tool = %q, want semgrep", f.Tool)
	}
	if f.SeverityNormalized != models.SeverityHigh && f.SeverityNormalized != models.SeverityMed {
		t.Errorf("severity_normalized = %q, want HIGH or MED", f.SeverityNormalized)
	}

	var artifacts []models.ScanArtifact
	if err := db.Select(context.Background(), &artifacts,
		`SELECT id, scan_run_id, name, content_type, content FROM scan_artifacts WHERE scan_run_id = ?`, run.ID); err != nil {
		t.Fatalf("selecting artifacts: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Name != models.ArtifactMerged {
		t.Fatalf("expected one merged artifact, got %+v", artifacts)
	}
}

// Scenario 2: oversize archive (spec §8 scenario 2).
func TestEngineOversizeArchiveFails(t *testing.T) {
	fetcher := fakeFetcher{fn: func(context.Context, string, string, string, string, string) (string, error) {
		return "", fmt.Errorf("fetching archive: archive exceeds max size (52428800 bytes)")
	}}
	e, _, db := newTestEngine(t, fetcher)
	run := seedRunningRun(t, db)

	if err := e.Run(context.Background(), run); err == nil {
		t.Fatal("expected Run to return an error")
	}

	got := getRun(t, db, run.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(strings.ToLower(got.ErrorMessage), "archive exceeds max size") {
		t.Fatalf("error_message = %q, want it to mention the size bound", got.ErrorMessage)
	}
}

// Scenario 3: all scanners absent (spec §8 scenario 3).
func TestEngineAllScannersAbsent(t *testing.T) {
	e, _, db := newTestEngine(t, noopFetcher())
	run := seedRunningRun(t, db)

	e.drivers.osv = func() scanner.Driver { return commandNotFoundDriver("osv-scanner") }
	e.drivers.semgrep = func() scanner.Driver { return commandNotFoundDriver("semgrep") }
	e.drivers.codeql = func() scanner.Driver { return commandNotFoundDriver("codeql") }

	if err := e.Run(context.Background(), run); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got := getRun(t, db, run.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed (a scanner failure is non-fatal)", got.Status)
	}

	stages := getStages(t, db, run.ID)
	for _, name := range []string{models.StageSCAOSV, models.StageSASTSemgrep, models.StageSemanticCodeQL} {
		stage, ok := stageByName(stages, name)
		if !ok {
			t.Fatalf("missing stage row for %s", name)
		}
		if stage.ErrorMessage != "command not found" {
			t.Errorf("%s error_message = %q, want %q", name, stage.ErrorMessage, "command not found")
		}
	}

	var findings []models.Finding
	if err := db.Select(context.Background(), &findings,
		`SELECT id, scan_run_id, tool, rule_id, title, severity_raw, severity_normalized, cvss, cwe,
		        confidence, path, start_line, end_line, fingerprint, help_text, codeql_trace
		 FROM findings WHERE scan_run_id = ?`, run.ID); err != nil {
		t.Fatalf("selecting findings: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected zero findings, got %d", len(findings))
	}
}

// Scenario 4: SCA empty-deps success (spec §8 scenario 4).
func TestEngineSCAEmptyDepsIsNonFatal(t *testing.T) {
	e, _, db := newTestEngine(t, noopFetcher())
	run := seedRunningRun(t, db)

	e.drivers.osv = func() scanner.Driver {
		return &fakeDriver{name: "osv-scanner", fn: func(context.Context, string, time.Duration) scanner.Result {
			return scanner.Result{OK: true, Message: "no lockfile found"}
		}}
	}
	e.drivers.semgrep = func() scanner.Driver { return okDriver("semgrep") }
	e.drivers.codeql = func() scanner.Driver { return okDriver("codeql") }

	if err := e.Run(context.Background(), run); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got := getRun(t, db, run.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	stages := getStages(t, db, run.ID)
	stage, ok := stageByName(stages, models.StageSCAOSV)
	if !ok {
		t.Fatal("missing sca_osv stage row")
	}
	if stage.ErrorMessage != "" {
		t.Errorf("sca_osv error_message = %q, want empty (an empty-result exit is success)", stage.ErrorMessage)
	}
}

// Scenario 5: global timeout (spec §8 scenario 5).
func TestEngineGlobalTimeout(t *testing.T) {
	e, _, db := newTestEngine(t, noopFetcher())
	e.cfg.Dispatcher.JobTimeoutSeconds = 1
	run := seedRunningRun(t, db)

	e.drivers.osv = func() scanner.Driver { return okDriver("osv-scanner") }
	e.drivers.semgrep = func() scanner.Driver { return okDriver("semgrep") }
	e.drivers.codeql = func() scanner.Driver { return sleepingDriver("codeql", 10*time.Second) }

	if err := e.Run(context.Background(), run); err == nil {
		t.Fatal("expected Run to return an error")
	}

	got := getRun(t, db, run.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "Job timeout" {
		t.Fatalf("error_message = %q, want exactly %q", got.ErrorMessage, "Job timeout")
	}

	stages := getStages(t, db, run.ID)
	stage, ok := stageByName(stages, models.StageSemanticCodeQL)
	if !ok {
		t.Fatal("missing semantic_codeql stage row")
	}
	if stage.EndedAt == "" {
		t.Error("semantic_codeql stage has no ended_at")
	}
}

// Scenario 6: parallel fan-out join (spec §8 scenario 6).
func TestEngineParallelFanOutJoin(t *testing.T) {
	e, _, db := newTestEngine(t, noopFetcher())
	run := seedRunningRun(t, db)

	e.drivers.osv = func() scanner.Driver { return sleepingDriver("osv-scanner", 200*time.Millisecond) }
	e.drivers.semgrep = func() scanner.Driver { return sleepingDriver("semgrep", 200*time.Millisecond) }
	e.drivers.codeql = func() scanner.Driver { return okDriver("codeql") }

	start := time.Now()
	if err := e.Run(context.Background(), run); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed >= 350*time.Millisecond {
		t.Fatalf("parallel pair took %s, expected roughly one stage's duration, not the sum of both", elapsed)
	}

	stages := getStages(t, db, run.ID)
	for _, name := range []string{models.StageSCAOSV, models.StageSASTSemgrep} {
		if _, ok := stageByName(stages, name); !ok {
			t.Fatalf("missing stage row for %s", name)
		}
	}
}
