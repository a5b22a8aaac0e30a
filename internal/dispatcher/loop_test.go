package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/catalog"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/config"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/database"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/pipeline"
)

// fakeRepoLookup, fakeBroker and fakeFetcher satisfy pipeline's exported
// collaborator interfaces so the dispatcher can be exercised end-to-end
// against a real catalog.Store without a live hosted-platform endpoint. The
// default driverFactories (pipeline.New wires scanner.New* directly) are
// left in place: on a sandbox with no scanner binaries on PATH they report
// "command not found", which is itself a non-fatal outcome the run finishes
// through, matching spec §8 scenario 3.
type fakeRepoLookup struct{ owner, name, ref string }

func (f fakeRepoLookup) Resolve(context.Context, *models.ScanRun) (string, string, string, error) {
	return f.owner, f.name, f.ref, nil
}

type fakeBroker struct{ token string }

func (f fakeBroker) IssueToken(context.Context, int64) (string, error) { return f.token, nil }

type fakeFetcher struct{}

func (fakeFetcher) Fetch(_ context.Context, _, _, _, _, workDir string) (string, error) {
	return workDir, nil
}

func newTestLoop(t *testing.T, pollInterval time.Duration) (*Loop, *catalog.Store, database.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dispatcher.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	store := catalog.New(db)

	cfg := config.Config{Dispatcher: config.DispatcherConfig{WorkDir: t.TempDir(), JobTimeoutSeconds: 30}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := pipeline.New(store, fakeRepoLookup{owner: "acme", name: "app", ref: "main"}, fakeBroker{token: "t1"}, fakeFetcher{}, cfg, log)

	loop := New(store, engine, pollInterval, log)
	return loop, store, db
}

func seedQueuedRun(t *testing.T, db database.DB, id string) {
	t.Helper()
	ctx := context.Background()
	// repos.repo_id is unique, so a second seeded run reuses the first's repo.
	var existing []models.Repo
	if err := db.Select(ctx, &existing, `SELECT id FROM repos WHERE repo_id = ?`, 1); err != nil {
		t.Fatalf("looking up repo: %v", err)
	}
	var repoPK int64
	if len(existing) > 0 {
		repoPK = existing[0].ID
	} else {
		var err error
		repoPK, err = db.Insert(ctx, "repos", &models.Repo{
			RepoID: 1, InstallationID: 7, Owner: "acme", Name: "app",
			FullName: "acme/app", DefaultBranch: "main", CreatedAt: "2026-07-31T00:00:00Z",
		})
		if err != nil {
			t.Fatalf("seeding repo: %v", err)
		}
	}
	run := &models.ScanRun{
		ID: id, RepoID: repoPK, InstallationID: 7, Trigger: "manual",
		Status: models.StatusQueued, CreatedAt: "2026-07-31T00:00:00Z",
	}
	if _, err := db.Insert(ctx, "scan_runs", run); err != nil {
		t.Fatalf("seeding scan run: %v", err)
	}
}

func runStatus(t *testing.T, db database.DB, id string) string {
	t.Helper()
	var run models.ScanRun
	if err := db.Get(context.Background(), &run,
		`SELECT id, repo_id, installation_id, trigger, status, current_stage, branch, commit_sha,
		        created_at, started_at, ended_at, error_message, result_summary
		 FROM scan_runs WHERE id = ?`, id); err != nil {
		t.Fatalf("fetching run %s: %v", id, err)
	}
	return run.Status
}

// tick claims the oldest queued run and drives it through the engine,
// leaving the queue empty (spec §4.2 steps 1-4).
func TestTickClaimsAndRunsQueuedRun(t *testing.T) {
	loop, _, db := newTestLoop(t, time.Minute)
	seedQueuedRun(t, db, "run-tick-claims")

	claimed, err := loop.tick(context.Background())
	if err != nil {
		t.Fatalf("tick returned error: %v", err)
	}
	if !claimed {
		t.Fatal("expected tick to report a claimed run")
	}

	status := runStatus(t, db, "run-tick-claims")
	if status == models.StatusQueued || status == models.StatusRunning {
		t.Fatalf("status = %q, want a terminal status after tick", status)
	}
}

// tick against an empty queue claims nothing and does not error (spec §4.2
// step 1: ClaimQueuedScanRun returns nil, nil when nothing is queued).
func TestTickReturnsFalseOnEmptyQueue(t *testing.T) {
	loop, _, _ := newTestLoop(t, time.Minute)

	claimed, err := loop.tick(context.Background())
	if err != nil {
		t.Fatalf("tick returned error: %v", err)
	}
	if claimed {
		t.Fatal("expected tick to report no claimed run")
	}
}

// A run that fails inside the engine is still reported as claimed by tick —
// the dispatcher's job is to keep polling, not to propagate per-run failure.
func TestTickReportsClaimedEvenWhenEngineFails(t *testing.T) {
	loop, store, db := newTestLoop(t, time.Minute)
	seedQueuedRun(t, db, "run-tick-engine-fails")

	// Replace the engine with one whose fetcher always fails, forcing the run
	// down the fetch_repo failure path.
	cfg := config.Config{Dispatcher: config.DispatcherConfig{WorkDir: t.TempDir(), JobTimeoutSeconds: 30}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop.engine = pipeline.New(store, fakeRepoLookup{owner: "acme", name: "app", ref: "main"}, fakeBroker{token: "t1"},
		erroringFetcher{}, cfg, log)

	claimed, err := loop.tick(context.Background())
	if err != nil {
		t.Fatalf("tick returned error: %v", err)
	}
	if !claimed {
		t.Fatal("expected tick to report a claimed run despite the engine failing it")
	}

	status := runStatus(t, db, "run-tick-engine-fails")
	if status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", status)
	}
}

type erroringFetcher struct{}

func (erroringFetcher) Fetch(context.Context, string, string, string, string, string) (string, error) {
	return "", errors.New("boom")
}

// Run exits promptly once its context is cancelled, even mid-wait between
// empty polls.
func TestRunStopsOnContextCancel(t *testing.T) {
	loop, _, _ := newTestLoop(t, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// Run claims every queued run without sleeping the poll interval between
// them, matching worker.py's tight-loop-under-load behavior.
func TestRunDrainsQueueWithoutWaitingBetweenClaims(t *testing.T) {
	loop, _, db := newTestLoop(t, time.Hour)
	seedQueuedRun(t, db, "run-drain-1")
	seedQueuedRun(t, db, "run-drain-2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runStatus(t, db, "run-drain-1") != models.StatusQueued && runStatus(t, db, "run-drain-2") != models.StatusQueued {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	for _, id := range []string{"run-drain-1", "run-drain-2"} {
		status := runStatus(t, db, id)
		if status == models.StatusQueued {
			t.Fatalf("%s never left queued despite a one-hour poll interval", id)
		}
	}
}
