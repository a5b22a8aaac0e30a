package scanner

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// codeQLSubPaths are the locations a CodeQL CLI distribution is commonly
// unpacked to under CODEQL_HOME, probed in order.
var codeQLSubPaths = []string{
	"codeql",
	"codeql/codeql",
	"bin/codeql",
}

// CodeQL drives the two-step `codeql database create` / `codeql database
// analyze` pipeline (spec §4.4's semantic-SAST stage). Grounded on the
// teacher's internal/scanner/runner.go sequential-subprocess shape; the
// binary-resolution probe is specific to this driver since CodeQL ships as a
// self-contained directory tree rather than a single PATH-installed binary.
type CodeQL struct {
	Home    string
	BinDir  string
	Lang    string
}

func NewCodeQL(home, binDir string) *CodeQL {
	return &CodeQL{Home: home, BinDir: binDir, Lang: "python"}
}

func (d *CodeQL) Name() string { return "codeql" }

func (d *CodeQL) Run(ctx context.Context, workDir string, timeout time.Duration) Result {
	bin := d.resolve()
	dbPath := filepath.Join(workDir, "__codeql_db")
	os.RemoveAll(dbPath)

	createArgs := []string{"database", "create", dbPath, "--language=" + d.Lang, "--source-root", workDir}
	ok, message := runInDir(ctx, timeout, "", bin, createArgs, workDir, nil, []string{"CODEQL_HOME"})
	if !ok {
		return Result{OK: false, Message: "database create: " + message}
	}

	artifact := filepath.Join(workDir, "codeql.sarif")
	analyzeArgs := []string{"database", "analyze", dbPath, "--format=sarif-latest", "--output=" + artifact}
	ok, message = runInDir(ctx, timeout, "", bin, analyzeArgs, workDir, nil, []string{"CODEQL_HOME"})
	if !ok {
		return Result{OK: false, Message: "database analyze: " + message}
	}
	return Result{OK: true, Message: message, ArtifactPath: artifactIfPresent(artifact)}
}

// resolve locates the codeql binary: CODEQL_HOME sub-paths first, falling
// back to PATH/BinDir resolution via resolveBinary.
func (d *CodeQL) resolve() string {
	if d.Home != "" {
		for _, sub := range codeQLSubPaths {
			candidate := filepath.Join(d.Home, sub)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return resolveBinary("codeql", d.BinDir)
}
