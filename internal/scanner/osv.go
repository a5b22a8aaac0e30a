package scanner

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// osvEmptyResultPhrases are the combined-output phrases osv-scanner (and the
// lockfile ecosystems it understands) emit when there was nothing to scan.
// A non-zero exit paired with one of these is success-with-no-artifact, per
// spec §4.4.
var osvEmptyResultPhrases = []string{
	"no lockfile found",
	"no package manifest",
	"nothing to scan",
	"no dependencies found",
}

// OSV invokes osv-scanner against a fetched work directory (spec §4.4's SCA
// stage). Grounded on the teacher's internal/scanner/grype.go for the
// single-subprocess-then-classify shape, adapted to osv-scanner's own exit
// semantics instead of grype's.
type OSV struct {
	BinDir  string
	BinName string
}

func NewOSV(binDir string) *OSV {
	name := "osv-scanner"
	return &OSV{BinDir: binDir, BinName: name}
}

func (d *OSV) Name() string { return "osv-scanner" }

func (d *OSV) Run(ctx context.Context, workDir string, timeout time.Duration) Result {
	artifact := filepath.Join(workDir, "osv.sarif")
	args := []string{"scan", "--format", "sarif", "--output", artifact, "."}

	ok, message := runInDir(ctx, timeout, d.BinDir, d.BinName, args, workDir, nil, nil)
	if ok {
		return Result{OK: true, Message: message, ArtifactPath: artifactIfPresent(artifact)}
	}
	if containsAny(message, osvEmptyResultPhrases) {
		return Result{OK: true, Message: message}
	}
	return Result{OK: false, Message: message}
}

// artifactIfPresent returns path if the file exists and is non-empty,
// otherwise "" — some scanners exit 0 but never write an artifact when there
// is nothing to report.
func artifactIfPresent(path string) string {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return ""
	}
	return path
}
