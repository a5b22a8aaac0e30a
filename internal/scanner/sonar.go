package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sonar publishes the fetched snapshot to a SonarQube/SonarCloud server
// (spec §4.4's quality-publisher stage). This stage's output never feeds the
// normalizer: it is a side-effect publish, skipped entirely when no server
// is configured. Grounded on the teacher's internal/scanner/docker.go for
// the "write a config file next to the workdir, then exec" idiom.
type Sonar struct {
	BinDir  string
	HostURL string
	Token   string
	ScanID  string
}

func NewSonar(binDir, hostURL, token, scanID string) *Sonar {
	return &Sonar{BinDir: binDir, HostURL: hostURL, Token: token, ScanID: scanID}
}

func (d *Sonar) Name() string { return "sonar-scanner" }

func (d *Sonar) Run(ctx context.Context, workDir string, timeout time.Duration) Result {
	if d.HostURL == "" || d.Token == "" {
		return Result{OK: true, Message: "skipped"}
	}

	projectKey := projectKeyFor(d.ScanID)
	props := fmt.Sprintf("sonar.projectKey=%s\nsonar.sources=.\n", projectKey)
	propsPath := filepath.Join(workDir, "sonar-project.properties")
	if err := os.WriteFile(propsPath, []byte(props), 0o644); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("writing sonar-project.properties: %v", err)}
	}

	extraEnv := []string{
		"SONAR_HOST_URL=" + d.HostURL,
		"SONAR_TOKEN=" + d.Token,
	}
	ok, message := runInDir(ctx, timeout, d.BinDir, "sonar-scanner", nil, workDir, extraEnv, nil)
	return Result{OK: ok, Message: message}
}

// projectKeyFor derives the SonarQube project key from the scan run's id
// (spec §6: "sonar.projectKey=asfalis-<scan_id>"), truncated to SonarQube's
// 64-character key limit.
func projectKeyFor(scanID string) string {
	key := "asfalis-" + scanID
	if len(key) > 64 {
		key = key[:64]
	}
	return strings.TrimSuffix(key, "-")
}
