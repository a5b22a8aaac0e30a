package normalize

import (
	"encoding/json"
	"os"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"
)

const schemaURL = "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json"

// rawSarifLog mirrors sarifLog's top-level shape but keeps each run as an
// undecoded json.RawMessage, so fields the finding-extraction structs in
// sarif.go don't know about (invocations, originalUriBaseIds, columnKind,
// ruleIndex, partialFingerprints, relatedLocations, baselineState, ...)
// survive concatenation untouched. Merge's contract (spec §8: merging [A]
// yields runs equal to A's runs) requires every field of each run to be
// preserved, not just a run count match. The output is re-indented, so the
// runs are equal as JSON values rather than byte-for-byte.
type rawSarifLog struct {
	Schema  string            `json:"$schema"`
	Version string            `json:"version"`
	Runs    []json.RawMessage `json:"runs"`
}

// Merge concatenates the runs arrays of every readable SARIF document at
// paths into one combined log, per spec §4.3's normalize stage and §6's
// merged.sarif artifact. Missing or unreadable files are skipped, matching
// the original's tolerant merge_sarif_runs(). Returns ("", false) if no
// input produced any runs.
func Merge(paths []string) (string, bool) {
	merged := rawSarifLog{Schema: schemaURL, Version: "2.1.0", Runs: []json.RawMessage{}}

	for _, p := range paths {
		if p == "" {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var doc rawSarifLog
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		merged.Runs = append(merged.Runs, doc.Runs...)
	}

	if len(merged.Runs) == 0 {
		return "", false
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return "", false
	}
	return string(out), true
}

// ArtifactRecord wraps Merge's output as a stored ScanArtifact, ready for
// catalog.Store.CommitFindings.
func ArtifactRecord(content string) models.ScanArtifact {
	return models.ScanArtifact{
		Name:        models.ArtifactMerged,
		ContentType: models.SARIFContentType,
		Content:     content,
	}
}
