// Package normalize turns each tool's raw SARIF 2.1.0 document into the
// canonical models.Finding rows the catalog stores (spec §4.5), and merges
// the per-tool documents into one combined artifact (spec §4.3's normalize
// stage, §6's merged.sarif). Grounded on
// original_source/backend/sarif_normalize.py's parse_sarif_to_findings()
// and merge_sarif_runs(), reworked into Go's json.RawMessage-based decoding.
package normalize

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"
)

type sarifLog struct {
	Schema  string     `json:"$schema,omitempty"`
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool      `json:"tool"`
	Results []sarifResult  `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name  string      `json:"name"`
	Rules []sarifRule `json:"rules"`
}

type sarifRule struct {
	ID               string          `json:"id"`
	ShortDescription *sarifText      `json:"shortDescription,omitempty"`
	FullDescription  *sarifText      `json:"fullDescription,omitempty"`
	Help             *sarifText      `json:"help,omitempty"`
	HelpURI          string          `json:"helpUri,omitempty"`
	Properties       json.RawMessage `json:"properties,omitempty"`
}

type sarifText struct {
	Text     string `json:"text,omitempty"`
	Markdown string `json:"markdown,omitempty"`
}

type sarifResult struct {
	RuleID     string          `json:"ruleId"`
	Message    sarifText       `json:"message"`
	Level      string          `json:"level,omitempty"`
	Locations  []sarifLocation `json:"locations,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	CodeFlows  json.RawMessage `json:"codeFlows,omitempty"`
}

type sarifLocation struct {
	PhysicalLocation sarifPhysicalLocation `json:"physicalLocation"`
}

type sarifPhysicalLocation struct {
	ArtifactLocation sarifArtifactLocation `json:"artifactLocation"`
	Region           sarifRegion           `json:"region"`
}

type sarifArtifactLocation struct {
	URI string `json:"uri"`
}

type sarifRegion struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

// ParseFile reads a SARIF document written by one scanner driver and returns
// its findings tagged with tool. A missing or unparseable file yields an
// empty slice and no error, matching the original's tolerant try/except.
func ParseFile(path, tool string) ([]models.Finding, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil
	}
	var doc sarifLog
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil
	}
	return parseFindings(doc, tool), nil
}

func parseFindings(doc sarifLog, tool string) []models.Finding {
	var out []models.Finding
	for _, run := range doc.Runs {
		rules := make(map[string]sarifRule, len(run.Tool.Driver.Rules))
		for _, r := range run.Tool.Driver.Rules {
			rules[r.ID] = r
		}
		for _, res := range run.Results {
			out = append(out, normalizeResult(tool, res, rules[res.RuleID]))
		}
	}
	return out
}

func normalizeResult(tool string, res sarifResult, rule sarifRule) models.Finding {
	msg := res.Message.Text
	if msg == "" {
		msg = res.Message.Markdown
	}

	title := ""
	if rule.ShortDescription != nil {
		title = rule.ShortDescription.Text
	}
	if title == "" {
		title = truncate(msg, 512)
	}

	helpText := ""
	if rule.FullDescription != nil {
		helpText = rule.FullDescription.Text
	}
	if helpText == "" && rule.Help != nil {
		helpText = rule.Help.Text
	}
	if helpText == "" {
		helpText = rule.HelpURI
	}

	level := strings.ToLower(res.Level)
	if level == "" {
		level = "warning"
	}

	path, startLine, endLine := "", 0, 0
	if len(res.Locations) > 0 {
		phys := res.Locations[0].PhysicalLocation
		path = phys.ArtifactLocation.URI
		startLine = phys.Region.StartLine
		endLine = phys.Region.EndLine
		if endLine == 0 {
			endLine = startLine
		}
	}

	cvss := extractCVSS(res.Properties)
	if cvss == "" {
		cvss = extractCVSS(rule.Properties)
	}

	severityRaw := level
	severityNorm := DispatchSeverity(tool, severityRaw, cvss)

	var codeqlTrace string
	if tool == models.ToolCodeQL && len(res.CodeFlows) > 0 {
		codeqlTrace = truncate(string(res.CodeFlows), 8000)
	}

	return models.Finding{
		Tool:               tool,
		RuleID:             truncate(res.RuleID, 255),
		Title:              truncate(title, 512),
		SeverityRaw:        truncate(severityRaw, 64),
		SeverityNormalized: severityNorm,
		CVSS:               truncate(cvss, 32),
		Path:               truncate(path, 1024),
		StartLine:          startLine,
		EndLine:            endLine,
		Fingerprint:        Fingerprint(tool, res.RuleID, path, startLine, endLine, msg),
		HelpText:           truncate(helpText, 10000),
		CodeQLTrace:        codeqlTrace,
	}
}

// extractCVSS pulls a "cvss" property out of a SARIF properties bag, which
// may hold it as either a JSON string or a JSON number.
func extractCVSS(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var props map[string]interface{}
	if err := json.Unmarshal(raw, &props); err != nil {
		return ""
	}
	v, ok := props["cvss"]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return ""
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
