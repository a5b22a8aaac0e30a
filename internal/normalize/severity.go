package normalize

import "github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"

// DispatchSeverity routes to the per-tool severity function by tool tag
// (spec §4.5, §9: "tagged dispatch table per tool, not inheritance"). Tools
// outside the known three default to MED, matching the original's fallback.
func DispatchSeverity(tool, raw, cvss string) string {
	switch tool {
	case models.ToolOSV:
		return models.OSVSeverity(cvss)
	case models.ToolSemgrep:
		return models.SemgrepSeverity(raw)
	case models.ToolCodeQL:
		return models.CodeQLSeverity(raw)
	default:
		return models.SeverityMed
	}
}
