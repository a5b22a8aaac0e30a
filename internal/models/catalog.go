// Package models defines the catalog's persisted record shapes (spec §3).
package models

// Installation is the hosted platform's unit of app authorization, owning
// zero or more Repos.
type Installation struct {
	ID            int64  `db:"id" json:"id"`
	InstallationID int64 `db:"installation_id" json:"installation_id"`
	AccountLogin  string `db:"account_login" json:"account_login"`
	AccountType   string `db:"account_type" json:"account_type"`
	CreatedAt     string `db:"created_at" json:"created_at"`
	RevokedAt     string `db:"revoked_at" json:"revoked_at,omitempty"`
	LastSeenAt    string `db:"last_seen_at" json:"last_seen_at,omitempty"`
}

// Repo belongs to one Installation.
type Repo struct {
	ID             int64  `db:"id" json:"id"`
	RepoID         int64  `db:"repo_id" json:"repo_id"`
	InstallationID int64  `db:"installation_id" json:"installation_id"`
	Owner          string `db:"owner" json:"owner"`
	Name           string `db:"name" json:"name"`
	FullName       string `db:"full_name" json:"full_name"`
	DefaultBranch  string `db:"default_branch" json:"default_branch,omitempty"`
	IsPrivate      bool   `db:"is_private" json:"is_private"`
	Archived       bool   `db:"archived" json:"archived"`
	CreatedAt      string `db:"created_at" json:"created_at"`
	LastSyncedAt   string `db:"last_synced_at" json:"last_synced_at,omitempty"`
}

// ScanRun is one invocation of the pipeline against one repository snapshot.
// Its lifecycle is documented in spec.md §3's invariants 1-4.
type ScanRun struct {
	ID             string `db:"id" json:"id"` // id128, a UUID string
	RepoID         int64  `db:"repo_id" json:"repo_id"`
	InstallationID int64  `db:"installation_id" json:"installation_id"`
	Trigger        string `db:"trigger" json:"trigger"`
	Status         string `db:"status" json:"status"` // queued, running, completed, failed
	CurrentStage   string `db:"current_stage" json:"current_stage,omitempty"`
	Branch         string `db:"branch" json:"branch,omitempty"`
	CommitSHA      string `db:"commit_sha" json:"commit_sha,omitempty"`
	CreatedAt      string `db:"created_at" json:"created_at"`
	StartedAt      string `db:"started_at" json:"started_at,omitempty"`
	EndedAt        string `db:"ended_at" json:"ended_at,omitempty"`
	ErrorMessage   string `db:"error_message" json:"error_message,omitempty"`
	ResultSummary  string `db:"result_summary" json:"result_summary,omitempty"`
}

// Scan run status values (spec §3).
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Pipeline stage names, in execution order (spec §4.3). sca_osv and
// sast_semgrep execute concurrently as the one parallel pair.
const (
	StageFetchRepo       = "fetch_repo"
	StageSCAOSV          = "sca_osv"
	StageSASTSemgrep     = "sast_semgrep"
	StageSemanticCodeQL  = "semantic_codeql"
	StageSonarPublish    = "sonarqube_publish"
	StageNormalize       = "normalize"
	StageFinalize        = "finalize"
)

// ScanStage is one named phase of a ScanRun's pipeline execution. Rows are
// append-only and ordered by StartedAt.
type ScanStage struct {
	ID           int64  `db:"id" json:"id"`
	ScanRunID    string `db:"scan_run_id" json:"scan_run_id"`
	Stage        string `db:"stage" json:"stage"`
	StartedAt    string `db:"started_at" json:"started_at"`
	EndedAt      string `db:"ended_at" json:"ended_at,omitempty"`
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`
}

// Tool tags recognized by the normalizer (spec §3, §4.5).
const (
	ToolOSV     = "osv"
	ToolSemgrep = "semgrep"
	ToolCodeQL  = "codeql"
)

// Canonical severity bands (spec §3, §4.5).
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMed      = "MED"
	SeverityLow      = "LOW"
	SeverityInfo     = "INFO"
)

// Finding is one canonical diagnostic record, normalized across all tools.
type Finding struct {
	ID                 string `db:"id" json:"id"`
	ScanRunID          string `db:"scan_run_id" json:"scan_run_id"`
	Tool               string `db:"tool" json:"tool"`
	RuleID             string `db:"rule_id" json:"rule_id,omitempty"`
	Title              string `db:"title" json:"title,omitempty"`
	SeverityRaw        string `db:"severity_raw" json:"severity_raw,omitempty"`
	SeverityNormalized string `db:"severity_normalized" json:"severity_normalized"`
	CVSS               string `db:"cvss" json:"cvss,omitempty"`
	CWE                string `db:"cwe" json:"cwe,omitempty"`
	Confidence         string `db:"confidence" json:"confidence,omitempty"`
	Path               string `db:"path" json:"path,omitempty"`
	StartLine          int    `db:"start_line" json:"start_line,omitempty"`
	EndLine            int    `db:"end_line" json:"end_line,omitempty"`
	Fingerprint        string `db:"fingerprint" json:"fingerprint"`
	HelpText           string `db:"help_text" json:"help_text,omitempty"`
	CodeQLTrace        string `db:"codeql_trace" json:"codeql_trace,omitempty"`
}

// Stable artifact names (spec §6).
const (
	ArtifactOSV     = "osv.sarif"
	ArtifactSemgrep = "semgrep.sarif"
	ArtifactCodeQL  = "codeql.sarif"
	ArtifactMerged  = "merged.sarif"
)

const SARIFContentType = "application/sarif+json"

// ScanArtifact stores the full text of one structured-log document or the
// merged log, for one ScanRun.
type ScanArtifact struct {
	ID          string `db:"id" json:"id"`
	ScanRunID   string `db:"scan_run_id" json:"scan_run_id"`
	Name        string `db:"name" json:"name"`
	ContentType string `db:"content_type" json:"content_type"`
	Content     string `db:"content" json:"content"`
}
