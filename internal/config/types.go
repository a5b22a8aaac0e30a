package config

// Config is the root configuration structure for the scan core.
// Serialised to ~/.asfalis/config.json.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"     json:"database"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"   json:"dispatcher"`
	Archive     ArchiveConfig     `mapstructure:"archive"      json:"archive"`
	CodeQL      CodeQLConfig      `mapstructure:"codeql"       json:"codeql"`
	Sonar       SonarConfig       `mapstructure:"sonar"        json:"sonar"`
	GitHub      GitHubConfig      `mapstructure:"github"       json:"github"`
	TokenBroker TokenBrokerConfig `mapstructure:"token_broker" json:"token_broker"`
	Tools       ToolsConfig       `mapstructure:"tools"        json:"tools"`
	Log         LogConfig         `mapstructure:"log"          json:"log"`
}

// DatabaseConfig controls the catalog store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default), "mysql", or "postgres".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path" json:"path"`
	// DSN is the MySQL/Postgres data source name.
	DSN string `mapstructure:"dsn" json:"dsn"`
}

// DispatcherConfig controls the claim/poll loop and the pipeline's wall-clock budget.
type DispatcherConfig struct {
	// PollIntervalSeconds is the sleep between empty claim attempts.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" json:"poll_interval_seconds"`
	// JobTimeoutSeconds is the global per-run wall-clock budget.
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds" json:"job_timeout_seconds"`
	// RecoveryThresholdSeconds is how old a `running` row must be before the
	// startup sweeper fails it with error_message="orphaned".
	RecoveryThresholdSeconds int `mapstructure:"recovery_threshold_seconds" json:"recovery_threshold_seconds"`
	// WorkDir is the base directory scratch paths are created under.
	WorkDir string `mapstructure:"work_dir" json:"work_dir"`
}

// ArchiveConfig bounds the repository tarball fetch.
type ArchiveConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes" json:"max_bytes"`
}

// CodeQLConfig locates the semantic-SAST analyzer bundle.
type CodeQLConfig struct {
	Home string `mapstructure:"home" json:"home"`
}

// SonarConfig enables the optional quality-gate publisher stage.
type SonarConfig struct {
	HostURL string `mapstructure:"host_url" json:"host_url"`
	Token   string `mapstructure:"token" json:"token"` // #nosec G101 -- config field, not a hardcoded credential
}

// GitHubConfig addresses the hosted platform's tarball endpoint.
type GitHubConfig struct {
	APIBaseURL string `mapstructure:"api_base_url" json:"api_base_url"`
}

// TokenBrokerConfig addresses the external installation-token issuer.
type TokenBrokerConfig struct {
	URL string `mapstructure:"url" json:"url"`
}

// ToolsConfig controls where scanner binaries live.
type ToolsConfig struct {
	BinDir string `mapstructure:"bin_dir" json:"bin_dir"`
}

// LogConfig controls slog handler selection.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // text, json
}
