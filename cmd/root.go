package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "asfalis-scan-core",
	Short: "Multi-tool security scan orchestration core",
	Long: `asfalis-scan-core claims queued scan runs, fetches a repository
snapshot through a hosted platform's token broker, runs it through
osv-scanner, semgrep, CodeQL, and an optional SonarQube publish, then
normalizes every tool's SARIF output into a canonical finding catalog.

Get started:
  asfalis-scan-core migrate   Apply pending schema migrations
  asfalis-scan-core doctor    Verify tools and configuration
  asfalis-scan-core serve     Run the claim/scan/normalize loop
  asfalis-scan-core config    View or edit configuration`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.asfalis/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		serveCmd,
		migrateCmd,
		configCmd,
		doctorCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("verbose logging enabled")
	}
}
