package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/config"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/database"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify tools, database, and configuration health",
	Long: `Checks that the configured scanner tools are on PATH, the catalog
database can be reached, and the token broker / SonarQube settings are
present when configured.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allOK := true

	fmt.Println("=== asfalis-scan-core doctor ===")
	fmt.Println()

	fmt.Print("Database ................. ")
	db, err := database.New(cfg.Database)
	if err != nil {
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	} else {
		if err := db.Ping(ctx); err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
		} else {
			fmt.Printf("OK (%s)\n", db.Driver())
		}
		db.Close()
	}

	fmt.Print("Token broker .............. ")
	if cfg.TokenBroker.URL == "" {
		fmt.Println("MISSING (set token_broker.url or TOKEN_BROKER_URL)")
		allOK = false
	} else {
		fmt.Printf("OK (%s)\n", cfg.TokenBroker.URL)
	}

	fmt.Print("SonarQube publisher ....... ")
	switch {
	case cfg.Sonar.HostURL == "" && cfg.Sonar.Token == "":
		fmt.Println("disabled (sonarqube_publish stage will skip)")
	case cfg.Sonar.HostURL == "" || cfg.Sonar.Token == "":
		fmt.Println("WARN (host_url and token must both be set, or both left empty)")
		allOK = false
	default:
		fmt.Printf("OK (%s)\n", cfg.Sonar.HostURL)
	}

	fmt.Print("CodeQL home ............... ")
	if cfg.CodeQL.Home == "" {
		fmt.Println("WARN (codeql.home unset — relying on PATH)")
	} else {
		fmt.Printf("OK (%s)\n", cfg.CodeQL.Home)
	}

	fmt.Println()
	fmt.Println("Scanner tools:")
	binDir := cfg.Tools.BinDir

	tools := []string{"osv-scanner", "semgrep", "codeql", "sonar-scanner"}
	for _, name := range tools {
		fmt.Printf("  %-14s ... ", name)
		path := findTool(name, binDir)
		if path == "" {
			fmt.Println("MISSING")
			if name != "sonar-scanner" && name != "codeql" {
				allOK = false
			}
		} else {
			fmt.Printf("OK (%s)\n", path)
		}
	}

	fmt.Println()
	if allOK {
		fmt.Println("All checks passed.")
	} else {
		fmt.Println("Some checks failed — see above.")
	}

	return nil
}

// findTool searches for a tool binary in binDir, then in PATH.
func findTool(name, binDir string) string {
	if binDir != "" {
		candidate := filepath.Join(binDir, name)
		if isExecutable(candidate) {
			return candidate
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return ""
}

func isExecutable(path string) bool {
	// nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
	cmd := exec.Command(path, "--version")
	return cmd.Run() == nil
}
