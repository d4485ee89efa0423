package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/config"
	"github.com/ppiankov/impactgate/internal/policy"
)

var (
	initDir    string
	initPreset string
	initForce  bool
)

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", "", "Config directory (default ~/.impactgate)")
	initCmd.Flags().StringVar(&initPreset, "preset", config.DefaultPreset, "Preset to copy into policy.yaml")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap impactgate configuration",
	Long: `Creates the config directory with a commented config.yaml and a
policy.yaml copied from a bundled preset. Existing files are kept unless
--force is set.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := initDir
	if dir == "" {
		dir = config.Dir()
	}

	source, err := policy.PresetSource(initPreset)
	if err != nil {
		return err
	}

	var created []string
	policyPath := filepath.Join(dir, "policy.yaml")
	if wrote, err := writeIfMissing(policyPath, string(source)); err != nil {
		return err
	} else if wrote {
		created = append(created, policyPath)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if wrote, err := writeIfMissing(configPath, defaultConfigYAML(dir, policyPath)); err != nil {
		return err
	} else if wrote {
		created = append(created, configPath)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "impactgate init complete.")
	fmt.Fprintln(out)
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, path := range created {
			fmt.Fprintf(out, "  %s\n", path)
		}
	} else {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Validate the policy:")
	fmt.Fprintf(out, "  impactgate policy validate %s\n", policyPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Start the action service:")
	fmt.Fprintln(out, "  impactgate serve")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func defaultConfigYAML(dir, policyPath string) string {
	return fmt.Sprintf(`# impactgate configuration. Command-line flags override these values.

db_path: %s
policy_path: %s
default_timeout: 5m
sweep_interval: 10s
listen_port: %d
log_level: info
log_format: text

# Mirror every event to a JSONL file that "impactgate audit verify-file" can check.
# audit_mirror_path: %s

# Replace the built-in risk signatures.
# signatures_path: /path/to/signatures.yaml

# Pin MCP tool descriptors.
# descriptor_policy_path: %s
# tamper_log_path: %s

# Webhooks for decisions that need attention.
# alerts:
#   - url: https://hooks.slack.com/services/...
#     format: slack
#     events: [pending, rejected, timed_out, failed]
#     min_risk: high

ci:
  log_events: false
  top_n: 10
`,
		filepath.Join(dir, "events.db"),
		policyPath,
		config.DefaultPort,
		filepath.Join(dir, "audit.jsonl"),
		filepath.Join(dir, "descriptors.yaml"),
		filepath.Join(dir, "tamper.jsonl"),
	)
}
