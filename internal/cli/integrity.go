package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/integrity"
)

var (
	integrityPolicy   string
	integrityExpected string
	integrityLog      string
	integrityJSON     bool
)

func init() {
	rootCmd.AddCommand(integrityCmd)
	integrityCmd.AddCommand(integrityHashCmd)
	integrityCmd.AddCommand(integrityCheckCmd)
	integrityCheckCmd.Flags().StringVar(&integrityPolicy, "policy", "", "Descriptor pin policy (default from config)")
	integrityCheckCmd.Flags().StringVar(&integrityExpected, "expected-hash", "", "Explicit sha256 pin the descriptor must match")
	integrityCheckCmd.Flags().StringVar(&integrityLog, "log", "", "Append rejections to this tamper log (default from config)")
	integrityCheckCmd.Flags().BoolVar(&integrityJSON, "json", false, "Print the result as JSON")
}

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Pin and verify MCP tool descriptors",
}

var integrityHashCmd = &cobra.Command{
	Use:   "hash <descriptor.json>",
	Short: "Print the canonical hash of a tool descriptor",
	Long:  "Prints sha256:<hex> over the descriptor's canonical JSON. Add the value\nto the allowlist of a descriptor policy to pin it.",
	Args:  cobra.ExactArgs(1),
	RunE:  runIntegrityHash,
}

var integrityCheckCmd = &cobra.Command{
	Use:   "check <descriptor.json>",
	Short: "Check a tool descriptor against its pins",
	Long:  "Exits 0 if the descriptor matches a pin, 1 if it was rejected.",
	Args:  cobra.ExactArgs(1),
	RunE:  runIntegrityCheck,
}

func runIntegrityHash(cmd *cobra.Command, args []string) error {
	d, err := integrity.ReadDescriptor(args[0])
	if err != nil {
		return err
	}
	h, err := integrity.Hash(d)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), h)
	return nil
}

func runIntegrityCheck(cmd *cobra.Command, args []string) error {
	path := integrityPolicy
	if path == "" {
		path = cfg.DescriptorPolicy
	}
	p := &integrity.Policy{}
	if path != "" {
		var err error
		if p, err = integrity.LoadPolicy(path); err != nil {
			return err
		}
	}

	res, err := integrity.CheckFile(p, args[0], integrityExpected)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if integrityJSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else if res.Allowed {
		fmt.Fprintf(out, "OK: %s\n", res.Reason)
	} else {
		fmt.Fprintf(out, "REJECTED: %s\n", res.Reason)
	}
	if res.Allowed {
		return nil
	}

	logPath := integrityLog
	if logPath == "" {
		logPath = cfg.TamperLogPath
	}
	if logPath != "" {
		if err := integrity.LogViolation(logPath, res); err != nil {
			logger.Error("tamper log write failed", "path", logPath, "error", err)
		}
	}
	return exitCode(1)
}
