package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/ci"
)

var (
	ciActionsFile string
	ciPolicy      policyFlags
	ciWorkDir     string
	ciOutput      string
	ciLogEvents   bool
	ciTopN        int
)

func init() {
	rootCmd.AddCommand(ciCmd)
	ciCmd.Flags().StringVar(&ciActionsFile, "actions-file", "", "JSON file of proposed actions, or - for stdin (required)")
	ciCmd.Flags().StringVar(&ciPolicy.preset, "policy-preset", "", "Bundled policy preset (startup|fintech|games)")
	ciCmd.Flags().StringVar(&ciPolicy.path, "policy", "", "Path to policy YAML or JSON")
	ciCmd.Flags().StringVar(&ciWorkDir, "working-directory", "", "Directory file targets are resolved against (default: current)")
	ciCmd.Flags().StringVarP(&ciOutput, "output", "o", "", "Write the report to this file instead of stdout")
	ciCmd.Flags().BoolVar(&ciLogEvents, "log-events", false, "Also record the run in the event store")
	ciCmd.Flags().IntVar(&ciTopN, "top-n", 0, "Number of blocking reasons to report (default 10)")
	ciCmd.MarkFlagRequired("actions-file")
}

var ciCmd = &cobra.Command{
	Use:   "ci",
	Short: "Evaluate proposed actions against a policy for a pipeline gate",
	Long: "Analyzes every action in the input file, decides each against the policy\n" +
		"and prints a JSON report. Nothing is recorded unless --log-events is set.\n\n" +
		"Exit codes: 0 all allowed, 2 approval required, 3 denied, 4 error.",
	Args: cobra.NoArgs,
	RunE: runCI,
}

func runCI(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if ciOutput != "" {
		f, err := os.Create(ciOutput)
		if err != nil {
			return exitCode(ci.WriteError(out, fmt.Errorf("create report: %w", err)))
		}
		defer f.Close()
		out = f
	}

	report, code, err := evaluateCI(cmd)
	if err != nil {
		logger.Error("ci evaluation failed", "error", err)
		return exitCode(ci.WriteError(out, err))
	}
	if err := ci.WriteReport(out, report); err != nil {
		return &exitError{code: ci.ExitError, err: err}
	}
	if code != ci.ExitAllow {
		return exitCode(code)
	}
	return nil
}

func evaluateCI(cmd *cobra.Command) (*ci.Report, int, error) {
	data, err := readInput(cmd.InOrStdin(), ciActionsFile)
	if err != nil {
		return nil, ci.ExitError, err
	}
	actions, err := ci.ParseActions(data)
	if err != nil {
		return nil, ci.ExitError, err
	}
	p, err := ciPolicy.resolve()
	if err != nil {
		return nil, ci.ExitError, err
	}
	an, err := newAnalyzer(ciWorkDir)
	if err != nil {
		return nil, ci.ExitError, err
	}

	topN := ciTopN
	if topN <= 0 {
		topN = cfg.CI.TopN
	}
	opts := ci.Options{
		Policy:   p,
		Analyzer: an,
		TopN:     topN,
		Logger:   logger,
	}
	if ciLogEvents || cfg.CI.LogEvents {
		store, err := openStore()
		if err != nil {
			return nil, ci.ExitError, err
		}
		defer store.Close()
		opts.Store = store
	}
	return ci.Evaluate(cmd.Context(), actions, opts)
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actions file: %w", err)
	}
	return data, nil
}
