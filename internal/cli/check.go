package cli

import (
	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
)

var (
	checkFlags   requestFlags
	checkPolicy  policyFlags
	checkWorkDir string
	checkJSON    bool
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkFlags.bind(checkCmd)
	checkCmd.Flags().StringVar(&checkPolicy.path, "policy", "", "Path to policy YAML")
	checkCmd.Flags().StringVar(&checkPolicy.preset, "policy-preset", "", "Bundled policy preset")
	checkCmd.Flags().StringVar(&checkWorkDir, "working-directory", "", "Directory file targets are resolved against")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Print preview and verdict as JSON")
	checkCmd.MarkFlagRequired("type")
	checkCmd.MarkFlagRequired("target")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Preview an action and decide it against a policy without recording it",
	Long: "Dry run: analyzes the action and evaluates the policy, then prints the\n" +
		"preview and verdict. Nothing is written to the event store.\n\n" +
		"Exit codes: 0 allow, 2 require_approval, 3 deny.",
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	req, err := checkFlags.request()
	if err != nil {
		return err
	}
	p, err := checkPolicy.resolve()
	if err != nil {
		return err
	}
	an, err := newAnalyzer(checkWorkDir)
	if err != nil {
		return err
	}
	engine := lifecycle.New(eventstore.NewMemoryStore(),
		lifecycle.WithAnalyzer(an),
		lifecycle.WithPolicy(p),
		lifecycle.WithLogger(logger),
	)

	preview, verdict, err := engine.Assess(cmd.Context(), req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if checkJSON {
		if err := printJSON(out, map[string]any{"preview": preview, "verdict": verdict}); err != nil {
			return err
		}
	} else {
		printVerdict(out, preview, verdict)
	}

	switch verdict.Decision {
	case model.Deny:
		return exitCode(3)
	case model.RequireApproval:
		return exitCode(2)
	}
	return nil
}
