package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/policy"
)

var policyJSON bool

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyPresetsCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyPresetsCmd.Flags().BoolVar(&policyJSON, "json", false, "Print presets as JSON")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and validate policies",
}

var policyPresetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List bundled policy presets",
	Args:  cobra.NoArgs,
	RunE:  runPolicyPresets,
}

var policyShowCmd = &cobra.Command{
	Use:   "show <preset>",
	Short: "Print the source of a bundled preset",
	Long:  "Prints the preset document. Redirect it to a file to start a custom policy.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyShow,
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a policy file",
	Long:  "Checks a YAML or JSON policy against the schema and semantic rules.\nExits 0 if valid.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyValidate,
}

func runPolicyPresets(cmd *cobra.Command, args []string) error {
	presets, err := policy.Presets()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if policyJSON {
		return printJSON(out, presets)
	}
	for _, p := range presets {
		fmt.Fprintf(out, "%-10s %-8s %s\n", p.ID, p.Version, p.Description)
	}
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	data, err := policy.PresetSource(args[0])
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	p, err := policy.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %s version %s, %d rules, default %s (%s)\n",
		p.Name, p.Version, len(p.Rules), p.Defaults.Decision, p.Hash)
	return nil
}
