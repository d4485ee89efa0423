package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/lifecycle"
)

var (
	decidePrincipal string
	approveComment  string
	rejectReason    string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&decidePrincipal, "principal", "", "Who is deciding (default: $USER)")
	}
	approveCmd.Flags().StringVar(&approveComment, "comment", "", "Optional approval comment")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the action is rejected (required)")
	rejectCmd.MarkFlagRequired("reason")
}

var approveCmd = &cobra.Command{
	Use:   "approve <action-id>",
	Short: "Approve a pending action",
	Long:  "Approves an action awaiting a decision. Only previewed actions that have\nnot passed their deadline can be approved.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecide(true),
}

var rejectCmd = &cobra.Command{
	Use:   "reject <action-id>",
	Short: "Reject a pending action",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecide(false),
}

func runDecide(approve bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		engine, store, err := readEngine()
		if err != nil {
			return err
		}
		defer store.Close()

		d := lifecycle.Decision{Approve: approve, Principal: principal(), Reason: rejectReason}
		if approve {
			d.Reason = approveComment
		}
		a, err := engine.Decide(cmd.Context(), args[0], d)
		if err != nil {
			return err
		}
		if approve {
			fmt.Fprintf(cmd.OutOrStdout(), "Approved %s (%s %s)\n", a.ID, a.Request.ActionType, a.Request.Target)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s: %s\n", a.ID, a.Reason)
		}
		return nil
	}
}

func principal() string {
	if decidePrincipal != "" {
		return decidePrincipal
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
