package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
)

var (
	pendingAll   bool
	pendingAgent string
	pendingJSON  bool
)

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().BoolVar(&pendingAll, "all", false, "List actions in every state")
	pendingCmd.Flags().StringVar(&pendingAgent, "agent", "", "Only show actions proposed by this agent")
	pendingCmd.Flags().BoolVar(&pendingJSON, "json", false, "Print actions as JSON")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List actions awaiting a decision",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	engine, store, err := readEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	filter := lifecycle.Filter{AgentID: pendingAgent}
	if !pendingAll {
		filter.State = model.StatePreviewed
	}
	actions, err := engine.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if pendingJSON {
		if actions == nil {
			actions = []*model.Action{}
		}
		return printJSON(out, actions)
	}
	if len(actions) == 0 {
		fmt.Fprintln(out, "No pending actions.")
		return nil
	}

	now := time.Now()
	fmt.Fprintf(out, "%-36s %-10s %-14s %-9s %-30s %s\n", "ACTION", "STATUS", "TYPE", "RISK", "TARGET", "EXPIRES")
	for _, a := range actions {
		risk := "-"
		if a.Preview != nil {
			risk = string(a.Preview.RiskLevel)
		}
		expires := "-"
		if a.Status == model.StatusPending {
			expires = a.ExpiresAt.Sub(now).Round(time.Second).String()
			if a.Expired(now) {
				expires = "expired"
			}
		}
		fmt.Fprintf(out, "%-36s %-10s %-14s %-9s %-30s %s\n",
			a.ID, a.Status, a.Request.ActionType, risk, truncate(a.Request.Target, 30), expires)
	}
	return nil
}
