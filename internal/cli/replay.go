package cli

import (
	"fmt"
	"iter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/audit"
	"github.com/ppiankov/impactgate/internal/eventstore"
)

var (
	replayFile   string
	replayAction string
	replayAgent  string
	replayType   string
	replayFrom   string
	replayTo     string
	replayFormat string
)

func init() {
	auditCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVarP(&replayFile, "file", "l", "", "Replay an exported JSONL file instead of the event store")
	replayCmd.Flags().StringVar(&replayAction, "action", "", "Only events of this action")
	replayCmd.Flags().StringVar(&replayAgent, "agent", "", "Only events about actions proposed by this agent")
	replayCmd.Flags().StringVar(&replayType, "type", "", "Only events of this type (e.g., ActionRejected)")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay the event log as a decision timeline",
	Long:  "Reads events in commit order, applies the filters and renders a\nhuman-readable timeline with a summary of transitions.",
	Args:  cobra.NoArgs,
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{ActionID: replayAction, AgentID: replayAgent, Type: replayType}

	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		filter.From = from
	}

	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		filter.To = to
	}

	var src iter.Seq2[eventstore.Event, error]
	if replayFile != "" {
		src = audit.ReadFile(replayFile)
	} else {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		src = audit.FromStore(cmd.Context(), store)
	}

	result, err := audit.Replay(src, filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch replayFormat {
	case "json":
		s, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	default:
		fmt.Fprint(out, audit.FormatTimeline(result))
	}

	return nil
}
