package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/lifecycle"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Time out pending actions past their deadline",
	Long:  "Runs one timeout sweep over the event store. Safe to run while a server\nor other sweepers are active; each action is timed out once.",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	engine, store, err := readEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := lifecycle.NewSweeper(engine, nil, cfg.SweepInterval).SweepOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Timed out %d action(s)\n", n)
	return nil
}
