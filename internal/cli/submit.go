package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/model"
)

// requestFlags build an ActionRequest from the command line.
type requestFlags struct {
	actionType  string
	target      string
	description string
	payload     string
	payloadFile string
	context     string
	autoApprove bool
	timeout     int
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.actionType, "type", "t", "", "Action type (file_write, file_create, file_delete, file_move, shell_command, ...)")
	cmd.Flags().StringVar(&f.target, "target", "", "File path, command, query or URL")
	cmd.Flags().StringVarP(&f.description, "description", "d", "", "What the action is for")
	cmd.Flags().StringVar(&f.payload, "payload", "", "Payload as a JSON object")
	cmd.Flags().StringVar(&f.payloadFile, "payload-file", "", "Read the payload JSON object from a file")
	cmd.Flags().StringVar(&f.context, "context", "", "Extra context for the reviewer")
	cmd.Flags().BoolVar(&f.autoApprove, "auto-approve", false, "Approve immediately when the preview is low risk")
	cmd.Flags().IntVar(&f.timeout, "timeout", 0, "Approval window in seconds (default from config)")
}

func (f *requestFlags) request() (model.ActionRequest, error) {
	req := model.ActionRequest{
		ActionType:           model.ActionType(f.actionType),
		Target:               f.target,
		Description:          f.description,
		Context:              f.context,
		AutoApproveIfLowRisk: f.autoApprove,
		TimeoutSeconds:       f.timeout,
	}
	raw := []byte(f.payload)
	if f.payloadFile != "" {
		data, err := os.ReadFile(f.payloadFile)
		if err != nil {
			return req, fmt.Errorf("read payload file: %w", err)
		}
		raw = data
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req.Payload); err != nil || req.Payload == nil {
			return req, model.Validation("payload must be a JSON object")
		}
	}
	return req, nil
}

var (
	submitFlags   requestFlags
	submitAgent   string
	submitWait    time.Duration
	submitPolicy  policyFlags
	submitWorkDir string
	submitJSON    bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitFlags.bind(submitCmd)
	submitCmd.Flags().StringVar(&submitAgent, "agent", "cli", "Agent identifier recorded as proposer")
	submitCmd.Flags().DurationVar(&submitWait, "wait", 0, "Block up to this long for a decision (e.g., 2m)")
	submitCmd.Flags().StringVar(&submitPolicy.path, "policy", "", "Path to policy YAML")
	submitCmd.Flags().StringVar(&submitPolicy.preset, "policy-preset", "", "Bundled policy preset")
	submitCmd.Flags().StringVar(&submitWorkDir, "working-directory", "", "Directory file targets are resolved against")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Print the action as JSON")
	submitCmd.MarkFlagRequired("type")
	submitCmd.MarkFlagRequired("target")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Propose an action and print its impact preview",
	Long: "Records a proposed action, analyzes its impact and leaves it pending\n" +
		"for a decision. With --wait the command blocks until the action is\n" +
		"approved, rejected or timed out. Exits 1 when the action ends rejected\n" +
		"or timed out.",
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := submitFlags.request()
	if err != nil {
		return err
	}
	engine, store, err := openEngine(submitPolicy, submitWorkDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	a, err := engine.Submit(ctx, submitAgent, req)
	if err != nil {
		return err
	}
	if submitWait > 0 && a.Status == model.StatusPending {
		fmt.Fprintf(cmd.ErrOrStderr(), "Waiting up to %s for a decision on %s...\n", submitWait, a.ID)
		if a, err = engine.WaitForDecision(ctx, a.ID, submitWait); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if submitJSON {
		if err := printJSON(out, a); err != nil {
			return err
		}
	} else {
		printAction(out, a, true)
	}
	if a.Status == model.StatusRejected || a.Status == model.StatusTimedOut {
		return exitCode(1)
	}
	return nil
}
