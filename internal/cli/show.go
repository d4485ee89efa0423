package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/analyzer"
	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
)

var (
	showJSON     bool
	previewColor bool
	eventsJSON   bool
)

func init() {
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(eventsCmd)
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the action as JSON")
	previewCmd.Flags().BoolVar(&previewColor, "color", false, "Colorize the diff")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Print events as JSON lines")
}

var showCmd = &cobra.Command{
	Use:   "show <action-id>",
	Short: "Show the current state of an action",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var previewCmd = &cobra.Command{
	Use:   "preview <action-id>",
	Short: "Show the impact preview and diff of an action",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

var eventsCmd = &cobra.Command{
	Use:   "events <action-id>",
	Short: "List the events recorded for an action",
	Long:  "Prints the action's event stream in sequence order. The hash chain is\nverified while reading; a broken chain is an error.",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

// readEngine opens the store for commands that only read or decide
// existing actions. The configured policy is loaded when it resolves.
func readEngine() (*lifecycle.Engine, eventstore.Store, error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	opts := []lifecycle.Option{lifecycle.WithLogger(logger)}
	if p, err := (policyFlags{}).resolve(); err == nil {
		opts = append(opts, lifecycle.WithPolicy(p))
	}
	return lifecycle.New(store, opts...), store, nil
}

func runShow(cmd *cobra.Command, args []string) error {
	engine, store, err := readEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	a, err := engine.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if showJSON {
		return printJSON(cmd.OutOrStdout(), a)
	}
	printAction(cmd.OutOrStdout(), a, false)
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	engine, store, err := readEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	a, err := engine.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printAction(cmd.OutOrStdout(), a, true)
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	engine, store, err := readEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := engine.Events(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, e := range events {
		if eventsJSON {
			if err := printJSONLine(out, e); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(out, "%3d  %s  %-24s %s  %s\n",
			e.Sequence,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Type,
			shortHash(e.Hash),
			e.Metadata["actor"])
	}
	return nil
}

// printAction renders an action for humans. withDiff adds the file diff.
func printAction(w io.Writer, a *model.Action, withDiff bool) {
	fmt.Fprintf(w, "Action:   %s\n", a.ID)
	fmt.Fprintf(w, "Agent:    %s\n", a.AgentID)
	fmt.Fprintf(w, "Type:     %s\n", a.Request.ActionType)
	fmt.Fprintf(w, "Target:   %s\n", a.Request.Target)
	if a.Request.Description != "" {
		fmt.Fprintf(w, "Purpose:  %s\n", a.Request.Description)
	}
	fmt.Fprintf(w, "Status:   %s\n", a.Status)
	if a.DecidedBy != "" {
		fmt.Fprintf(w, "Decided:  %s", a.DecidedBy)
		if a.Reason != "" {
			fmt.Fprintf(w, " (%s)", a.Reason)
		}
		fmt.Fprintln(w)
	}
	if a.Status == model.StatusPending && !a.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "Expires:  %s\n", a.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if a.Failure != "" {
		fmt.Fprintf(w, "Failure:  %s\n", a.Failure)
	}
	if a.Verdict != nil {
		rule := a.Verdict.MatchedRuleID
		if rule == "" {
			rule = "default"
		}
		fmt.Fprintf(w, "Policy:   %s (rule: %s)\n", a.Verdict.Decision, rule)
	}

	p := a.Preview
	if p == nil {
		return
	}
	fmt.Fprintf(w, "Risk:     %s\n", strings.ToUpper(string(p.RiskLevel)))
	fmt.Fprintf(w, "Summary:  %s\n", p.Summary)
	for _, f := range p.RiskFactors {
		fmt.Fprintf(w, "  - %s\n", f)
	}
	for _, warn := range p.Warnings {
		fmt.Fprintf(w, "  ! %s\n", warn)
	}
	if withDiff && len(p.FileChanges) > 0 {
		fmt.Fprintln(w)
		if previewColor {
			fmt.Fprint(w, analyzer.FormatTerminal(p.FileChanges))
		} else {
			fmt.Fprint(w, analyzer.FormatPlain(p.FileChanges))
		}
	}
}

// printVerdict renders a dry-run assessment.
func printVerdict(w io.Writer, p model.Preview, v *model.Verdict) {
	fmt.Fprintf(w, "Risk:     %s\n", strings.ToUpper(string(p.RiskLevel)))
	fmt.Fprintf(w, "Summary:  %s\n", p.Summary)
	for _, f := range p.RiskFactors {
		fmt.Fprintf(w, "  - %s\n", f)
	}
	for _, warn := range p.Warnings {
		fmt.Fprintf(w, "  ! %s\n", warn)
	}
	if v != nil {
		rule := v.MatchedRuleID
		if rule == "" {
			rule = "default"
		}
		fmt.Fprintf(w, "Decision: %s (rule: %s)\n", v.Decision, rule)
		for _, line := range v.Trace {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	if len(p.FileChanges) > 0 {
		fmt.Fprintln(w)
		fmt.Fprint(w, analyzer.FormatPlain(p.FileChanges))
	}
}

func shortHash(h string) string {
	h = strings.TrimPrefix(h, "sha256:")
	if len(h) > 12 {
		h = h[:12]
	}
	return h
}
