package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/audit"
)

var (
	auditJSON   bool
	exportPath  string
	verifyQuiet bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditVerifyFileCmd)
	auditVerifyCmd.Flags().BoolVar(&auditJSON, "json", false, "Print per-stream results as JSON")
	auditVerifyCmd.Flags().BoolVarP(&verifyQuiet, "quiet", "q", false, "Only print failures")
	auditVerifyFileCmd.Flags().BoolVar(&auditJSON, "json", false, "Print the result as JSON")
	auditExportCmd.Flags().StringVarP(&exportPath, "output", "o", "", "Write to this file instead of stdout")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Event log verification and export",
	Long:  "Commands for verifying, exporting and replaying the hash-chained event log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain of every stream in the event store",
	Long:  "Recomputes every stream's hash chain. Exits 0 if all are intact,\n1 if any stream was edited or truncated.",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the event store as JSONL in commit order",
	Args:  cobra.NoArgs,
	RunE:  runAuditExport,
}

var auditVerifyFileCmd = &cobra.Command{
	Use:   "verify-file <path>",
	Short: "Verify the hash chains of an exported JSONL file",
	Long:  "Re-verifies every stream in an export offline, without the event store.\nExits 0 if valid, 1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerifyFile,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	results, ok, err := audit.VerifyStore(cmd.Context(), store)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if auditJSON {
		if err := printJSON(out, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			switch {
			case !r.Valid:
				fmt.Fprintf(out, "FAILED %s at sequence %d: %s\n", r.StreamID, r.DivergedAt, r.Error)
			case !verifyQuiet:
				fmt.Fprintf(out, "OK     %s (%d events)\n", r.StreamID, r.Events)
			}
		}
		if ok {
			fmt.Fprintf(out, "OK: %d streams verified\n", len(results))
		}
	}
	if !ok {
		return exitCode(1)
	}
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	w := cmd.OutOrStdout()
	if exportPath != "" {
		f, err := os.OpenFile(exportPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("create export: %w", err)
		}
		defer f.Close()
		w = f
	}
	n, err := audit.Export(cmd.Context(), store, w)
	if err != nil {
		return err
	}
	if exportPath != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d events to %s\n", n, exportPath)
	}
	return nil
}

func runAuditVerifyFile(cmd *cobra.Command, args []string) error {
	result := audit.VerifyFile(args[0])
	out := cmd.OutOrStdout()
	if auditJSON {
		if err := printJSON(out, result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintf(out, "OK: %d events in %d streams verified\n", result.Lines, result.Streams)
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	}
	if !result.Valid {
		return exitCode(1)
	}
	return nil
}
