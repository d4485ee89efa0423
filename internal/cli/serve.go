package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/server"
)

var (
	servePort     int
	servePolicy   policyFlags
	serveWorkDir  string
	serveAuditLog string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gRPC listen port (default from config, 50051)")
	serveCmd.Flags().StringVar(&servePolicy.path, "policy", "", "Path to policy YAML (hot-reloaded)")
	serveCmd.Flags().StringVar(&servePolicy.preset, "policy-preset", "", "Bundled policy preset")
	serveCmd.Flags().StringVar(&serveWorkDir, "working-directory", "", "Directory file targets are resolved against")
	serveCmd.Flags().StringVar(&serveAuditLog, "audit-log", "", "Mirror every event to this JSONL file")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC action service",
	Long: "Runs impactgate as a central service over gRPC. Agents submit actions,\n" +
		"reviewers decide them, and expired actions are timed out in the background.\n" +
		"A policy file passed with --policy is hot-reloaded.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	engine, store, err := openEngine(servePolicy, serveWorkDir)
	if err != nil {
		return err
	}
	defer store.Close()

	port := servePort
	if port == 0 {
		port = cfg.ListenPort
	}
	policyPath := servePolicy.path
	if policyPath == "" && servePolicy.preset == "" {
		policyPath = cfg.PolicyPath
	}
	auditLog := serveAuditLog
	if auditLog == "" {
		auditLog = cfg.AuditMirrorPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, server.Config{
		Port:            port,
		PolicyPath:      policyPath,
		SweepInterval:   cfg.SweepInterval,
		AuditMirrorPath: auditLog,
		SnapshotPath:    cfg.SnapshotPath,
		Alerts:          cfg.Alerts,
		Logger:          logger,
	}, engine)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	srv.RunBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nShutting down action service...")
		case <-ctx.Done():
		}
		cancel()
		srv.GracefulStop()
	}()

	fmt.Fprintf(os.Stderr, "impactgate action service listening on :%d\n", port)
	if p := engine.Policy(); p != nil {
		fmt.Fprintf(os.Stderr, "Policy: %s %s\n", p.Name, p.Version)
	}
	if policyPath != "" {
		fmt.Fprintf(os.Stderr, "Policy file: %s (hot-reload enabled)\n", policyPath)
	}
	fmt.Fprintf(os.Stderr, "Event store: %s\n\n", cfg.DBPath)

	return srv.Serve()
}
