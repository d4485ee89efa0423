package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/integrity"
	igmcp "github.com/ppiankov/impactgate/internal/mcp"
)

var (
	mcpAgentID     string
	mcpPolicy      policyFlags
	mcpWorkDir     string
	mcpDescriptors string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpAgentID, "agent-id", "mcp-agent", "Agent identifier recorded on submitted actions")
	mcpCmd.Flags().StringVar(&mcpPolicy.path, "policy", "", "Path to policy YAML")
	mcpCmd.Flags().StringVar(&mcpPolicy.preset, "policy-preset", "", "Bundled policy preset")
	mcpCmd.Flags().StringVar(&mcpWorkDir, "working-directory", "", "Directory file targets are resolved against")
	mcpCmd.Flags().StringVar(&mcpDescriptors, "descriptor-policy", "", "Descriptor pin policy for impactgate_verify_descriptor")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs impactgate as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes tools: submit, preview, decide, pending, check, record_outcome,\n" +
		"verify_descriptor.",
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	engine, store, err := openEngine(mcpPolicy, mcpWorkDir)
	if err != nil {
		return err
	}
	defer store.Close()

	descPath := mcpDescriptors
	if descPath == "" {
		descPath = cfg.DescriptorPolicy
	}
	var descriptors *integrity.Policy
	if descPath != "" {
		if descriptors, err = integrity.LoadPolicy(descPath); err != nil {
			return err
		}
	}

	srv, err := igmcp.New(igmcp.Config{
		AgentID:       mcpAgentID,
		Version:       version,
		Descriptors:   descriptors,
		TamperLogPath: cfg.TamperLogPath,
		Logger:        logger,
	}, engine)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		case <-ctx.Done():
		}
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "impactgate MCP server running on stdio")
	fmt.Fprintf(os.Stderr, "Agent: %s\n\n", mcpAgentID)

	return srv.Run(ctx)
}
