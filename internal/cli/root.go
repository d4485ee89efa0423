package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impactgate/internal/ci"
	"github.com/ppiankov/impactgate/internal/config"
	"github.com/ppiankov/impactgate/internal/model"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	dbPath     string

	cfg    *config.Config
	logger *slog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default ~/.impactgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text|json)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the SQLite event store")
}

var rootCmd = &cobra.Command{
	Use:   "impactgate",
	Short: "Impact preview and approval gate for agent actions",
	Long: "Shows what an agent's proposed action would change before it happens,\n" +
		"records every proposal and decision in a hash-chained event log, and\n" +
		"gates CI pipelines on policy verdicts.",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// setup loads the config file and builds the process logger. Flags
// override config values.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	if logFormat != "" {
		c.LogFormat = logFormat
	}
	if dbPath != "" {
		c.DBPath = dbPath
	}
	l, err := config.NewLogger(cmd.ErrOrStderr(), c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	cfg, logger = c, l
	slog.SetDefault(l)
	return nil
}

// exitError carries a process exit code out of a command. A nil err means
// the command already reported its outcome.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(code int) error { return &exitError{code: code} }

// Execute runs the root command.
func Execute() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd.SetArgs(args)
	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	if cmd == ciCmd {
		// Flag, argument and config failures never reach runCI. Pipelines
		// still get an error document and exit 4.
		if _, ok := model.AsError(err); !ok {
			err = model.Validation(err.Error())
		}
		return ci.WriteError(cmd.OutOrStdout(), err)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}
