package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ppiankov/impactgate/internal/analyzer"
	"github.com/ppiankov/impactgate/internal/eventbus"
	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/policy"
)

// policyFlags are shared by commands that evaluate a policy.
type policyFlags struct {
	path   string
	preset string
}

// resolve prefers the flags, then the config file.
func (f policyFlags) resolve() (*policy.Policy, error) {
	path, preset := f.path, f.preset
	if path == "" && preset == "" {
		path, preset = cfg.PolicyPath, cfg.PolicyPreset
	}
	return policy.Resolve(path, preset)
}

func newAnalyzer(workDir string) (*analyzer.Analyzer, error) {
	if workDir == "" {
		workDir = cfg.WorkingDirectory
	}
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workDir = wd
	}
	opts := []analyzer.Option{analyzer.WithWorkingDirectory(workDir)}
	if cfg.SignaturesPath != "" {
		sigs, err := analyzer.LoadSignatures(cfg.SignaturesPath)
		if err != nil {
			return nil, fmt.Errorf("load signatures: %w", err)
		}
		opts = append(opts, analyzer.WithSignatures(sigs))
	}
	return analyzer.New(opts...), nil
}

func openStore() (*eventstore.SQLiteStore, error) {
	store, err := eventstore.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open event store %s: %w", cfg.DBPath, err)
	}
	return store, nil
}

// openEngine opens the configured store and builds an engine with a bus,
// analyzer and policy. The caller closes the returned store.
func openEngine(pf policyFlags, workDir string) (*lifecycle.Engine, eventstore.Store, error) {
	p, err := pf.resolve()
	if err != nil {
		return nil, nil, err
	}
	an, err := newAnalyzer(workDir)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	engine := lifecycle.New(store,
		lifecycle.WithBus(eventbus.New(eventbus.WithLogger(logger))),
		lifecycle.WithAnalyzer(an),
		lifecycle.WithPolicy(p),
		lifecycle.WithLogger(logger),
		lifecycle.WithDefaultTimeout(cfg.DefaultTimeout),
	)
	return engine, store, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
