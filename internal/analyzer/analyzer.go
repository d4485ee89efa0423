// Package analyzer derives an impact preview (diffs, risk level, risk
// factors, warnings) from a proposed action. It only ever reads the target.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ppiankov/impactgate/internal/model"
	"github.com/ppiankov/impactgate/internal/scanner"
)

// DefaultMaxFileBytes caps how much of a target is read for diffing.
const DefaultMaxFileBytes = 1 << 20

// Analyzer is safe for concurrent use; it holds no mutable state.
type Analyzer struct {
	workDir  string
	sigs     *SignatureSet
	scanner  *scanner.Scanner
	maxBytes int64
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithWorkingDirectory resolves relative targets against dir.
func WithWorkingDirectory(dir string) Option { return func(a *Analyzer) { a.workDir = dir } }

// WithSignatures replaces the built-in signature set.
func WithSignatures(s *SignatureSet) Option { return func(a *Analyzer) { a.sigs = s } }

// WithScanner replaces the default prompt scanner.
func WithScanner(s *scanner.Scanner) Option { return func(a *Analyzer) { a.scanner = s } }

// WithMaxFileBytes caps reads of target content.
func WithMaxFileBytes(n int64) Option { return func(a *Analyzer) { a.maxBytes = n } }

// New returns an analyzer with built-in signatures and scanner.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		workDir:  ".",
		maxBytes: DefaultMaxFileBytes,
	}
	for _, o := range opts {
		o(a)
	}
	if a.sigs == nil {
		a.sigs = DefaultSignatures()
	}
	if a.scanner == nil {
		a.scanner = scanner.New()
	}
	return a
}

// WorkingDirectory returns the directory relative targets resolve against.
func (a *Analyzer) WorkingDirectory() string { return a.workDir }

// preview accumulates the outcome of one analysis.
type preview struct {
	level      model.RiskLevel
	factors    []string
	seen       map[string]bool
	warnings   []string
	changes    []model.FileChange
	reversible bool
}

func (p *preview) raise(level model.RiskLevel, factor string) {
	p.level = model.MaxRisk(p.level, level)
	if factor == "" || p.seen[factor] {
		return
	}
	p.seen[factor] = true
	p.factors = append(p.factors, factor)
}

func (p *preview) warn(msg string) { p.warnings = append(p.warnings, msg) }

// degrade records a partial analysis: a warning plus at least medium risk.
func (p *preview) degrade(err error) {
	derr := model.AnalysisDegraded("analysis incomplete", err)
	p.warn(derr.Error())
	p.level = model.MaxRisk(p.level, model.RiskMedium)
}

// Analyze never fails: anything it cannot classify is reported as a
// warning with a conservative risk level. Identical inputs against an
// unchanged target produce identical previews.
func (a *Analyzer) Analyze(ctx context.Context, req *model.ActionRequest) model.Preview {
	p := &preview{level: model.RiskLow, seen: map[string]bool{}, reversible: true}

	sub := subject{actionType: req.ActionType, paths: []string{filepath.ToSlash(req.Target)}}

	switch req.ActionType {
	case model.FileWrite, model.FileCreate, model.FileDelete, model.FileMove:
		if dest := destination(req); dest != "" {
			sub.paths = append(sub.paths, filepath.ToSlash(dest))
		}
		if err := ctx.Err(); err != nil {
			p.degrade(err)
			break
		}
		a.analyzeFile(req, p)
	case model.ShellCommand:
		p.reversible = false
	default:
		p.warn(fmt.Sprintf("Detailed impact analysis is not supported for %s actions; review manually", req.ActionType))
		p.raise(model.RiskMedium, fmt.Sprintf("Impact of %s action cannot be determined automatically", req.ActionType))
		p.reversible = req.ActionType == model.DBQuery
	}

	sub.content = contentOf(req)
	for _, h := range a.sigs.match(sub) {
		p.raise(h.level, h.factor)
	}

	scan := a.scanner.ScanRequest(req)
	factors := scan.RiskFactors()
	for i, f := range scan.Findings {
		p.raise(f.Severity, factors[i])
	}

	out := model.Preview{
		RiskLevel:          p.level,
		RiskFactors:        nonNil(p.factors),
		FileChanges:        p.changes,
		Warnings:           nonNil(p.warnings),
		IsReversible:       p.reversible,
		ScannerMaxSeverity: scan.MaxSeverity(),
		ScannerReasonIDs:   scan.ReasonIDs(),
	}
	if out.FileChanges == nil {
		out.FileChanges = []model.FileChange{}
	}
	if req.ActionType.IsFile() {
		out.Summary = Summary(p.changes)
		out.AffectedCount = len(p.changes)
	} else {
		out.Summary = fmt.Sprintf("%s on %s", req.ActionType, clip(req.Target, 120))
		out.AffectedCount = 1
	}
	return out
}

func (a *Analyzer) resolve(target string) string {
	if filepath.IsAbs(target) || a.workDir == "" {
		return filepath.Clean(target)
	}
	return filepath.Join(a.workDir, target)
}

func (a *Analyzer) analyzeFile(req *model.ActionRequest, p *preview) {
	path := a.resolve(req.Target)
	current, exists, err := a.readCurrent(path)
	if err != nil {
		p.degrade(err)
	}
	proposed := req.PayloadString("content")

	switch req.ActionType {
	case model.FileWrite:
		op := OpModify
		if !exists {
			op = OpCreate
			p.warn("Target does not exist; write will create it")
		}
		p.addChange(op, req.Target, current, proposed)
		if exists && current == proposed {
			p.warn("Proposed content is identical to current content")
		}

	case model.FileCreate:
		if exists {
			p.raise(model.RiskMedium, fmt.Sprintf("File already exists and would be overwritten: %s", req.Target))
		}
		p.addChange(OpCreate, req.Target, current, proposed)

	case model.FileDelete:
		if !exists && err == nil {
			p.warn("Target does not exist; nothing to delete")
		}
		p.addChange(OpDelete, req.Target, current, "")
		p.reversible = false

	case model.FileMove:
		dest := destination(req)
		if dest == "" {
			p.degrade(errors.New("file_move requires payload.destination"))
			return
		}
		if !exists && err == nil {
			p.warn("Source does not exist; move will fail")
		}
		if _, destExists, derr := a.readCurrent(a.resolve(dest)); derr != nil {
			p.degrade(derr)
		} else if destExists {
			p.raise(model.RiskMedium, fmt.Sprintf("Move destination already exists and would be overwritten: %s", dest))
		}
		lines := len(splitLines(current))
		p.changes = append(p.changes, model.FileChange{
			Path:            req.Target,
			Operation:       OpMove,
			Diff:            RenameDiff(req.Target, dest),
			DestinationPath: dest,
		})
		if lines > 0 {
			p.warn(fmt.Sprintf("Moves %d line(s) of content", lines))
		}
	}
}

func (p *preview) addChange(op, path, before, after string) {
	diff, added, removed := UnifiedDiff(before, after, path)
	p.changes = append(p.changes, model.FileChange{
		Path:         path,
		Operation:    op,
		Diff:         diff,
		LinesAdded:   added,
		LinesRemoved: removed,
	})
}

// readCurrent returns the target's text. A missing file is not an error.
func (a *Analyzer) readCurrent(path string) (string, bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", true, fmt.Errorf("%s is a directory", path)
	}
	if !info.Mode().IsRegular() {
		return "", true, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() > a.maxBytes {
		return "", true, fmt.Errorf("%s is %d bytes, larger than the %d byte limit", path, info.Size(), a.maxBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", true, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, a.maxBytes))
	if err != nil {
		return "", true, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return "", true, fmt.Errorf("%s is not valid UTF-8 text", path)
	}
	return string(data), true, nil
}

func destination(req *model.ActionRequest) string {
	if d := req.PayloadString("destination"); d != "" {
		return d
	}
	return req.PayloadString("destination_path")
}

// contentOf gathers the text content signatures inspect: every payload
// string in key order, plus the target for actions whose target is a
// command or statement rather than a path.
func contentOf(req *model.ActionRequest) string {
	var parts []string
	if !req.ActionType.IsFile() {
		parts = append(parts, req.Target)
	}
	parts = appendStrings(parts, req.Payload, 0)
	return strings.Join(parts, "\n")
}

func appendStrings(out []string, v any, depth int) []string {
	if depth > scanner.DefaultMaxPayloadDepth {
		return out
	}
	switch val := v.(type) {
	case string:
		return append(out, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = appendStrings(out, val[k], depth+1)
		}
	case []any:
		for _, e := range val {
			out = appendStrings(out, e, depth+1)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
