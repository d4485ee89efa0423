// Package ci evaluates a batch of proposed actions against a policy with no
// human in the loop and renders a stable report and exit code for pipeline
// gates.
package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/ppiankov/impactgate/internal/analyzer"
	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/model"
	"github.com/ppiankov/impactgate/internal/policy"
)

// SchemaVersion is the report format version.
const SchemaVersion = "1"

// Exit codes.
const (
	ExitAllow           = 0
	ExitRequireApproval = 2
	ExitDeny            = 3
	ExitError           = 4
)

// DefaultTopN bounds top_blocking_reasons.
const DefaultTopN = 10

// Event types written when a run is logged.
const (
	EventActionEvaluated = "CIActionEvaluated"
	EventRunCompleted    = "CIRunCompleted"
)

// ActionReport is one row of the report.
type ActionReport struct {
	Index               int              `json:"index"`
	ActionType          model.ActionType `json:"action_type"`
	Target              string           `json:"target"`
	RiskLevel           model.RiskLevel  `json:"risk_level"`
	PolicyDecision      model.Decision   `json:"policy_decision"`
	PolicyMatchedRuleID *string          `json:"policy_matched_rule_id"`
	ScannerMaxSeverity  model.RiskLevel  `json:"scanner_max_severity"`
	ScannerReasonIDs    []string         `json:"scanner_reason_ids"`
}

// ReasonCount is one ranked blocking reason.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Totals counts actions per decision.
type Totals struct {
	Allow           int `json:"allow"`
	RequireApproval int `json:"require_approval"`
	Deny            int `json:"deny"`
}

// Sum is the number of evaluated actions.
func (t Totals) Sum() int { return t.Allow + t.RequireApproval + t.Deny }

// Report is the result of one evaluation run.
type Report struct {
	SchemaVersion      string         `json:"schema_version"`
	PolicyVersion      string         `json:"policy_version"`
	Totals             Totals         `json:"totals"`
	TopBlockingReasons []ReasonCount  `json:"top_blocking_reasons"`
	Actions            []ActionReport `json:"actions"`
}

// Options configures Evaluate.
type Options struct {
	Policy *policy.Policy
	// Analyzer defaults to one rooted at WorkingDirectory.
	Analyzer         *analyzer.Analyzer
	WorkingDirectory string
	TopN             int
	// Store, when set, receives the run as events on stream ci:<RunID>.
	Store  eventstore.Store
	RunID  string
	Logger *slog.Logger
}

// ExitCode maps totals to the process exit code.
func ExitCode(t Totals) int {
	switch {
	case t.Deny > 0:
		return ExitDeny
	case t.RequireApproval > 0:
		return ExitRequireApproval
	default:
		return ExitAllow
	}
}

// ParseActions reads either a JSON list of action requests or an object
// with an "actions" list. Every element must be an object and a valid
// request.
func ParseActions(data []byte) ([]model.ActionRequest, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, model.Validation("actions input is not valid JSON: " + err.Error())
	}

	var list []any
	switch v := doc.(type) {
	case []any:
		list = v
	case map[string]any:
		l, ok := v["actions"].([]any)
		if !ok {
			return nil, model.Validation("actions input must be a JSON list or an object with an 'actions' list")
		}
		list = l
	default:
		return nil, model.Validation("actions input must be a JSON list or an object with an 'actions' list")
	}

	out := make([]model.ActionRequest, 0, len(list))
	for i, item := range list {
		if _, ok := item.(map[string]any); !ok {
			return nil, model.Validation(fmt.Sprintf("action at index %d must be an object", i)).
				With("index", fmt.Sprint(i))
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("ci: re-encode action %d: %w", i, err)
		}
		var req model.ActionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, model.Validation(fmt.Sprintf("action at index %d: %v", i, err)).
				With("index", fmt.Sprint(i))
		}
		if err := req.Validate(); err != nil {
			msg := err.Error()
			if me, ok := model.AsError(err); ok {
				msg = me.Message
			}
			return nil, model.Validation(fmt.Sprintf("action at index %d: %s", i, msg)).
				With("index", fmt.Sprint(i))
		}
		out = append(out, req)
	}
	return out, nil
}

// Evaluate analyzes and decides every action in input order. The report is
// complete or not returned at all.
func Evaluate(ctx context.Context, actions []model.ActionRequest, opts Options) (*Report, int, error) {
	if opts.Policy == nil {
		return nil, ExitError, model.PolicyError("no policy configured", nil)
	}
	an := opts.Analyzer
	if an == nil {
		an = analyzer.New(analyzer.WithWorkingDirectory(opts.WorkingDirectory))
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	report := &Report{
		SchemaVersion:      SchemaVersion,
		PolicyVersion:      opts.Policy.Version,
		TopBlockingReasons: []ReasonCount{},
		Actions:            make([]ActionReport, 0, len(actions)),
	}
	reasons := map[string]int{}
	var drafts []eventstore.Draft

	for i := range actions {
		if err := ctx.Err(); err != nil {
			return nil, ExitError, err
		}
		req := &actions[i]
		preview := an.Analyze(ctx, req)
		verdict := policy.Decide(policy.InputFor(req, &preview), opts.Policy)

		switch verdict.Decision {
		case model.Allow:
			report.Totals.Allow++
		case model.RequireApproval:
			report.Totals.RequireApproval++
		case model.Deny:
			report.Totals.Deny++
		default:
			return nil, ExitError, model.PolicyError(fmt.Sprintf("rule produced unknown decision %q", verdict.Decision), nil)
		}

		ids := preview.ScannerReasonIDs
		if ids == nil {
			ids = []string{}
		}
		if verdict.Decision != model.Allow {
			key := "policy:default"
			if verdict.MatchedRuleID != "" {
				key = "policy:" + verdict.MatchedRuleID
			}
			reasons[key]++
			for _, rid := range ids {
				reasons["scanner:"+rid]++
			}
		}

		row := ActionReport{
			Index:              i,
			ActionType:         req.ActionType,
			Target:             req.Target,
			RiskLevel:          preview.RiskLevel,
			PolicyDecision:     verdict.Decision,
			ScannerMaxSeverity: preview.ScannerMaxSeverity,
			ScannerReasonIDs:   ids,
		}
		if verdict.MatchedRuleID != "" {
			id := verdict.MatchedRuleID
			row.PolicyMatchedRuleID = &id
		}
		report.Actions = append(report.Actions, row)

		if opts.Store != nil {
			drafts = append(drafts, eventstore.Draft{
				Type: EventActionEvaluated,
				Data: map[string]any{"row": row, "preview": preview, "verdict": verdict},
			})
		}
	}

	report.TopBlockingReasons = rank(reasons, topN)
	code := ExitCode(report.Totals)

	if opts.Store != nil {
		runID := opts.RunID
		if runID == "" {
			runID = uuid.Must(uuid.NewV7()).String()
		}
		drafts = append(drafts, eventstore.Draft{
			Type: EventRunCompleted,
			Data: map[string]any{
				"policy_version": report.PolicyVersion,
				"policy_hash":    opts.Policy.Hash,
				"totals":         report.Totals,
				"exit_code":      code,
			},
		})
		if _, err := opts.Store.Append(ctx, "ci:"+runID, 0, drafts...); err != nil {
			return nil, ExitError, fmt.Errorf("ci: log run %s: %w", runID, err)
		}
		logger.Info("ci run logged", "run_id", runID, "actions", len(actions))
	}

	logger.Debug("ci evaluation complete",
		"allow", report.Totals.Allow,
		"require_approval", report.Totals.RequireApproval,
		"deny", report.Totals.Deny,
		"exit_code", code,
	)
	return report, code, nil
}

func rank(counts map[string]int, n int) []ReasonCount {
	out := make([]ReasonCount, 0, len(counts))
	for r, c := range counts {
		out = append(out, ReasonCount{Reason: r, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// WriteReport renders the report as 2-space indented JSON with sorted keys
// and a trailing newline.
func WriteReport(w io.Writer, r *Report) error {
	return writeSorted(w, r)
}

// ErrorPayload is emitted instead of a report when evaluation fails.
type ErrorPayload struct {
	SchemaVersion string `json:"schema_version"`
	Error         string `json:"error"`
	Kind          string `json:"kind"`
}

// WriteError renders err as the error payload and returns ExitError.
func WriteError(w io.Writer, err error) int {
	payload := ErrorPayload{SchemaVersion: SchemaVersion, Error: err.Error(), Kind: string(model.KindOf(err))}
	if me, ok := model.AsError(err); ok && me.Message != "" && me.Err == nil {
		payload.Error = me.Message
	}
	_ = writeSorted(w, payload)
	return ExitError
}

func writeSorted(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(generic)
}
