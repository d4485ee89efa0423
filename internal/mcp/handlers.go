package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/impactgate/internal/analyzer"
	"github.com/ppiankov/impactgate/internal/integrity"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
)

// maxWaitSeconds caps how long impactgate_submit blocks for a decision.
const maxWaitSeconds = 600

// --- Input/Output types ---

// SubmitInput defines parameters for the impactgate_submit tool.
type SubmitInput struct {
	ActionType           string         `json:"action_type" jsonschema:"one of file_write, file_create, file_delete, file_move, db_query, db_execute, api_call, shell_command, custom"`
	Target               string         `json:"target" jsonschema:"file path, command, query or URL the action operates on"`
	Description          string         `json:"description,omitempty" jsonschema:"what the action is for"`
	Payload              map[string]any `json:"payload,omitempty" jsonschema:"action payload, e.g. content for file writes or destination for moves"`
	Context              string         `json:"context,omitempty" jsonschema:"extra context for the reviewer"`
	AutoApproveIfLowRisk bool           `json:"auto_approve_if_low_risk,omitempty" jsonschema:"approve immediately when the preview is low risk"`
	TimeoutSeconds       int            `json:"timeout_seconds,omitempty" jsonschema:"approval window in seconds (default 300)"`
	WaitSeconds          int            `json:"wait_seconds,omitempty" jsonschema:"block up to this many seconds for a decision"`
}

// ActionOutput summarizes an action for the agent.
type ActionOutput struct {
	ActionID      string   `json:"action_id"`
	Status        string   `json:"status"`
	RiskLevel     string   `json:"risk_level,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	RiskFactors   []string `json:"risk_factors,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	Decision      string   `json:"policy_decision,omitempty"`
	MatchedRuleID string   `json:"policy_matched_rule_id,omitempty"`
	ExpiresAt     string   `json:"expires_at,omitempty"`
	DecidedBy     string   `json:"decided_by,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Error         string   `json:"error,omitempty"`
	ErrorKind     string   `json:"error_kind,omitempty"`
}

// ActionRef names an action.
type ActionRef struct {
	ActionID string `json:"action_id" jsonschema:"identifier returned by impactgate_submit"`
}

// PreviewOutput is the full preview of an action.
type PreviewOutput struct {
	Action  ActionOutput   `json:"action"`
	Preview *model.Preview `json:"preview,omitempty"`
	Diff    string         `json:"diff,omitempty"`
}

// DecideInput defines parameters for the impactgate_decide tool.
type DecideInput struct {
	ActionID  string `json:"action_id" jsonschema:"action to decide"`
	Approve   bool   `json:"approve" jsonschema:"true to approve, false to reject"`
	Principal string `json:"principal" jsonschema:"who is deciding"`
	Reason    string `json:"reason,omitempty" jsonschema:"rejection reason (required) or approval comment"`
}

// PendingInput is empty; no parameters needed.
type PendingInput struct{}

// PendingOutput lists actions awaiting a decision.
type PendingOutput struct {
	Actions []PendingItem `json:"actions"`
}

// PendingItem describes a single pending action.
type PendingItem struct {
	ActionID   string `json:"action_id"`
	AgentID    string `json:"agent_id"`
	ActionType string `json:"action_type"`
	Target     string `json:"target"`
	RiskLevel  string `json:"risk_level"`
	Summary    string `json:"summary"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
}

// CheckOutput is the dry-run verdict.
type CheckOutput struct {
	RiskLevel     string   `json:"risk_level"`
	RiskFactors   []string `json:"risk_factors,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	Summary       string   `json:"summary"`
	Decision      string   `json:"policy_decision,omitempty"`
	MatchedRuleID string   `json:"policy_matched_rule_id,omitempty"`
	Diff          string   `json:"diff,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// OutcomeInput defines parameters for the impactgate_record_outcome tool.
type OutcomeInput struct {
	ActionID string `json:"action_id" jsonschema:"approved action that was executed"`
	Success  bool   `json:"success" jsonschema:"whether execution succeeded"`
	Result   any    `json:"result,omitempty" jsonschema:"execution result to record"`
	Error    string `json:"error,omitempty" jsonschema:"failure message when success is false"`
}

// DescriptorInput defines parameters for the impactgate_verify_descriptor tool.
type DescriptorInput struct {
	Descriptor   map[string]any `json:"descriptor" jsonschema:"the tool descriptor object"`
	ExpectedHash string         `json:"expected_hash,omitempty" jsonschema:"optional sha256 pin the descriptor must match"`
}

// --- Handlers ---

func (s *Server) handleSubmit(ctx context.Context, req *mcpsdk.CallToolRequest, input SubmitInput) (*mcpsdk.CallToolResult, ActionOutput, error) {
	a, err := s.engine.Submit(ctx, s.agentID, input.request())
	if err != nil {
		return failed(err)
	}

	wait := input.WaitSeconds
	if wait > maxWaitSeconds {
		wait = maxWaitSeconds
	}
	if wait > 0 && a.Status == model.StatusPending {
		waited, err := s.engine.WaitForDecision(ctx, a.ID, time.Duration(wait)*time.Second)
		if err != nil {
			return failed(err)
		}
		a = waited
	}

	out := summarize(a)
	if a.Status == model.StatusRejected || a.Status == model.StatusTimedOut {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handlePreview(ctx context.Context, req *mcpsdk.CallToolRequest, input ActionRef) (*mcpsdk.CallToolResult, PreviewOutput, error) {
	a, err := s.engine.Get(ctx, input.ActionID)
	if err != nil {
		res, out, err := failed(err)
		return res, PreviewOutput{Action: out}, err
	}
	out := PreviewOutput{Action: summarize(a), Preview: a.Preview}
	if a.Preview != nil {
		out.Diff = analyzer.FormatPlain(a.Preview.FileChanges)
	}
	return nil, out, nil
}

func (s *Server) handleDecide(ctx context.Context, req *mcpsdk.CallToolRequest, input DecideInput) (*mcpsdk.CallToolResult, ActionOutput, error) {
	a, err := s.engine.Decide(ctx, input.ActionID, lifecycle.Decision{
		Approve:   input.Approve,
		Principal: input.Principal,
		Reason:    input.Reason,
	})
	if err != nil {
		return failed(err)
	}
	return nil, summarize(a), nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	actions, err := s.engine.Pending(ctx)
	if err != nil {
		return nil, PendingOutput{}, err
	}

	items := make([]PendingItem, 0, len(actions))
	for _, a := range actions {
		item := PendingItem{
			ActionID:   a.ID,
			AgentID:    a.AgentID,
			ActionType: string(a.Request.ActionType),
			Target:     a.Request.Target,
			CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339),
			ExpiresAt:  a.ExpiresAt.UTC().Format(time.RFC3339),
		}
		if a.Preview != nil {
			item.RiskLevel = string(a.Preview.RiskLevel)
			item.Summary = a.Preview.Summary
		}
		items = append(items, item)
	}
	return nil, PendingOutput{Actions: items}, nil
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input SubmitInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	preview, verdict, err := s.engine.Assess(ctx, input.request())
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, CheckOutput{Error: err.Error()}, nil
	}
	out := CheckOutput{
		RiskLevel:   string(preview.RiskLevel),
		RiskFactors: preview.RiskFactors,
		Warnings:    preview.Warnings,
		Summary:     preview.Summary,
		Diff:        analyzer.FormatPlain(preview.FileChanges),
	}
	if verdict != nil {
		out.Decision = string(verdict.Decision)
		out.MatchedRuleID = verdict.MatchedRuleID
	}
	return nil, out, nil
}

func (s *Server) handleOutcome(ctx context.Context, req *mcpsdk.CallToolRequest, input OutcomeInput) (*mcpsdk.CallToolResult, ActionOutput, error) {
	var (
		a   *model.Action
		err error
	)
	if input.Success {
		a, err = s.engine.RecordExecuted(ctx, input.ActionID, input.Result)
	} else {
		msg := input.Error
		if msg == "" {
			msg = "execution failed"
		}
		a, err = s.engine.RecordFailed(ctx, input.ActionID, msg)
	}
	if err != nil {
		return failed(err)
	}
	return nil, summarize(a), nil
}

func (s *Server) handleVerifyDescriptor(ctx context.Context, req *mcpsdk.CallToolRequest, input DescriptorInput) (*mcpsdk.CallToolResult, integrity.Result, error) {
	if input.Descriptor == nil {
		return nil, integrity.Result{}, fmt.Errorf("descriptor is required")
	}
	res, err := integrity.Check(s.descriptors, input.Descriptor, input.ExpectedHash)
	if err != nil {
		return nil, integrity.Result{}, err
	}
	if res.Allowed {
		return nil, res, nil
	}
	s.logger.Warn("descriptor rejected", "descriptor", res.DescriptorName, "hash", res.DescriptorHash, "reason", res.Reason)
	if s.tamperLog != "" {
		if err := integrity.LogViolation(s.tamperLog, res); err != nil {
			s.logger.Error("tamper log write failed", "path", s.tamperLog, "error", err)
		}
	}
	return &mcpsdk.CallToolResult{IsError: true}, res, nil
}

// --- Helpers ---

func (in SubmitInput) request() model.ActionRequest {
	return model.ActionRequest{
		ActionType:           model.ActionType(in.ActionType),
		Target:               in.Target,
		Description:          in.Description,
		Payload:              in.Payload,
		Context:              in.Context,
		AutoApproveIfLowRisk: in.AutoApproveIfLowRisk,
		TimeoutSeconds:       in.TimeoutSeconds,
	}
}

func summarize(a *model.Action) ActionOutput {
	out := ActionOutput{
		ActionID:  a.ID,
		Status:    string(a.Status),
		DecidedBy: a.DecidedBy,
		Reason:    a.Reason,
	}
	if !a.ExpiresAt.IsZero() {
		out.ExpiresAt = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if a.Preview != nil {
		out.RiskLevel = string(a.Preview.RiskLevel)
		out.Summary = a.Preview.Summary
		out.RiskFactors = a.Preview.RiskFactors
		out.Warnings = a.Preview.Warnings
	}
	if a.Verdict != nil {
		out.Decision = string(a.Verdict.Decision)
		out.MatchedRuleID = a.Verdict.MatchedRuleID
	}
	if a.Failure != "" {
		out.Error = a.Failure
	}
	return out
}

// failed reports taxonomy errors as tool errors the agent can read, and
// anything else as a protocol error.
func failed(err error) (*mcpsdk.CallToolResult, ActionOutput, error) {
	kind := model.KindOf(err)
	if kind == model.KindInternal {
		return nil, ActionOutput{}, err
	}
	out := ActionOutput{Error: err.Error(), ErrorKind: string(kind)}
	if me, ok := model.AsError(err); ok {
		out.ActionID = me.Details["action_id"]
	}
	return &mcpsdk.CallToolResult{IsError: true}, out, nil
}
