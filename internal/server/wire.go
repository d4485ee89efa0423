package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/impactgate/internal/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "impactgate.v1.ActionService"

// Method names, relative to ServiceName.
const (
	MethodSubmit          = "Submit"
	MethodGetAction       = "GetAction"
	MethodGetPreview      = "GetPreview"
	MethodDecide          = "Decide"
	MethodRecordOutcome   = "RecordOutcome"
	MethodWaitForDecision = "WaitForDecision"
	MethodListPending     = "ListPending"
	MethodListEvents      = "ListEvents"
	MethodVerifyStream    = "VerifyStream"
)

// FullMethod returns the invoke path for a method name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Request and response bodies. They travel as structpb.Struct and are
// converted through their JSON form.

type SubmitRequest struct {
	AgentID string              `json:"agent_id"`
	Request model.ActionRequest `json:"request"`
}

type ActionRef struct {
	ActionID string `json:"action_id"`
}

type DecideRequest struct {
	ActionID  string `json:"action_id"`
	Approve   bool   `json:"approve"`
	Principal string `json:"principal"`
	Reason    string `json:"reason,omitempty"`
}

type OutcomeRequest struct {
	ActionID string          `json:"action_id"`
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type WaitRequest struct {
	ActionID    string `json:"action_id"`
	WaitSeconds int    `json:"wait_seconds"`
}

type ActionList struct {
	Actions []*model.Action `json:"actions"`
}

// Encode converts v to a Struct through its JSON encoding.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// Decode fills v from a Struct. A nil Struct decodes as {}.
func Decode(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return model.Validation(fmt.Sprintf("malformed request: %v", err))
	}
	return nil
}

var codeFor = map[model.ErrorKind]codes.Code{
	model.KindValidation:          codes.InvalidArgument,
	model.KindNotFound:            codes.NotFound,
	model.KindInvalidTransition:   codes.FailedPrecondition,
	model.KindConcurrencyConflict: codes.Aborted,
	model.KindInvalidChain:        codes.DataLoss,
	model.KindPolicy:              codes.FailedPrecondition,
	model.KindAnalysisDegraded:    codes.Internal,
}

// StatusError maps err onto a gRPC status carrying the error kind, message
// and details as a Struct detail.
func StatusError(err error) error {
	if err == nil {
		return nil
	}
	kind := model.KindOf(err)
	if kind == model.KindInternal {
		if st, ok := status.FromError(err); ok {
			return st.Err()
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return status.FromContextError(err).Err()
		}
	}
	code, ok := codeFor[kind]
	if !ok {
		code = codes.Internal
	}
	body := map[string]any{"kind": string(kind), "message": err.Error()}
	if me, ok := model.AsError(err); ok {
		body["message"] = me.Message
		details := make(map[string]any, len(me.Details))
		for k, v := range me.Details {
			details[k] = v
		}
		body["details"] = details
	}
	st := status.New(code, err.Error())
	detail, derr := structpb.NewStruct(body)
	if derr != nil {
		return st.Err()
	}
	if withDetail, derr := st.WithDetails(detail); derr == nil {
		return withDetail.Err()
	}
	return st.Err()
}

// ErrorFromStatus rebuilds a model.Error from a status produced by
// StatusError. Other errors are returned unchanged.
func ErrorFromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		body, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		fields := body.AsMap()
		kind, _ := fields["kind"].(string)
		if kind == "" {
			continue
		}
		msg, _ := fields["message"].(string)
		out := &model.Error{Kind: model.ErrorKind(kind), Message: msg}
		if details, ok := fields["details"].(map[string]any); ok {
			for k, v := range details {
				out.With(k, fmt.Sprint(v))
			}
		}
		return out
	}
	return err
}
