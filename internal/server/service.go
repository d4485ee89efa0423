package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
)

// ActionServiceServer is the server API for impactgate.v1.ActionService.
// Every message is a structpb.Struct holding the JSON form of the bodies
// declared in wire.go.
type ActionServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPreview(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordOutcome(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WaitForDecision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyStream(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ActionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func method(name string, fn unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ActionServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ActionServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes ActionService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ActionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		method(MethodSubmit, ActionServiceServer.Submit),
		method(MethodGetAction, ActionServiceServer.GetAction),
		method(MethodGetPreview, ActionServiceServer.GetPreview),
		method(MethodDecide, ActionServiceServer.Decide),
		method(MethodRecordOutcome, ActionServiceServer.RecordOutcome),
		method(MethodWaitForDecision, ActionServiceServer.WaitForDecision),
		method(MethodListPending, ActionServiceServer.ListPending),
		method(MethodListEvents, ActionServiceServer.ListEvents),
		method(MethodVerifyStream, ActionServiceServer.VerifyStream),
	},
	Metadata: "impactgate/v1/action_service",
}

// RegisterActionServiceServer registers srv on s.
func RegisterActionServiceServer(s grpc.ServiceRegistrar, srv ActionServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// maxWait bounds WaitForDecision so one call cannot pin a stream forever.
const maxWait = 10 * time.Minute

func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := Decode(in, &req); err != nil {
		return nil, StatusError(err)
	}
	a, err := s.engine.Submit(ctx, req.AgentID, req.Request)
	return reply(a, err)
}

func (s *Server) GetAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref ActionRef
	if err := Decode(in, &ref); err != nil {
		return nil, StatusError(err)
	}
	a, err := s.engine.Get(ctx, ref.ActionID)
	return reply(a, err)
}

func (s *Server) GetPreview(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref ActionRef
	if err := Decode(in, &ref); err != nil {
		return nil, StatusError(err)
	}
	p, err := s.engine.Preview(ctx, ref.ActionID)
	return reply(p, err)
}

func (s *Server) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DecideRequest
	if err := Decode(in, &req); err != nil {
		return nil, StatusError(err)
	}
	a, err := s.engine.Decide(ctx, req.ActionID, decision(req))
	return reply(a, err)
}

func (s *Server) RecordOutcome(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req OutcomeRequest
	if err := Decode(in, &req); err != nil {
		return nil, StatusError(err)
	}
	if req.Success {
		var result any
		if len(req.Result) > 0 {
			result = req.Result
		}
		a, err := s.engine.RecordExecuted(ctx, req.ActionID, result)
		return reply(a, err)
	}
	a, err := s.engine.RecordFailed(ctx, req.ActionID, req.Error)
	return reply(a, err)
}

func (s *Server) WaitForDecision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req WaitRequest
	if err := Decode(in, &req); err != nil {
		return nil, StatusError(err)
	}
	wait := time.Duration(req.WaitSeconds) * time.Second
	if wait > maxWait {
		wait = maxWait
	}
	a, err := s.engine.WaitForDecision(ctx, req.ActionID, wait)
	return reply(a, err)
}

func (s *Server) ListPending(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(ActionList{Actions: s.approvals.Pending()}, nil)
}

func (s *Server) ListEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref ActionRef
	if err := Decode(in, &ref); err != nil {
		return nil, StatusError(err)
	}
	events, err := s.engine.Events(ctx, ref.ActionID)
	if err != nil {
		return nil, StatusError(err)
	}
	return reply(map[string]any{"events": events}, nil)
}

func (s *Server) VerifyStream(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref ActionRef
	if err := Decode(in, &ref); err != nil {
		return nil, StatusError(err)
	}
	if _, err := s.engine.Events(ctx, ref.ActionID); err != nil && model.KindOf(err) != model.KindInvalidChain {
		return nil, StatusError(err)
	}
	res, err := s.engine.Store().Verify(ctx, lifecycle.StreamID(ref.ActionID))
	return reply(res, err)
}

func decision(req DecideRequest) lifecycle.Decision {
	return lifecycle.Decision{Approve: req.Approve, Principal: req.Principal, Reason: req.Reason}
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, StatusError(err)
	}
	out, err := Encode(v)
	if err != nil {
		return nil, StatusError(err)
	}
	return out, nil
}
