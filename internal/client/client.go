// Package client is the Go client for the impactgate gRPC service.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/model"
	"github.com/ppiankov/impactgate/internal/server"
)

// DefaultTimeout bounds calls whose context carries no deadline.
const DefaultTimeout = 5 * time.Second

// Client connects to an impactgate gRPC server. Errors returned by the
// server come back as *model.Error with their original kind, so callers
// can use errors.Is against the model sentinels.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// New creates a gRPC client connected to the given address.
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to impactgate server: %w", err)
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

// Submit proposes an action on behalf of agentID.
func (c *Client) Submit(ctx context.Context, agentID string, req model.ActionRequest) (*model.Action, error) {
	var a model.Action
	err := c.invoke(ctx, server.MethodSubmit, server.SubmitRequest{AgentID: agentID, Request: req}, &a)
	return actionOrNil(&a, err)
}

// Get returns the current state of an action.
func (c *Client) Get(ctx context.Context, id string) (*model.Action, error) {
	var a model.Action
	err := c.invoke(ctx, server.MethodGetAction, server.ActionRef{ActionID: id}, &a)
	return actionOrNil(&a, err)
}

// Preview returns the impact preview of an action.
func (c *Client) Preview(ctx context.Context, id string) (*model.Preview, error) {
	var p model.Preview
	if err := c.invoke(ctx, server.MethodGetPreview, server.ActionRef{ActionID: id}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Approve approves a pending action.
func (c *Client) Approve(ctx context.Context, id, principal, comment string) (*model.Action, error) {
	return c.decide(ctx, server.DecideRequest{ActionID: id, Approve: true, Principal: principal, Reason: comment})
}

// Reject rejects a pending action. The server requires a reason.
func (c *Client) Reject(ctx context.Context, id, principal, reason string) (*model.Action, error) {
	return c.decide(ctx, server.DecideRequest{ActionID: id, Principal: principal, Reason: reason})
}

func (c *Client) decide(ctx context.Context, req server.DecideRequest) (*model.Action, error) {
	var a model.Action
	err := c.invoke(ctx, server.MethodDecide, req, &a)
	return actionOrNil(&a, err)
}

// RecordExecuted reports a successful execution with an optional result.
func (c *Client) RecordExecuted(ctx context.Context, id string, result any) (*model.Action, error) {
	req := server.OutcomeRequest{ActionID: id, Success: true}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		req.Result = raw
	}
	var a model.Action
	err := c.invoke(ctx, server.MethodRecordOutcome, req, &a)
	return actionOrNil(&a, err)
}

// RecordFailed reports a failed execution.
func (c *Client) RecordFailed(ctx context.Context, id, msg string) (*model.Action, error) {
	var a model.Action
	err := c.invoke(ctx, server.MethodRecordOutcome, server.OutcomeRequest{ActionID: id, Error: msg}, &a)
	return actionOrNil(&a, err)
}

// WaitForDecision blocks on the server until the action leaves pending or
// wait elapses, and returns the action either way.
func (c *Client) WaitForDecision(ctx context.Context, id string, wait time.Duration) (*model.Action, error) {
	ctx, cancel := context.WithTimeout(ctx, wait+c.timeout)
	defer cancel()
	var a model.Action
	req := server.WaitRequest{ActionID: id, WaitSeconds: int(wait.Round(time.Second) / time.Second)}
	err := c.invoke(ctx, server.MethodWaitForDecision, req, &a)
	return actionOrNil(&a, err)
}

// ListPending returns actions awaiting a decision.
func (c *Client) ListPending(ctx context.Context) ([]*model.Action, error) {
	var list server.ActionList
	if err := c.invoke(ctx, server.MethodListPending, struct{}{}, &list); err != nil {
		return nil, err
	}
	return list.Actions, nil
}

// Events returns the raw event stream of an action.
func (c *Client) Events(ctx context.Context, id string) ([]eventstore.Event, error) {
	var resp struct {
		Events []eventstore.Event `json:"events"`
	}
	if err := c.invoke(ctx, server.MethodListEvents, server.ActionRef{ActionID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Verify recomputes an action's hash chain on the server.
func (c *Client) Verify(ctx context.Context, id string) (eventstore.VerifyResult, error) {
	var res eventstore.VerifyResult
	err := c.invoke(ctx, server.MethodVerifyStream, server.ActionRef{ActionID: id}, &res)
	return res, err
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	in, err := server.Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, server.FullMethod(method), in, out); err != nil {
		return server.ErrorFromStatus(err)
	}
	return server.Decode(out, resp)
}

func actionOrNil(a *model.Action, err error) (*model.Action, error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}
