package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/ppiankov/impactgate/internal/analyzer"
	"github.com/ppiankov/impactgate/internal/eventbus"
	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
	"github.com/ppiankov/impactgate/internal/server"
)

// startTestServer creates a server and returns its address.
func startTestServer(t *testing.T) string {
	t.Helper()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := lifecycle.New(eventstore.NewMemoryStore(),
		lifecycle.WithBus(eventbus.New(eventbus.WithLogger(quiet))),
		lifecycle.WithAnalyzer(analyzer.New(analyzer.WithWorkingDirectory(t.TempDir()))),
		lifecycle.WithLogger(quiet),
		lifecycle.WithPollInterval(10*time.Millisecond),
	)
	srv, err := server.New(context.Background(), server.Config{PolicyPreset: "startup", Logger: quiet}, engine)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeOn(lis)

	t.Cleanup(func() {
		srv.GracefulStop()
		srv.Close()
	})
	return lis.Addr().String()
}

func newClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(startTestServer(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func request(auto bool) model.ActionRequest {
	return model.ActionRequest{
		ActionType:           model.FileWrite,
		Target:               "docs/guide.md",
		Description:          "update the guide",
		Payload:              map[string]any{"content": "# Guide\n"},
		AutoApproveIfLowRisk: auto,
	}
}

func TestClientSubmitApproveExecute(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	a, err := c.Submit(ctx, "agent-7", request(false))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", a.Status)
	}

	p, err := c.Preview(ctx, a.ID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if p.RiskLevel != model.RiskLow {
		t.Errorf("risk = %s", p.RiskLevel)
	}

	pending, err := c.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != a.ID {
		t.Errorf("pending = %+v", pending)
	}

	if _, err := c.Approve(ctx, a.ID, "alice", "looks fine"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	done, err := c.RecordExecuted(ctx, a.ID, map[string]int{"bytes": 8})
	if err != nil {
		t.Fatalf("RecordExecuted: %v", err)
	}
	if done.Status != model.StatusExecuted {
		t.Errorf("status = %s, want executed", done.Status)
	}

	events, err := c.Events(ctx, a.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 4 {
		t.Errorf("events = %d, want 4", len(events))
	}
	res, err := c.Verify(ctx, a.ID)
	if err != nil || !res.Valid {
		t.Errorf("Verify = %+v, %v", res, err)
	}
}

func TestClientAutoApprove(t *testing.T) {
	c := newClient(t)
	a, err := c.Submit(context.Background(), "agent-7", request(true))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.Status != model.StatusApproved || !a.AutoApplied {
		t.Errorf("expected auto approval, got %+v", a)
	}
}

func TestClientErrorsKeepKind(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "nope")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get unknown = %v, want not found", err)
	}

	a, err := c.Submit(ctx, "agent-7", request(false))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := c.Reject(ctx, a.ID, "alice", ""); !errors.Is(err, model.ErrValidation) {
		t.Errorf("Reject without reason = %v, want validation", err)
	}
	if _, err := c.RecordFailed(ctx, a.ID, "boom"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("RecordFailed before approval = %v, want invalid transition", err)
	}
}

func TestClientWaitForDecision(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	a, err := c.Submit(ctx, "agent-7", request(false))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := c.WaitForDecision(ctx, a.ID, time.Second)
	if err != nil {
		t.Fatalf("WaitForDecision: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want still pending", got.Status)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Reject(context.Background(), a.ID, "bob", "wrong file")
	}()
	got, err = c.WaitForDecision(ctx, a.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForDecision: %v", err)
	}
	if got.Status != model.StatusRejected || got.Reason != "wrong file" {
		t.Errorf("after reject: %+v", got)
	}
}

func TestClientUnreachable(t *testing.T) {
	c, err := New("127.0.0.1:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := c.ListPending(ctx); err == nil {
		t.Fatal("expected error from unreachable server")
	}
}
