package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/impactgate/internal/analyzer"
	"github.com/ppiankov/impactgate/internal/eventbus"
	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
)

func init() { retryBackoff = 10 * time.Millisecond }

func counter(status int) (*httptest.Server, *atomic.Int32) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(status)
	}))
	return srv, &called
}

func TestDispatchMatchesStatus(t *testing.T) {
	srv, called := counter(http.StatusOK)
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"rejected"}},
	}, nil, nil)

	d.Dispatch(AlertEvent{Status: "rejected", ActionType: "shell_command", Target: "rm -rf /"})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	srv, called := counter(http.StatusOK)
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"rejected"}},
	}, nil, nil)

	d.Dispatch(AlertEvent{Status: "approved", ActionType: "file_write", Target: "/tmp/safe.txt"})
	d.Wait()

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchMinRisk(t *testing.T) {
	srv, called := counter(http.StatusOK)
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Events: []string{"pending"}, MinRisk: "high"},
	}, nil, nil)

	d.Dispatch(AlertEvent{Status: "pending", RiskLevel: "medium"})
	d.Dispatch(AlertEvent{Status: "pending", RiskLevel: "critical"})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected only the critical action to alert, got %d calls", called.Load())
	}
}

func TestDispatchPolicyDecision(t *testing.T) {
	srv, called := counter(http.StatusOK)
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Events: []string{"policy_deny"}},
	}, nil, nil)

	d.Dispatch(AlertEvent{Status: "pending", Decision: "deny"})
	d.Dispatch(AlertEvent{Status: "pending", Decision: "allow"})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call for policy_deny, got %d", called.Load())
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	srv1 := httptest.NewServer(handler)
	defer srv1.Close()
	srv2 := httptest.NewServer(handler)
	defer srv2.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Format: "generic", Events: []string{"timed_out"}},
		{URL: srv2.URL, Format: "generic", Events: []string{"timed_out", "failed"}},
	}, nil, nil)

	d.Dispatch(AlertEvent{Status: "timed_out"})
	d.Wait()

	if called.Load() != 2 {
		t.Errorf("expected 2 calls (both webhooks match), got %d", called.Load())
	}
}

func TestHandleFromBus(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []AlertEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev AlertEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("bad body: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := eventbus.New()
	e := lifecycle.New(eventstore.NewMemoryStore(),
		lifecycle.WithBus(bus),
		lifecycle.WithAnalyzer(analyzer.New(analyzer.WithWorkingDirectory(t.TempDir()))),
	)
	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Events: []string{"pending", "rejected"}},
	}, e.Events, nil)
	bus.SubscribeAll(d.Handle)

	ctx := context.Background()
	a, err := e.Submit(ctx, "agent-7", model.ActionRequest{
		ActionType: model.ShellCommand,
		Target:     "git push --force origin main",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.Reject(ctx, a.ID, "alice", "history rewrite"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(bodies))
	}
	if bodies[0].Status != "pending" || bodies[0].AgentID != "agent-7" {
		t.Errorf("unexpected first alert: %+v", bodies[0])
	}
	if bodies[1].Status != "rejected" || bodies[1].Reason != "history rewrite" || bodies[1].Principal != "alice" {
		t.Errorf("unexpected second alert: %+v", bodies[1])
	}
	if bodies[0].RiskLevel != "high" {
		t.Errorf("expected high risk for force push, got %s", bodies[0].RiskLevel)
	}
}

func TestAlertReflectsStateAtEvent(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []AlertEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev AlertEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("bad body: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := eventbus.New()
	e := lifecycle.New(eventstore.NewMemoryStore(),
		lifecycle.WithBus(bus),
		lifecycle.WithAnalyzer(analyzer.New(analyzer.WithWorkingDirectory(t.TempDir()))),
	)
	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Events: []string{"pending", "approved"}},
	}, e.Events, nil)
	bus.SubscribeAll(d.Handle)

	a, err := e.Submit(context.Background(), "agent-1", model.ActionRequest{
		ActionType:           model.FileCreate,
		Target:               "notes.txt",
		Payload:              map[string]any{"content": "hello\n"},
		AutoApproveIfLowRisk: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if a.Status != model.StatusApproved {
		t.Fatalf("expected auto-approval, got %s", a.Status)
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(bodies))
	}
	if bodies[0].Status != "pending" || bodies[0].Principal != "" {
		t.Errorf("pending alert should carry no principal: %+v", bodies[0])
	}
	if bodies[1].Status != "approved" || bodies[1].Principal != lifecycle.AutoApprovePrincipal {
		t.Errorf("unexpected approval alert: %+v", bodies[1])
	}
}

func TestDispatchPreservesOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []uint64
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev AlertEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("bad body: %v", err)
		}
		mu.Lock()
		seen = append(seen, ev.Sequence)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{{URL: srv.URL, Events: []string{"pending"}}}, nil, nil)
	for i := uint64(1); i <= 20; i++ {
		d.Dispatch(AlertEvent{Status: "pending", Sequence: i})
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 20 {
		t.Fatalf("expected 20 deliveries, got %d", len(seen))
	}
	for i, seq := range seen {
		if seq != uint64(i+1) {
			t.Fatalf("delivery %d carried sequence %d", i, seq)
		}
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Status: "failed"})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	srv, attempts := counter(http.StatusBadRequest)
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Status: "failed"})
	if err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestHeadersForwarded(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := AlertConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer x"}}
	if err := Send(context.Background(), cfg, AlertEvent{}); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer x" {
		t.Errorf("expected header to be forwarded, got %q", got)
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := AlertEvent{
		Timestamp: "2025-01-15T14:00:00.000Z",
		ActionID:  "a-123",
		Target:    "rm -rf /",
		Status:    "rejected",
		Reason:    "destructive",
		RiskLevel: "critical",
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed AlertEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.ActionID != "a-123" {
		t.Errorf("expected action_id a-123, got %s", parsed.ActionID)
	}
	if parsed.Status != "rejected" {
		t.Errorf("expected status rejected, got %s", parsed.Status)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	event := AlertEvent{
		ActionType: "shell_command",
		Target:     "rm -rf /",
		Status:     "rejected",
		Reason:     "destructive",
		Principal:  "alice",
		RiskLevel:  "critical",
	}

	data, err := FormatPayload("slack", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}

	blocks, ok := parsed["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in slack payload")
	}
	if len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks, got %d", len(blocks))
	}

	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}

	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) != 6 {
		t.Errorf("expected 6 fields in section, got %v", fields)
	}
}

func TestFormatPagerDuty(t *testing.T) {
	event := AlertEvent{ActionID: "a-1", Sequence: 2, Status: "pending", RiskLevel: "critical"}

	data, err := FormatPayload("pagerduty", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("pagerduty format is not valid JSON: %v", err)
	}

	if parsed["event_action"] != "trigger" {
		t.Errorf("expected event_action trigger, got %v", parsed["event_action"])
	}
	if parsed["dedup_key"] != "a-1:2" {
		t.Errorf("expected dedup_key a-1:2, got %v", parsed["dedup_key"])
	}
	payload, ok := parsed["payload"].(map[string]any)
	if !ok {
		t.Fatal("expected payload object")
	}
	if payload["severity"] != "critical" {
		t.Errorf("expected severity critical, got %v", payload["severity"])
	}
	if payload["source"] != "impactgate" {
		t.Errorf("expected source impactgate, got %v", payload["source"])
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil, nil, nil); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
	if d := NewDispatcher([]AlertConfig{}, nil, nil); d != nil {
		t.Error("expected nil dispatcher for zero-length configs")
	}
}
