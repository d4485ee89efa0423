package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/impactgate/internal/analyzer"
	"github.com/ppiankov/impactgate/internal/approval"
	"github.com/ppiankov/impactgate/internal/audit"
	"github.com/ppiankov/impactgate/internal/eventbus"
	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// testServer runs the service on an in-memory listener and returns a
// connection to it.
func testServer(t *testing.T, cfg Config) (*grpc.ClientConn, *Server) {
	t.Helper()

	cfg.Logger = quiet
	bus := eventbus.New(eventbus.WithLogger(quiet))
	engine := lifecycle.New(eventstore.NewMemoryStore(),
		lifecycle.WithBus(bus),
		lifecycle.WithAnalyzer(analyzer.New(analyzer.WithWorkingDirectory(t.TempDir()))),
		lifecycle.WithLogger(quiet),
		lifecycle.WithPollInterval(10*time.Millisecond),
	)

	srv, err := New(context.Background(), cfg, engine)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	go srv.ServeOn(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		srv.GracefulStop()
		t.Fatalf("dial: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		srv.GracefulStop()
		srv.Close()
	})
	return conn, srv
}

func call(t *testing.T, conn *grpc.ClientConn, method string, req, resp any) error {
	t.Helper()
	in, err := Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(context.Background(), FullMethod(method), in, out); err != nil {
		return err
	}
	if resp != nil {
		if err := Decode(out, resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return nil
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func notes() model.ActionRequest {
	return model.ActionRequest{
		ActionType:     model.FileCreate,
		Target:         "notes.txt",
		Description:    "write notes",
		Payload:        map[string]any{"content": "hello\n"},
		TimeoutSeconds: 60,
	}
}

func submit(t *testing.T, conn *grpc.ClientConn, req model.ActionRequest) model.Action {
	t.Helper()
	var a model.Action
	if err := call(t, conn, MethodSubmit, SubmitRequest{AgentID: "agent-1", Request: req}, &a); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return a
}

func TestSubmitAndPreview(t *testing.T) {
	conn, _ := testServer(t, Config{PolicyPreset: "startup"})

	a := submit(t, conn, notes())
	if a.ID == "" || a.Status != model.StatusPending {
		t.Fatalf("unexpected action: %+v", a)
	}
	if a.AgentID != "agent-1" {
		t.Errorf("agent = %q", a.AgentID)
	}
	if a.Verdict == nil || a.Verdict.Decision != model.RequireApproval {
		t.Errorf("verdict = %+v, want require_approval", a.Verdict)
	}

	var p model.Preview
	if err := call(t, conn, MethodGetPreview, ActionRef{ActionID: a.ID}, &p); err != nil {
		t.Fatalf("GetPreview: %v", err)
	}
	if p.RiskLevel != model.RiskLow {
		t.Errorf("risk = %s, want low", p.RiskLevel)
	}
	if len(p.FileChanges) != 1 || p.FileChanges[0].LinesAdded != 1 {
		t.Errorf("file changes = %+v", p.FileChanges)
	}
}

func TestErrorKindsMapToCodes(t *testing.T) {
	conn, _ := testServer(t, Config{})

	err := call(t, conn, MethodSubmit, SubmitRequest{AgentID: "a", Request: model.ActionRequest{Target: "x"}}, nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
	}
	if !errors.Is(ErrorFromStatus(err), model.ErrValidation) {
		t.Errorf("decoded error = %v, want validation", ErrorFromStatus(err))
	}

	err = call(t, conn, MethodGetAction, ActionRef{ActionID: "missing"}, nil)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("code = %v, want NotFound", status.Code(err))
	}
	me, ok := model.AsError(ErrorFromStatus(err))
	if !ok || me.Details["id"] != "missing" {
		t.Errorf("decoded error = %#v", ErrorFromStatus(err))
	}
}

func TestDecideAndRecordOutcome(t *testing.T) {
	conn, _ := testServer(t, Config{})
	a := submit(t, conn, notes())

	var approved model.Action
	if err := call(t, conn, MethodDecide, DecideRequest{ActionID: a.ID, Approve: true, Principal: "alice"}, &approved); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if approved.Status != model.StatusApproved || approved.DecidedBy != "alice" {
		t.Fatalf("after approve: %+v", approved)
	}

	var executed model.Action
	req := OutcomeRequest{ActionID: a.ID, Success: true, Result: []byte(`{"bytes":6}`)}
	if err := call(t, conn, MethodRecordOutcome, req, &executed); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if executed.Status != model.StatusExecuted {
		t.Errorf("status = %s, want executed", executed.Status)
	}
	var result map[string]any
	if err := json.Unmarshal(executed.Result, &result); err != nil || result["bytes"] != float64(6) {
		t.Errorf("result = %s", executed.Result)
	}

	err := call(t, conn, MethodDecide, DecideRequest{ActionID: a.ID, Principal: "bob", Reason: "late"}, nil)
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("code = %v, want FailedPrecondition", status.Code(err))
	}
	me, ok := model.AsError(ErrorFromStatus(err))
	if !ok || me.Kind != model.KindInvalidTransition || me.Details["current"] != "executed" {
		t.Errorf("decoded error = %#v", me)
	}
}

func TestRecordFailure(t *testing.T) {
	conn, _ := testServer(t, Config{})
	a := submit(t, conn, notes())
	if err := call(t, conn, MethodDecide, DecideRequest{ActionID: a.ID, Approve: true, Principal: "alice"}, nil); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	var failed model.Action
	if err := call(t, conn, MethodRecordOutcome, OutcomeRequest{ActionID: a.ID, Error: "disk full"}, &failed); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if failed.Status != model.StatusFailed || failed.Failure != "disk full" {
		t.Errorf("after failure: %+v", failed)
	}
}

func TestListPendingFollowsDecisions(t *testing.T) {
	conn, _ := testServer(t, Config{})
	first := submit(t, conn, notes())
	second := submit(t, conn, notes())

	if err := call(t, conn, MethodDecide, DecideRequest{ActionID: first.ID, Principal: "alice", Reason: "not now"}, nil); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	var list ActionList
	if err := call(t, conn, MethodListPending, struct{}{}, &list); err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(list.Actions) != 1 || list.Actions[0].ID != second.ID {
		t.Errorf("pending = %+v, want only %s", list.Actions, second.ID)
	}
}

func TestListEventsAndVerify(t *testing.T) {
	conn, _ := testServer(t, Config{})
	a := submit(t, conn, notes())

	var events struct {
		Events []eventstore.Event `json:"events"`
	}
	if err := call(t, conn, MethodListEvents, ActionRef{ActionID: a.ID}, &events); err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(events.Events))
	}
	if events.Events[0].Type != lifecycle.EventProposed || events.Events[1].PrevHash != events.Events[0].Hash {
		t.Errorf("unexpected chain: %+v", events.Events)
	}

	var res eventstore.VerifyResult
	if err := call(t, conn, MethodVerifyStream, ActionRef{ActionID: a.ID}, &res); err != nil {
		t.Fatalf("VerifyStream: %v", err)
	}
	if !res.Valid || res.Events != 2 {
		t.Errorf("verify = %+v", res)
	}

	err := call(t, conn, MethodVerifyStream, ActionRef{ActionID: "missing"}, nil)
	if status.Code(err) != codes.NotFound {
		t.Errorf("code = %v, want NotFound", status.Code(err))
	}
}

func TestWaitForDecision(t *testing.T) {
	conn, srv := testServer(t, Config{})
	a := submit(t, conn, notes())

	go func() {
		time.Sleep(50 * time.Millisecond)
		srv.Engine().Approve(context.Background(), a.ID, "alice", "ok")
	}()

	var decided model.Action
	if err := call(t, conn, MethodWaitForDecision, WaitRequest{ActionID: a.ID, WaitSeconds: 5}, &decided); err != nil {
		t.Fatalf("WaitForDecision: %v", err)
	}
	if decided.Status != model.StatusApproved {
		t.Errorf("status = %s, want approved", decided.Status)
	}
}

func TestHealthServing(t *testing.T) {
	conn, _ := testServer(t, Config{})
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", resp.Status)
	}
}

const denyCreates = `version: deny-1
rules:
  - id: deny-creates
    decision: deny
    action_types: [file_create]
`

const allowCreates = `version: allow-1
rules:
  - id: allow-creates
    decision: allow
    action_types: [file_create]
`

func TestReloadPolicy(t *testing.T) {
	path := writeTempFile(t, "policy.yaml", denyCreates)
	conn, srv := testServer(t, Config{PolicyPath: path})

	a := submit(t, conn, notes())
	if a.Verdict == nil || a.Verdict.MatchedRuleID != "deny-creates" {
		t.Fatalf("verdict = %+v, want deny-creates", a.Verdict)
	}

	if err := os.WriteFile(path, []byte(allowCreates), 0644); err != nil {
		t.Fatal(err)
	}
	if err := srv.ReloadPolicy(); err != nil {
		t.Fatalf("ReloadPolicy: %v", err)
	}
	a = submit(t, conn, notes())
	if a.Verdict == nil || a.Verdict.Decision != model.Allow {
		t.Errorf("verdict after reload = %+v, want allow", a.Verdict)
	}

	if err := os.WriteFile(path, []byte("version: [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := srv.ReloadPolicy(); !errors.Is(err, model.ErrPolicy) {
		t.Errorf("reload of broken policy = %v, want policy error", err)
	}
	if srv.Engine().Policy().Version != "allow-1" {
		t.Errorf("broken reload replaced the active policy")
	}
}

func TestReloaderWatchesFile(t *testing.T) {
	path := writeTempFile(t, "policy.yaml", denyCreates)
	_, srv := testServer(t, Config{PolicyPath: path})

	r, err := NewReloader(srv, []string{path, "", filepath.Join(t.TempDir(), "absent.yaml")})
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	if len(r.Paths()) != 1 {
		t.Fatalf("watched = %v, want only the existing file", r.Paths())
	}
	r.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if err := os.WriteFile(path, []byte(allowCreates), 0644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for srv.Engine().Policy().Version != "allow-1" {
		if time.Now().After(deadline) {
			t.Fatalf("policy not reloaded, still %s", srv.Engine().Policy().Version)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMirrorAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		AuditMirrorPath: filepath.Join(dir, "audit.jsonl"),
		SnapshotPath:    filepath.Join(dir, "approvals.json"),
	}
	conn, srv := testServer(t, cfg)
	a := submit(t, conn, notes())
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res := audit.VerifyFile(cfg.AuditMirrorPath)
	if !res.Valid || res.Lines != 2 {
		t.Errorf("mirror verify = %+v", res)
	}

	restored := approval.NewStore(quiet)
	if err := restored.Load(cfg.SnapshotPath); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, ok := restored.Get(a.ID); !ok || got.Status != model.StatusPending {
		t.Errorf("snapshot action = %+v", got)
	}
}

func TestNewRequiresBus(t *testing.T) {
	engine := lifecycle.New(eventstore.NewMemoryStore())
	if _, err := New(context.Background(), Config{Logger: quiet}, engine); err == nil {
		t.Fatal("expected error for engine without bus")
	}
}
