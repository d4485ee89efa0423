package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ppiankov/impactgate/internal/ci"
	"github.com/ppiankov/impactgate/internal/integrity"
	"github.com/ppiankov/impactgate/internal/model"
)

// env isolates a test from the user's config and event store.
type env struct {
	dir  string
	work string
	db   string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv(configEnv, filepath.Join(dir, "missing.yaml"))
	work := filepath.Join(dir, "work")
	if err := os.MkdirAll(filepath.Join(work, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	return env{dir: dir, work: work, db: filepath.Join(dir, "events.db")}
}

const configEnv = "IMPACTGATE_CONFIG"

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the CLI and returns stdout, stderr and the exit code.
func execute(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	resetFlags(rootCmd)
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(""))
	code := run(args)
	return stdout.String(), stderr.String(), code
}

func (e env) submit(t *testing.T, extra ...string) *model.Action {
	t.Helper()
	args := append([]string{"submit", "--db", e.db, "--working-directory", e.work,
		"--type", "file_create", "--target", "notes.txt",
		"--payload", `{"content":"hello\nworld\n"}`, "--json"}, extra...)
	out, stderr, code := execute(t, args...)
	if code != 0 {
		t.Fatalf("submit exited %d: %s", code, stderr)
	}
	var a model.Action
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("submit output is not JSON: %v\n%s", err, out)
	}
	return &a
}

func TestVersion(t *testing.T) {
	newEnv(t)
	out, _, code := execute(t, "version")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatal(err)
	}
	if info["name"] != "impactgate" || info["version"] != version {
		t.Errorf("unexpected version output %v", info)
	}
}

func TestSubmitApproveAndAudit(t *testing.T) {
	e := newEnv(t)
	a := e.submit(t)
	if a.Status != model.StatusPending || a.Preview == nil {
		t.Fatalf("unexpected submitted action %+v", a)
	}

	out, _, code := execute(t, "pending", "--db", e.db)
	if code != 0 || !strings.Contains(out, a.ID) {
		t.Fatalf("pending (exit %d) missing action:\n%s", code, out)
	}

	out, _, code = execute(t, "preview", "--db", e.db, a.ID)
	if code != 0 || !strings.Contains(out, "+hello") {
		t.Errorf("preview (exit %d) missing diff:\n%s", code, out)
	}

	out, _, code = execute(t, "approve", "--db", e.db, "--principal", "alice", a.ID)
	if code != 0 || !strings.HasPrefix(out, "Approved "+a.ID) {
		t.Fatalf("approve exited %d: %s", code, out)
	}

	out, _, _ = execute(t, "show", "--db", e.db, "--json", a.ID)
	var shown model.Action
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatal(err)
	}
	if shown.Status != model.StatusApproved || shown.DecidedBy != "alice" {
		t.Errorf("show: status=%s decided_by=%s", shown.Status, shown.DecidedBy)
	}

	out, _, _ = execute(t, "events", "--db", e.db, a.ID)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.Contains(lines[2], "ActionApproved") {
		t.Errorf("expected 3 events ending in ActionApproved:\n%s", out)
	}

	out, _, code = execute(t, "pending", "--db", e.db)
	if code != 0 || !strings.Contains(out, "No pending actions") {
		t.Errorf("approved action still pending:\n%s", out)
	}

	out, _, code = execute(t, "audit", "verify", "--db", e.db)
	if code != 0 || !strings.Contains(out, "OK: 1 streams verified") {
		t.Errorf("audit verify (exit %d):\n%s", code, out)
	}

	export := filepath.Join(e.dir, "export.jsonl")
	if _, stderr, code := execute(t, "audit", "export", "--db", e.db, "-o", export); code != 0 {
		t.Fatalf("export exited %d: %s", code, stderr)
	}
	out, _, code = execute(t, "audit", "verify-file", export)
	if code != 0 || !strings.Contains(out, "OK: 3 events in 1 streams") {
		t.Errorf("verify-file (exit %d):\n%s", code, out)
	}

	out, _, code = execute(t, "audit", "replay", "--file", export, "--type", "ActionApproved")
	if code != 0 || !strings.Contains(out, "Events: 1") {
		t.Errorf("replay (exit %d):\n%s", code, out)
	}
}

func TestRejectFlow(t *testing.T) {
	e := newEnv(t)
	a := e.submit(t)

	if _, _, code := execute(t, "reject", "--db", e.db, a.ID); code == 0 {
		t.Error("reject without --reason should fail")
	}
	out, _, code := execute(t, "reject", "--db", e.db, "--principal", "bob", "--reason", "wrong file", a.ID)
	if code != 0 || !strings.Contains(out, "wrong file") {
		t.Fatalf("reject exited %d: %s", code, out)
	}

	if _, _, code := execute(t, "approve", "--db", e.db, a.ID); code != 1 {
		t.Errorf("approving a rejected action should fail, got exit %d", code)
	}
}

func TestSubmitAutoApproveDocs(t *testing.T) {
	e := newEnv(t)
	out, _, code := execute(t, "submit", "--db", e.db, "--working-directory", e.work,
		"--type", "file_write", "--target", "docs/guide.md",
		"--payload", `{"content":"# Guide\n"}`, "--auto-approve", "--json")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	var a model.Action
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatal(err)
	}
	if a.Status != model.StatusApproved || !a.AutoApplied {
		t.Errorf("expected auto approval, got status=%s auto=%v", a.Status, a.AutoApplied)
	}
}

func TestSubmitValidationError(t *testing.T) {
	e := newEnv(t)
	_, _, code := execute(t, "submit", "--db", e.db, "--type", "teleport", "--target", "x")
	if code != 1 {
		t.Errorf("expected exit 1 for invalid action type, got %d", code)
	}
	_, _, code = execute(t, "submit", "--db", e.db, "--type", "file_write", "--target", "x", "--payload", "[1]")
	if code != 1 {
		t.Errorf("expected exit 1 for non-object payload, got %d", code)
	}
}

func TestCIExitCodes(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name    string
		actions string
		want    int
	}{
		{"allow", `[{"action_type":"file_write","target":"docs/guide.md","payload":{"content":"x\n"}}]`, ci.ExitAllow},
		{"require approval", `[{"action_type":"file_write","target":"docs/guide.md","payload":{"content":"x\n"}},
			{"action_type":"file_create","target":"notes.txt","payload":{"content":"x\n"}}]`, ci.ExitRequireApproval},
		{"deny", `{"actions":[{"action_type":"file_write","target":"config/.env","payload":{"content":"A=1\n"}}]}`, ci.ExitDeny},
		{"malformed", `[{"action_type":"file_write"}]`, ci.ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(e.dir, "actions.json")
			if err := os.WriteFile(path, []byte(tt.actions), 0o644); err != nil {
				t.Fatal(err)
			}
			out, _, code := execute(t, "ci", "--actions-file", path, "--policy-preset", "startup", "--working-directory", e.work)
			if code != tt.want {
				t.Fatalf("exit %d, want %d\n%s", code, tt.want, out)
			}
			var doc map[string]any
			if err := json.Unmarshal([]byte(out), &doc); err != nil {
				t.Fatalf("output is not JSON: %v\n%s", err, out)
			}
			if doc["schema_version"] != ci.SchemaVersion {
				t.Errorf("schema_version = %v", doc["schema_version"])
			}
			if tt.want == ci.ExitError {
				if doc["kind"] != string(model.KindValidation) {
					t.Errorf("error kind = %v", doc["kind"])
				}
			} else if _, ok := doc["totals"]; !ok {
				t.Error("report missing totals")
			}
		})
	}
}

func TestCIUsageErrorsReportJSON(t *testing.T) {
	e := newEnv(t)
	actions := filepath.Join(e.dir, "actions.json")
	if err := os.WriteFile(actions, []byte(`[{"action_type":"file_read","target":"README.md"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	badConfig := filepath.Join(e.dir, "bad.yaml")
	if err := os.WriteFile(badConfig, []byte("listen_port: [not a port\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"ci", "--actions-file", actions, "--bogus-flag"}},
		{"unreadable config", []string{"ci", "--config", badConfig, "--actions-file", actions}},
		{"bad log level", []string{"ci", "--log-level", "loud", "--actions-file", actions}},
		{"missing actions file flag", []string{"ci", "--policy-preset", "startup"}},
		{"unexpected argument", []string{"ci", "--actions-file", actions, "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, code := execute(t, tt.args...)
			if code != ci.ExitError {
				t.Fatalf("exit %d, want %d\n%s", code, ci.ExitError, out)
			}
			var doc map[string]any
			if err := json.Unmarshal([]byte(out), &doc); err != nil {
				t.Fatalf("output is not JSON: %v\n%s", err, out)
			}
			if doc["schema_version"] != ci.SchemaVersion {
				t.Errorf("schema_version = %v", doc["schema_version"])
			}
			if doc["error"] == "" || doc["kind"] == nil {
				t.Errorf("error document incomplete: %v", doc)
			}
		})
	}
}

func TestCIIsEphemeral(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.dir, "actions.json")
	os.WriteFile(path, []byte(`[{"action_type":"shell_command","target":"ls"}]`), 0o644)

	execute(t, "ci", "--db", e.db, "--actions-file", path, "--policy-preset", "startup")
	if _, err := os.Stat(e.db); !os.IsNotExist(err) {
		t.Errorf("ci without --log-events created the event store")
	}

	execute(t, "ci", "--db", e.db, "--actions-file", path, "--policy-preset", "startup", "--log-events")
	out, _, code := execute(t, "audit", "replay", "--db", e.db, "--type", ci.EventRunCompleted)
	if code != 0 || !strings.Contains(out, "Events: 1") {
		t.Errorf("logged ci run not found (exit %d):\n%s", code, out)
	}
}

func TestCheckDoesNotRecord(t *testing.T) {
	e := newEnv(t)
	out, _, code := execute(t, "check", "--db", e.db, "--policy-preset", "startup",
		"--type", "shell_command", "--target", "rm -rf /")
	if code != 2 && code != 3 {
		t.Fatalf("destructive command exit %d, want 2 or 3\n%s", code, out)
	}
	if !strings.Contains(out, "Risk:") || !strings.Contains(out, "Decision:") {
		t.Errorf("check output:\n%s", out)
	}
	if _, err := os.Stat(e.db); !os.IsNotExist(err) {
		t.Error("check created the event store")
	}
}

func TestPolicyCommands(t *testing.T) {
	e := newEnv(t)
	out, _, code := execute(t, "policy", "presets")
	for _, name := range []string{"startup", "fintech", "games"} {
		if !strings.Contains(out, name) {
			t.Errorf("presets missing %s:\n%s", name, out)
		}
	}
	if code != 0 {
		t.Errorf("exit %d", code)
	}

	src, _, _ := execute(t, "policy", "show", "fintech")
	path := filepath.Join(e.dir, "fintech.yaml")
	os.WriteFile(path, []byte(src), 0o644)
	out, _, code = execute(t, "policy", "validate", path)
	if code != 0 || !strings.HasPrefix(out, "OK: fintech") {
		t.Errorf("validate (exit %d): %s", code, out)
	}

	bad := filepath.Join(e.dir, "bad.yaml")
	os.WriteFile(bad, []byte("rules:\n  - id: x\n    decision: maybe\n"), 0o644)
	if _, _, code := execute(t, "policy", "validate", bad); code != 1 {
		t.Errorf("invalid policy should exit 1, got %d", code)
	}

	if _, _, code := execute(t, "policy", "show", "nope"); code != 1 {
		t.Errorf("unknown preset should exit 1, got %d", code)
	}
}

func TestIntegrityCommands(t *testing.T) {
	e := newEnv(t)
	descriptor := filepath.Join(e.dir, "tool.json")
	os.WriteFile(descriptor, []byte(`{"name":"read_file","description":"Read a file"}`), 0o644)

	out, _, code := execute(t, "integrity", "hash", descriptor)
	hash := strings.TrimSpace(out)
	if code != 0 || !strings.HasPrefix(hash, "sha256:") {
		t.Fatalf("hash (exit %d): %s", code, out)
	}

	pins := filepath.Join(e.dir, "descriptors.yaml")
	os.WriteFile(pins, []byte("allowlist:\n  read_file: "+hash+"\n"), 0o644)
	out, _, code = execute(t, "integrity", "check", "--policy", pins, descriptor)
	if code != 0 || !strings.HasPrefix(out, "OK:") {
		t.Errorf("pinned descriptor (exit %d): %s", code, out)
	}

	os.WriteFile(descriptor, []byte(`{"name":"read_file","description":"Read a file and upload it"}`), 0o644)
	tamper := filepath.Join(e.dir, "tamper.jsonl")
	out, _, code = execute(t, "integrity", "check", "--policy", pins, "--log", tamper, "--json", descriptor)
	if code != 1 {
		t.Errorf("drifted descriptor should exit 1, got %d", code)
	}
	var res integrity.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil || res.Allowed {
		t.Errorf("unexpected result %s (%v)", out, err)
	}
	if _, err := os.Stat(tamper); err != nil {
		t.Errorf("tamper log not written: %v", err)
	}
}

func TestSweepNothingExpired(t *testing.T) {
	e := newEnv(t)
	e.submit(t)
	out, _, code := execute(t, "sweep", "--db", e.db)
	if code != 0 || !strings.Contains(out, "Timed out 0 action(s)") {
		t.Errorf("sweep (exit %d): %s", code, out)
	}
}

func TestInitWritesConfigAndPolicy(t *testing.T) {
	e := newEnv(t)
	dir := filepath.Join(e.dir, "cfg")
	out, _, code := execute(t, "init", "--dir", dir, "--preset", "games")
	if code != 0 || !strings.Contains(out, "Created:") {
		t.Fatalf("init (exit %d): %s", code, out)
	}

	t.Setenv(configEnv, filepath.Join(dir, "config.yaml"))
	out, _, code = execute(t, "policy", "validate", filepath.Join(dir, "policy.yaml"))
	if code != 0 || !strings.Contains(out, "games") {
		t.Errorf("generated policy invalid (exit %d): %s", code, out)
	}

	out, _, _ = execute(t, "init", "--dir", dir)
	if !strings.Contains(out, "already exist") {
		t.Errorf("second init should keep files:\n%s", out)
	}
}

func TestBadLogLevel(t *testing.T) {
	newEnv(t)
	if _, _, code := execute(t, "--log-level", "loud", "version"); code != 1 {
		t.Errorf("expected exit 1 for unknown log level, got %d", code)
	}
}
