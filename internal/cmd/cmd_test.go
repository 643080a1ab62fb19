package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/reqtree/internal/aggregate"
	"github.com/Iron-Ham/reqtree/internal/hitl"
	"github.com/Iron-Ham/reqtree/internal/logging"
	"github.com/Iron-Ham/reqtree/internal/requirement"
	"github.com/Iron-Ham/reqtree/internal/retry"
	"github.com/Iron-Ham/reqtree/internal/validation"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// isolateConfig keeps tests away from the user's config and environment.
func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("REQTREE_STREAM_ENABLED", "false")
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "reqtree" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "reqtree")
	}

	expectedCmds := []string{"run", "answer", "skip", "config", "logs"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestParseAnswers(t *testing.T) {
	tests := []struct {
		name    string
		values  []string
		want    []validation.Answer
		wantErr bool
	}{
		{
			name:   "single",
			values: []string{"q1=within 200ms"},
			want:   []validation.Answer{{QuestionID: "q1", Answer: "within 200ms"}},
		},
		{
			name:   "text containing equals",
			values: []string{"q1=a=b", " q2 = yes "},
			want: []validation.Answer{
				{QuestionID: "q1", Answer: "a=b"},
				{QuestionID: "q2", Answer: "yes"},
			},
		},
		{name: "missing separator", values: []string{"q1"}, wantErr: true},
		{name: "empty text", values: []string{"q1="}, wantErr: true},
		{name: "empty id", values: []string{"=text"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAnswers(tt.values)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseAnswers() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseAnswers() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteSummary_Plain(t *testing.T) {
	result := aggregate.BatchResult{
		Results: []requirement.NodeResult{
			{NodeID: "REQ-001", Passed: true, Score: 0.91, FinalText: "The system shall respond within 200ms."},
			{NodeID: "REQ-002", Passed: false, Score: 0.42, FinalText: "It should be fast."},
		},
		Passed:     1,
		Failed:     1,
		Split:      2,
		NeedsInput: 1,
	}
	pending := []hitl.PendingQuestion{{
		NodeID:    "REQ-002",
		Questions: []hitl.Question{{ID: "q1", Prompt: "How fast?"}},
	}}

	var buf bytes.Buffer
	if err := writeSummary(&buf, newReport("s1", result, pending, nil, false), false); err != nil {
		t.Fatalf("writeSummary() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"Session s1",
		"passed 1  failed 1  split 2  needs input 1",
		"pass rate 50%",
		"PASS  REQ-001      0.91  The system shall respond within 200ms.",
		"FAIL  REQ-002      0.42  It should be fast.",
		"REQ-002 q1: How fast?",
		"reqtree answer s1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain summary should not contain escape sequences")
	}
}

func TestWriteSummary_Cancelled(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSummary(&buf, newReport("s1", aggregate.BatchResult{}, nil, nil, true), false); err != nil {
		t.Fatalf("writeSummary() error = %v", err)
	}
	if !strings.Contains(buf.String(), "Session s1 (cancelled)") {
		t.Errorf("summary should mark cancellation:\n%s", buf.String())
	}
}

func TestWriteSummary_Retries(t *testing.T) {
	retries := retry.NewManager()
	retries.RecordAttempt("REQ-001", 2, errors.New("reset"))
	retries.RecordAttempt("REQ-001", 2, nil)
	retries.RecordAttempt("REQ-002", 2, errors.New("reset"))
	retries.RecordAttempt("REQ-002", 2, errors.New("reset"))
	retries.RecordAttempt("REQ-002", 2, errors.New("bad gateway"))

	r := newReport("s1", aggregate.BatchResult{}, nil, retries, false)
	if r.Retried != 3 || len(r.CallsFailed) != 1 {
		t.Fatalf("report retried/failed = %d/%d, want 3/1", r.Retried, len(r.CallsFailed))
	}

	var buf bytes.Buffer
	if err := writeSummary(&buf, r, false); err != nil {
		t.Fatalf("writeSummary() error = %v", err)
	}
	for _, want := range []string{
		"Validate calls retried 3 time(s), 1 failed:",
		"REQ-002      3 attempt(s)  bad gateway",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, buf.String())
		}
	}
}

// recordingSubmitter captures what the prompt submits.
type recordingSubmitter struct {
	answers map[string][]validation.Answer
	skipped []string
}

func (r *recordingSubmitter) SubmitAnswers(_ context.Context, nodeID string, answers []validation.Answer) error {
	if r.answers == nil {
		r.answers = make(map[string][]validation.Answer)
	}
	r.answers[nodeID] = answers
	return nil
}

func (r *recordingSubmitter) Skip(_ context.Context, nodeID, _ string) error {
	r.skipped = append(r.skipped, nodeID)
	return nil
}

func TestPromptAnswers(t *testing.T) {
	pending := []hitl.PendingQuestion{
		{
			NodeID:      "REQ-001",
			CurrentText: "It should be fast.",
			Questions: []hitl.Question{
				{ID: "q1", Prompt: "How fast?", SuggestedAnswers: []string{"200ms", "1s"}},
				{ID: "q2", Prompt: "Under what load?"},
			},
		},
		{
			NodeID:    "REQ-002",
			Questions: []hitl.Question{{ID: "q1", Prompt: "Which users?"}},
		},
	}

	sub := &recordingSubmitter{}
	var out bytes.Buffer
	in := strings.NewReader("within 200ms\n\n\n")
	if err := promptAnswers(context.Background(), in, &out, sub, pending); err != nil {
		t.Fatalf("promptAnswers() error = %v", err)
	}

	want := map[string][]validation.Answer{
		"REQ-001": {
			{QuestionID: "q1", Answer: "within 200ms"},
			{QuestionID: "q2", Skipped: true},
		},
	}
	if diff := cmp.Diff(want, sub.answers); diff != "" {
		t.Errorf("answers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"REQ-002"}, sub.skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(out.String(), "suggested: 200ms | 1s") {
		t.Errorf("prompt should list suggestions:\n%s", out.String())
	}
}

func TestPromptAnswers_InputEnds(t *testing.T) {
	pending := []hitl.PendingQuestion{{NodeID: "REQ-001", Questions: []hitl.Question{{ID: "q1", Prompt: "How fast?"}}}}

	sub := &recordingSubmitter{}
	err := promptAnswers(context.Background(), strings.NewReader(""), io.Discard, sub, pending)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("promptAnswers() error = %v, want io.ErrUnexpectedEOF", err)
	}
	if len(sub.answers) != 0 || len(sub.skipped) != 0 {
		t.Errorf("nothing should be submitted, got answers %v skipped %v", sub.answers, sub.skipped)
	}
}

func TestWriteEntry_Plain(t *testing.T) {
	e := logging.Entry{
		Time:      time.Date(2026, 1, 2, 15, 4, 5, 6_000_000, time.UTC),
		Level:     "WARN",
		Message:   "depth limit reached",
		SessionID: "s1",
		NodeID:    "R1.1",
		Attrs:     map[string]any{"max_depth": float64(5), "depth": float64(5)},
	}

	var buf bytes.Buffer
	if err := writeEntry(&buf, e, false); err != nil {
		t.Fatalf("writeEntry() error = %v", err)
	}
	want := "[15:04:05.006] [WARN] depth limit reached session_id=s1 node_id=R1.1 depth=5 max_depth=5\n"
	if buf.String() != want {
		t.Errorf("writeEntry() = %q, want %q", buf.String(), want)
	}
}

func TestLoadEnvFile(t *testing.T) {
	const key = "REQTREE_TEST_DOTENV_VALUE"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("loadEnvFile(missing) error = %v, want nil", err)
	}
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile() error = %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Errorf("%s = %q, want %q", key, got, "from-file")
	}
}

func TestRunCommand_JSON(t *testing.T) {
	isolateConfig(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/validate" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"final_score":0.9,"passed":true,"final_text":"fixed","total_fixes":1}`))
	}))
	defer srv.Close()
	t.Setenv("REQTREE_API_BASE_URL", srv.URL)

	queue := filepath.Join(t.TempDir(), "queue.yaml")
	doc := `requirements:
  - id: REQ-001
    text: The system shall be fast.
    tag: perf
  - id: REQ-002
    text: The system shall be secure.
    tag: security-auth
  - id: REQ-003
    text: Passwords shall be hashed.
    tag: security-storage
`
	if err := os.WriteFile(queue, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	output, err := executeCommand(rootCmd, "run", queue, "--json", "--session", "t1", "--tags", "security-*")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, output)
	}

	var got report
	if err := sonic.UnmarshalString(output, &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if got.SessionID != "t1" || got.Cancelled {
		t.Errorf("report = %+v, want session t1 not cancelled", got)
	}
	if got.Result.Passed != 2 || got.Result.Failed != 0 {
		t.Errorf("passed/failed = %d/%d, want 2/0", got.Result.Passed, got.Result.Failed)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("validate calls = %d, want 2", n)
	}
}

func TestAnswerCommand(t *testing.T) {
	isolateConfig(t)

	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/clarification/answer" {
			http.NotFound(w, r)
			return
		}
		var req validation.AnswerRequest
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		_ = sonic.Unmarshal(buf.Bytes(), &req)
		body.Store(req)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	t.Setenv("REQTREE_API_BASE_URL", srv.URL)

	output, err := executeCommand(rootCmd, "skip", "s1", "REQ-004", "q1", "q2")
	if err != nil {
		t.Fatalf("skip failed: %v\n%s", err, output)
	}

	got, _ := body.Load().(validation.AnswerRequest)
	want := validation.AnswerRequest{
		RequirementID: "REQ-004",
		SessionID:     "s1",
		Answers: []validation.Answer{
			{QuestionID: "q1", Skipped: true},
			{QuestionID: "q2", Skipped: true},
		},
		TriggerRevalidation: true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("answer request mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(output, "Submitted 2 answer(s) for REQ-004") {
		t.Errorf("unexpected output: %q", output)
	}
}
