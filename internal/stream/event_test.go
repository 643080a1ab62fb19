package stream

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Iron-Ham/reqtree/internal/requirement"
)

func TestDecode_AllKinds(t *testing.T) {
	tests := []struct {
		name string
		f    frame
		want any
	}{
		{
			name: "connected",
			f:    frame{event: "connected", data: `{"session_id":"s9"}`},
			want: &ConnectedPayload{SessionID: "s9"},
		},
		{
			name: "updated",
			f:    frame{event: "requirement_updated", data: `{"requirement_id":"R","criterion":"atomicity","old_text":"a","new_text":"b","score_before":0.5,"score_after":0.75}`},
			want: &UpdatedPayload{RequirementID: "R", Criterion: "atomicity", OldText: "a", NewText: "b", ScoreBefore: 0.5, ScoreAfter: 0.75},
		},
		{
			name: "split with ids",
			f:    frame{event: "requirement_split", data: `{"requirement_id":"R","new_requirement_ids":["R.1","R.2"]}`},
			want: &SplitPayload{RequirementID: "R", NewRequirementIDs: []string{"R.1", "R.2"}},
		},
		{
			name: "split with count",
			f:    frame{event: "requirement_split", data: `{"requirement_id":"R","child_count":3}`},
			want: &SplitPayload{RequirementID: "R", ChildCount: 3},
		},
		{
			name: "completed",
			f:    frame{event: "validation_complete", data: `{"requirement_id":"R","final_score":0.9,"passed":true,"final_text":"t","total_fixes":2,"split_occurred":false}`},
			want: &CompletedPayload{RequirementID: "R", FinalScore: 0.9, Passed: true, FinalText: "t", TotalFixes: 2},
		},
		{
			name: "error",
			f:    frame{event: "validation_error", data: `{"requirement_id":"R","error":"timeout"}`},
			want: &ErrorPayload{RequirementID: "R", Error: "timeout"},
		},
		{
			name: "needs input",
			f: frame{event: "needs_user_input", data: `{"requirement_id":"R","current_text":"t","questions":[{"id":"q1","question":"How fast?","suggested_answers":["1s"],"criterion":"measurability"}],"failing_criteria":["measurability"],"current_scores":{"measurability":0.3}}`},
			want: &NeedsInputPayload{
				RequirementID:   "R",
				CurrentText:     "t",
				Questions:       []QuestionPayload{{ID: "q1", Question: "How fast?", SuggestedAnswers: []string{"1s"}, Criterion: "measurability"}},
				FailingCriteria: []string{"measurability"},
				CurrentScores:   map[string]float64{"measurability": 0.3},
			},
		},
		{
			name: "revalidation",
			f:    frame{event: "revalidation_complete", data: `{"requirement_id":"R","score":0.82,"passed":true,"final_text":"t2","evaluation":[{"criterion":"clarity","score":0.9,"passed":true}]}`},
			want: &RevalidationPayload{RequirementID: "R", Score: 0.82, Passed: true, FinalText: "t2", Evaluation: []EvaluationPayload{{Criterion: "clarity", Score: 0.9, Passed: true}}},
		},
		{
			name: "type field when unnamed",
			f:    frame{event: "message", data: `{"type":"validation_error","requirement_id":"R","error":"x"}`},
			want: &ErrorPayload{RequirementID: "R", Error: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := decode(tt.f, "default-session")
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, e.Payload); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
			if e.Kind != KindConnected && e.NodeID != "R" {
				t.Errorf("NodeID = %q, want R", e.NodeID)
			}
			if e.SessionID == "" {
				t.Error("SessionID should fall back to the subscription session")
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		f    frame
	}{
		{"invalid json", frame{event: "validation_error", data: "{"}},
		{"no type", frame{data: `{"requirement_id":"R"}`}},
		{"unknown kind", frame{event: "heartbeat", data: `{}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decode(tt.f, "s"); err == nil {
				t.Error("decode should fail")
			}
		})
	}
}

func TestPayloadResults(t *testing.T) {
	c := &CompletedPayload{RequirementID: "R", FinalScore: 0.8, Passed: true, FinalText: "t", TotalFixes: 1}
	want := requirement.NodeResult{NodeID: "R", Passed: true, Score: 0.8, FinalText: "t", FixCount: 1}
	if diff := cmp.Diff(want, c.Result()); diff != "" {
		t.Errorf("CompletedPayload.Result() mismatch (-want +got):\n%s", diff)
	}

	r := &RevalidationPayload{RequirementID: "R", Score: 0.4, FinalText: "u"}
	if got := r.Result(); got.NodeID != "R" || got.Passed || got.Score != 0.4 {
		t.Errorf("RevalidationPayload.Result() = %+v", got)
	}

	s := &SplitPayload{ChildCount: 2}
	if s.Children() != 2 {
		t.Errorf("Children() = %d, want 2", s.Children())
	}
	s.NewRequirementIDs = []string{"a", "b", "c"}
	if s.Children() != 3 {
		t.Errorf("Children() = %d, want 3", s.Children())
	}
}

func TestReadFrames(t *testing.T) {
	input := strings.Join([]string{
		": keep-alive",
		"event: requirement_updated",
		"id: 1",
		"data: {\"a\":",
		"data: 1}",
		"",
		"data: {\"b\":2}",
		"",
		"",
		"event: ignored-without-data",
		"",
		"event: tail",
		"data: {\"incomplete\":true}",
	}, "\r\n")

	var got []frame
	err := readFrames(strings.NewReader(input), func(f frame) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("readFrames failed: %v", err)
	}

	want := []frame{
		{event: "requirement_updated", id: "1", data: "{\"a\":\n1}"},
		{data: "{\"b\":2}"},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(frame{})); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestDeduper(t *testing.T) {
	d := NewDeduper()
	completed := Event{Kind: KindCompleted, SessionID: "s", NodeID: "R", Data: `{"x":1}`}
	withID := Event{Kind: KindUpdated, SessionID: "s", NodeID: "R", ID: "7", Data: `{"x":1}`}

	if !d.First(completed) {
		t.Error("first delivery should pass")
	}
	if d.First(completed) {
		t.Error("redelivery should be filtered")
	}
	if !d.First(withID) {
		t.Error("different kind should pass")
	}
	withID.Data = `{"x":2}`
	if d.First(withID) {
		t.Error("same server id should be filtered regardless of data")
	}

	other := completed
	other.SessionID = "s2"
	if !d.First(other) {
		t.Error("different session should pass")
	}

	d.Forget("R", KindUpdated)
	if d.Len() != 2 {
		t.Errorf("Len() after Forget(KindUpdated) = %d, want 2", d.Len())
	}
	if d.First(completed) {
		t.Error("kind-scoped Forget should keep other kinds")
	}

	d.Forget("R")
	if d.Len() != 0 {
		t.Errorf("Len() after Forget = %d, want 0", d.Len())
	}
	if !d.First(completed) {
		t.Error("forgotten event should pass again")
	}
}
