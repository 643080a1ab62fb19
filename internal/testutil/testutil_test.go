package testutil

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Iron-Ham/reqtree/internal/requirement"
	"github.com/Iron-Ham/reqtree/internal/validation"
)

func TestService_Validate(t *testing.T) {
	svc := NewService()
	svc.Set("R1", 0.4, "a", "b")
	svc.Set("R2", 0.8)

	tests := []struct {
		id         string
		wantPassed bool
		wantSplit  bool
		wantScore  float64
	}{
		{id: "R1", wantPassed: false, wantSplit: true, wantScore: 0.4},
		{id: "R2", wantPassed: true, wantScore: 0.8},
		{id: "R3", wantPassed: true, wantScore: 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := svc.Validate(context.Background(), requirement.NewRoot(tt.id, "text", ""), "s1", 0.7, 3)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got.Passed != tt.wantPassed || got.IsSplit() != tt.wantSplit || got.Score != tt.wantScore {
				t.Errorf("Validate(%s) = %+v", tt.id, got)
			}
		})
	}

	if diff := cmp.Diff([]string{"R1", "R2", "R3"}, svc.Calls()); diff != "" {
		t.Errorf("Calls() mismatch (-want +got):\n%s", diff)
	}
}

func TestService_ResultIsolation(t *testing.T) {
	svc := NewService()
	svc.Set("R1", 0.4, "a", "b")

	first, _ := svc.Validate(context.Background(), requirement.NewRoot("R1", "t", ""), "s1", 0.7, 3)
	first.SplitChildTexts[0] = "mutated"

	second, _ := svc.Validate(context.Background(), requirement.NewRoot("R1", "t", ""), "s1", 0.7, 3)
	if second.SplitChildTexts[0] != "a" {
		t.Errorf("scripted result was mutated through a returned copy: %q", second.SplitChildTexts[0])
	}
}

func TestService_Answers(t *testing.T) {
	svc := NewService()
	req := validation.AnswerRequest{RequirementID: "R1", SessionID: "s1", TriggerRevalidation: true}
	if err := svc.SubmitAnswers(context.Background(), req); err != nil {
		t.Fatalf("SubmitAnswers() error = %v", err)
	}
	if diff := cmp.Diff([]validation.AnswerRequest{req}, svc.Answers()); diff != "" {
		t.Errorf("Answers() mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue(t *testing.T) {
	got := Queue("A", "B")
	if len(got) != 2 || got[0].ID != "A" || got[1].Text != "requirement B" || !got[1].IsRoot() {
		t.Errorf("Queue() = %+v", got)
	}
}
