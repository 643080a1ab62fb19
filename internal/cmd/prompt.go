package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Iron-Ham/reqtree/internal/hitl"
	"github.com/Iron-Ham/reqtree/internal/validation"
)

// answerSubmitter is the part of the orchestrator the prompt drives.
type answerSubmitter interface {
	SubmitAnswers(ctx context.Context, nodeID string, answers []validation.Answer) error
	Skip(ctx context.Context, nodeID, questionID string) error
}

// promptAnswers asks every pending question on w and reads one answer per
// line from r. An empty line skips the question; a node whose questions are
// all skipped is skipped as a whole.
func promptAnswers(ctx context.Context, r io.Reader, w io.Writer, sub answerSubmitter, pending []hitl.PendingQuestion) error {
	scanner := bufio.NewScanner(r)

	for _, p := range pending {
		fmt.Fprintf(w, "\n%s: %s\n", p.NodeID, p.CurrentText)

		answers := make([]validation.Answer, 0, len(p.Questions))
		answered := 0
		for _, q := range p.Questions {
			fmt.Fprintf(w, "  %s %s\n", q.ID, q.Prompt)
			if len(q.SuggestedAnswers) > 0 {
				fmt.Fprintf(w, "    suggested: %s\n", strings.Join(q.SuggestedAnswers, " | "))
			}
			fmt.Fprint(w, "  > ")

			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return err
				}
				return io.ErrUnexpectedEOF
			}
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				answers = append(answers, validation.Answer{QuestionID: q.ID, Skipped: true})
				continue
			}
			answers = append(answers, validation.Answer{QuestionID: q.ID, Answer: text})
			answered++
		}

		var err error
		if answered == 0 {
			err = sub.Skip(ctx, p.NodeID, "")
		} else {
			err = sub.SubmitAnswers(ctx, p.NodeID, answers)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  submitted %d answer(s) for %s\n", answered, p.NodeID)
	}
	return nil
}
