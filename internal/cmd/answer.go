package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/reqtree/internal/config"
	"github.com/Iron-Ham/reqtree/internal/validation"
)

var answerCmd = &cobra.Command{
	Use:   "answer <session> <node>",
	Short: "Answer clarification questions for a suspended requirement",
	Long: `Answer the questions the service asked about a requirement that is awaiting
input. The service revalidates the requirement with the answers. A "reqtree run"
session still waiting for input (the default, see --wait-input) picks up the
new result from its progress stream.

Examples:
  reqtree answer 3f9a1c2e REQ-004 --answer q1="within 200ms" --answer q2="p99"`,
	Args: cobra.ExactArgs(2),
	RunE: runAnswer,
}

var skipCmd = &cobra.Command{
	Use:   "skip <session> <node> <question>...",
	Short: "Decline clarification questions for a suspended requirement",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runSkip,
}

var answerValues []string

func init() {
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(skipCmd)

	answerCmd.Flags().StringArrayVarP(&answerValues, "answer", "a", nil, "Answer as <question-id>=<text> (repeatable)")
	_ = answerCmd.MarkFlagRequired("answer")
}

func runAnswer(cmd *cobra.Command, args []string) error {
	answers, err := parseAnswers(answerValues)
	if err != nil {
		return err
	}
	return postAnswers(cmd, args[0], args[1], answers)
}

func runSkip(cmd *cobra.Command, args []string) error {
	answers := make([]validation.Answer, 0, len(args)-2)
	for _, q := range args[2:] {
		answers = append(answers, validation.Answer{QuestionID: q, Skipped: true})
	}
	return postAnswers(cmd, args[0], args[1], answers)
}

// parseAnswers splits "<question>=<text>" flag values.
func parseAnswers(values []string) ([]validation.Answer, error) {
	answers := make([]validation.Answer, 0, len(values))
	for _, v := range values {
		id, text, ok := strings.Cut(v, "=")
		id, text = strings.TrimSpace(id), strings.TrimSpace(text)
		if !ok || id == "" || text == "" {
			return nil, fmt.Errorf("invalid answer %q: expected <question-id>=<text>", v)
		}
		answers = append(answers, validation.Answer{QuestionID: id, Answer: text})
	}
	return answers, nil
}

func postAnswers(cmd *cobra.Command, sessionID, nodeID string, answers []validation.Answer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	client := validation.NewClient(cfg.API.BaseURL,
		validation.WithTimeout(cfg.API.RequestTimeout()),
		validation.WithAuthToken(cfg.API.AuthToken),
		validation.WithPaths(cfg.API.ValidatePath, cfg.API.AnswerPath),
	)
	err = client.SubmitAnswers(cmd.Context(), validation.AnswerRequest{
		RequirementID:       nodeID,
		Answers:             answers,
		SessionID:           sessionID,
		TriggerRevalidation: true,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %d answer(s) for %s; revalidation requested\n", len(answers), nodeID)
	return nil
}
