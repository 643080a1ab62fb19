package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/reqtree/internal/aggregate"
	"github.com/Iron-Ham/reqtree/internal/hitl"
	"github.com/Iron-Ham/reqtree/internal/retry"
	"github.com/Iron-Ham/reqtree/internal/util"
)

var (
	passColor  = lipgloss.Color("#10B981")
	failColor  = lipgloss.Color("#F87171")
	warnColor  = lipgloss.Color("#F59E0B")
	mutedColor = lipgloss.Color("#9CA3AF")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	passStyle  = lipgloss.NewStyle().Foreground(passColor)
	failStyle  = lipgloss.NewStyle().Foreground(failColor)
	warnStyle  = lipgloss.NewStyle().Foreground(warnColor)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#6B7280")).
			Padding(0, 1)
)

// maxTextWidth truncates requirement text in the summary table.
const maxTextWidth = 72

// report is what run prints once a session ends.
type report struct {
	SessionID   string                 `json:"session_id"`
	Cancelled   bool                   `json:"cancelled"`
	PassRate    float64                `json:"pass_rate"`
	Result      aggregate.BatchResult  `json:"result"`
	Pending     []hitl.PendingQuestion `json:"pending,omitempty"`
	Retried     int                    `json:"retried,omitempty"`
	CallsFailed []retry.NodeState      `json:"calls_failed,omitempty"`
}

// newReport builds the report. retries may be nil.
func newReport(sessionID string, result aggregate.BatchResult, pending []hitl.PendingQuestion, retries *retry.Manager, cancelled bool) report {
	r := report{
		SessionID: sessionID,
		Cancelled: cancelled,
		PassRate:  result.PassRate(),
		Result:    result,
		Pending:   pending,
	}
	if retries != nil {
		r.Retried = retries.Retried()
		r.CallsFailed = retries.Failed()
	}
	return r
}

func writeJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// writeSummary prints a human-readable report. Styling is only applied when
// styled is true.
func writeSummary(w io.Writer, r report, styled bool) error {
	render := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	var sb strings.Builder

	header := fmt.Sprintf("Session %s", r.SessionID)
	if r.Cancelled {
		header += " (cancelled)"
	}
	sb.WriteString(render(titleStyle, header))
	sb.WriteString("\n")

	res := r.Result
	sb.WriteString(fmt.Sprintf("%s  %s  %s  %s\n",
		render(passStyle, fmt.Sprintf("passed %d", res.Passed)),
		render(failStyle, fmt.Sprintf("failed %d", res.Failed)),
		render(mutedStyle, fmt.Sprintf("split %d", res.Split)),
		render(warnStyle, fmt.Sprintf("needs input %d", res.NeedsInput)),
	))
	sb.WriteString(fmt.Sprintf("pass rate %.0f%%\n", r.PassRate*100))

	if len(res.Results) > 0 {
		sb.WriteString("\n")
		for _, nr := range res.Results {
			mark := render(passStyle, "PASS")
			if !nr.Passed {
				mark = render(failStyle, "FAIL")
			}
			sb.WriteString(fmt.Sprintf("%s  %-12s %.2f  %s\n", mark, nr.NodeID, nr.Score, util.Excerpt(nr.FinalText, maxTextWidth)))
		}
	}

	if len(r.CallsFailed) > 0 || r.Retried > 0 {
		sb.WriteString("\n")
		sb.WriteString(render(warnStyle, fmt.Sprintf("Validate calls retried %d time(s), %d failed:", r.Retried, len(r.CallsFailed))))
		sb.WriteString("\n")
		for _, st := range r.CallsFailed {
			sb.WriteString(fmt.Sprintf("  %-12s %d attempt(s)  %s\n", st.NodeID, st.Attempts, util.Excerpt(st.LastError, maxTextWidth)))
		}
	}

	if len(r.Pending) > 0 {
		sb.WriteString("\n")
		sb.WriteString(render(warnStyle, "Awaiting input:"))
		sb.WriteString("\n")
		for _, p := range r.Pending {
			for _, q := range p.Questions {
				sb.WriteString(fmt.Sprintf("  %s %s: %s\n", p.NodeID, q.ID, q.Prompt))
			}
		}
		sb.WriteString(render(mutedStyle, fmt.Sprintf("Answer with: reqtree answer %s <node> --answer <question>=<text>", r.SessionID)))
		sb.WriteString("\n")
	}

	out := sb.String()
	if styled {
		out = boxStyle.Render(strings.TrimRight(out, "\n")) + "\n"
	}
	_, err := io.WriteString(w, out)
	return err
}
