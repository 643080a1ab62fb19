package cmd

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/reqtree/internal/config"
	"github.com/Iron-Ham/reqtree/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View validation logs",
	Long: `View and filter the JSON log written when logging.enabled is true.

Examples:
  # Show the last 50 entries
  reqtree logs

  # Warnings and errors for one session
  reqtree logs -s 3f9a1c2e --level warn

  # Everything about one requirement in the last hour
  reqtree logs --node REQ-004 --since 1h -n 0`,
	RunE: runLogs,
}

var (
	logsSessionID string
	logsNodeID    string
	logsTail      int
	logsLevel     string
	logsSince     string
	logsGrep      string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsSessionID, "session", "s", "", "Only show entries for this session")
	logsCmd.Flags().StringVar(&logsNodeID, "node", "", "Only show entries for this requirement")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only show entries whose message contains this text")
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	entries, err := logging.ReadLogDir(cfg.Logging.ResolveDir())
	if err != nil {
		return err
	}

	filter := logging.Filter{
		Level:           logsLevel,
		SessionID:       logsSessionID,
		NodeID:          logsNodeID,
		MessageContains: logsGrep,
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}

	entries = logging.FilterEntries(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}

	styled := isTerminal(cmd.OutOrStdout())
	for _, e := range entries {
		if err := writeEntry(cmd.OutOrStdout(), e, styled); err != nil {
			return err
		}
	}
	return nil
}

func levelStyle(level string) lipgloss.Style {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return mutedStyle
	case logging.LevelWarn:
		return warnStyle
	case logging.LevelError:
		return failStyle
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA"))
	}
}

// writeEntry prints one entry as "[time] [LEVEL] msg key=value ...".
func writeEntry(w io.Writer, e logging.Entry, styled bool) error {
	render := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	var sb strings.Builder
	sb.WriteString(render(mutedStyle, "["+e.Time.Format("15:04:05.000")+"]"))
	sb.WriteString(" ")
	sb.WriteString(render(levelStyle(e.Level), "["+strings.ToUpper(e.Level)+"]"))
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	fields := []struct{ key, value string }{
		{"session_id", e.SessionID},
		{"node_id", e.NodeID},
		{"phase", e.Phase},
	}
	for _, f := range fields {
		if f.value != "" {
			sb.WriteString(" " + render(mutedStyle, f.key+"=") + f.value)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
		sb.WriteString(fmt.Sprintf(" %s%v", render(mutedStyle, k+"="), e.Attrs[k]))
	}
	sb.WriteString("\n")

	_, err := io.WriteString(w, sb.String())
	return err
}
