// Package util holds small text helpers shared by the CLI renderers.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// OneLine collapses every run of whitespace, newlines included, into a
// single space and trims the ends.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to at most width terminal columns, ending in "..."
// when anything was cut. Escape sequences and wide runes are measured by
// their visible width.
func Truncate(s string, width int) string {
	if width <= len(ellipsis) {
		return ellipsis
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, ellipsis)
}

// Excerpt renders requirement text for a single table cell.
func Excerpt(s string, width int) string {
	return Truncate(OneLine(s), width)
}
