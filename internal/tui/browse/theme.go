// Package browse implements the snapshot browser TUI: every snapshot with its
// age and retention verdict, and an on-demand diff against its predecessor.
package browse

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the browser.
type Theme struct {
	Keep   lipgloss.Style
	Delete lipgloss.Style
	Latest lipgloss.Style
	Error  lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Header lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		Keep:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Delete: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Latest: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")).Bold(true),
		Error:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}
