package browse

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/timemachine/internal/retention"
	"github.com/mattjoyce/timemachine/internal/snapshot"
)

// DiffFunc compares two snapshot directories.
type DiffFunc func(ctx context.Context, oldDir, newDir string) (*snapshot.DiffReport, error)

type diffMsg struct {
	name   string
	report *snapshot.DiffReport
	err    error
}

// Model is the BubbleTea model for the snapshot browser.
type Model struct {
	root   string
	latest string
	plan   retention.Plan
	diff   DiffFunc

	width  int
	height int

	table table.Model
	theme Theme

	// Diff results by the newer snapshot's name.
	diffs   map[string]*snapshot.DiffReport
	pending string
	lastErr string
}

// New creates a browser over plan. latest is the snapshot the latest pointer
// targets, or "".
func New(root string, plan retention.Plan, latest string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "", Width: 1},
			{Title: "Snapshot", Width: 24},
			{Title: "Age", Width: 16},
			{Title: "Verdict", Width: 7},
			{Title: "Reasons", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	m := &Model{
		root:   root,
		latest: latest,
		plan:   plan,
		diff:   snapshot.Diff,
		table:  t,
		theme:  NewDefaultTheme(),
		diffs:  make(map[string]*snapshot.DiffReport),
	}
	m.table.SetRows(m.rows())
	return m
}

// WithDiff replaces the diff function. Used by tests.
func (m *Model) WithDiff(fn DiffFunc) *Model {
	m.diff = fn
	return m
}

// rows lists snapshots newest first.
func (m *Model) rows() []table.Row {
	n := len(m.plan.Decisions)
	rows := make([]table.Row, 0, n)
	for i := n - 1; i >= 0; i-- {
		d := m.plan.Decisions[i]
		mark := ""
		if d.Snapshot.Name == m.latest {
			mark = "*"
		}
		verdict := "delete"
		if d.Keep {
			verdict = "keep"
		}
		rows = append(rows, table.Row{
			mark,
			d.Snapshot.Name,
			humanize.RelTime(d.Snapshot.Timestamp, m.plan.Now, "ago", "from now"),
			verdict,
			strings.Join(d.Reasons, ", "),
		})
	}
	return rows
}

// selected returns the decision under the cursor and its index in the plan.
func (m Model) selected() (retention.Decision, int, bool) {
	n := len(m.plan.Decisions)
	c := m.table.Cursor()
	if n == 0 || c < 0 || c >= n {
		return retention.Decision{}, -1, false
	}
	i := n - 1 - c
	return m.plan.Decisions[i], i, true
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "enter", "d":
			return m, m.requestDiff()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		if h := m.height - 12; h > 3 {
			m.table.SetHeight(h)
		}

	case diffMsg:
		if msg.name == m.pending {
			m.pending = ""
		}
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("diff %s: %v", msg.name, msg.err)
			return m, nil
		}
		m.lastErr = ""
		m.diffs[msg.name] = msg.report
		return m, nil
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// requestDiff starts comparing the selected snapshot with the one before it.
func (m *Model) requestDiff() tea.Cmd {
	d, i, ok := m.selected()
	if !ok {
		return nil
	}
	if i == 0 {
		m.lastErr = fmt.Sprintf("%s is the oldest snapshot, nothing to compare", d.Snapshot.Name)
		return nil
	}
	if _, done := m.diffs[d.Snapshot.Name]; done || m.pending != "" {
		return nil
	}
	prev := m.plan.Decisions[i-1].Snapshot
	m.pending = d.Snapshot.Name
	m.lastErr = ""

	diff := m.diff
	name := d.Snapshot.Name
	oldDir, newDir := prev.Path, d.Snapshot.Path
	return func() tea.Msg {
		report, err := diff(context.Background(), oldDir, newDir)
		return diffMsg{name: name, report: report, err: err}
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading snapshots..."
	}

	body := borderStyle(m).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Snapshots"),
			m.table.View(),
		),
	)

	parts := []string{m.renderHeader(), body, m.renderDetail()}
	if m.lastErr != "" {
		parts = append(parts, m.theme.Error.Render(" ⚠ "+m.lastErr))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Navigate • [enter] Diff with previous"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func borderStyle(m Model) lipgloss.Style {
	return m.theme.Border.Width(m.width - 4)
}

func (m Model) renderHeader() string {
	kept := len(m.plan.Kept())
	deleted := len(m.plan.Decisions) - kept
	latest := m.latest
	if latest == "" {
		latest = "none"
	}
	line := fmt.Sprintf("%s  %d snapshots  %s  %s  latest: %s",
		m.theme.Header.Render(m.root),
		len(m.plan.Decisions),
		m.theme.Keep.Render(fmt.Sprintf("%d keep", kept)),
		m.theme.Delete.Render(fmt.Sprintf("%d delete", deleted)),
		m.theme.Latest.Render(latest),
	)
	return borderStyle(m).Render(line)
}

func (m Model) renderDetail() string {
	d, _, ok := m.selected()
	if !ok {
		return m.theme.Dim.Render("  No snapshots.")
	}

	verdict := m.theme.Delete.Render("would be deleted")
	if d.Keep {
		verdict = m.theme.Keep.Render("kept: " + strings.Join(d.Reasons, ", "))
	}
	lines := []string{fmt.Sprintf("  %s  %s  %s", d.Snapshot.Name, d.Snapshot.Timestamp.Format("Mon 2006-01-02 15:04:05 MST"), verdict)}

	switch report, done := m.diffs[d.Snapshot.Name]; {
	case done:
		lines = append(lines, fmt.Sprintf("  vs previous: %d added (%s), %d removed (%s)",
			len(report.Added), humanize.IBytes(uint64(report.AddedBytes)),
			len(report.Removed), humanize.IBytes(uint64(report.RemovedBytes))))
	case m.pending == d.Snapshot.Name:
		lines = append(lines, m.theme.Dim.Render("  comparing with previous snapshot..."))
	}
	return strings.Join(lines, "\n")
}

// Run starts the browser on the terminal and blocks until it exits.
func Run(m *Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
