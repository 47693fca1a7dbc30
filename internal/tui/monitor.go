// Package tui renders a job monitor in the terminal
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/monitor"
	"github.com/dandantas/dcm/internal/report"
)

const (
	sidebarWidth = 34
	abortTimeout = 30 * time.Second
)

var (
	accentPrimary = lipgloss.Color("#50E3C2")
	mutedText     = lipgloss.Color("#8CA1AE")
	successText   = lipgloss.Color("#7BD88F")
	runningText   = lipgloss.Color("#F6AE2D")
	warningText   = lipgloss.Color("#FF6B6B")
	panelBorder   = lipgloss.Color("#2D6A80")
)

var (
	headerStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true).
			Foreground(accentPrimary)

	subHeaderStyle = lipgloss.NewStyle().
			Foreground(mutedText)

	errorStyle = lipgloss.NewStyle().
			Foreground(warningText).
			Bold(true)

	activeStyle = lipgloss.NewStyle().
			Foreground(accentPrimary).
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(panelBorder).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedText)
)

var statusStyles = map[report.Status]lipgloss.Style{
	report.StatusSuccess: lipgloss.NewStyle().Foreground(successText),
	report.StatusFailure: lipgloss.NewStyle().Foreground(warningText),
	report.StatusRunning: lipgloss.NewStyle().Foreground(runningText),
}

var statusGlyphs = map[report.Status]string{
	report.StatusSuccess: "✔",
	report.StatusFailure: "✘",
	report.StatusRunning: "●",
	report.StatusWaiting: "○",
	report.StatusPending: "○",
}

func glyph(s report.Status) string {
	g, ok := statusGlyphs[s]
	if !ok {
		g = "?"
	}
	if style, ok := statusStyles[s]; ok {
		return style.Render(g)
	}
	return subHeaderStyle.Render(g)
}

type changedMsg struct{}

type scrollMsg struct {
	bottom bool
}

type abortDoneMsg struct{}

// bridge turns controller callbacks, which arrive on polling goroutines,
// into messages for the program. Bursts are coalesced.
type bridge struct {
	changes chan struct{}
	scrolls chan bool
}

func newBridge() *bridge {
	return &bridge{
		changes: make(chan struct{}, 1),
		scrolls: make(chan bool, 1),
	}
}

func (b *bridge) notify() {
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

func (b *bridge) scroll(bottom bool) {
	for {
		select {
		case b.scrolls <- bottom:
			return
		default:
		}
		select {
		case <-b.scrolls:
		default:
		}
	}
}

func (b *bridge) ScrollToBottom() { b.scroll(true) }
func (b *bridge) ScrollToTop()    { b.scroll(false) }

func (b *bridge) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-b.changes:
			return changedMsg{}
		case bottom := <-b.scrolls:
			return scrollMsg{bottom: bottom}
		}
	}
}

// Model is the bubbletea model of the terminal monitor
type Model struct {
	ctrl   *monitor.Controller
	bridge *bridge

	logs     viewport.Model
	width    int
	height   int
	ready    bool
	cursor   int
	snapshot monitor.Snapshot
}

// NewModel creates a model over ctrl and routes its callbacks to the model
func NewModel(ctrl *monitor.Controller) Model {
	b := newBridge()
	ctrl.SetScroller(b)
	ctrl.OnChange(b.notify)

	logs := viewport.New(60, 20)
	logs.SetContent("Waiting for job info...")

	return Model{
		ctrl:     ctrl,
		bridge:   b,
		logs:     logs,
		snapshot: ctrl.Snapshot(),
	}
}

// Run shows the job of token until the user quits
func Run(ctrl *monitor.Controller, token string) error {
	m := NewModel(ctrl)
	ctrl.Show(token)
	defer ctrl.Hide()

	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return fmt.Errorf("terminal monitor failed: %w", err)
	}
	return nil
}

func (m Model) Init() tea.Cmd {
	return m.bridge.wait()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.logs.Width = max(20, msg.Width-sidebarWidth-6)
		m.logs.Height = max(5, msg.Height-8)
		m.ready = true
		m.refresh()
		return m, nil

	case changedMsg:
		m.refresh()
		return m, m.bridge.wait()

	case scrollMsg:
		m.refresh()
		if msg.bottom {
			m.logs.GotoBottom()
		} else {
			m.logs.GotoTop()
		}
		return m, m.bridge.wait()

	case abortDoneMsg:
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.ctrl.Hide()
			return m, tea.Quit
		case "a":
			m.ctrl.ToggleAutoScroll()
			m.refresh()
			return m, nil
		case "x":
			if !m.snapshot.CanAbort {
				return m, nil
			}
			return m, abortCmd(m.ctrl)
		case "up", "k":
			m.selectAt(m.cursor - 1)
			return m, nil
		case "down", "j":
			m.selectAt(m.cursor + 1)
			return m, nil
		case "[", "]":
			if b := m.snapshot.Batch; b != nil {
				step := 1
				if msg.String() == "[" {
					step = -1
				}
				m.ctrl.SelectBatch(b.Index + step)
				m.refresh()
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.logs, cmd = m.logs.Update(msg)
	return m, cmd
}

func abortCmd(ctrl *monitor.Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		ctrl.Abort(ctx)
		return abortDoneMsg{}
	}
}

// selectAt moves the cursor and shows the selected sidebar item
func (m *Model) selectAt(i int) {
	items := m.snapshot.View.Sidebar
	if len(items) == 0 {
		return
	}
	i = max(0, min(len(items)-1, i))
	m.cursor = i

	item := items[i]
	switch item.Kind {
	case monitor.ItemJob:
		m.ctrl.SelectJob()
	case monitor.ItemImport:
		m.ctrl.SelectImport()
	case monitor.ItemRecord:
		m.ctrl.SelectRecord(item.ID)
	}
	m.refresh()
}

// refresh takes a new snapshot and rebuilds the log pane
func (m *Model) refresh() {
	m.snapshot = m.ctrl.Snapshot()
	for i, item := range m.snapshot.View.Sidebar {
		if item.Active {
			m.cursor = i
		}
	}
	m.logs.SetContent(RenderTimeline(m.snapshot.View.Timeline))
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := m.renderHeader()
	sidebar := panelStyle.Width(sidebarWidth).Height(m.logs.Height).Render(RenderSidebar(m.snapshot.View.Sidebar))
	logs := panelStyle.Render(m.logs.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, logs)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.renderFooter())
}

func (m Model) renderHeader() string {
	s := m.snapshot
	title := headerStyle.Render("Job " + s.Token)

	status := fmt.Sprintf("%s %s", glyph(s.View.JobStatus), s.View.JobStatus)
	details := []string{status, "polling: " + string(s.State)}
	if s.Job != nil && s.Job.DatetimeStarted != "" {
		details = append(details, "started "+s.Job.DatetimeStarted)
	}
	if s.Batch != nil {
		details = append(details, fmt.Sprintf("batch %d/%d", s.Batch.Index+1, s.Batch.Count))
	}
	if s.AutoScroll {
		details = append(details, "auto-scroll on")
	} else {
		details = append(details, "auto-scroll off")
	}
	if s.Aborting {
		details = append(details, "aborting...")
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, subHeaderStyle.Render(strings.Join(details, " · ")))
}

func (m Model) renderFooter() string {
	var lines []string
	for _, msg := range m.snapshot.Messages {
		lines = append(lines, errorStyle.Render(msg.Text))
	}
	keys := []string{"↑/↓ select"}
	if m.snapshot.Batch != nil {
		keys = append(keys, "[/] batch")
	}
	keys = append(keys, "a auto-scroll")
	if m.snapshot.CanAbort {
		keys = append(keys, "x abort")
	}
	help := strings.Join(append(keys, "q quit"), " · ")
	lines = append(lines, helpStyle.Render(help))
	return strings.Join(lines, "\n")
}

// RenderSidebar lists the job, import and record entries
func RenderSidebar(items []monitor.SidebarItem) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		label := item.Label
		if item.Active {
			label = activeStyle.Render("> " + label)
		} else {
			label = "  " + label
		}
		fmt.Fprintf(&b, "%s %s", glyph(item.Status), label)
		if item.Subtext != "" {
			fmt.Fprintf(&b, "\n    %s", subHeaderStyle.Render(item.Subtext))
		}
	}
	return b.String()
}

// RenderTimeline prints the steps of the selected view and their logs
func RenderTimeline(entries []monitor.TimelineEntry) string {
	if len(entries) == 0 {
		return subHeaderStyle.Render("No steps yet.")
	}

	var b strings.Builder
	for i, entry := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s %s", glyph(entry.Status), entry.Title)
		if entry.Detail != "" {
			fmt.Fprintf(&b, " %s", subHeaderStyle.Render(entry.Detail))
		}
		for _, severity := range model.Severities {
			for _, line := range entry.Logs[severity] {
				fmt.Fprintf(&b, "\n  [%s] %s: %s", severity, line.Origin, line.Body)
			}
		}
	}
	return b.String()
}
