package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"editorial/internal/domain"
)

const defaultPollInterval = time.Second

var (
	titleStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Bold(true)
	labelStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStylePending = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	helpStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

// Snapshot is one observed state of a session.
type Snapshot struct {
	Session domain.Session
	Tasks   []domain.Task
}

// FetchFunc loads the current snapshot when the model polls.
type FetchFunc func() (Snapshot, error)

type snapshotMsg Snapshot

type errMsg struct{ err error }

type pollMsg struct{}

// SnapshotMsg wraps s for tea.Program.Send.
func SnapshotMsg(s Snapshot) tea.Msg { return snapshotMsg(s) }

// ErrMsg wraps a stream failure for tea.Program.Send.
func ErrMsg(err error) tea.Msg { return errMsg{err: err} }

// WatchModel renders the phases of one session until it reaches a terminal
// status. Snapshots arrive either from Send or from polling fetch.
type WatchModel struct {
	fetch    FetchFunc
	interval time.Duration
	snap     Snapshot
	loaded   bool
	err      error
	done     bool
	bar      progress.Model
}

// NewWatch returns a model fed by program.Send.
func NewWatch() WatchModel {
	return WatchModel{bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(30))}
}

// NewPollingWatch returns a model that calls fetch every interval.
func NewPollingWatch(fetch FetchFunc, interval time.Duration) WatchModel {
	m := NewWatch()
	m.fetch = fetch
	m.interval = interval
	if m.interval <= 0 {
		m.interval = defaultPollInterval
	}
	return m
}

func (m WatchModel) Init() tea.Cmd {
	if m.fetch == nil {
		return nil
	}
	return m.fetchCmd()
}

func (m WatchModel) fetchCmd() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		s, err := fetch()
		if err != nil {
			return errMsg{err: err}
		}
		return snapshotMsg(s)
	}
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		width := msg.Width - 40
		if width < 10 {
			width = 10
		}
		if width > 60 {
			width = 60
		}
		m.bar.Width = width
	case snapshotMsg:
		m.snap = Snapshot(msg)
		m.loaded = true
		if m.snap.Session.Status.IsTerminal() {
			m.done = true
			return m, tea.Quit
		}
		if m.fetch != nil {
			return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
		}
	case pollMsg:
		return m, m.fetchCmd()
	case errMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m WatchModel) View() string {
	var b strings.Builder
	if m.err != nil {
		b.WriteString(labelStyleError.Render("error: " + m.err.Error()))
		b.WriteString("\n")
		return b.String()
	}
	if !m.loaded {
		return detailTextStyle.Render("waiting for session...") + "\n"
	}
	s := m.snap.Session
	b.WriteString(titleStyle.Render(s.Topic))
	b.WriteString("  ")
	b.WriteString(statusLabel(s.Status))
	b.WriteString(detailTextStyle.Render(fmt.Sprintf("  %d%%  %s", s.Progress, s.ID)))
	b.WriteString("\n\n")
	for _, t := range m.snap.Tasks {
		fmt.Fprintf(&b, "%-10s %s %s", t.Phase, padLabel(t.Status), m.bar.ViewAs(float64(t.Progress)/100))
		if t.Attempt > 1 {
			b.WriteString(detailTextStyle.Render(fmt.Sprintf("  attempt %d", t.Attempt)))
		}
		b.WriteString("\n")
		if t.ErrorMessage != nil {
			b.WriteString(detailTextStyle.Render("           " + *t.ErrorMessage))
			b.WriteString("\n")
		}
	}
	if !m.done {
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("q to stop watching"))
		b.WriteString("\n")
	}
	return b.String()
}

// Snapshot returns the last observed state.
func (m WatchModel) Snapshot() Snapshot { return m.snap }

// Err returns the failure that ended the watch, if any.
func (m WatchModel) Err() error { return m.err }

func statusLabel(s domain.Status) string {
	switch s {
	case domain.StatusDone:
		return labelStyleDone.Render(string(s))
	case domain.StatusError:
		return labelStyleError.Render(string(s))
	case domain.StatusRunning:
		return labelStyleRunning.Render(string(s))
	default:
		return labelStylePending.Render(string(s))
	}
}

func padLabel(s domain.Status) string {
	return statusLabel(s) + strings.Repeat(" ", max(0, 8-len(s)))
}
