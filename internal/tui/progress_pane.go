package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/crewgraph/internal/events"
)

// ProgressPaneModel shows run-level counters and a completion bar.
type ProgressPaneModel struct {
	runID     string
	backend   string
	tasks     int
	doneTasks int
	inFlight  int
	units     int
	finished  bool
	err       error
	elapsed   time.Duration

	bar     progress.Model
	width   int
	height  int
	focused bool
}

func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{
		bar: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case events.TaskRegisteredEvent:
		m.tasks++

	case events.RunStartedEvent:
		m.runID = msg.RunID
		m.backend = msg.Backend
		m.tasks = msg.Tasks
		m.finished = false
		m.err = nil

	case events.RunProgressEvent:
		m.tasks = msg.Tasks
		m.doneTasks = msg.DoneTasks
		m.inFlight = msg.InFlight
		m.units = msg.CompletedUnits

	case events.RunFinishedEvent:
		m.finished = true
		m.err = msg.Err
		m.units = msg.Units
		m.inFlight = 0
		m.elapsed = msg.Duration
	}
	return m, nil
}

// Percent is the share of registered tasks that are done.
func (m ProgressPaneModel) Percent() float64 {
	if m.tasks == 0 {
		return 0
	}
	return float64(m.doneTasks) / float64(m.tasks)
}

func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(heading("Run", m.width))

	if m.runID != "" {
		fmt.Fprintf(&b, "Run:       %s (%s)\n", m.runID[:min(8, len(m.runID))], m.backend)
	}
	fmt.Fprintf(&b, "Tasks:     %s/%d\n", statusStyle(StatusDone).Render(fmt.Sprint(m.doneTasks)), m.tasks)
	fmt.Fprintf(&b, "In flight: %s\n", statusStyle(StatusRunning).Render(fmt.Sprint(m.inFlight)))
	fmt.Fprintf(&b, "Units:     %d\n\n", m.units)
	b.WriteString(m.bar.ViewAs(m.Percent()))
	b.WriteString("\n\n")

	switch {
	case m.finished && m.err != nil:
		b.WriteString(statusStyle(StatusFailed).Render(fmt.Sprintf("Failed: %v", m.err)))
	case m.finished:
		b.WriteString(statusStyle(StatusDone).Render(fmt.Sprintf("Finished in %v", m.elapsed.Round(time.Millisecond))))
	case m.runID != "":
		b.WriteString(statusStyle(StatusRunning).Render("Running..."))
	}

	return paneBox(m.focused, m.width, m.height).Render(b.String())
}

// Finished reports whether the run has ended, and how.
func (m ProgressPaneModel) Finished() (bool, error) { return m.finished, m.err }

func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.bar.Width = max(min(w-6, 60), 10)
}

func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
