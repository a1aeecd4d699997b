package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/crewgraph/internal/events"
)

// Task statuses shown in the list.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// TaskState is what the pane knows about one task.
type TaskState struct {
	Name      string
	Kind      string
	Status    string
	Units     int // dispatched
	Completed int
	Log       []string
	Started   time.Time
}

// TaskPaneModel lists the crew's tasks next to a scrollable log of the
// selected task's units.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

const listWidth = 28

func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces viewport refreshes.
type tickMsg struct {
	tag int
}

func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskRegisteredEvent:
		m.task(msg.Name).Kind = msg.Kind

	case events.UnitDispatchedEvent:
		t := m.task(msg.Task)
		if t.Status == StatusPending {
			t.Status = StatusRunning
			t.Started = msg.Timestamp
		}
		t.Units++
		t.Log = append(t.Log, fmt.Sprintf("▶ %s #%d %s", msg.Label, msg.UnitID, summarize(msg.Input)))
		return m, m.refresh(msg.Task)

	case events.UnitCompletedEvent:
		t := m.task(msg.Task)
		t.Completed++
		t.Log = append(t.Log, fmt.Sprintf("✓ %s #%d in %v\n%v", msg.Label, msg.UnitID, msg.Duration.Round(time.Millisecond), msg.Output))
		return m, m.refresh(msg.Task)

	case events.UnitFailedEvent:
		t := m.task(msg.Task)
		t.Status = StatusFailed
		t.Log = append(t.Log, fmt.Sprintf("✗ %s #%d: %v", msg.Label, msg.UnitID, msg.Err))
		if m.selectedTask() == msg.Task {
			m.updateViewportContent()
		}

	case events.TaskDoneEvent:
		t := m.task(msg.Name)
		t.Status = StatusDone
		if !t.Started.IsZero() {
			t.Log = append(t.Log, fmt.Sprintf("\n[done after %v]", msg.Timestamp.Sub(t.Started).Round(time.Millisecond)))
		}
		if m.selectedTask() == msg.Name {
			m.updateViewportContent()
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// task returns the state for name, adding it on first sight.
func (m *TaskPaneModel) task(name string) *TaskState {
	t, ok := m.tasks[name]
	if !ok {
		t = &TaskState{Name: name, Status: StatusPending}
		m.tasks[name] = t
		m.order = append(m.order, name)
		if len(m.order) == 1 {
			m.selectedIdx = 0
			m.updateViewportContent()
		}
	}
	return t
}

// refresh schedules a debounced viewport update when name is selected.
func (m *TaskPaneModel) refresh(name string) tea.Cmd {
	if m.selectedTask() != name {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return paneBox(m.focused, m.width, m.height).Render(content)
}

func (m TaskPaneModel) renderList() string {
	var b strings.Builder

	b.WriteString(heading("Tasks", listWidth))

	if len(m.order) == 0 {
		b.WriteString(statusStyle(StatusPending).Render("Waiting..."))
	}
	for i, name := range m.order {
		t := m.tasks[name]
		label := name
		if len(label) > listWidth-10 {
			label = label[:listWidth-13] + "..."
		}
		line := fmt.Sprintf("%s %s %d/%d", StatusIcon(t.Status), label, t.Completed, t.Units)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

func (m TaskPaneModel) selectedTask() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Task returns the state of a task by name.
func (m TaskPaneModel) Task(name string) (TaskState, bool) {
	t, ok := m.tasks[name]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTask()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-listWidth-4, 10)
	m.viewport.Height = max(h-4, 5)
}

func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// summarize renders a unit input on one line, long values cut short.
func summarize(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(input)) {
		v := strings.ReplaceAll(fmt.Sprint(input[k]), "\n", " ")
		if len(v) > 40 {
			v = v[:37] + "..."
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}
