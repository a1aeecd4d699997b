package tui

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/crewgraph/internal/config"
	"github.com/aristath/crewgraph/internal/events"
)

func newTestModel(t *testing.T) (Model, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	dir := t.TempDir()
	m := New(bus, config.DefaultConfig(), filepath.Join(dir, "global.json"), filepath.Join(dir, "project.json"))
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return updated.(Model), bus
}

func feed(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		updated, _ := m.Update(msg)
		m = updated.(Model)
	}
	return m
}

func TestModelTracksTasks(t *testing.T) {
	m, _ := newTestModel(t)
	start := time.Now()

	m = feed(m,
		events.TaskRegisteredEvent{Name: "plan", Kind: "prompt"},
		events.TaskRegisteredEvent{Name: "files", Kind: "batch"},
		events.RunStartedEvent{RunID: "0123456789", Backend: "threading", Tasks: 2},
		events.UnitDispatchedEvent{Task: "plan", Label: "PromptUnit", UnitID: 1, Input: map[string]any{"prompt": "go"}, Timestamp: start},
		events.UnitCompletedEvent{Task: "plan", Label: "PromptUnit", UnitID: 1, Output: "planned", Duration: time.Millisecond},
		events.TaskDoneEvent{Name: "plan", Timestamp: start.Add(time.Second)},
		events.RunProgressEvent{Tasks: 2, DoneTasks: 1, CompletedUnits: 1},
		events.UnitDispatchedEvent{Task: "files", Label: "BatchUnit", UnitID: 1},
		events.UnitFailedEvent{Task: "files", Label: "BatchUnit", UnitID: 1, Err: errors.New("boom")},
	)

	plan, ok := m.taskPane.Task("plan")
	require.True(t, ok)
	assert.Equal(t, "prompt", plan.Kind)
	assert.Equal(t, StatusDone, plan.Status)
	assert.Equal(t, 1, plan.Units)
	assert.Equal(t, 1, plan.Completed)
	require.Len(t, plan.Log, 3)
	assert.Contains(t, plan.Log[0], "prompt=go")
	assert.Contains(t, plan.Log[1], "planned")

	files, ok := m.taskPane.Task("files")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, files.Status)

	assert.InDelta(t, 0.5, m.progressPane.Percent(), 1e-9)
	done, err := m.Finished()
	assert.False(t, done)
	assert.NoError(t, err)

	boom := errors.New("boom")
	m = feed(m, events.RunFinishedEvent{Units: 1, Err: boom})
	done, err = m.Finished()
	assert.True(t, done)
	assert.ErrorIs(t, err, boom)

	view := m.View()
	assert.Contains(t, view, "plan")
	assert.Contains(t, view, "Failed: boom")
}

func TestModelFocusAndQuit(t *testing.T) {
	m, _ := newTestModel(t)
	assert.Equal(t, PaneTasks, m.focusedPane)

	m = feed(m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PaneProgress, m.focusedPane)
	m = feed(m, tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, PaneTasks, m.focusedPane)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, updated.(Model).quitting)
}

func TestTaskPaneSelection(t *testing.T) {
	p := NewTaskPaneModel()
	p.SetSize(80, 20)
	p.SetFocused(true)
	for _, name := range []string{"a", "b", "c"} {
		p, _ = p.Update(events.TaskRegisteredEvent{Name: name})
	}
	assert.Equal(t, "a", p.selectedTask())

	down := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")}
	p, _ = p.Update(down)
	p, _ = p.Update(down)
	p, _ = p.Update(down)
	assert.Equal(t, "c", p.selectedTask())

	p, _ = p.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	assert.Equal(t, "b", p.selectedTask())
}

func TestSettingsApplyAndSave(t *testing.T) {
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	project := filepath.Join(dir, ".crewgraph", "config.json")
	s := NewSettingsPaneModel(cfg, filepath.Join(dir, "global.json"), project)

	s.crew.backend = "async"
	s.crew.threads = "8"
	s.crew.unitTimeout = "2m"
	for _, a := range s.agents {
		if a.name == "coder" {
			a.provider = "codex"
			a.model = "gpt-4.1"
		}
	}
	s.applyFormToConfig()

	assert.Equal(t, "async", cfg.Crew.Backend)
	assert.Equal(t, 8, cfg.Crew.Threads)
	assert.Equal(t, 2*time.Minute, cfg.Crew.UnitTimeout.Std())
	assert.Equal(t, "codex", cfg.Agents["coder"].Provider)
	assert.Equal(t, "gpt-4.1", cfg.Agents["coder"].Model)

	require.NoError(t, config.Save(cfg, project))
	loaded, err := config.Load("", project)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	assert.Error(t, validateThreads("0"))
	assert.NoError(t, validateThreads("3"))
	assert.Error(t, validateTimeout("soon"))
	assert.NoError(t, validateTimeout(""))
	assert.Error(t, s.validateProvider("nobody"))
}
