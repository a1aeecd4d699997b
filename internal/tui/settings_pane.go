package tui

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/crewgraph/internal/config"
)

type agentFields struct {
	name     string
	provider string
	model    string
}

type providerFields struct {
	name    string
	command string
}

// crewFields lives on the heap so the form's pointers survive copies of the
// pane, which Bubble Tea passes by value.
type crewFields struct {
	saveTarget  string
	backend     string
	threads     string
	unitTimeout string
}

// SettingsPaneModel edits the configuration in a form overlay and saves it
// to the global or project file.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form bindings
	crew      *crewFields
	agents    []*agentFields
	providers []*providerFields
}

func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields copies the config into the form bindings.
func (m *SettingsPaneModel) loadFields() {
	m.crew = &crewFields{
		saveTarget: "project",
		backend:    m.config.Crew.Backend,
		threads:    strconv.Itoa(m.config.Crew.Threads),
	}
	if m.crew.backend == "" {
		m.crew.backend = "none"
	}
	if m.config.Crew.UnitTimeout > 0 {
		m.crew.unitTimeout = m.config.Crew.UnitTimeout.Std().String()
	}

	m.agents = nil
	for _, name := range slices.Sorted(maps.Keys(m.config.Agents)) {
		a := m.config.Agents[name]
		m.agents = append(m.agents, &agentFields{name: name, provider: a.Provider, model: a.Model})
	}
	m.providers = nil
	for _, name := range slices.Sorted(maps.Keys(m.config.Providers)) {
		m.providers = append(m.providers, &providerFields{name: name, command: m.config.Providers[name].Command})
	}
}

func (m *SettingsPaneModel) buildForm() {
	crewGroup := huh.NewGroup(
		huh.NewSelect[string]().
			Key("saveTarget").
			Title("Save To").
			Options(
				huh.NewOption("Project ("+m.projectPath+")", "project"),
				huh.NewOption("Global ("+m.globalPath+")", "global"),
			).
			Value(&m.crew.saveTarget),
		huh.NewSelect[string]().
			Key("backend").
			Title("Backend").
			Options(huh.NewOptions("none", "threading", "async")...).
			Value(&m.crew.backend),
		huh.NewInput().
			Key("threads").
			Title("Threads").
			Value(&m.crew.threads).
			Validate(validateThreads),
		huh.NewInput().
			Key("unitTimeout").
			Title("Unit Timeout").
			Placeholder("none, or e.g. 5m").
			Value(&m.crew.unitTimeout).
			Validate(validateTimeout),
	).Title("Crew")

	var agentInputs []huh.Field
	for _, a := range m.agents {
		agentInputs = append(agentInputs,
			huh.NewInput().Title(a.name+" provider").Value(&a.provider).Validate(m.validateProvider),
			huh.NewInput().Title(a.name+" model").Placeholder("provider default").Value(&a.model),
		)
	}

	var providerInputs []huh.Field
	for _, p := range m.providers {
		providerInputs = append(providerInputs,
			huh.NewInput().Title(p.name+" command").Placeholder(p.name).Value(&p.command))
	}

	groups := []*huh.Group{crewGroup}
	if len(agentInputs) > 0 {
		groups = append(groups, huh.NewGroup(agentInputs...).Title("Agents"))
	}
	if len(providerInputs) > 0 {
		groups = append(groups, huh.NewGroup(providerInputs...).Title("Providers"))
	}
	m.form = huh.NewForm(groups...)
	if m.width > 0 {
		m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
	}
}

func validateThreads(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("threads must be a positive number")
	}
	return nil
}

func validateTimeout(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("not a duration: %s", s)
	}
	return nil
}

func (m *SettingsPaneModel) validateProvider(s string) error {
	if _, ok := m.config.Providers[s]; !ok {
		return fmt.Errorf("unknown provider %q", s)
	}
	return nil
}

func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if k, ok := msg.(tea.KeyMsg); ok && key.Matches(k, keys.Cancel) {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.applyFormToConfig()

		target := m.projectPath
		if m.crew.saveTarget == "global" {
			target = m.globalPath
		}
		m.err = config.Save(m.config, target)
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}
	return m, cmd
}

// applyFormToConfig copies the bindings back. Values were validated by the
// form.
func (m *SettingsPaneModel) applyFormToConfig() {
	m.config.Crew.Backend = m.crew.backend
	if n, err := strconv.Atoi(m.crew.threads); err == nil {
		m.config.Crew.Threads = n
	}
	m.config.Crew.UnitTimeout = 0
	if d, err := time.ParseDuration(m.crew.unitTimeout); err == nil {
		m.config.Crew.UnitTimeout = config.Duration(d)
	}

	for _, a := range m.agents {
		agent := m.config.Agents[a.name]
		agent.Provider = a.provider
		agent.Model = a.model
		m.config.Agents[a.name] = agent
	}
	for _, p := range m.providers {
		provider := m.config.Providers[p.name]
		provider.Command = p.command
		m.config.Providers[p.name] = provider
	}
}

func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.err != nil:
		content = statusStyle(StatusFailed).Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	body := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorAccent).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4).
		Render(content)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(colorAccent).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the pane. Showing it rebuilds the form from the
// current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
	}
}

func (m SettingsPaneModel) IsVisible() bool { return m.visible }

// Saved reports whether the last form submission was written to disk.
func (m SettingsPaneModel) Saved() bool { return m.saved }
