package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

type keyMap struct {
	NextPane key.Binding
	PrevPane key.Binding
	Tasks    key.Binding
	Run      key.Binding
	Up       key.Binding
	Down     key.Binding
	Settings key.Binding
	Cancel   key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	NextPane: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
	PrevPane: key.NewBinding(key.WithKeys("shift+tab")),
	Tasks:    key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2", "jump to pane")),
	Run:      key.NewBinding(key.WithKeys("2")),
	Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("j/k", "select task")),
	Down:     key.NewBinding(key.WithKeys("down", "j")),
	Settings: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "settings")),
	Cancel:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "close settings")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// ShortHelp lists the bindings shown in the help bar.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPane, k.Tasks, k.Up, k.Settings, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp(), {k.Cancel}}
}

var helpBar = help.New()

// HelpView returns the one-line help bar.
func HelpView() string {
	return helpBar.View(keys)
}
