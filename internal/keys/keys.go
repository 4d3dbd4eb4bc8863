package keys

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keybindings of the event monitor.
type KeyMap struct {
	// Scrolling
	Down key.Binding
	Up   key.Binding

	// IO control
	ToggleIO key.Binding
	Network  key.Binding

	Clear key.Binding
	Help  key.Binding
	Quit  key.Binding
}

// DefaultKeyMap returns the default set of keybindings.
func DefaultKeyMap() *KeyMap {
	return &KeyMap{
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "scroll down"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "scroll up"),
		),
		ToggleIO: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "start/stop IO"),
		),
		Network: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "network changed"),
		),
		Clear: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "clear log"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "toggle help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp returns the bindings shown in the status bar.
func (k *KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.ToggleIO, k.Network, k.Help, k.Quit}
}

// FullHelp returns all keybindings grouped by category for the expanded
// help view.
func (k *KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Clear},
		{k.ToggleIO, k.Network},
		{k.Help, k.Quit},
	}
}
