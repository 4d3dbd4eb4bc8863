// Package monitor is a terminal view of an account's event stream.
package monitor

import (
	"context"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailcore/internal/keys"
	"github.com/nhle/mailcore/internal/model"
)

// maxLines bounds the rendered log; the event queue itself is unbounded.
const maxLines = 1000

// Controller is the part of an account the monitor drives.
type Controller interface {
	NextEvent(ctx context.Context) (model.Event, error)
	StartIO() error
	StopIO() error
	IsIORunning() bool
	MaybeNetwork() error
}

// eventMsg carries one event popped from the account.
type eventMsg struct {
	event model.Event
}

// closedMsg reports that the account's event queue is closed.
type closedMsg struct{}

// ioDoneMsg reports the outcome of a start or stop request.
type ioDoneMsg struct {
	err error
}

// Model is the Bubble Tea model of the event monitor.
type Model struct {
	ctrl    Controller
	keys    *keys.KeyMap
	help    help.Model
	spinner spinner.Model

	lines  []model.Event
	counts map[model.EventType]int
	offset int

	width    int
	height   int
	showHelp bool
	busy     bool
	closed   bool
	err      error
}

// New creates a monitor for ctrl.
func New(ctrl Controller) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctrl:    ctrl,
		keys:    keys.DefaultKeyMap(),
		help:    help.New(),
		spinner: sp,
		counts:  make(map[model.EventType]int),
	}
}

// waitForEvent blocks on the account's queue and delivers the next event.
// The monitor re-issues it after every event so exactly one pop is pending.
func waitForEvent(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		ev, err := ctrl.NextEvent(context.Background())
		if err != nil {
			return closedMsg{}
		}
		return eventMsg{event: ev}
	}
}

// toggleIO starts or stops IO off the UI goroutine; StopIO blocks until the
// workers have exited.
func toggleIO(ctrl Controller, running bool) tea.Cmd {
	return func() tea.Msg {
		if running {
			return ioDoneMsg{err: ctrl.StopIO()}
		}
		return ioDoneMsg{err: ctrl.StartIO()}
	}
}

// Init starts draining events.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.ctrl)
}

// Update handles messages for the monitor.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case eventMsg:
		m.record(msg.event)
		return m, waitForEvent(m.ctrl)

	case closedMsg:
		m.closed = true
		return m, tea.Quit

	case ioDoneMsg:
		m.busy = false
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp

	case key.Matches(msg, m.keys.ToggleIO):
		if m.busy {
			return m, nil
		}
		m.busy = true
		m.err = nil
		return m, tea.Batch(m.spinner.Tick, toggleIO(m.ctrl, m.ctrl.IsIORunning()))

	case key.Matches(msg, m.keys.Network):
		m.err = m.ctrl.MaybeNetwork()

	case key.Matches(msg, m.keys.Clear):
		m.lines = nil
		m.offset = 0

	case key.Matches(msg, m.keys.Up):
		if m.offset < len(m.lines)-1 {
			m.offset++
		}

	case key.Matches(msg, m.keys.Down):
		if m.offset > 0 {
			m.offset--
		}
	}
	return m, nil
}

func (m *Model) record(ev model.Event) {
	m.counts[ev.Type]++
	m.lines = append(m.lines, ev)
	if len(m.lines) > maxLines {
		m.lines = append([]model.Event(nil), m.lines[len(m.lines)-maxLines:]...)
	}
	if m.offset > 0 {
		m.offset++
	}
}

// Closed reports whether the monitor exited because the account closed.
func (m Model) Closed() bool {
	return m.closed
}
