package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/theme"
)

// View renders the header, the event log and the status bar.
func (m Model) View() string {
	if m.width == 0 {
		return "loading..."
	}

	header := m.renderHeader()
	status := m.renderStatusBar()
	bodyHeight := max(m.height-lipgloss.Height(header)-lipgloss.Height(status), 0)

	var body string
	if m.showHelp {
		m.help.ShowAll = true
		body = theme.PanelStyle.
			Width(max(m.width-4, 0)).
			Height(max(bodyHeight-2, 0)).
			Render(m.help.View(m.keys))
	} else {
		body = lipgloss.NewStyle().Height(bodyHeight).Render(m.renderLog(bodyHeight))
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, status)
}

func (m Model) renderHeader() string {
	title := theme.HeaderStyle.Render("mailcore")

	state := "IO stopped"
	if m.ctrl.IsIORunning() {
		state = "IO running"
	}
	if m.busy {
		state = m.spinner.View() + " " + state
	}
	right := theme.IOStyle(m.ctrl.IsIORunning()).Render(state)

	gap := max(m.width-lipgloss.Width(title)-lipgloss.Width(right), 0)
	filler := theme.HeaderStyle.Width(gap).Padding(0).Render("")
	return lipgloss.JoinHorizontal(lipgloss.Top, title, filler, right)
}

func (m Model) renderStatusBar() string {
	parts := []string{
		fmt.Sprintf("done %d", m.counts[model.EventJobDone]),
		fmt.Sprintf("retry %d", m.counts[model.EventJobRetry]),
		fmt.Sprintf("failed %d", m.counts[model.EventJobFailed]),
		fmt.Sprintf("incoming %d", m.counts[model.EventIncomingMsg]),
	}
	left := strings.Join(parts, " · ")
	if m.err != nil {
		left = lipgloss.NewStyle().Foreground(theme.ColorRed).Render(m.err.Error())
	}

	m.help.ShowAll = false
	hints := m.help.View(m.keys)

	line := left + "  " + hints
	gap := max(m.width-lipgloss.Width(line)-2, 0)
	return theme.StatusBarStyle.Render(line + strings.Repeat(" ", gap))
}

// renderLog shows the newest events that fit, scrolled up by offset.
func (m Model) renderLog(height int) string {
	if len(m.lines) == 0 {
		return theme.HelpStyle.Render("  waiting for events...")
	}

	offset := min(m.offset, len(m.lines)-1)
	end := len(m.lines) - offset
	start := max(end-height, 0)

	rows := make([]string, 0, end-start)
	for _, ev := range m.lines[start:end] {
		rows = append(rows, formatEvent(ev))
	}
	return strings.Join(rows, "\n")
}

func formatEvent(ev model.Event) string {
	ts := theme.TimestampStyle.Render(ev.Timestamp.Format("15:04:05"))
	label := theme.EventStyle(ev.Type).Render(string(ev.Type))
	return fmt.Sprintf("%s %s %s", ts, label, describe(ev))
}

// describe renders the payload of ev according to its type.
func describe(ev model.Event) string {
	switch ev.Type {
	case model.EventJobDone:
		return fmt.Sprintf("job %d (%s) after %d attempt(s)", ev.Data1, ev.Data3, ev.Data2)
	case model.EventJobRetry, model.EventJobFailed:
		return fmt.Sprintf("job %d attempt %d: %s", ev.Data1, ev.Data2, ev.Data3)
	case model.EventConfigureProgress:
		return fmt.Sprintf("%d.%d%%", ev.Data1/10, ev.Data1%10)
	case model.EventIncomingMsg:
		return fmt.Sprintf("uid %d in %s", ev.Data1, ev.Data3)
	case model.EventMsgQueued:
		return fmt.Sprintf("%s as job %d", ev.Data3, ev.Data1)
	case model.EventNetworkProbe:
		if ev.Data1 == 1 {
			return "smtp reachable"
		}
		return "smtp unreachable: " + ev.Data3
	default:
		return ev.Data3
	}
}
