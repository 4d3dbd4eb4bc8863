package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailcore/internal/model"
)

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue    = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen   = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow  = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed     = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorOrange  = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorMagenta = lipgloss.AdaptiveColor{Dark: "#CC5DE8", Light: "#805AD5"}
	ColorGray    = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite   = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorSubtle  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#CBD5E0"}
	ColorBorder  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for the title bar.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// StatusBarStyle is used for the bottom status bar.
var StatusBarStyle = lipgloss.NewStyle().
	Foreground(ColorWhite).
	Background(ColorSubtle).
	Padding(0, 1)

// PanelStyle wraps overlay content such as the help view.
var PanelStyle = lipgloss.NewStyle().
	Padding(1, 2).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorBorder)

// TimestampStyle dims event times in the log.
var TimestampStyle = lipgloss.NewStyle().
	Foreground(ColorGray)

// HelpStyle is used for keyboard shortcut hints and help text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// EventStyle returns a color-coded label style for an event type.
func EventStyle(t model.EventType) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Width(18)

	switch t {
	case model.EventJobDone, model.EventMsgSent, model.EventIOStarted:
		return base.Foreground(ColorGreen)
	case model.EventJobRetry, model.EventMsgQueued, model.EventWarning:
		return base.Foreground(ColorYellow)
	case model.EventJobFailed, model.EventMsgFailed, model.EventError:
		return base.Foreground(ColorRed)
	case model.EventIncomingMsg:
		return base.Foreground(ColorBlue)
	case model.EventConfigureProgress, model.EventNetworkProbe:
		return base.Foreground(ColorMagenta)
	case model.EventIOStopped:
		return base.Foreground(ColorOrange)
	default:
		return base.Foreground(ColorGray)
	}
}

// IOStyle colors the IO state indicator in the header.
func IOStyle(running bool) lipgloss.Style {
	base := HeaderStyle.Bold(true)
	if running {
		return base.Foreground(ColorGreen)
	}
	return base.Foreground(ColorYellow)
}
