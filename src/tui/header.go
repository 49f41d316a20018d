package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"d2a-agent/src/contracts"
	"d2a-agent/src/handshake"
)

// Header is the top status bar: identity, loop health and exchange counters.
type Header struct {
	styles *StyleConfig
}

func NewHeader(styles *StyleConfig) Header {
	return Header{styles: styles}
}

// Render renders the header for snap. connecting is shown until the first
// discovery cycle has run.
func (h Header) Render(snap contracts.Snapshot, spinner Spinner, width int) string {
	title := h.styles.TitleStyle().Render("D2A " + handshake.Short(snap.Pubkey))

	var status string
	statusStyle := lipgloss.NewStyle().Padding(0, 2)
	switch {
	case !snap.Active:
		status = statusStyle.Foreground(h.styles.TextSecondary).Render("○ stopped")
	case spinner.Running():
		status = statusStyle.Render(spinner.View() + " connecting")
	case snap.ConsecutiveErrors > 0:
		status = statusStyle.Foreground(h.styles.Warning).
			Render(fmt.Sprintf("● degraded (%d failed cycles)", snap.ConsecutiveErrors))
	default:
		status = statusStyle.Foreground(lipgloss.Color("#34A853")).Render("● online")
	}

	counters := lipgloss.NewStyle().
		Foreground(h.styles.TextSecondary).
		Padding(0, 2).
		Render(fmt.Sprintf("peers %d · sent %d · received %d", len(snap.Peers), snap.Sent, snap.Received))

	left := lipgloss.JoinHorizontal(lipgloss.Left, title, status, counters)

	bar := lipgloss.NewStyle().
		Background(h.styles.DarkBackground).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(h.styles.BorderColor).
		Width(width)

	spacerWidth := width - lipgloss.Width(left)
	if spacerWidth < 0 {
		spacerWidth = 0
	}
	spacer := lipgloss.NewStyle().Width(spacerWidth).Render("")
	return bar.Render(lipgloss.JoinHorizontal(lipgloss.Left, left, spacer))
}
