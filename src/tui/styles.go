package tui

import (
	"github.com/charmbracelet/lipgloss"

	"d2a-agent/src/contracts"
)

// StyleConfig holds the colors of the dashboard.
type StyleConfig struct {
	PrimaryBlue    lipgloss.Color
	DarkBackground lipgloss.Color
	TextPrimary    lipgloss.Color
	TextSecondary  lipgloss.Color
	BorderColor    lipgloss.Color
	Warning        lipgloss.Color
	Danger         lipgloss.Color

	// Handshake phase colors
	PhaseColors map[contracts.Phase]lipgloss.Color
}

// DefaultStyles returns the default color palette
func DefaultStyles() *StyleConfig {
	return &StyleConfig{
		PrimaryBlue:    lipgloss.Color("#8AB4F8"),
		DarkBackground: lipgloss.Color("#1E1E1E"),
		TextPrimary:    lipgloss.Color("#E8EAED"),
		TextSecondary:  lipgloss.Color("#9AA0A6"),
		BorderColor:    lipgloss.Color("#5F6368"),
		Warning:        lipgloss.Color("#FBBC04"),
		Danger:         lipgloss.Color("#EA4335"),
		PhaseColors: map[contracts.Phase]lipgloss.Color{
			contracts.PhaseOffered:    lipgloss.Color("#24C1E0"), // Cyan
			contracts.PhaseAccepted:   lipgloss.Color("#A142F4"), // Purple
			contracts.PhaseDelivering: lipgloss.Color("#FBBC04"), // Yellow
			contracts.PhaseCompleted:  lipgloss.Color("#34A853"), // Green
			contracts.PhaseRejected:   lipgloss.Color("#EA4335"), // Red
		},
	}
}

// TitleStyle returns a title lipgloss style using this config
func (s *StyleConfig) TitleStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(s.PrimaryBlue).
		Bold(true).
		Padding(0, 1)
}

// HelpStyle returns a help text lipgloss style using this config
func (s *StyleConfig) HelpStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(s.TextSecondary).
		Padding(0, 1)
}

// DividerStyle renders the rule between the peer list and the detail pane.
func (s *StyleConfig) DividerStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(s.BorderColor).
		Bold(true)
}

// PhaseStyle colors a handshake phase label.
func (s *StyleConfig) PhaseStyle(phase contracts.Phase) lipgloss.Style {
	color, ok := s.PhaseColors[phase]
	if !ok {
		color = s.TextSecondary
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true)
}

// ActivityStyle colors an activity log entry by severity.
func (s *StyleConfig) ActivityStyle(kind contracts.ActivityKind) lipgloss.Style {
	switch kind {
	case contracts.ActivityError, contracts.ActivitySettlementFailed:
		return lipgloss.NewStyle().Foreground(s.Danger)
	case contracts.ActivityExpired, contracts.ActivityDiscarded, contracts.ActivityRejected:
		return lipgloss.NewStyle().Foreground(s.Warning)
	default:
		return lipgloss.NewStyle().Foreground(s.TextPrimary)
	}
}
