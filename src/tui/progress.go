package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Spinner frames shown until the first discovery cycle completes
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// SpinnerTickMsg triggers spinner animation frame advance
type SpinnerTickMsg time.Time

// Spinner animates while the agent has not yet heard from the network.
type Spinner struct {
	frame   int
	running bool
}

func NewSpinner() Spinner {
	return Spinner{running: true}
}

// SpinnerTick returns a command that sends SpinnerTickMsg after a delay
func SpinnerTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg {
		return SpinnerTickMsg(t)
	})
}

// Stop freezes the spinner; further ticks are not rescheduled.
func (s *Spinner) Stop() {
	s.running = false
}

func (s Spinner) Running() bool {
	return s.running
}

func (s Spinner) Update(msg tea.Msg) (Spinner, tea.Cmd) {
	if _, ok := msg.(SpinnerTickMsg); ok && s.running {
		s.frame = (s.frame + 1) % len(spinnerFrames)
		return s, SpinnerTick()
	}
	return s, nil
}

func (s Spinner) View() string {
	return lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")).Render(spinnerFrames[s.frame])
}
