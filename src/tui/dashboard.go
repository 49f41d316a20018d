// Package tui provides the terminal dashboard for a running D2A agent.
// The top section lists discovered peers, the bottom section shows either the
// selected peer or the agent's activity log.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"d2a-agent/src/contracts"
	"d2a-agent/src/handshake"
	"d2a-agent/src/sanitize"
)

// Column widths
const (
	keyWidth       = 14
	resonanceWidth = 10
	capacityWidth  = 5
	seenWidth      = 6
	phaseWidth     = 12
)

// Source is the running agent the dashboard observes.
type Source interface {
	Snapshot() contracts.Snapshot
	Refresh()
	OnSnapshot(fn func(contracts.Snapshot)) func()
	OnNotice(fn func(contracts.Notice)) func()
}

// SnapshotMsg carries a new agent snapshot into the model.
type SnapshotMsg struct {
	Snapshot contracts.Snapshot
}

// NoticeMsg carries a soft notification such as a failed settlement.
type NoticeMsg struct {
	Notice contracts.Notice
}

type pane int

const (
	panePeer pane = iota
	paneActivity
)

// Model is the Bubble Tea model of the dashboard.
type Model struct {
	snap    contracts.Snapshot
	refresh func()
	updates <-chan contracts.Snapshot
	notices <-chan contracts.Notice
	now     func() time.Time

	cursor     int
	listScroll int
	pane       pane
	notice     *contracts.Notice

	detail  viewport.Model
	header  Header
	spinner Spinner
	styles  *StyleConfig

	width  int
	height int
}

// NewModel creates a dashboard starting from initial. updates and notices may be nil.
func NewModel(initial contracts.Snapshot, refresh func(), updates <-chan contracts.Snapshot, notices <-chan contracts.Notice) Model {
	styles := DefaultStyles()
	m := Model{
		snap:    initial,
		refresh: refresh,
		updates: updates,
		notices: notices,
		now:     time.Now,
		detail:  viewport.New(80, 10),
		header:  NewHeader(styles),
		spinner: NewSpinner(),
		styles:  styles,
	}
	if discovered(initial) {
		m.spinner.Stop()
	}
	return m
}

// Run shows the dashboard for src until the user quits.
func Run(src Source) error {
	updates := make(chan contracts.Snapshot, 1)
	notices := make(chan contracts.Notice, 8)

	defer src.OnSnapshot(func(s contracts.Snapshot) { offerLatest(updates, s) })()
	defer src.OnNotice(func(n contracts.Notice) {
		select {
		case notices <- n:
		default:
		}
	})()

	p := tea.NewProgram(NewModel(src.Snapshot(), src.Refresh, updates, notices), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// offerLatest keeps only the newest snapshot in ch without blocking the sender.
func offerLatest(ch chan contracts.Snapshot, s contracts.Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func waitForSnapshot(ch <-chan contracts.Snapshot) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return SnapshotMsg{Snapshot: s}
	}
}

func waitForNotice(ch <-chan contracts.Notice) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return NoticeMsg{Notice: n}
	}
}

// discovered reports whether at least one discovery cycle has run.
func discovered(s contracts.Snapshot) bool {
	for _, a := range s.Activity {
		if a.Kind == contracts.ActivityDiscovery {
			return true
		}
	}
	return len(s.Peers) > 0
}

func (m Model) Init() tea.Cmd {
	var cmds []tea.Cmd
	if m.spinner.Running() {
		cmds = append(cmds, SpinnerTick())
	}
	cmds = append(cmds, waitForSnapshot(m.updates), waitForNotice(m.notices))
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.renderDetail()
		return m, nil

	case SnapshotMsg:
		m.snap = msg.Snapshot
		if m.cursor >= len(m.snap.Peers) {
			m.cursor = max(0, len(m.snap.Peers)-1)
		}
		m.listScroll = min(m.listScroll, m.cursor)
		if m.spinner.Running() && discovered(m.snap) {
			m.spinner.Stop()
		}
		m.renderDetail()
		return m, waitForSnapshot(m.updates)

	case NoticeMsg:
		n := msg.Notice
		m.notice = &n
		m.layout()
		return m, waitForNotice(m.notices)

	case SpinnerTickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listScroll {
					m.listScroll = m.cursor
				}
				m.renderDetail()
				m.detail.GotoTop()
			}
			return m, nil
		case "down", "j":
			if m.cursor < len(m.snap.Peers)-1 {
				m.cursor++
				if m.cursor >= m.listScroll+m.listHeight() {
					m.listScroll = m.cursor - m.listHeight() + 1
				}
				m.renderDetail()
				m.detail.GotoTop()
			}
			return m, nil
		case "tab":
			if m.pane == panePeer {
				m.pane = paneActivity
			} else {
				m.pane = panePeer
			}
			m.renderDetail()
			m.detail.GotoTop()
			return m, nil
		case "r":
			if m.refresh != nil {
				m.refresh()
			}
			return m, nil
		case "x":
			m.notice = nil
			m.layout()
			return m, nil
		}

		// Remaining keys scroll the detail pane.
		var cmd tea.Cmd
		m.detail, cmd = m.detail.Update(msg)
		return m, cmd
	}

	return m, nil
}

// listHeight is the number of peer rows shown.
func (m Model) listHeight() int {
	h := (m.height - 6) / 3
	if h < 3 {
		h = 3
	}
	return h
}

// layout sizes the detail viewport. Overhead: header (2) + table header (1) +
// divider (1) + help (1), plus the notice line when shown.
func (m *Model) layout() {
	overhead := 5
	if m.notice != nil {
		overhead++
	}
	h := m.height - overhead - m.listHeight()
	if h < 3 {
		h = 3
	}
	m.detail.Width = m.width
	m.detail.Height = h
}

func (m *Model) renderDetail() {
	var lines []string
	if m.pane == paneActivity {
		lines = m.activityLines()
	} else {
		lines = m.peerLines()
	}
	m.detail.SetContent(strings.Join(lines, "\n"))
}

func (m Model) View() string {
	if m.height == 0 {
		return "Initializing..."
	}

	var b strings.Builder
	b.WriteString(m.header.Render(m.snap, m.spinner, m.width))
	b.WriteString("\n")

	tableHeader := fmt.Sprintf("  %s %s %s %s %s %s",
		TruncateAndPad("Peer", keyWidth, false),
		TruncateAndPad("Resonance", resonanceWidth, false),
		TruncateAndPad("Cap", capacityWidth, false),
		TruncateAndPad("Seen", seenWidth, false),
		TruncateAndPad("Handshake", phaseWidth, false),
		"Interests")
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(m.styles.PrimaryBlue).Render(tableHeader))
	b.WriteString("\n")

	rows := m.peerRows()
	end := min(m.listScroll+m.listHeight(), len(rows))
	for i := m.listScroll; i < end; i++ {
		b.WriteString(rows[i])
		b.WriteString("\n")
	}
	for i := end - m.listScroll; i < m.listHeight(); i++ {
		b.WriteString("\n")
	}

	title := " Peer "
	if m.pane == paneActivity {
		title = " Activity "
	}
	rule := max(0, m.width-VisualWidth(title)-3)
	b.WriteString(m.styles.DividerStyle().Render("───" + title + strings.Repeat("─", rule)))
	b.WriteString("\n")

	b.WriteString(m.detail.View())
	b.WriteString("\n")

	if m.notice != nil {
		msg := Truncate(sanitize.Line(m.notice.Message), max(10, m.width-20), true)
		b.WriteString(lipgloss.NewStyle().Foreground(m.styles.Danger).Bold(true).Render("! " + msg + "  (x to dismiss)"))
		b.WriteString("\n")
	}

	b.WriteString(m.styles.HelpStyle().Render("↑/↓ select peer • tab peer/activity • pgup/pgdn scroll • r discover now • q quit"))
	return b.String()
}

func (m Model) handshakes() map[string]contracts.HandshakeState {
	out := make(map[string]contracts.HandshakeState, len(m.snap.Handshakes))
	for _, hs := range m.snap.Handshakes {
		out[hs.Peer] = hs
	}
	return out
}

func (m Model) peerRows() []string {
	if len(m.snap.Peers) == 0 {
		return []string{m.styles.HelpStyle().Render("No peers discovered yet")}
	}

	now := m.now()
	hs := m.handshakes()
	interestsWidth := max(10, m.width-keyWidth-resonanceWidth-capacityWidth-seenWidth-phaseWidth-10)

	rows := make([]string, 0, len(m.snap.Peers))
	for i, p := range m.snap.Peers {
		phase := "-"
		phaseStyle := lipgloss.NewStyle()
		if h, ok := hs[p.Pubkey]; ok {
			phase = string(h.Phase)
			phaseStyle = m.styles.PhaseStyle(h.Phase)
		}

		row := fmt.Sprintf("%s %s %s %s %s %s",
			TruncateAndPad(handshake.Short(p.Pubkey), keyWidth, false),
			TruncateAndPad(fmt.Sprintf("%.2f", p.Resonance), resonanceWidth, false),
			TruncateAndPad(fmt.Sprintf("%d", p.Capacity), capacityWidth, false),
			TruncateAndPad(Ago(now, p.LastSeen), seenWidth, false),
			phaseStyle.Render(TruncateAndPad(phase, phaseWidth, false)),
			Display(strings.Join(p.Interests, ", "), interestsWidth),
		)
		if i == m.cursor {
			row = lipgloss.NewStyle().Foreground(m.styles.PrimaryBlue).Render("► ") + row
		} else {
			row = "  " + row
		}
		rows = append(rows, FitStyled(row, m.width))
	}
	return rows
}

func (m Model) peerLines() []string {
	if m.cursor >= len(m.snap.Peers) {
		return []string{"No peer selected"}
	}
	p := m.snap.Peers[m.cursor]
	now := m.now()
	width := max(20, m.width-4)
	label := lipgloss.NewStyle().Foreground(m.styles.TextSecondary)

	lines := []string{
		m.styles.TitleStyle().Render(p.Pubkey),
		"",
		fmt.Sprintf("%s %.2f   %s %d   %s %s ago",
			label.Render("Resonance"), p.Resonance,
			label.Render("Capacity"), p.Capacity,
			label.Render("Last seen"), Ago(now, p.LastSeen)),
	}
	if p.LedgerID != "" {
		lines = append(lines, label.Render("Ledger")+" "+sanitize.Line(p.LedgerID))
	}
	lines = append(lines, "", label.Render("Interests"))
	lines = append(lines, strings.Split(Wrap(sanitize.Line(strings.Join(p.Interests, ", ")), width), "\n")...)

	lines = append(lines, "", label.Render("Handshake"))
	if h, ok := m.handshakes()[p.Pubkey]; ok {
		state := fmt.Sprintf("%s  %q  %.1f  started %s ago",
			m.styles.PhaseStyle(h.Phase).Render(string(h.Phase)), sanitize.Line(h.Topic), h.Score, Ago(now, h.StartedAt))
		if h.CompletedAt != nil {
			state += fmt.Sprintf(", finished %s ago", Ago(now, *h.CompletedAt))
		}
		lines = append(lines, FitStyled(state, width))
	} else {
		lines = append(lines, "none")
	}

	lines = append(lines, "", label.Render("Recent activity"))
	found := false
	for i := len(m.snap.Activity) - 1; i >= 0; i-- {
		a := m.snap.Activity[i]
		if a.Peer != p.Pubkey {
			continue
		}
		found = true
		lines = append(lines, m.activityLine(a, width))
	}
	if !found {
		lines = append(lines, "none")
	}
	return lines
}

func (m Model) activityLines() []string {
	if len(m.snap.Activity) == 0 {
		return []string{"No activity yet"}
	}
	width := max(20, m.width-4)
	lines := make([]string, 0, len(m.snap.Activity))
	for i := len(m.snap.Activity) - 1; i >= 0; i-- {
		lines = append(lines, m.activityLine(m.snap.Activity[i], width))
	}
	return lines
}

func (m Model) activityLine(a contracts.ActivityEntry, width int) string {
	text := fmt.Sprintf("%s %-18s %s", a.At.Format("15:04:05"), a.Kind, sanitize.Line(a.Message))
	return m.styles.ActivityStyle(a.Kind).Render(Truncate(text, width, true))
}
