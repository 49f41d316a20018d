package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"

	"d2a-agent/src/sanitize"
)

// VisualWidth returns the display width of text, accounting for wide characters
func VisualWidth(s string) int {
	return runewidth.StringWidth(s)
}

// Truncate cuts text to maxLen display columns, optionally ending in "...".
func Truncate(s string, maxLen int, ellipsis bool) string {
	s = strings.TrimSpace(s)
	if maxLen <= 0 {
		return ""
	}
	if VisualWidth(s) <= maxLen {
		return s
	}
	if ellipsis && maxLen > 3 {
		return runewidth.Truncate(s, maxLen-3, "") + "..."
	}
	return runewidth.Truncate(s, maxLen, "")
}

// FitStyled cuts an already styled line to width columns. Escape sequences do not
// count toward the width and are kept intact.
func FitStyled(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return ansi.Truncate(s, width, "…")
}

// TruncateAndPad truncates text and pads it to exactly width columns.
// Used for table cells to keep columns aligned.
func TruncateAndPad(s string, width int, ellipsis bool) string {
	s = Truncate(s, width, ellipsis)
	if w := VisualWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// Wrap wraps text to width columns on word boundaries. Words wider than width are
// split mid-word.
func Wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return text
	}

	var lines []string
	var line strings.Builder
	lineWidth := 0
	flush := func() {
		lines = append(lines, line.String())
		line.Reset()
		lineWidth = 0
	}

	for _, word := range words {
		for VisualWidth(word) > width {
			if lineWidth > 0 {
				flush()
			}
			head := runewidth.Truncate(word, width, "")
			if head == "" {
				// A single rune wider than width.
				head = string([]rune(word)[:1])
			}
			lines = append(lines, head)
			word = word[len(head):]
		}
		if word == "" {
			continue
		}

		w := VisualWidth(word)
		switch {
		case lineWidth == 0:
			line.WriteString(word)
			lineWidth = w
		case lineWidth+1+w <= width:
			line.WriteString(" ")
			line.WriteString(word)
			lineWidth += 1 + w
		default:
			flush()
			line.WriteString(word)
			lineWidth = w
		}
	}
	if lineWidth > 0 {
		flush()
	}
	return strings.Join(lines, "\n")
}

// Display prepares peer-supplied text for a single table cell.
func Display(s string, width int) string {
	return TruncateAndPad(sanitize.Line(s), width, true)
}

// Ago renders a compact age like "42s", "3m" or "2h".
func Ago(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case t.IsZero():
		return "-"
	case d < time.Minute:
		if d < 0 {
			d = 0
		}
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
