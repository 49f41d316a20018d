// Package sanitize cleans text that arrives from remote peers before it is stored,
// logged or rendered. Peer content is untrusted: it may carry terminal escape
// sequences meant to repaint a dashboard or hide log lines.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// CSI sequences: \x1b[ ... final byte (SGR colors, cursor movement, erase)
	csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

	// OSC sequences terminated by BEL or ST: \x1b] ... \x07 / \x1b\\
	oscPattern = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

	// Application program commands, e.g. CI timestamp markers: \x1b_ ... \x07
	apcPattern = regexp.MustCompile(`\x1b_[^\x07\x1b]*(\x07|\x1b\\)`)
)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	s = apcPattern.ReplaceAllString(s, "")
	s = oscPattern.ReplaceAllString(s, "")
	s = csiPattern.ReplaceAllString(s, "")
	return s
}

// Clean strips escape sequences, normalizes line endings, drops remaining control
// characters other than newline and tab, and trims surrounding whitespace.
func Clean(s string) string {
	s = StripANSI(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// Line is Clean for single-line fields such as topics and authors: newlines and
// tabs collapse to single spaces.
func Line(s string) string {
	return strings.Join(strings.Fields(Clean(s)), " ")
}
