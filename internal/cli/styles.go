// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// styles.go - Centralized styling for the chatrelay command line.
//
// Color handling:
// - Colors are disabled for non-TTY output (piped, redirected)
// - Respects the NO_COLOR environment variable (https://no-color.org/)
// - FORCE_COLOR overrides detection

package cli

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// init configures lipgloss with the profile the terminal supports.
func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// promptStyle renders the REPL prompt.
	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// welcomeStyle renders the session banner.
	welcomeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")) // Purple

	// infoStyle renders labels and secondary information.
	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")) // Light gray

	// commandStyle renders command names and confirmed values.
	commandStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")) // Green

	// warningStyle renders cancellations and cautions.
	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Yellow/Orange

	// errorStyle renders error output.
	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")) // Red

	// dimStyle renders de-emphasized text such as hints and IDs.
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")) // Dim gray
)

// =============================================================================
// COLOR OUTPUT CONTROL
// =============================================================================

var (
	colorsEnabled     bool
	colorsEnabledOnce sync.Once
)

// ColorsEnabled reports whether colored output should be used. The decision
// is cached for the process lifetime.
func ColorsEnabled() bool {
	colorsEnabledOnce.Do(func() {
		colorsEnabled = detectColors(os.Getenv("NO_COLOR"), os.Getenv("FORCE_COLOR"), IsStdoutTTY())
	})
	return colorsEnabled
}

// detectColors applies the precedence rules: NO_COLOR disables, FORCE_COLOR
// enables, otherwise the TTY check decides.
func detectColors(noColor, forceColor string, stdoutTTY bool) bool {
	if noColor != "" {
		return false
	}
	if forceColor != "" {
		return true
	}
	return stdoutTTY
}

// ForceColorsEnabled overrides color detection. Only for tests.
func ForceColorsEnabled(enabled bool) {
	colorsEnabledOnce = sync.Once{}
	colorsEnabledOnce.Do(func() {
		colorsEnabled = enabled
	})
}

// IsStdoutTTY reports whether stdout is a terminal.
func IsStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// GetColorProfile returns the termenv profile for this terminal: Ascii when
// colors are disabled, auto-detected otherwise.
func GetColorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}

// RenderConditional renders text with the style when colors are enabled and
// returns it unmodified otherwise.
func RenderConditional(style lipgloss.Style, text string) string {
	if !ColorsEnabled() {
		return text
	}
	return style.Render(text)
}
