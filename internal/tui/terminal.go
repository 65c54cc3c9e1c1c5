// Package tui holds the small terminal helpers used by the interactive
// commands.
package tui

import (
	"os"

	"golang.org/x/term"
)

// IsStdinTerminal returns true if stdin is a terminal (not piped)
func IsStdinTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsStdoutTerminal returns true if stdout is a terminal (not piped)
func IsStdoutTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
