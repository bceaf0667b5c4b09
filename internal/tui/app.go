package tui

import (
	"os"

	"github.com/mattn/go-isatty"
)

// Interactive reports whether f is a terminal that can host the progress display.
func Interactive(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
