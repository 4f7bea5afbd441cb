// Package source holds the source text of a compilation unit, its line
// index, and the structured diagnostics produced while compiling it.
package source

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Location is a 1-based source position with the span length in bytes.
type Location struct {
	Line   int
	Column int
	Length int
}

// Diagnostic is one collected compile-time problem.
type Diagnostic struct {
	Message  string
	Loc      Location
	Function string // enclosing function name, if any
}

// ColorMode controls ANSI escapes in reports.
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// Manager owns the source text and renders diagnostics against it.
type Manager struct {
	Source string
	Path   string
	Lines  []string

	Out   io.Writer
	Color ColorMode
}

// NewManager splits the source into lines for caret reports.
func NewManager(src, path string) *Manager {
	return &Manager{
		Source: src,
		Path:   path,
		Lines:  strings.Split(src, "\n"),
		Out:    os.Stderr,
		Color:  ColorAuto,
	}
}

func (m *Manager) useColor() bool {
	switch m.Color {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if f, ok := m.Out.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[1;31m"
	ansiYellow = "\033[1;33m"
)

// Report prints one diagnostic with the offending line and a caret
// underline when the location is known.
func (m *Manager) Report(title string, loc Location, msg string) {
	red, yellow, reset := "", "", ""
	if m.useColor() {
		red, yellow, reset = ansiRed, ansiYellow, ansiReset
	}

	fmt.Fprintf(m.Out, "\n%s%s:%s %s\n", red, title, reset, msg)
	if m.Path != "" {
		fmt.Fprintf(m.Out, "    at %s\n", m.Path)
	}
	if loc.Line <= 0 || loc.Line > len(m.Lines) {
		return
	}
	codeLine := strings.ReplaceAll(m.Lines[loc.Line-1], "\t", " ")
	fmt.Fprintf(m.Out, "    |\n%3d | %s\n    | ", loc.Line, codeLine)
	for i := 1; i < loc.Column; i++ {
		fmt.Fprint(m.Out, " ")
	}
	carets := loc.Length
	if carets < 1 {
		carets = 1
	}
	fmt.Fprintf(m.Out, "%s%s %s%s\n    |\n", yellow, strings.Repeat("^", carets), msg, reset)
}

// ReportAll renders every diagnostic in order.
func (m *Manager) ReportAll(title string, diags []Diagnostic) {
	for _, d := range diags {
		m.Report(title, d.Loc, d.Message)
	}
}
