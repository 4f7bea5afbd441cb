package source

import (
	"bytes"
	"strings"
	"testing"
)

func TestReportRendersCaretUnderLine(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager("var x = 1\nvar y = ?\n", "demo.mon")
	m.Out = &buf
	m.Color = ColorNever

	m.Report("Compilation error", Location{Line: 2, Column: 9, Length: 1}, "Unknown token: '?'")

	out := buf.String()
	if !strings.Contains(out, "Compilation error:") {
		t.Errorf("missing title in %q", out)
	}
	if !strings.Contains(out, "at demo.mon") {
		t.Errorf("missing path in %q", out)
	}
	if !strings.Contains(out, "  2 | var y = ?") {
		t.Errorf("missing source line in %q", out)
	}
	if !strings.Contains(out, "^ Unknown token") {
		t.Errorf("missing caret in %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("ColorNever output contains escapes: %q", out)
	}
}

func TestReportOutOfRangeLine(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager("one line", "")
	m.Out = &buf
	m.Color = ColorNever

	m.Report("Error", Location{Line: 99, Column: 1, Length: 1}, "boom")
	if strings.Contains(buf.String(), "|") {
		t.Errorf("no source context expected for out-of-range line: %q", buf.String())
	}
}

func TestReportAlwaysColor(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager("x", "")
	m.Out = &buf
	m.Color = ColorAlways
	m.Report("Error", Location{Line: 1, Column: 1, Length: 1}, "bad")
	if !strings.Contains(buf.String(), "\033[1;31m") {
		t.Errorf("expected ANSI escapes in %q", buf.String())
	}
}

func TestZeroLengthSpanStillUnderlines(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager("abc", "")
	m.Out = &buf
	m.Color = ColorNever
	m.Report("Error", Location{Line: 1, Column: 2, Length: 0}, "x")
	if !strings.Contains(buf.String(), "^") {
		t.Errorf("expected at least one caret: %q", buf.String())
	}
}
