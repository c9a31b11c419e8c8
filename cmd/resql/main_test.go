package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
)

func TestTerminalWidthFallsBackToColumns(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	t.Setenv("COLUMNS", "77")
	if got := terminalWidth(int(r.Fd())); got != 77 {
		t.Errorf("expected width 77 from COLUMNS, got %d", got)
	}

	t.Setenv("COLUMNS", "")
	if got := terminalWidth(int(r.Fd())); got != defaultWidth {
		t.Errorf("expected default width %d, got %d", defaultWidth, got)
	}
}

func TestShellLoop(t *testing.T) {
	tests := []struct {
		name   string
		prompt bool
	}{
		{"piped", false},
		{"interactive", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newShellSession(t)
			var buf bytes.Buffer
			sh := &shell{session: s, render: newRenderer(&buf, 120), out: &buf, prompt: tt.prompt}

			sh.loop(context.Background(), strings.NewReader("SELECT name FROM users ORDER BY id\n.exit\n"))

			out := buf.String()
			if !strings.Contains(out, "| alice |") || !strings.Contains(out, "2 rows.") {
				t.Errorf("expected query output, got:\n%s", out)
			}
			if got := strings.Contains(out, "resql> "); got != tt.prompt {
				t.Errorf("expected prompt=%v, got output:\n%s", tt.prompt, out)
			}
		})
	}
}
