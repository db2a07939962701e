package main

import (
	"bytes"
	"strings"
	"testing"

	"pisowifi/services/rates"
	"pisowifi/services/sessions"
)

func TestCommandTree(t *testing.T) {
	root := newRootCommand(&bytes.Buffer{})
	for _, path := range [][]string{
		{"sessions", "list"},
		{"vouchers", "create"},
		{"vouchers", "list"},
		{"rates", "import"},
		{"rates", "list"},
		{"settings", "get"},
		{"settings", "set"},
		{"license", "inspect"},
		{"audit", "list"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("command %v not registered: %v", path, err)
		}
	}
}

func TestWriteSessions(t *testing.T) {
	var buf bytes.Buffer
	err := writeSessions(&buf, []sessions.Session{
		{MAC: "aa:bb:cc:dd:ee:01", IP: "10.0.0.5", RemainingSeconds: 3725, TotalPaid: 5, Pausable: sessions.Pausable},
		{MAC: "aa:bb:cc:dd:ee:02", IP: "10.0.0.6", RemainingSeconds: 60, IsPaused: true},
	})
	if err != nil {
		t.Fatalf("writeSessions: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %q", buf.String())
	}
	if !strings.Contains(lines[1], "1:02:05") || !strings.Contains(lines[1], "active") || !strings.Contains(lines[1], "pausable") {
		t.Fatalf("unexpected row %q", lines[1])
	}
	if !strings.Contains(lines[2], "paused") || !strings.Contains(lines[2], "unspecified") {
		t.Fatalf("unexpected row %q", lines[2])
	}
}

func TestWriteRates(t *testing.T) {
	var buf bytes.Buffer
	no := false
	if err := writeRates(&buf, []rates.Rate{{Pesos: 5, Minutes: 60, Pausable: &no, Label: "Hour"}}); err != nil {
		t.Fatalf("writeRates: %v", err)
	}
	if !strings.Contains(buf.String(), "not_pausable") || !strings.Contains(buf.String(), "Hour") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
