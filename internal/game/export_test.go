package game

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExportChatLog(t *testing.T) {
	s := NewState()
	s.AddPlayer("s1", "Alice")
	s.AddChatMessage("hello there", "s1")
	s.AddChatMessage("anyone?", "gone")

	file := filepath.Join(t.TempDir(), "out", "chat.txt")
	if err := ExportChatLog("room1", s, nil, file); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if err := ExportChatLog("room2", s, nil, file); err != nil {
		t.Fatalf("second export failed: %v", err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{"Room room1 (PENDING)", "Room room2", "- Alice (s1, connected)", `- Alice: "hello there"`, `- gone: "anyone?"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected export to contain %q, got:\n%s", want, out)
		}
	}
}

func TestExportChatLogUsesRosterForDepartedPlayers(t *testing.T) {
	s := NewState()
	s.AddPlayer("s1", "Alice")
	s.AddChatMessage("bye", "s1")
	s.RemovePlayer("s1")

	file := filepath.Join(t.TempDir(), "chat.txt")
	if err := ExportChatLog("room1", s, map[string]string{"s1": "Alice"}, file); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{"- Alice (s1, left)", `- Alice: "bye"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected export to contain %q, got:\n%s", want, out)
		}
	}
}
