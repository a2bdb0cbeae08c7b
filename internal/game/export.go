package game

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ExportChatLog appends the roster and chat transcript of a room to a text
// file. It is called once per room, when the room is disposed. roster maps
// every session that ever joined to its display name; players still in s
// are added to it.
func ExportChatLog(roomID string, s *State, roster map[string]string, filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	fileExists := false
	if _, err := os.Stat(filename); err == nil {
		fileExists = true
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	if fileExists {
		sb.WriteString("\n\n")
	}
	sb.WriteString(fmt.Sprintf("Room %s (%s)\n", roomID, s.Status.Get()))
	sb.WriteString(fmt.Sprintf("Closed: %s\n", time.Now().Format("2006-01-02 15:04:05")))
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")

	names := make(map[string]string, len(roster))
	for id, name := range roster {
		names[id] = name
	}
	s.Players.Range(func(id string, p *Player) bool {
		names[id] = p.Name
		return true
	})
	ids := make([]string, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	sb.WriteString("Players:\n")
	for _, id := range ids {
		state := "left"
		if p, ok := s.Players.Get(id); ok {
			state = "connected"
			if !p.Connected {
				state = "disconnected"
			}
		}
		sb.WriteString(fmt.Sprintf("- %s (%s, %s)\n", names[id], id, state))
	}
	sb.WriteString("\n")

	if s.ChatMessages.Len() > 0 {
		sb.WriteString("Chat:\n")
		sb.WriteString(strings.Repeat("-", 40) + "\n")
		for _, msg := range s.ChatMessages.Items() {
			author := names[msg.SessionID]
			if author == "" {
				author = msg.SessionID
			}
			sb.WriteString(fmt.Sprintf("- %s: \"%s\"\n", author, msg.Text))
		}
		sb.WriteString("\n")
	}

	if _, err := file.WriteString(sb.String()); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}
