package usecase

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"telegram-chatbot/internal/domain"
)

const helpText = `Commands:
/start or /hello - Greeting
/newsession - List available models
/newsession <number> - Start a new chat session with that model
/listsessions - List your sessions
/switch <number> - Switch to a session (e.g., /switch 1)
/history - Show recent messages in the current session
/status - Check bot and inference status
/echo <text> - Echo back text

Archive Commands:
/archive - List sessions to archive
/archive <number> - Move a session to the archive store
/listarchives - List your archived sessions
/export <number> - Export an archive as a file
(Send a JSON file back to import an archive)

Send any text message to chat with the AI model.`

const (
	historyDisplayCount  = 5
	historyPreviewLength = 100
)

// shortID trims a session id to the 8-character prefix shown to users.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sessionLine(index int, s domain.Session) string {
	active := ""
	if s.IsActive {
		active = " (active)"
	}
	retired := ""
	if s.ModelRetired {
		retired = " (retired)"
	}
	ts := time.Unix(s.LastMessageTS, 0).UTC().Format("2006-01-02 15:04")
	return fmt.Sprintf("%d. %s%s (%s)%s - %d msgs - Last: %s",
		index, s.ModelName, retired, shortID(s.SessionID), active, len(s.Conversation), ts)
}

func formatSessionList(header string, sessions []domain.Session, footer string) string {
	var b strings.Builder
	b.WriteString(header)
	for i, s := range sessions {
		b.WriteString("\n")
		b.WriteString(sessionLine(i+1, s))
	}
	if footer != "" {
		b.WriteString("\n\n")
		b.WriteString(footer)
	}
	return b.String()
}

func formatCatalog(catalog []string) string {
	var b strings.Builder
	b.WriteString("Available models:")
	for i, m := range catalog {
		fmt.Fprintf(&b, "\n%d. %s", i+1, m)
	}
	b.WriteString("\n\nUse /newsession <number> to start a session (e.g., /newsession 1)")
	return b.String()
}

func formatArchiveList(infos []domain.ArchiveInfo) string {
	var b strings.Builder
	b.WriteString("Your archived sessions:")
	for i, a := range infos {
		sizeKB := float64(a.Size) / 1024
		last := a.LastModified
		if last == "" {
			last = "N/A"
		}
		fmt.Fprintf(&b, "\n%d. Archive %s - %.1fKB - %s", i+1, shortID(a.SessionID), sizeKB, last)
	}
	b.WriteString("\n\nUse /export <number> to download an archive.")
	return b.String()
}

func formatHistory(s *domain.Session) string {
	conv := s.Conversation
	if len(conv) > historyDisplayCount {
		conv = conv[len(conv)-historyDisplayCount:]
	}
	var b strings.Builder
	b.WriteString("Recent conversation:")
	for _, m := range conv {
		role := m.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		content := m.Content
		// Truncate on a rune boundary so multibyte text is never split
		// mid-sequence.
		if utf8.RuneCountInString(content) > historyPreviewLength {
			runes := []rune(content)
			content = string(runes[:historyPreviewLength]) + "..."
		}
		ts := time.Unix(m.TS, 0).UTC().Format("15:04")
		fmt.Fprintf(&b, "\n%s (%s): %s", role, ts, content)
	}
	return b.String()
}

// parseIndex reads a 1-based index from a command payload. The bool result
// reports whether the payload was numeric at all.
func parseIndex(payload string) (int, bool) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return 0, false
	}
	n := 0
	for _, r := range payload {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
		if n > 1<<20 {
			return 0, false
		}
	}
	return n, true
}
