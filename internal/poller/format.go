package poller

import (
	"fmt"
	"strings"

	"lurkbot/internal/models"
)

const timestampLayout = "2006-01-02 15:04:05"

// batch is what one fetch produced, with self-authored messages removed.
type batch struct {
	messages  []models.Message // newest first
	candidate *models.MessageRef
	pinged    bool
}

// collect filters a newest-first history page. The first message kept is the
// newest one and becomes the candidate cursor.
func collect(history []models.Message, self models.Author) batch {
	var b batch
	selfName := strings.ToLower(self.Name)
	for _, m := range history {
		if m.Author.ID == self.ID {
			continue
		}
		if b.candidate == nil {
			ref := m.Ref()
			b.candidate = &ref
		}
		if m.MentionsID(self.ID) || (selfName != "" && strings.Contains(strings.ToLower(m.Content), selfName)) {
			b.pinged = true
		}
		b.messages = append(b.messages, m)
	}
	return b
}

// formatMessages renders newest-first messages as an oldest-first transcript:
//
//	alice [2024-01-01 00:00:00]: lurker, hello
func formatMessages(messages []models.Message, self models.Author) string {
	lines := make([]string, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		prefix := ""
		if m.MentionsID(self.ID) {
			prefix = self.Name + ", "
		}
		lines = append(lines, fmt.Sprintf("%s [%s]: %s%s",
			m.Author.Name, m.CreatedAt.UTC().Format(timestampLayout), prefix, m.Content))
	}
	return strings.Join(lines, "\n")
}
