package conversation

import (
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const TimestampLayout = "2006-01-02 15:04:05"

type Metrics struct {
	MessageCount      int
	UserMessages      int
	AssistantMessages int
	UnknownMessages   int
	CharacterCount    int
	// AverageLength is CharacterCount / MessageCount, truncated; 0 for no messages.
	AverageLength int
}

// Format renders messages oldest first, one line per message, and derives
// Metrics in the same pass. It does not modify messages.
func Format(messages []Message) (string, Metrics) {
	var metrics Metrics
	if len(messages) == 0 {
		return "", metrics
	}

	ordered := slices.Clone(messages)
	slices.SortStableFunc(ordered, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	lines := make([]string, 0, len(ordered))
	for _, msg := range ordered {
		text := strings.TrimSpace(msg.Text)
		metrics.MessageCount++
		metrics.CharacterCount += CharacterCount(text)
		switch msg.Role() {
		case RoleUser:
			metrics.UserMessages++
		case RoleAssistant:
			metrics.AssistantMessages++
		default:
			metrics.UnknownMessages++
		}

		var line strings.Builder
		line.WriteString(msg.Speaker())
		if !msg.CreatedAt.IsZero() {
			line.WriteString(" [")
			line.WriteString(msg.CreatedAt.UTC().Format(TimestampLayout))
			line.WriteString("]")
		}
		line.WriteString(": ")
		line.WriteString(text)
		lines = append(lines, line.String())
	}
	metrics.AverageLength = metrics.CharacterCount / metrics.MessageCount
	return strings.Join(lines, "\n"), metrics
}

// CharacterCount counts user-perceived characters as NFC code points, so a
// decomposed "é" counts once.
func CharacterCount(s string) int {
	return utf8.RuneCountInString(norm.NFC.String(s))
}

// Truncate shortens s to at most limit NFC code points.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = norm.NFC.String(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// IsBlank reports whether no message carries any text. Speaker lines alone
// are not content.
func IsBlank(messages []Message) bool {
	for _, msg := range messages {
		if strings.TrimSpace(msg.Text) != "" {
			return false
		}
	}
	return true
}
