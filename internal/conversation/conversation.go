// Package conversation models conversations pulled from the source API and
// renders them as plain-text transcripts.
package conversation

import (
	"strings"
	"time"
)

type Conversation struct {
	ID        string
	BotID     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LastActivity is the later of CreatedAt and UpdatedAt.
func (c Conversation) LastActivity() time.Time {
	if c.UpdatedAt.After(c.CreatedAt) {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleUnknown   Role = "unknown"
)

type Message struct {
	ID             string
	ConversationID string
	CreatedAt      time.Time
	// Machine is the explicit is-machine flag. When set it wins over RawRole.
	Machine *bool
	RawRole string
	Text    string
}

func (m Message) Role() Role {
	if m.Machine != nil {
		if *m.Machine {
			return RoleAssistant
		}
		return RoleUser
	}
	switch strings.ToLower(strings.TrimSpace(m.RawRole)) {
	case "user", "human":
		return RoleUser
	case "assistant", "bot", "ai":
		return RoleAssistant
	default:
		return RoleUnknown
	}
}

// Speaker is the display label used in transcripts.
func (m Message) Speaker() string {
	switch m.Role() {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	}
	raw := strings.TrimSpace(m.RawRole)
	if raw == "" {
		return "Unknown"
	}
	return "Unknown (" + raw + ")"
}
