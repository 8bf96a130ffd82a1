package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/casebridge/internal/conversation"
)

// flexString accepts JSON strings and numbers.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(str))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = flexString(num.String())
	return nil
}

// flexTime accepts unix seconds (number or numeric string) and RFC 3339.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = flexTime(time.Time{})
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*t = flexTime(time.Time{})
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			*t = flexTime(parsed.UTC())
			return nil
		}
		if parsed, err := time.Parse("2006-01-02 15:04:05", raw); err == nil {
			*t = flexTime(parsed.UTC())
			return nil
		}
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %s", data)
	}
	if seconds <= 0 {
		*t = flexTime(time.Time{})
		return nil
	}
	whole, frac := math.Modf(seconds)
	*t = flexTime(time.Unix(int64(whole), int64(frac*1e9)).UTC())
	return nil
}

func (t flexTime) Time() time.Time { return time.Time(t) }

type conversationPayload struct {
	ID        flexString `json:"id"`
	BotID     flexString `json:"bot_id"`
	Name      string     `json:"name"`
	CreatedAt flexTime   `json:"created_at"`
	UpdatedAt flexTime   `json:"updated_at"`
}

func (p conversationPayload) toConversation() conversation.Conversation {
	return conversation.Conversation{
		ID:        string(p.ID),
		BotID:     string(p.BotID),
		Name:      strings.TrimSpace(p.Name),
		CreatedAt: p.CreatedAt.Time(),
		UpdatedAt: p.UpdatedAt.Time(),
	}
}

type messagePayload struct {
	ID             flexString `json:"id"`
	ConversationID flexString `json:"conversation_id"`
	Content        string     `json:"content"`
	Text           string     `json:"text"`
	Machine        *bool      `json:"machine"`
	Role           string     `json:"role"`
	CreatedAt      flexTime   `json:"created_at"`
}

func (p messagePayload) toMessage(conversationID string) conversation.Message {
	text := p.Content
	if text == "" {
		text = p.Text
	}
	convID := string(p.ConversationID)
	if convID == "" {
		convID = conversationID
	}
	return conversation.Message{
		ID:             string(p.ID),
		ConversationID: convID,
		CreatedAt:      p.CreatedAt.Time(),
		Machine:        p.Machine,
		RawRole:        p.Role,
		Text:           text,
	}
}

type listEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
	Meta struct {
		Pagination struct {
			Links struct {
				Next string `json:"next"`
			} `json:"links"`
		} `json:"pagination"`
	} `json:"meta"`
}

// decodePage unwraps either a bare array or a {"data": [...]} envelope and
// returns the raw items plus the next-page link, if any.
func decodePage(body []byte) ([]json.RawMessage, string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, "", nil
	}
	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, "", err
		}
		return items, "", nil
	case '{':
		var envelope listEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, "", err
		}
		var items []json.RawMessage
		if len(envelope.Data) > 0 && !bytes.Equal(envelope.Data, []byte("null")) {
			if err := json.Unmarshal(envelope.Data, &items); err != nil {
				return nil, "", fmt.Errorf("data field is not a list: %w", err)
			}
		}
		next := envelope.Meta.Pagination.Links.Next
		if next == "" {
			next = envelope.Links.Next
		}
		return items, strings.TrimSpace(next), nil
	default:
		return nil, "", fmt.Errorf("unexpected response format")
	}
}
