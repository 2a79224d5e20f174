package event

import (
	"encoding/json"
	"fmt"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn sent to a backend. On the wire its
// content is either a plain string or a list of tagged blocks.
type Message struct {
	Role    Role   `json:"role"`
	Content Blocks `json:"content"`
}

// UserText builds a single-text user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: Blocks{Text{Text: text}}}
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	if m.Role == "" {
		m.Role = RoleUser
	}
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		m.Content = nil
		return nil
	}

	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		m.Content = Blocks{Text{Text: text}}
		return nil
	}
	var blocks Blocks
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	m.Content = blocks
	return nil
}
