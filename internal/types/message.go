// Package types provides the request/response types shared across the gateway.
package types

// Role constants for message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewTextMessage creates a message with the given role and content.
func NewTextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// CloneMessages returns a copy of the message slice. The gateway works on
// copies so a caller's slice is never mutated by context optimization.
func CloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
