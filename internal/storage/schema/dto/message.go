package dto

import (
	"slices"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitzero"`
}

// Message is one role-tagged entry of a thread, stored in threads.messages.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitzero"`
	ToolCalls  []ToolCall `json:"tool_calls,omitzero"`
	ToolCallID string     `json:"tool_call_id,omitzero"`
	CreatedAt  time.Time  `json:"created_at,omitzero"`
}

func (m Message) Equal(o Message) bool {
	return m.Role == o.Role &&
		m.Content == o.Content &&
		m.ToolCallID == o.ToolCallID &&
		m.CreatedAt.Equal(o.CreatedAt) &&
		slices.Equal(m.ToolCalls, o.ToolCalls)
}

// IsPrefix reports whether prefix is an unchanged leading run of messages.
func IsPrefix(prefix, messages []Message) bool {
	if len(prefix) > len(messages) {
		return false
	}
	return slices.EqualFunc(prefix, messages[:len(prefix)], Message.Equal)
}
