package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is an LLM request to invoke a tool. Arguments is the raw JSON
// object produced by the model; it is validated against the tool's schema
// before execution.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is a single entry in a session's conversation history.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool-result messages and link the
	// result back to the assistant tool call that produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, CreatedAt: time.Now()}
}

// NewToolResultMessage creates a tool-result message linked to the assistant
// tool call that requested it.
func NewToolResultMessage(callID, toolName, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		ToolName:   toolName,
		CreatedAt:  time.Now(),
	}
}
