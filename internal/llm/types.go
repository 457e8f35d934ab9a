// Package llm provides the chat-completion clients used by the correction
// and semantic stages. Providers speak their native HTTP APIs directly; the
// rest of the pipeline only sees Request, Response and the Provider interface.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a function invocation emitted by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is a provider-independent completion request.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int

	// Tools, when set, offers function calling. ForceTool names a tool the
	// model must call.
	Tools     []Tool
	ForceTool string
}

// Response is a provider-independent completion result.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is a chat-completion backend.
type Provider interface {
	// Name identifies the provider kind (openai, anthropic, gemini).
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Complete runs one chat completion.
	Complete(ctx context.Context, req Request) (*Response, error)
}
