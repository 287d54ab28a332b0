// Package model abstracts the LLM chat providers that drive agent-based
// pipeline modes. Adapters exist for Anthropic, OpenAI, and Google; tests use
// the mock.
package model

import "context"

// ChatModel is the provider-neutral chat interface. Implementations handle
// authentication, format conversion, and provider error translation, and
// respect context cancellation.
type ChatModel interface {
	// Chat sends the conversation and optional tool specs to the provider.
	// The response may contain text, tool calls, or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn of an LLM conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text. May be empty for tool-only turns.
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a callable tool in JSON-schema form. The agent driver
// builds these from the step registry's tool export.
type ToolSpec struct {
	Name        string
	Description string

	// Schema is a JSON-schema object describing the tool's parameters.
	// Optional for tools with no parameters.
	Schema map[string]any
}

// ChatOut is a provider response: text, tool invocations, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall asks the caller to invoke a tool and feed the result back.
type ToolCall struct {
	// Name matches a ToolSpec.Name from the request.
	Name string

	// Input holds the arguments, shaped by the tool's schema.
	Input map[string]any
}
