// Package llm provides completion clients for OpenAI-compatible and Ollama
// endpoints, and a provider-neutral tool-calling loop.
package llm

import (
	"context"
	"errors"
)

// LLMClient defines the interface for interacting with large language models
type LLMClient interface {
	// Complete sends a prompt to the LLM and returns the raw completion text
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSchema sends a prompt and unmarshals the response into the provided schema
	// The schema parameter should be a pointer to the target struct
	CompleteWithSchema(ctx context.Context, prompt string, schema any) error
}

// ToolClient is an LLMClient that can also hold a tool-calling conversation.
type ToolClient interface {
	LLMClient

	// StartTools opens a conversation seeded with prompt in which the model
	// may call tools.
	StartTools(prompt string, tools []Tool) ToolSession
}

// ToolSession is one tool-calling conversation. Next asks the model for its
// next turn; it returns either tool calls to answer with Respond, or the
// final text when calls is empty.
type ToolSession interface {
	Next(ctx context.Context) (calls []ToolCall, final string, err error)
	Respond(call ToolCall, result string)
}

// ToolHandler executes a tool call. arguments is the JSON-encoded argument
// object produced by the model.
type ToolHandler func(ctx context.Context, arguments string) (string, error)

// Tool is a function the model can call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema of the argument object
	Handler     ToolHandler
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ErrNoChoices is returned when a provider answers without any message.
var ErrNoChoices = errors.New("no completion choices returned")
