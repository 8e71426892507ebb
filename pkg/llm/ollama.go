package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaClient implements LLMClient and ToolClient using a local Ollama server
type OllamaClient struct {
	model       string
	temperature float64
	client      *api.Client
	logger      *slog.Logger
}

// NewOllamaClient creates a new Ollama LLM client
// baseURL is typically "http://localhost:11434"
// model is the LLM model name, e.g. "mistral"
func NewOllamaClient(baseURL, model string) (*OllamaClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	httpClient := &http.Client{
		Timeout: 300 * time.Second, // 5 minutes for slow local models
	}
	return &OllamaClient{
		model:       model,
		temperature: 0.1,
		client:      api.NewClient(u, httpClient),
	}, nil
}

// WithLogger sets the logger.
func (c *OllamaClient) WithLogger(logger *slog.Logger) *OllamaClient {
	c.logger = logger
	return c
}

func (c *OllamaClient) chat(ctx context.Context, req *api.ChatRequest) (api.Message, error) {
	stream := false
	req.Model = c.model
	req.Stream = &stream
	req.Options = map[string]any{"temperature": c.temperature}

	var final api.Message
	err := c.client.Chat(ctx, req, func(cr api.ChatResponse) error {
		final.Role = cr.Message.Role
		final.Content += cr.Message.Content
		if len(cr.Message.ToolCalls) > 0 {
			final.ToolCalls = cr.Message.ToolCalls
		}
		return nil
	})
	if err != nil {
		return api.Message{}, fmt.Errorf("ollama chat: %w", err)
	}
	return final, nil
}

// Complete sends a prompt to the LLM and returns the raw completion text
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := c.chat(ctx, &api.ChatRequest{
		Messages: []api.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// CompleteWithSchema constrains the response to the JSON Schema of
// schema's type and decodes it into schema.
func (c *OllamaClient) CompleteWithSchema(ctx context.Context, prompt string, schema any) error {
	format, err := json.Marshal(SchemaFor(schema))
	if err != nil {
		return fmt.Errorf("marshal format: %w", err)
	}
	msg, err := c.chat(ctx, &api.ChatRequest{
		Messages: []api.Message{{Role: "user", Content: prompt}},
		Format:   json.RawMessage(format),
	})
	if err != nil {
		return err
	}
	return DecodeJSON(msg.Content, schema, c.logger)
}

// StartTools opens a tool-calling conversation.
func (c *OllamaClient) StartTools(prompt string, tools []Tool) ToolSession {
	defs := make(api.Tools, len(tools))
	for i, tool := range tools {
		defs[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  ollamaParameters(tool.Parameters),
			},
		}
	}
	return &ollamaSession{
		client:   c,
		tools:    defs,
		messages: []api.Message{{Role: "user", Content: prompt}},
	}
}

// ollamaParameters maps a JSON Schema object onto Ollama's tool parameter
// description. Properties are added in name order so the request body is
// stable across calls.
func ollamaParameters(schema map[string]any) api.ToolFunctionParameters {
	params := api.ToolFunctionParameters{
		Type:       "object",
		Required:   []string{},
		Properties: api.NewToolPropertiesMap(),
	}
	if schema == nil {
		return params
	}

	props, _ := schema["properties"].(map[string]any)
	for _, name := range slices.Sorted(maps.Keys(props)) {
		propMap, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		tp := api.ToolProperty{}
		if t, ok := propMap["type"].(string); ok {
			tp.Type = api.PropertyType([]string{t})
		}
		if desc, ok := propMap["description"].(string); ok {
			tp.Description = desc
		}
		if items, ok := propMap["items"]; ok {
			tp.Items = items
		}
		if enum, ok := propMap["enum"].([]any); ok {
			tp.Enum = enum
		}
		params.Properties.Set(name, tp)
	}

	switch req := schema["required"].(type) {
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				params.Required = append(params.Required, s)
			}
		}
	case []string:
		params.Required = req
	}
	return params
}

type ollamaSession struct {
	client   *OllamaClient
	tools    api.Tools
	messages []api.Message
	seq      int
}

func (s *ollamaSession) Next(ctx context.Context) ([]ToolCall, string, error) {
	msg, err := s.client.chat(ctx, &api.ChatRequest{
		Messages: s.messages,
		Tools:    s.tools,
	})
	if err != nil {
		return nil, "", err
	}
	if len(msg.ToolCalls) == 0 {
		return nil, msg.Content, nil
	}

	s.messages = append(s.messages, msg)
	calls := make([]ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return nil, "", fmt.Errorf("marshal tool arguments: %w", err)
		}
		s.seq++
		calls = append(calls, ToolCall{
			ID:        "call_" + strconv.Itoa(s.seq),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	return calls, "", nil
}

func (s *ollamaSession) Respond(_ ToolCall, result string) {
	s.messages = append(s.messages, api.Message{Role: "tool", Content: result})
}
