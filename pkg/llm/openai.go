package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultModel      = "gpt-4o-mini"
	maxRetries        = 3
	initialRetryDelay = 1 * time.Second
	backoffFactor     = 2.0
)

// OpenAILLM implements LLMClient and ToolClient for OpenAI-compatible chat
// completion endpoints.
type OpenAILLM struct {
	Model       string
	Temperature float64
	MaxRetries  int

	client     openai.Client
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewOpenAILLM creates a client. An empty baseURL means api.openai.com and
// an empty model means gpt-4o-mini.
func NewOpenAILLM(apiKey, baseURL, model string) *OpenAILLM {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are handled by create.
		option.WithMaxRetries(0),
		option.WithRequestTimeout(5 * time.Minute),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultModel
	}
	return &OpenAILLM{
		Model:      model,
		MaxRetries: maxRetries,
		client:     openai.NewClient(opts...),
		retryDelay: initialRetryDelay,
	}
}

// WithLogger sets the logger.
func (o *OpenAILLM) WithLogger(logger *slog.Logger) *OpenAILLM {
	o.logger = logger
	return o
}

func (o *OpenAILLM) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	body := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.Model),
		Messages: messages,
	}
	if o.Temperature > 0 {
		body.Temperature = openai.Float(o.Temperature)
	}
	return body
}

// Complete sends a prompt to the chat completions endpoint and returns the response
func (o *OpenAILLM) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := o.create(ctx, o.params([]openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)}))
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// CompleteWithSchema asks for a response conforming to the JSON Schema of
// schema's type and decodes it into schema.
func (o *OpenAILLM) CompleteWithSchema(ctx context.Context, prompt string, schema any) error {
	body := o.params([]openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)})
	body.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   schemaName(schema),
				Schema: SchemaFor(schema),
				Strict: openai.Bool(true),
			},
		},
	}

	msg, err := o.create(ctx, body)
	if err != nil {
		return err
	}
	return DecodeJSON(msg.Content, schema, o.logger)
}

// create calls the endpoint, retrying rate limits, server errors and
// transport failures with jittered exponential backoff.
func (o *OpenAILLM) create(ctx context.Context, body openai.ChatCompletionNewParams) (*openai.ChatCompletionMessage, error) {
	var lastErr error
	delay := o.retryDelay

	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		if attempt > 0 {
			// Jitter between 0.5x and 1.5x of delay.
			jitter := delay/2 + time.Duration(rand.Int63n(int64(delay)+1))
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = time.Duration(float64(delay) * backoffFactor)
		}

		resp, err := o.client.Chat.Completions.New(ctx, body)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, ErrNoChoices
			}
			return &resp.Choices[0].Message, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !shouldRetry(err) {
			return nil, err
		}
		if o.logger != nil {
			o.logger.Warn("chat completion failed, retrying", "attempt", attempt+1, "error", err)
		}
	}

	return nil, fmt.Errorf("failed after %d retries: %w", o.MaxRetries, lastErr)
}

func shouldRetry(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// StartTools opens a tool-calling conversation.
func (o *OpenAILLM) StartTools(prompt string, tools []Tool) ToolSession {
	defs := make([]openai.ChatCompletionToolUnionParam, len(tools))
	for i, tool := range tools {
		defs[i] = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  tool.Parameters,
		})
	}
	return &openAISession{
		llm:      o,
		tools:    defs,
		messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	}
}

type openAISession struct {
	llm      *OpenAILLM
	tools    []openai.ChatCompletionToolUnionParam
	messages []openai.ChatCompletionMessageParamUnion
}

func (s *openAISession) Next(ctx context.Context) ([]ToolCall, string, error) {
	body := s.llm.params(s.messages)
	body.Tools = s.tools

	msg, err := s.llm.create(ctx, body)
	if err != nil {
		return nil, "", err
	}
	if len(msg.ToolCalls) == 0 {
		return nil, msg.Content, nil
	}

	s.messages = append(s.messages, msg.ToParam())
	calls := make([]ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		fn := tc.AsFunction()
		calls = append(calls, ToolCall{ID: fn.ID, Name: fn.Function.Name, Arguments: fn.Function.Arguments})
	}
	return calls, "", nil
}

func (s *openAISession) Respond(call ToolCall, result string) {
	s.messages = append(s.messages, openai.ToolMessage(result, call.ID))
}
