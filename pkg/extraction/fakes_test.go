package extraction

import (
	"context"
	"errors"

	"github.com/dan-solli/ontograph/pkg/llm"
)

// fakeLLMClient is a test implementation of llm.LLMClient. Responses are
// handed out in order; the last one repeats.
type fakeLLMClient struct {
	responses []string
	err       error
	prompts   []string
}

func (f *fakeLLMClient) next(prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	i := min(len(f.prompts)-1, len(f.responses)-1)
	return f.responses[i], nil
}

func (f *fakeLLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	return f.next(prompt)
}

func (f *fakeLLMClient) CompleteWithSchema(ctx context.Context, prompt string, schema any) error {
	raw, err := f.next(prompt)
	if err != nil {
		return err
	}
	// Decode leniently, just like the real clients do
	return llm.DecodeJSON(raw, schema, nil)
}

// scriptedTools is a test llm.ToolClient. Each conversation plays turns in
// order and then answers final; with loop set it repeats the first turn
// forever.
type scriptedTools struct {
	fakeLLMClient
	turns [][]llm.ToolCall
	final string
	loop  bool
	err   error

	prompts []string
	tools   [][]string
	replies []string
}

func (s *scriptedTools) StartTools(prompt string, tools []llm.Tool) llm.ToolSession {
	s.prompts = append(s.prompts, prompt)
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	s.tools = append(s.tools, names)
	return &scriptedSession{client: s}
}

type scriptedSession struct {
	client *scriptedTools
	turn   int
}

func (ss *scriptedSession) Next(ctx context.Context) ([]llm.ToolCall, string, error) {
	if ss.client.err != nil {
		return nil, "", ss.client.err
	}
	if ss.client.loop && len(ss.client.turns) > 0 {
		return ss.client.turns[0], "", nil
	}
	if ss.turn < len(ss.client.turns) {
		calls := ss.client.turns[ss.turn]
		ss.turn++
		return calls, "", nil
	}
	return nil, ss.client.final, nil
}

func (ss *scriptedSession) Respond(call llm.ToolCall, result string) {
	ss.client.replies = append(ss.client.replies, result)
}
