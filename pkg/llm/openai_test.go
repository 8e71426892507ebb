package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func completion(content string) string {
	raw, _ := json.Marshal(content)
	return `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",` +
		`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` + string(raw) + `}}],` +
		`"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`
}

// chatServer answers each request with the next canned response and keeps
// the decoded request bodies.
type chatServer struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	requests  []map[string]any
	headers   []http.Header
}

func (s *chatServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		s.requests = append(s.requests, body)
		s.headers = append(s.headers, r.Header.Clone())

		n := len(s.requests) - 1
		if n >= len(s.responses) {
			t.Errorf("unexpected request %d", n+1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.responses[n](w)
	}
}

func ok(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func status(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}
}

func newTestLLM(t *testing.T, responses ...func(w http.ResponseWriter)) (*OpenAILLM, *chatServer) {
	t.Helper()
	cs := &chatServer{responses: responses}
	server := httptest.NewServer(cs.handler(t))
	t.Cleanup(server.Close)

	client := NewOpenAILLM("test-key", server.URL, "")
	client.retryDelay = time.Millisecond
	return client, cs
}

func TestOpenAILLMComplete_Success(t *testing.T) {
	client, cs := newTestLLM(t, ok(completion("Test response from LLM")))

	result, err := client.Complete(context.Background(), "test prompt")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if result != "Test response from LLM" {
		t.Errorf("Expected 'Test response from LLM', got %s", result)
	}

	if got := cs.headers[0].Get("Authorization"); got != "Bearer test-key" {
		t.Errorf("Expected Bearer test-key, got %s", got)
	}
	if got := cs.requests[0]["model"]; got != defaultModel {
		t.Errorf("Expected model %s, got %v", defaultModel, got)
	}
	if _, set := cs.requests[0]["temperature"]; set {
		t.Error("temperature should be omitted when unset")
	}
}

func TestOpenAILLMComplete_EmptyResponse(t *testing.T) {
	client, _ := newTestLLM(t, ok(`{"id":"x","object":"chat.completion","choices":[]}`))

	_, err := client.Complete(context.Background(), "test prompt")
	if err == nil {
		t.Fatal("Expected error for empty response, got nil")
	}
	if err != ErrNoChoices {
		t.Errorf("Expected ErrNoChoices, got: %v", err)
	}
}

func TestOpenAILLMComplete_NoRetryOnClientError(t *testing.T) {
	client, cs := newTestLLM(t, status(http.StatusBadRequest))

	_, err := client.Complete(context.Background(), "test prompt")
	if err == nil {
		t.Fatal("Expected error for 400 status, got nil")
	}
	if len(cs.requests) != 1 {
		t.Errorf("Expected 1 request, got %d", len(cs.requests))
	}
}

func TestOpenAILLMComplete_RetriesServerErrors(t *testing.T) {
	client, cs := newTestLLM(t,
		status(http.StatusServiceUnavailable),
		status(http.StatusTooManyRequests),
		ok(completion("finally")),
	)

	result, err := client.Complete(context.Background(), "test prompt")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if result != "finally" {
		t.Errorf("Expected 'finally', got %s", result)
	}
	if len(cs.requests) != 3 {
		t.Errorf("Expected 3 requests, got %d", len(cs.requests))
	}
}

func TestOpenAILLMComplete_GivesUpAfterMaxRetries(t *testing.T) {
	client, cs := newTestLLM(t,
		status(http.StatusInternalServerError),
		status(http.StatusInternalServerError),
	)
	client.MaxRetries = 1

	_, err := client.Complete(context.Background(), "test prompt")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "failed after 1 retries") {
		t.Errorf("Expected retry exhaustion error, got: %v", err)
	}
	if len(cs.requests) != 2 {
		t.Errorf("Expected 2 requests, got %d", len(cs.requests))
	}
}

func TestOpenAILLMComplete_ContextCancelled(t *testing.T) {
	client, _ := newTestLLM(t, status(http.StatusInternalServerError))
	client.retryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, "test prompt")
	if err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

type statementsReply struct {
	Statements []string `json:"statements"`
	Entities   []struct {
		Label string `json:"label"`
		Type  string `json:"type"`
	} `json:"entities"`
}

func TestOpenAILLMCompleteWithSchema(t *testing.T) {
	fenced := "```json\n{\"statements\": [\"Einstein was born in Ulm.\"], \"entities\": [{\"label\": \"Ulm\", \"type\": \"City\"}]}\n```"
	client, cs := newTestLLM(t, ok(completion(fenced)))

	var reply statementsReply
	if err := client.CompleteWithSchema(context.Background(), "extract", &reply); err != nil {
		t.Fatalf("CompleteWithSchema failed: %v", err)
	}
	if len(reply.Statements) != 1 || reply.Statements[0] != "Einstein was born in Ulm." {
		t.Errorf("unexpected statements %v", reply.Statements)
	}
	if len(reply.Entities) != 1 || reply.Entities[0].Type != "City" {
		t.Errorf("unexpected entities %v", reply.Entities)
	}

	format, _ := cs.requests[0]["response_format"].(map[string]any)
	if format["type"] != "json_schema" {
		t.Fatalf("Expected json_schema response format, got %v", cs.requests[0]["response_format"])
	}
	jsonSchema, _ := format["json_schema"].(map[string]any)
	if jsonSchema["name"] != "statementsReply" {
		t.Errorf("Expected schema name statementsReply, got %v", jsonSchema["name"])
	}
	if jsonSchema["strict"] != true {
		t.Errorf("Expected strict schema, got %v", jsonSchema["strict"])
	}
}

func TestOpenAILLMCompleteWithSchema_InvalidJSON(t *testing.T) {
	client, _ := newTestLLM(t, ok(completion("I cannot do that.")))

	var reply statementsReply
	if err := client.CompleteWithSchema(context.Background(), "extract", &reply); err == nil {
		t.Fatal("Expected error for non-JSON reply, got nil")
	}
}

func toolCallCompletion(id, name, args string) string {
	rawArgs, _ := json.Marshal(args)
	return `{"id":"cmpl-2","object":"chat.completion","created":1,"model":"gpt-4o-mini",` +
		`"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":null,` +
		`"tool_calls":[{"id":"` + id + `","type":"function","function":{"name":"` + name + `","arguments":` + string(rawArgs) + `}}]}}]}`
}

func TestOpenAILLM_ToolSession(t *testing.T) {
	client, cs := newTestLLM(t,
		ok(toolCallCompletion("call_1", "find_rdf_class", `{"query":"city"}`)),
		ok(completion("done")),
	)

	var got []string
	tools := []Tool{{
		Name:        "find_rdf_class",
		Description: "Search classes",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"query": map[string]any{"type": "string"}}},
		Handler: func(_ context.Context, args string) (string, error) {
			got = append(got, args)
			return "schema:City", nil
		},
	}}

	run, err := RunTools(context.Background(), client, "generate", tools, 5)
	if err != nil {
		t.Fatalf("RunTools failed: %v", err)
	}
	if run.Final != "done" || run.Iterations != 2 || run.HitLimit {
		t.Errorf("unexpected run %+v", run)
	}
	if len(got) != 1 || got[0] != `{"query":"city"}` {
		t.Errorf("unexpected handler arguments %v", got)
	}

	if len(cs.requests) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(cs.requests))
	}
	if _, ok := cs.requests[0]["tools"]; !ok {
		t.Error("tools missing from request")
	}
	messages, _ := cs.requests[1]["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("Expected user, assistant and tool messages, got %d", len(messages))
	}
	last, _ := messages[2].(map[string]any)
	if last["role"] != "tool" || last["tool_call_id"] != "call_1" || last["content"] != "schema:City" {
		t.Errorf("unexpected tool message %v", last)
	}
}
