package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaServer(t *testing.T, replies ...string) (*OllamaClient, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requests = append(requests, body)

		n := len(requests) - 1
		if n >= len(replies) {
			http.Error(w, `{"error":"no more replies"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(replies[n] + "\n"))
	}))
	t.Cleanup(server.Close)

	client, err := NewOllamaClient(server.URL, "mistral")
	require.NoError(t, err)
	return client, &requests
}

func ollamaReply(content string) string {
	raw, _ := json.Marshal(content)
	return `{"model":"mistral","created_at":"2026-01-01T00:00:00Z","message":{"role":"assistant","content":` + string(raw) + `},"done":true}`
}

func TestOllamaClient_Complete(t *testing.T) {
	client, requests := newOllamaServer(t, ollamaReply("Einstein was born in Ulm."))

	got, err := client.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "Einstein was born in Ulm.", got)

	req := (*requests)[0]
	assert.Equal(t, "mistral", req["model"])
	assert.Equal(t, false, req["stream"])
}

func TestOllamaClient_CompleteWithSchema(t *testing.T) {
	client, requests := newOllamaServer(t, ollamaReply(`{"statements":["a"],"entities":[]}`))

	var reply statementsReply
	require.NoError(t, client.CompleteWithSchema(context.Background(), "prompt", &reply))
	assert.Equal(t, []string{"a"}, reply.Statements)

	format, ok := (*requests)[0]["format"].(map[string]any)
	require.True(t, ok, "format should carry the JSON schema")
	assert.Equal(t, "object", format["type"])
}

func TestOllamaClient_ServerError(t *testing.T) {
	client, _ := newOllamaServer(t)
	_, err := client.Complete(context.Background(), "prompt")
	require.Error(t, err)
}

func TestOllamaClient_ToolSession(t *testing.T) {
	call := `{"model":"mistral","created_at":"2026-01-01T00:00:00Z","message":{"role":"assistant","content":"",` +
		`"tool_calls":[{"function":{"name":"emit_triple","arguments":{"subject":"ex:Einstein"}}}]},"done":true}`
	client, requests := newOllamaServer(t, call, ollamaReply("finished"))

	var args []string
	tools := []Tool{{
		Name:        "emit_triple",
		Description: "Emit one triple",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"subject": map[string]any{"type": "string", "description": "Subject URI"}},
			"required":   []any{"subject"},
		},
		Handler: func(_ context.Context, a string) (string, error) {
			args = append(args, a)
			return "ok", nil
		},
	}}

	run, err := RunTools(context.Background(), client, "generate", tools, 4)
	require.NoError(t, err)
	assert.Equal(t, "finished", run.Final)
	assert.Equal(t, 2, run.Iterations)
	require.Len(t, args, 1)
	assert.JSONEq(t, `{"subject":"ex:Einstein"}`, args[0])

	require.Len(t, *requests, 2)
	messages, _ := (*requests)[1]["messages"].([]any)
	require.Len(t, messages, 3)
	last, _ := messages[2].(map[string]any)
	assert.Equal(t, "tool", last["role"])
	assert.Equal(t, "ok", last["content"])
}

func TestOllamaParameters(t *testing.T) {
	params := ollamaParameters(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"triples": map[string]any{
				"type":        "array",
				"description": "Triples to emit.",
				"items":       map[string]any{"type": "object"},
			},
			"mode": map[string]any{"type": "string", "enum": []any{"a", "b"}},
		},
		"required": []any{"triples"},
	})

	assert.Equal(t, []string{"triples"}, params.Required)
	triples, ok := params.Properties.Get("triples")
	require.True(t, ok)
	assert.Equal(t, "Triples to emit.", triples.Description)
	assert.Equal(t, map[string]any{"type": "object"}, triples.Items)
	mode, ok := params.Properties.Get("mode")
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, mode.Enum)

	var names []string
	for name := range params.Properties.All() {
		names = append(names, name)
	}
	assert.Equal(t, []string{"mode", "triples"}, names)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	again, err := json.Marshal(ollamaParameters(map[string]any{
		"properties": map[string]any{
			"mode":    map[string]any{"type": "string", "enum": []any{"a", "b"}},
			"triples": map[string]any{"type": "array", "description": "Triples to emit.", "items": map[string]any{"type": "object"}},
		},
		"required": []string{"triples"},
	}))
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
	assert.Less(t, strings.Index(string(raw), `"mode"`), strings.Index(string(raw), `"triples"`))

	empty := ollamaParameters(nil)
	assert.Equal(t, "object", empty.Type)
	assert.Zero(t, empty.Properties.Len())
}
