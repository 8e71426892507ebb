package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// DefaultMaxIterations bounds a tool conversation when the caller sets no
// limit.
const DefaultMaxIterations = 10

// CallRecord is one executed tool call.
type CallRecord struct {
	Iteration int    `json:"iteration"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
	Error     string `json:"error,omitempty"`
}

// ToolRun is the outcome of one RunTools invocation. Every invocation
// returns its own run; nothing is shared between calls.
type ToolRun struct {
	Final      string
	Iterations int
	HitLimit   bool
	Calls      []CallRecord
}

// RunTools drives a tool conversation until the model answers without
// calling a tool or maxIterations model turns have been spent. Reaching
// the limit is not an error: the run comes back with HitLimit set and
// whatever the handlers collected so far stays with the caller.
//
// Handler errors and unknown tool names are reported back to the model as
// the tool result so it can correct itself.
func RunTools(ctx context.Context, client ToolClient, prompt string, tools []Tool, maxIterations int) (*ToolRun, error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	handlers := make(map[string]ToolHandler, len(tools))
	for _, t := range tools {
		handlers[t.Name] = t.Handler
	}

	session := client.StartTools(prompt, tools)
	run := &ToolRun{}
	for run.Iterations < maxIterations {
		calls, final, err := session.Next(ctx)
		run.Iterations++
		if err != nil {
			return run, fmt.Errorf("tool turn %d: %w", run.Iterations, err)
		}
		if len(calls) == 0 {
			run.Final = final
			return run, nil
		}

		for _, call := range calls {
			rec := CallRecord{Iteration: run.Iterations, Name: call.Name, Arguments: call.Arguments}
			handler, ok := handlers[call.Name]
			if !ok {
				rec.Error = "unknown tool " + call.Name
			} else if result, err := handler(ctx, call.Arguments); err != nil {
				if ctx.Err() != nil {
					return run, ctx.Err()
				}
				rec.Error = err.Error()
			} else {
				rec.Result = result
			}

			reply := rec.Result
			if rec.Error != "" {
				reply = "error: " + rec.Error
			}
			session.Respond(call, reply)
			run.Calls = append(run.Calls, rec)
		}
	}

	run.HitLimit = true
	return run, nil
}

// SchemaFor reflects the JSON Schema of v's type into the map form tool
// definitions carry.
func SchemaFor(v any) map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	schema := reflector.ReflectFromType(t)

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("llm: marshal schema for %s: %v", t, err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("llm: decode schema for %s: %v", t, err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

func schemaName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return "response"
	}
	return t.Name()
}
