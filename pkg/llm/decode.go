package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var codeFenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\n?(.*?)\\s*```$")

// stripMarkdownCodeFence removes markdown code fences from LLM responses.
// Handles formats like: ```json\n...\n``` or ```\n...\n```
func stripMarkdownCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if matches := codeFenceRe.FindStringSubmatch(s); len(matches) == 2 {
		return strings.TrimSpace(matches[1])
	}
	return s
}

// DecodeJSON unmarshals model output into out. It strips code fences,
// unwraps double-encoded JSON and repairs malformed JSON. When the result
// still does not fit out, values are reshaped toward out's type.
func DecodeJSON(raw string, out any, logger *slog.Logger) error {
	input := stripMarkdownCodeFence(raw)
	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var inner string
	if err := json.Unmarshal([]byte(input), &inner); err == nil {
		input = stripMarkdownCodeFence(inner)
		if err := json.Unmarshal([]byte(input), out); err == nil {
			return nil
		}
	}

	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("repair model output: %w", err)
	}

	if err := json.Unmarshal([]byte(repaired), out); err == nil {
		return nil
	}
	target := reflect.TypeOf(out)
	if target == nil {
		return fmt.Errorf("unmarshal model output: nil target")
	}
	reshaped, fixes, err := reshapeJSON([]byte(repaired), target)
	if err != nil {
		return err
	}
	if len(fixes) > 0 && logger != nil {
		logger.Debug("reshaped model output to fit target type", "fixes", fixes)
	}
	if err := json.Unmarshal(reshaped, out); err != nil {
		return fmt.Errorf("unmarshal model output: %w", err)
	}
	return nil
}
