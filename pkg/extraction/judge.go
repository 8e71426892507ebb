package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dan-solli/ontograph/pkg/llm"
)

// fallbackScore is used when the model gives no usable score.
const fallbackScore = 0.5

// Score is a judge score in [0,1]. It decodes numbers and numeric strings,
// clamping out-of-range values; anything else decodes as 0.5.
type Score float64

func (s *Score) UnmarshalJSON(data []byte) error {
	*s = Score(parseScore(data))
	return nil
}

func parseScore(data []byte) float64 {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fallbackScore
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return fallbackScore
		}
		f = parsed
	default:
		return fallbackScore
	}
	return min(max(f, 0), 1)
}

// Flag is a judge verdict. It decodes booleans and the strings true, yes,
// 1 and valid (any case) as true.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		*f = false
		return nil
	}
	switch t := v.(type) {
	case bool:
		*f = Flag(t)
	case float64:
		*f = t == 1
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1", "valid":
			*f = true
		default:
			*f = false
		}
	default:
		*f = false
	}
	return nil
}

// StatementScores is the statement quality judge's verdict on a chunk's
// statements.
type StatementScores struct {
	Completeness     Score  `json:"completeness" jsonschema:"description=How much of the factual content of the source the statements capture (0 to 1)"`
	Atomicity        Score  `json:"atomicity" jsonschema:"description=How well each statement expresses exactly one fact (0 to 1)"`
	Accuracy         Score  `json:"accuracy" jsonschema:"description=How faithful the statements are to the source (0 to 1)"`
	LinkPreservation Score  `json:"link_preservation" jsonschema:"description=How well the markdown entity links were kept (0 to 1)"`
	Reasoning        string `json:"reasoning" jsonschema:"description=Brief justification"`
}

// Weighted returns the equally weighted mean of the four scores.
func (s StatementScores) Weighted() float64 {
	return 0.25*float64(s.Completeness) +
		0.25*float64(s.Atomicity) +
		0.25*float64(s.Accuracy) +
		0.25*float64(s.LinkPreservation)
}

const statementJudgePrompt = `You are judging statements extracted from a Wikipedia chunk.

Score each criterion from 0 to 1:
- completeness: the statements capture the factual content of the source
- atomicity: each statement expresses exactly one fact
- accuracy: every statement is supported by the source
- link_preservation: markdown links such as [Ulm](/wiki/Ulm) from the source are kept

Section context: %s

Source:
---
%s
---

Statements:
%s

Return ONLY valid JSON:
{"completeness": 0.0, "atomicity": 0.0, "accuracy": 0.0, "link_preservation": 0.0, "reasoning": "..."}`

// StatementJudge scores extracted statements against their source chunk.
type StatementJudge struct {
	LLM llm.LLMClient
}

// NewStatementJudge creates a statement quality judge.
func NewStatementJudge(client llm.LLMClient) *StatementJudge {
	return &StatementJudge{LLM: client}
}

// Judge scores statements. Missing scores count as 0.5.
func (j *StatementJudge) Judge(ctx context.Context, breadcrumb, source string, statements []string) (StatementScores, error) {
	scores := StatementScores{
		Completeness:     fallbackScore,
		Atomicity:        fallbackScore,
		Accuracy:         fallbackScore,
		LinkPreservation: fallbackScore,
	}
	prompt := fmt.Sprintf(statementJudgePrompt, breadcrumb, source, bulleted(statements))
	if err := j.LLM.CompleteWithSchema(ctx, prompt, &scores); err != nil {
		return StatementScores{}, fmt.Errorf("failed to judge statements: %w", err)
	}
	return scores, nil
}

// TripleScores is the triple quality judge's verdict on generated RDF.
type TripleScores struct {
	SyntaxValid       Flag   `json:"syntax_valid" jsonschema:"description=Whether the Turtle is syntactically valid"`
	URIsCorrect       Flag   `json:"uris_correct" jsonschema:"description=Whether entity URIs are well formed and consistent"`
	SchemaConformance Score  `json:"schema_conformance" jsonschema:"description=How well classes and properties follow the schema (0 to 1)"`
	Completeness      Score  `json:"completeness" jsonschema:"description=How much of the statements the triples capture (0 to 1)"`
	Reasoning         string `json:"reasoning" jsonschema:"description=Brief justification"`
}

// Weighted combines the verdicts: syntax and URIs 0.3 each, schema
// conformance and completeness 0.2 each.
func (s TripleScores) Weighted() float64 {
	return 0.3*flagScore(s.SyntaxValid) +
		0.3*flagScore(s.URIsCorrect) +
		0.2*float64(s.SchemaConformance) +
		0.2*float64(s.Completeness)
}

func flagScore(f Flag) float64 {
	if f {
		return 1
	}
	return 0
}

const tripleJudgePrompt = `You are judging RDF triples generated from factual statements.

Evaluate:
- syntax_valid: true if the Turtle parses
- uris_correct: true if entity URIs are well formed and consistent
- schema_conformance: 0 to 1, how well classes and properties follow the schema context
- completeness: 0 to 1, how much of the statements the triples capture

Schema context:
%s

Statements:
%s

Turtle:
` + "```turtle\n%s\n```" + `

Return ONLY valid JSON:
{"syntax_valid": true, "uris_correct": true, "schema_conformance": 0.0, "completeness": 0.0, "reasoning": "..."}`

// TripleJudge scores generated Turtle against its statements.
type TripleJudge struct {
	LLM llm.LLMClient
}

// NewTripleJudge creates a triple quality judge.
func NewTripleJudge(client llm.LLMClient) *TripleJudge {
	return &TripleJudge{LLM: client}
}

// Judge scores turtle generated from statements.
func (j *TripleJudge) Judge(ctx context.Context, schemaContext string, statements []string, turtle string) (TripleScores, error) {
	scores := TripleScores{
		SchemaConformance: fallbackScore,
		Completeness:      fallbackScore,
	}
	prompt := fmt.Sprintf(tripleJudgePrompt, schemaContext, bulleted(statements), turtle)
	if err := j.LLM.CompleteWithSchema(ctx, prompt, &scores); err != nil {
		return TripleScores{}, fmt.Errorf("failed to judge triples: %w", err)
	}
	return scores, nil
}

func bulleted(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, s := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(s)
	}
	return b.String()
}
