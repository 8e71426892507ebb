package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dan-solli/ontograph/pkg/incremental"
	"github.com/dan-solli/ontograph/pkg/llm"
	"github.com/dan-solli/ontograph/pkg/provenance"
)

// Verdict is one classified statement as returned by the model.
type Verdict struct {
	Index          int    `json:"index" jsonschema:"description=Number of the statement as listed"`
	Classification string `json:"classification" jsonschema:"enum=GOOD,enum=BAD"`
	Reason         string `json:"reason" jsonschema:"description=Short reason for the verdict"`
}

// ClassificationReply is the structured answer of the classification call.
type ClassificationReply struct {
	Classifications []Verdict `json:"classifications"`
	MissingFacts    string    `json:"missing_facts" jsonschema:"description=Facts in the source that no statement captures or none"`
}

const classifyPrompt = `You are reviewing statements extracted from a Wikipedia chunk.

Classify every statement as GOOD or BAD. A GOOD statement:
- asserts exactly one fact that the source supports
- names all of its entities explicitly (no pronouns or references to other statements)
- keeps the markdown links of the source

Also list facts in the source that no statement captures, or "none".

Section context: %s

Source:
---
%s
---

Statements:
%s

Return ONLY valid JSON:
{"classifications": [{"index": 1, "classification": "GOOD", "reason": "..."}], "missing_facts": "..."}`

// Classifier labels each statement of a chunk GOOD or BAD.
type Classifier struct {
	LLM llm.LLMClient
	// Judge, when set, adds a statement quality score to every result.
	Judge  *StatementJudge
	Logger *slog.Logger
}

// NewClassifier creates a classifier.
func NewClassifier(client llm.LLMClient) *Classifier {
	return &Classifier{LLM: client}
}

func (c *Classifier) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// Classify returns one classification per statement, in statement order.
// Statements the model skipped are classified BAD; verdicts for unknown
// indexes are ignored. Score is the fraction classified GOOD.
func (c *Classifier) Classify(ctx context.Context, breadcrumb, source string, statements []string) (*provenance.ClassificationData, error) {
	data := &provenance.ClassificationData{Classifications: []provenance.Classification{}}
	if len(statements) == 0 {
		data.MissingFacts = "none"
		return data, nil
	}

	prompt := fmt.Sprintf(classifyPrompt, breadcrumb, source, numbered(statements))
	var reply ClassificationReply
	if err := c.LLM.CompleteWithSchema(ctx, prompt, &reply); err != nil {
		return nil, fmt.Errorf("failed to classify statements: %w", err)
	}

	verdicts := make(map[int]Verdict, len(reply.Classifications))
	for _, v := range reply.Classifications {
		if v.Index < 1 || v.Index > len(statements) {
			c.logger().Debug("verdict for unknown statement ignored", "index", v.Index)
			continue
		}
		if _, dup := verdicts[v.Index]; !dup {
			verdicts[v.Index] = v
		}
	}

	good := 0
	for i, s := range statements {
		cl := provenance.Classification{Index: i + 1, Statement: s, Verdict: provenance.VerdictBad, Reason: "not classified"}
		if v, ok := verdicts[i+1]; ok {
			if strings.EqualFold(strings.TrimSpace(v.Classification), provenance.VerdictGood) {
				cl.Verdict = provenance.VerdictGood
			}
			cl.Reason = strings.TrimSpace(v.Reason)
		}
		if cl.Good() {
			good++
		}
		data.Classifications = append(data.Classifications, cl)
	}
	data.Score = float64(good) / float64(len(statements))
	data.MissingFacts = strings.TrimSpace(reply.MissingFacts)

	if c.Judge != nil {
		scores, err := c.Judge.Judge(ctx, breadcrumb, source, statements)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger().Warn("statement judge failed", "error", err)
		} else {
			data.JudgeScore = scores.Weighted()
		}
	}
	return data, nil
}

// Work returns the incremental.WorkFunc of the classifications stage. The
// unit input is rendered statements content; sources maps a chunk number to
// the chunk text the statements came from.
func (c *Classifier) Work(sources map[int]string) incremental.WorkFunc {
	return func(ctx context.Context, u incremental.Unit) (incremental.Output, error) {
		statements := ParseStatements(u.Input)
		breadcrumb := breadcrumbOf(u.Input)

		data, err := c.Classify(ctx, breadcrumb, sources[u.Position.Chunk], statements)
		if err != nil {
			return incremental.Output{}, err
		}
		return incremental.Output{
			Content: RenderClassifications(Header(u.Input), data),
			Label:   fmt.Sprintf("classifications:chunk_%d", u.Position.Chunk),
			Extra:   data,
		}, nil
	}
}

const (
	maxTableStatement = 60
	maxTableReason    = 40
)

// RenderClassifications renders classification data as a markdown table
// under header.
func RenderClassifications(header string, data *provenance.ClassificationData) string {
	good := 0
	for _, cl := range data.Classifications {
		if cl.Good() {
			good++
		}
	}

	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "**Score:** %.1f%% (%d/%d GOOD)\n", data.Score*100, good, len(data.Classifications))
	if data.JudgeScore > 0 {
		fmt.Fprintf(&b, "**Judge score:** %.2f\n", data.JudgeScore)
	}
	b.WriteString("\n---\n\n")
	b.WriteString("| # | Classification | Statement | Reason |\n")
	b.WriteString("|---|----------------|-----------|--------|\n")
	for _, cl := range data.Classifications {
		mark := "❌"
		if cl.Good() {
			mark = "✅"
		}
		fmt.Fprintf(&b, "| %d | %s %s | %s | %s |\n",
			cl.Index, mark, cl.Verdict, cell(cl.Statement, maxTableStatement), cell(cl.Reason, maxTableReason))
	}

	missing := data.MissingFacts
	if missing == "" {
		missing = "none"
	}
	fmt.Fprintf(&b, "\n**Missing facts:** %s\n", strings.ReplaceAll(missing, "\n", " "))
	return b.String()
}

// cell shortens s to n runes and escapes it for a table cell.
func cell(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) > n {
		s = string(r[:n]) + "..."
	} else {
		s = string(r)
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

func numbered(items []string) string {
	var b strings.Builder
	for i, s := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, s)
	}
	return b.String()
}

// breadcrumbOf reads the **Context:** line of rendered content.
func breadcrumbOf(content string) string {
	for _, line := range strings.Split(Header(content), "\n") {
		if rest, ok := strings.CutPrefix(line, "**Context:**"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
