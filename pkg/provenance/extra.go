package provenance

import (
	"encoding/json"
	"fmt"
)

// Extra is a kind-specific payload carried on a signature so that downstream
// stages can reload structured results without re-parsing the prose content.
// The set of implementations is closed.
type Extra interface {
	allowedFor(kind Kind) bool
}

// StatementItem is one extracted statement with its own CID.
type StatementItem struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	CID   string `json:"cid"`
}

// StatementList is the payload of a statements unit.
type StatementList struct {
	Statements []StatementItem `json:"statements"`
}

func (*StatementList) allowedFor(kind Kind) bool { return kind == KindStatements }

// Texts returns the statement texts in order.
func (l *StatementList) Texts() []string {
	out := make([]string, len(l.Statements))
	for i, s := range l.Statements {
		out[i] = s.Text
	}
	return out
}

// Verdict labels used by the classifier.
const (
	VerdictGood = "GOOD"
	VerdictBad  = "BAD"
)

// Classification is the verdict on a single statement.
type Classification struct {
	Index     int    `json:"index"`
	Statement string `json:"statement"`
	Verdict   string `json:"classification"`
	Reason    string `json:"reason"`
}

// Good reports whether the statement was accepted.
func (c Classification) Good() bool {
	return c.Verdict == VerdictGood
}

// ClassificationData is the payload of a classifications unit.
type ClassificationData struct {
	Classifications []Classification `json:"classifications"`
	MissingFacts    string           `json:"missing_facts"`
	Score           float64          `json:"score"`
	JudgeScore      float64          `json:"judge_score,omitempty"`
}

func (*ClassificationData) allowedFor(kind Kind) bool { return kind == KindClassifications }

// Rejected returns the 1-based indexes of statements classified BAD.
func (d *ClassificationData) Rejected() map[int]bool {
	out := make(map[int]bool)
	for _, c := range d.Classifications {
		if !c.Good() {
			out[c.Index] = true
		}
	}
	return out
}

// SchemaSelection is the payload of a schema unit.
type SchemaSelection struct {
	Classes    []string `json:"classes"`
	Properties []string `json:"properties"`
}

func (*SchemaSelection) allowedFor(kind Kind) bool { return kind == KindSchema }

// RDFStats is the payload of rdf and rdf_chunk units.
type RDFStats struct {
	Triples    int  `json:"triples"`
	Iterations int  `json:"iterations,omitempty"`
	HitLimit   bool `json:"hit_limit,omitempty"`
	Statements int  `json:"statements,omitempty"`
}

func (*RDFStats) allowedFor(kind Kind) bool { return kind == KindRDF || kind == KindRDFChunk }

// decodeExtra picks the payload type from the kind, never from the shape of
// the JSON.
func decodeExtra(kind Kind, raw json.RawMessage) (Extra, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var extra Extra
	switch kind {
	case KindStatements:
		extra = &StatementList{}
	case KindClassifications:
		extra = &ClassificationData{}
	case KindSchema:
		extra = &SchemaSelection{}
	case KindRDF, KindRDFChunk:
		extra = &RDFStats{}
	default:
		return nil, fmt.Errorf("%s units carry no payload", kind)
	}
	if err := json.Unmarshal(raw, extra); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return extra, nil
}
