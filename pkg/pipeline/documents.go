package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dan-solli/ontograph/pkg/config"
	"github.com/dan-solli/ontograph/pkg/docstore"
	"github.com/dan-solli/ontograph/pkg/ingest"
	"github.com/dan-solli/ontograph/pkg/provenance"
)

// Stage names one stage document.
type Stage string

const (
	StageSource          Stage = "source"
	StageChunks          Stage = "chunks"
	StageStatements      Stage = "statements"
	StageClassifications Stage = "classifications"
	StageSchema          Stage = "schema"
	StageRDF             Stage = "rdf"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageSource, StageChunks, StageStatements, StageClassifications, StageSchema, StageRDF}

var stageTitles = map[Stage]string{
	StageSource:          "Source Text",
	StageChunks:          "Chunked Text",
	StageStatements:      "Extracted Statements",
	StageClassifications: "Statement Classifications",
	StageSchema:          "Schema Context",
	StageRDF:             "RDF Triples",
}

func (p *Pipeline) backend(a Article, stage Stage) docstore.Backend {
	if p.cfg.Output.Backend == config.BackendSQLite {
		return p.db.Document(a.Slug + "/" + string(stage))
	}
	return &docstore.NotebookFile{Path: filepath.Join(a.Dir, string(stage)+".ipynb")}
}

func (p *Pipeline) open(ctx context.Context, a Article, stage Stage) (*docstore.Store, error) {
	st, err := docstore.Open(ctx, p.backend(a, stage))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	return st, nil
}

// headerInfo is the YAML block at the top of every stage document.
type headerInfo struct {
	ingest.Provenance `yaml:",inline"`

	Stage        string `yaml:"stage"`
	ChunkSize    int    `yaml:"chunk_size,omitempty"`
	ChunkOverlap int    `yaml:"chunk_overlap,omitempty"`
	Model        string `yaml:"model,omitempty"`
}

const (
	yamlFenceOpen  = "```yaml\n"
	yamlFenceClose = "```"
)

// header renders the markdown header cell of a stage document.
func (p *Pipeline) header(stage Stage, a Article, prov ingest.Provenance) (docstore.Cell, error) {
	info := headerInfo{Provenance: prov, Stage: string(stage)}
	switch stage {
	case StageChunks:
		info.ChunkSize = p.cfg.Chunking.MaxTokens
		info.ChunkOverlap = p.cfg.Chunking.Overlap
	case StageStatements, StageClassifications, StageSchema, StageRDF:
		info.Model = p.cfg.LLM.Model
	}
	data, err := yaml.Marshal(info)
	if err != nil {
		return docstore.Cell{}, fmt.Errorf("encode %s header: %w", stage, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n\n", stageTitles[stage], a.Title)
	b.WriteString("## Provenance\n\n")
	b.WriteString(yamlFenceOpen)
	b.Write(data)
	b.WriteString(yamlFenceClose)
	b.WriteString("\n")
	return docstore.Markdown(b.String()), nil
}

// parseHeader recovers the provenance block of a stage document.
func parseHeader(cells []docstore.Cell) (ingest.Provenance, bool) {
	for _, c := range cells {
		i := strings.Index(c.Source, yamlFenceOpen)
		if i < 0 {
			continue
		}
		rest := c.Source[i+len(yamlFenceOpen):]
		j := strings.Index(rest, yamlFenceClose)
		if j < 0 {
			continue
		}
		prov, err := ingest.ParseProvenance(rest[:j])
		if err != nil {
			continue
		}
		return prov, true
	}
	return ingest.Provenance{}, false
}

var sourceKey = docstore.Key{Kind: provenance.KindSource, Slot: "source"}

// source is the stored source unit of an article with the provenance of its
// document.
type source struct {
	store *docstore.Store
	unit  docstore.Unit
	prov  ingest.Provenance
}

func (s *source) cid() string {
	return s.unit.Signature.OutputCID
}

// loadSource opens the source document and returns its certified source
// unit. A missing or errored source is ErrMissingUpstream.
func (p *Pipeline) loadSource(ctx context.Context, a Article) (*source, error) {
	st, err := p.open(ctx, a, StageSource)
	if err != nil {
		return nil, err
	}
	u, ok := st.Lookup(sourceKey)
	if !ok || !u.Signature.OK() {
		return nil, fmt.Errorf("%s: %w: fetch the article first", a.Title, ErrMissingUpstream)
	}
	prov, ok := parseHeader(st.Header())
	if !ok {
		prov = ingest.Provenance{
			SourceURL:    ingest.ArticleURL(p.cfg.Ingest.BaseURL, a.Title),
			ArticleTitle: a.Title,
		}
	}
	return &source{store: st, unit: u, prov: prov}, nil
}

// entry is one certified unit read back from a stage document.
type entry struct {
	key       docstore.Key
	signature provenance.Signature
	content   string
}

// entries returns the certified units of kind in chunk then statement
// order. Errored units are included unless okOnly is set.
func entries(st *docstore.Store, kind provenance.Kind, okOnly bool) []entry {
	var all []entry
	for _, u := range st.Units() {
		if u.Certified() && u.Signature.Kind == kind {
			all = append(all, entry{key: docstore.KeyOf(*u.Signature), signature: *u.Signature, content: u.Content.Source})
		}
	}
	sortEntries(all)
	all = dedupe(all)
	if !okOnly {
		return all
	}
	return slices.DeleteFunc(all, func(e entry) bool { return !e.signature.OK() })
}

func sortEntries(es []entry) {
	slices.SortStableFunc(es, func(a, b entry) int {
		if c := cmp.Compare(a.signature.Position.Chunk, b.signature.Position.Chunk); c != 0 {
			return c
		}
		return cmp.Compare(a.signature.Position.Statement, b.signature.Position.Statement)
	})
}

// dedupe keeps the last occurrence of each key, as Scan does.
func dedupe(es []entry) []entry {
	last := make(map[docstore.Key]int, len(es))
	for i, e := range es {
		last[e.key] = i
	}
	out := es[:0]
	for i, e := range es {
		if last[e.key] == i {
			out = append(out, e)
		}
	}
	return out
}
