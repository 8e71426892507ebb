package provenance

// Graph indexes signatures from any number of stage documents so that a
// derivation chain can be walked from an output back to its source.
//
// Fan-out units (one rdf unit per statement) are derived from the CID of a
// single statement, not from a persisted unit. Graph resolves those through
// the StatementList payload of the statements unit that lists the member.
type Graph struct {
	byOutput map[string]Signature
	owners   map[string]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		byOutput: make(map[string]Signature),
		owners:   make(map[string]string),
	}
}

// Add indexes signatures. A later signature for the same output CID
// replaces an earlier one.
func (g *Graph) Add(sigs ...Signature) {
	for _, s := range sigs {
		g.byOutput[s.OutputCID] = s
		if list, ok := s.Extra.(*StatementList); ok {
			for _, item := range list.Statements {
				if item.CID != "" {
					g.owners[item.CID] = s.OutputCID
				}
			}
		}
	}
}

// Len is the number of indexed outputs.
func (g *Graph) Len() int {
	return len(g.byOutput)
}

// Lookup returns the signature certifying c.
func (g *Graph) Lookup(c string) (Signature, bool) {
	s, ok := g.byOutput[c]
	return s, ok
}

// Chain returns the signatures from c back to the root, c first. The walk
// stops at a root unit, at a CID no indexed signature certifies, or on a
// cycle.
func (g *Graph) Chain(c string) []Signature {
	var chain []Signature
	visited := make(map[string]bool)
	for c != "" && !visited[c] {
		visited[c] = true
		if s, ok := g.byOutput[c]; ok {
			chain = append(chain, s)
			c = s.DerivedFrom
			continue
		}
		owner, ok := g.owners[c]
		if !ok {
			break
		}
		c = owner
	}
	return chain
}
