package provenance

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// TurtleOptions controls WriteTurtle.
type TurtleOptions struct {
	// Title is written as a leading comment when set.
	Title string
	// IncludeErrors also exports error placeholders.
	IncludeErrors bool
}

// WriteTurtle exports signatures as PROV-O / REPRODUCE-ME Turtle, one
// resource per signature, in the order given.
func WriteTurtle(w io.Writer, sigs []Signature, opts TurtleOptions) error {
	bw := bufio.NewWriter(w)

	if opts.Title != "" {
		fmt.Fprintf(bw, "# %s\n", opts.Title)
	}
	fmt.Fprintln(bw, "# Provenance metadata (REPRODUCE-ME / PROV-O)")
	fmt.Fprintf(bw, "@prefix prov: <%s> .\n", NamespacePROV)
	fmt.Fprintf(bw, "@prefix repro: <%s> .\n", NamespaceRepro)
	fmt.Fprintf(bw, "@prefix dcterms: <%s> .\n", NamespaceDCTerms)
	fmt.Fprintf(bw, "@prefix xsd: <%s> .\n", NamespaceXSD)

	for _, s := range sigs {
		if !s.OK() && !opts.IncludeErrors {
			continue
		}
		fmt.Fprintln(bw)
		fmt.Fprintf(bw, "<%s>\n", s.URI())
		fmt.Fprintf(bw, "    a prov:Entity, %s ;\n", reproClass(s.Kind))
		fmt.Fprintf(bw, "    dcterms:identifier %s ;\n", turtleString(s.OutputCID))
		if s.DerivedFrom == "" {
			fmt.Fprintf(bw, "    prov:label %s .\n", turtleString(s.Label))
			continue
		}
		fmt.Fprintf(bw, "    prov:label %s ;\n", turtleString(s.Label))
		fmt.Fprintf(bw, "    prov:wasDerivedFrom <ipfs://%s> .\n", s.DerivedFrom)
	}
	return bw.Flush()
}

var turtleEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)

func turtleString(s string) string {
	return `"` + turtleEscaper.Replace(s) + `"`
}
