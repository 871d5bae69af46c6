package graph

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

// WriteFactsCSV writes one "relation_kind,subject_category,object_category,count"
// row per category edge. The output loads back with facts.LoadStatic.
func WriteFactsCSV(w io.Writer, g CategoryGraph) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"relation_kind", "subject_category", "object_category", "count"}); err != nil {
		return err
	}
	for _, e := range g.Edges {
		row := []string{string(e.Kind), e.Subject, e.Object, strconv.Itoa(e.Count)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func prologAtom(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}

// WriteProlog writes the category edges as fact/4 clauses.
func WriteProlog(w io.Writer, g CategoryGraph) error {
	if _, err := io.WriteString(w, "% fact(Relation, Subject, Object, Count).\n"); err != nil {
		return err
	}
	for _, e := range g.Edges {
		_, err := fmt.Fprintf(w, "fact(%s, %s, %s, %d).\n",
			prologAtom(string(e.Kind)), prologAtom(e.Subject), prologAtom(e.Object), e.Count)
		if err != nil {
			return err
		}
	}
	return nil
}

var kindColors = map[spatial.Kind]string{
	spatial.Contains:   "#ff7f0e",
	spatial.LocatedOn:  "#9467bd",
	spatial.AdjacentTo: "#1f77b4",
	spatial.Near:       "#2ca02c",
	spatial.CoOccurs:   "#d62728",
}

// DotOptions filters the Graphviz export.
type DotOptions struct {
	// MinCount hides edges of a kind whose count does not exceed the value.
	MinCount map[spatial.Kind]int `yaml:"min_count" json:"min_count,omitempty"`
}

// WriteDot writes the category graph in Graphviz format. Symmetric kinds are
// drawn without arrowheads; pen width scales with the edge count.
func WriteDot(w io.Writer, g CategoryGraph, opts DotOptions) error {
	_, err := io.WriteString(w, `digraph G {
	node [shape=ellipse fontsize=10]
	edge [fontsize=10]

`)
	if err != nil {
		return err
	}

	for _, n := range g.Nodes {
		if _, err := fmt.Fprintf(w, "\t%s;\n", strconv.Quote(n)); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}

	maxCount := 1
	for _, e := range g.Edges {
		if e.Count > maxCount {
			maxCount = e.Count
		}
	}
	for _, e := range g.Edges {
		if e.Count <= opts.MinCount[e.Kind] {
			continue
		}
		attrs := []string{
			fmt.Sprintf("label=%s", strconv.Quote(fmt.Sprintf("%s (%d)", e.Kind, e.Count))),
			fmt.Sprintf("color=%s", strconv.Quote(kindColors[e.Kind])),
			fmt.Sprintf("penwidth=%.2f", 1+4*math.Sqrt(float64(e.Count)/float64(maxCount))),
		}
		if e.Kind.Symmetric() {
			attrs = append(attrs, "dir=none")
		}
		_, err := fmt.Fprintf(w, "\t%s -> %s [%s];\n", strconv.Quote(e.Subject), strconv.Quote(e.Object), strings.Join(attrs, " "))
		if err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, "}\n")
	return err
}

// WriteInstanceJSON writes one image's instance graph as indented JSON.
func WriteInstanceJSON(w io.Writer, g InstanceGraph) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(g)
}
