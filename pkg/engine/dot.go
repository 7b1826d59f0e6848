package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ToDOT renders the causality graph in Graphviz DOT format, grouping nodes
// by epoch.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph causality {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, epoch := range g.Epochs() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_epoch_%d {\n", i))
		sb.WriteString(fmt.Sprintf("    label=\"Epoch %d\";\n", i))
		sb.WriteString("    style=dashed;\n")
		for _, ch := range epoch {
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s\"];\n",
				ch.Identity.String(), ch.Identity.String(), ch.Kind))
		}
		sb.WriteString("  }\n\n")
	}

	edges := make([]string, 0, len(g.edges))
	for edge := range g.edges {
		edges = append(edges, fmt.Sprintf("  %q -> %q;\n",
			g.Nodes[edge[0]].Identity.String(), g.Nodes[edge[1]].Identity.String()))
	}
	sort.Strings(edges)
	for _, e := range edges {
		sb.WriteString(e)
	}

	sb.WriteString("}\n")
	return sb.String()
}
