package relation

import (
	"fmt"
	"strings"
)

// ToDebugString renders r as an indented tree, one operator per line.
func ToDebugString(r *Relation) string {
	var b strings.Builder
	writeDebug(&b, r, 0)
	return strings.TrimRight(b.String(), "\n")
}

func writeDebug(b *strings.Builder, r *Relation, depth int) {
	indent := strings.Repeat("  ", depth)
	if r == nil {
		fmt.Fprintf(b, "%s<nil>\n", indent)
		return
	}

	switch r.op {
	case OpEdge:
		to := "<none>"
		if r.to != nil {
			to = r.to.String()
		}
		from := "<none>"
		if r.from != nil {
			from = r.from.String()
		}
		fmt.Fprintf(b, "%sEdge(%s -> %s)\n", indent, from, to)
	case OpValue:
		fmt.Fprintf(b, "%sValue(%t)\n", indent, r.value())
	case OpNone, OpTrue, OpFalse:
		fmt.Fprintf(b, "%s%s\n", indent, r.op)
	default:
		fmt.Fprintf(b, "%s%s(\n", indent, r.op)
		for _, c := range r.children {
			writeDebug(b, c, depth+1)
		}
		fmt.Fprintf(b, "%s)\n", indent)
	}
}
