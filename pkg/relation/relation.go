// Package relation implements boolean dependency expressions over edges
// between deployable things. A relation answers "may this node proceed?"
// and explains, in human terms, what it is still waiting for.
package relation

import "fmt"

// Dependency is anything an edge can point at: a resource handle or a wait
// descriptor. Implementations must be comparable so they can key maps.
type Dependency interface {
	String() string
}

// Op identifies the kind of a relation node.
type Op int

const (
	// OpNone marks a relation with no real dependency. Always satisfied.
	OpNone Op = iota
	// OpTrue is the constant true.
	OpTrue
	// OpFalse is the constant false.
	OpFalse
	// OpValue is a constant or lazily computed boolean.
	OpValue
	// OpEdge is an atomic "From depends on To" predicate.
	OpEdge
	// OpNot negates its only child.
	OpNot
	// OpIdentity passes its only child through unchanged.
	OpIdentity
	// OpAnd is satisfied when every child is.
	OpAnd
	// OpOr is satisfied when any child is.
	OpOr
)

// String returns the operator name used in debug output.
func (o Op) String() string {
	switch o {
	case OpNone:
		return "None"
	case OpTrue:
		return "True"
	case OpFalse:
		return "False"
	case OpValue:
		return "Value"
	case OpEdge:
		return "Edge"
	case OpNot:
		return "Not"
	case OpIdentity:
		return "Identity"
	case OpAnd:
		return "And"
	case OpOr:
		return "Or"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Relation is an immutable expression tree. Build it with the constructors
// below; the zero value is not meaningful.
type Relation struct {
	op       Op
	children []*Relation
	from     Dependency
	to       Dependency
	value    func() bool
}

// Checker reports whether the dependency of from on to is satisfied.
// It must be free of side effects; relations are evaluated many times.
type Checker func(from, to Dependency) bool

// None returns a relation that is trivially satisfied.
func None() *Relation { return &Relation{op: OpNone} }

// True returns the constant true relation.
func True() *Relation { return &Relation{op: OpTrue} }

// False returns the constant false relation.
func False() *Relation { return &Relation{op: OpFalse} }

// Value returns a constant relation.
func Value(v bool) *Relation {
	return &Relation{op: OpValue, value: func() bool { return v }}
}

// Thunk returns a relation whose value is computed on every evaluation.
func Thunk(fn func() bool) *Relation {
	if fn == nil {
		return Value(false)
	}
	return &Relation{op: OpValue, value: fn}
}

// Edge returns the atomic predicate "from depends on to". A nil to means
// the edge relates to nothing and is always ready.
func Edge(from, to Dependency) *Relation {
	return &Relation{op: OpEdge, from: from, to: to}
}

// Not negates r.
func Not(r *Relation) *Relation {
	return &Relation{op: OpNot, children: []*Relation{r}}
}

// Identity wraps r without changing its value.
func Identity(r *Relation) *Relation {
	return &Relation{op: OpIdentity, children: []*Relation{r}}
}

// And is satisfied when all of rs are. And() with no operands is true.
func And(rs ...*Relation) *Relation {
	return &Relation{op: OpAnd, children: compact(rs)}
}

// Or is satisfied when any of rs is. Or() with no operands is also true,
// so that an empty alternative set reads as "no dependencies".
func Or(rs ...*Relation) *Relation {
	return &Relation{op: OpOr, children: compact(rs)}
}

// AllOf is And over one edge from from to each of deps.
func AllOf(from Dependency, deps ...Dependency) *Relation {
	return And(edges(from, deps)...)
}

// AnyOf is Or over one edge from from to each of deps.
func AnyOf(from Dependency, deps ...Dependency) *Relation {
	return Or(edges(from, deps)...)
}

func edges(from Dependency, deps []Dependency) []*Relation {
	out := make([]*Relation, 0, len(deps))
	for _, d := range deps {
		out = append(out, Edge(from, d))
	}
	return out
}

func compact(rs []*Relation) []*Relation {
	out := make([]*Relation, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Op returns the operator of r.
func (r *Relation) Op() Op { return r.op }

// Children returns the operands of r.
func (r *Relation) Children() []*Relation { return r.children }

// From returns the dependent end of an edge.
func (r *Relation) From() Dependency { return r.from }

// To returns the depended-upon end of an edge, or nil.
func (r *Relation) To() Dependency { return r.to }

// Edges returns every edge in r in depth-first order.
func Edges(r *Relation) []*Relation {
	if r == nil {
		return nil
	}
	if r.op == OpEdge {
		return []*Relation{r}
	}
	var out []*Relation
	for _, c := range r.children {
		out = append(out, Edges(c)...)
	}
	return out
}

// Evaluate computes the value of r. A nil relation is satisfied.
func Evaluate(r *Relation, check Checker) bool {
	if r == nil {
		return true
	}
	switch r.op {
	case OpNone, OpTrue:
		return true
	case OpFalse:
		return false
	case OpValue:
		return r.value()
	case OpEdge:
		if r.to == nil {
			return true
		}
		return check(r.from, r.to)
	case OpNot:
		return !Evaluate(r.children[0], check)
	case OpIdentity:
		return Evaluate(r.children[0], check)
	case OpAnd:
		for _, c := range r.children {
			if !Evaluate(c, check) {
				return false
			}
		}
		return true
	case OpOr:
		if len(r.children) == 0 {
			return true
		}
		for _, c := range r.children {
			if Evaluate(c, check) {
				return true
			}
		}
		return false
	default:
		panic(fmt.Sprintf("relation: unknown operator %v", r.op))
	}
}

// Invert flips every edge of r so that it reads in the teardown direction.
// The logical structure is kept: And stays And and Or stays Or.
func Invert(r *Relation) *Relation {
	if r == nil {
		return nil
	}
	switch r.op {
	case OpEdge:
		if r.to == nil {
			return r
		}
		return Edge(r.to, r.from)
	case OpNot:
		return Not(Invert(r.children[0]))
	case OpIdentity:
		return Identity(Invert(r.children[0]))
	case OpAnd, OpOr:
		kids := make([]*Relation, len(r.children))
		for i, c := range r.children {
			kids[i] = Invert(c)
		}
		return &Relation{op: r.op, children: kids}
	default:
		return r
	}
}
