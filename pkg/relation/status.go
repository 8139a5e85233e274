package relation

import "fmt"

// StatusReady is the status text of a satisfied relation.
const StatusReady = "Ready"

// Result is the outcome of EvaluateWithStatus.
type Result struct {
	// Done reports whether the relation is satisfied.
	Done bool `json:"done"`

	// Status is a human-readable explanation, e.g. "Waiting for 2 dependencies".
	Status string `json:"status"`

	// Children holds the results of the operands, in order.
	Children []Result `json:"children,omitempty"`

	// Pending lists the targets of unsatisfied edges that keep the
	// relation from being done.
	Pending []Dependency `json:"-"`
}

// EvaluateWithStatus evaluates r like Evaluate but visits every operand so
// the result can explain everything that is still pending.
func EvaluateWithStatus(r *Relation, check Checker) Result {
	if r == nil {
		return Result{Done: true, Status: StatusReady}
	}

	switch r.op {
	case OpNone, OpTrue:
		return Result{Done: true, Status: StatusReady}

	case OpFalse:
		return Result{Done: false, Status: "Waiting for condition"}

	case OpValue:
		if r.value() {
			return Result{Done: true, Status: StatusReady}
		}
		return Result{Done: false, Status: "Waiting for condition"}

	case OpEdge:
		if r.to == nil || check(r.from, r.to) {
			return Result{Done: true, Status: StatusReady}
		}
		return Result{
			Done:    false,
			Status:  fmt.Sprintf("Waiting for dependency %s", r.to),
			Pending: []Dependency{r.to},
		}

	case OpIdentity:
		child := EvaluateWithStatus(r.children[0], check)
		return Result{Done: child.Done, Status: child.Status, Children: []Result{child}, Pending: child.Pending}

	case OpNot:
		child := EvaluateWithStatus(r.children[0], check)
		if !child.Done {
			return Result{Done: true, Status: StatusReady, Children: []Result{child}}
		}
		return Result{Done: false, Status: "Waiting for condition to become false", Children: []Result{child}}

	case OpAnd:
		res := Result{Children: make([]Result, 0, len(r.children))}
		waiting := 0
		for _, c := range r.children {
			cr := EvaluateWithStatus(c, check)
			res.Children = append(res.Children, cr)
			if !cr.Done {
				waiting++
				res.Pending = append(res.Pending, cr.Pending...)
			}
		}
		res.Done = waiting == 0
		switch {
		case res.Done:
			res.Status = StatusReady
		case waiting == 1:
			res.Status = "Waiting for 1 dependency"
		default:
			res.Status = fmt.Sprintf("Waiting for %d dependencies", waiting)
		}
		return res

	case OpOr:
		res := Result{Children: make([]Result, 0, len(r.children))}
		res.Done = len(r.children) == 0
		for _, c := range r.children {
			cr := EvaluateWithStatus(c, check)
			res.Children = append(res.Children, cr)
			if cr.Done {
				res.Done = true
			}
		}
		if res.Done {
			res.Status = StatusReady
			return res
		}
		for _, cr := range res.Children {
			res.Pending = append(res.Pending, cr.Pending...)
		}
		if len(r.children) == 1 {
			res.Status = res.Children[0].Status
		} else {
			res.Status = fmt.Sprintf("Waiting for any of %d dependencies", len(r.children))
		}
		return res

	default:
		panic(fmt.Sprintf("relation: unknown operator %v", r.op))
	}
}
