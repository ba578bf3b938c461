package domain

import "fmt"

// Iteration is one SCF-then-train pass of the plan.
type Iteration struct {
	Index int
	Init  bool
}

// Name returns the iteration folder name.
func (it Iteration) Name() string {
	return it.StageID(StageSCF).IterName()
}

// StageID returns the identifier of the given stage within this iteration.
func (it Iteration) StageID(s Stage) StageID {
	return StageID{Iter: it.Index, Init: it.Init, Stage: s}
}

// Plan is the ordered, immutable sequence of iterations for a run.
type Plan struct {
	iterations []Iteration
}

// NewPlan builds a plan over iterations 0..nIter, optionally preceded by
// the init pseudo-iteration that bootstraps the first model.
func NewPlan(nIter int, withInit bool) (Plan, error) {
	if nIter < 0 {
		return Plan{}, fmt.Errorf("n_iter must be >= 0, got %d", nIter)
	}
	var its []Iteration
	if withInit {
		its = append(its, Iteration{Init: true})
	}
	for i := 0; i <= nIter; i++ {
		its = append(its, Iteration{Index: i})
	}
	return Plan{iterations: its}, nil
}

// Iterations returns the iterations in execution order.
func (p Plan) Iterations() []Iteration {
	out := make([]Iteration, len(p.iterations))
	copy(out, p.iterations)
	return out
}

// Stages returns every stage of the plan in completion order.
func (p Plan) Stages() []StageID {
	out := make([]StageID, 0, 2*len(p.iterations))
	for _, it := range p.iterations {
		out = append(out, it.StageID(StageSCF), it.StageID(StageTrain))
	}
	return out
}

// Contains reports whether the stage belongs to this plan.
func (p Plan) Contains(id StageID) bool {
	for _, it := range p.iterations {
		if it.Init == id.Init && (it.Init || it.Index == id.Iter) {
			return true
		}
	}
	return false
}

// Len returns the number of iterations, the init pseudo-iteration included.
func (p Plan) Len() int {
	return len(p.iterations)
}

// NumStages returns the total number of stages in the plan.
func (p Plan) NumStages() int {
	return 2 * len(p.iterations)
}
