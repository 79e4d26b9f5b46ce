package phase

import (
	"context"

	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
)

// ReadinessGate scores phase entry from the spec's own content and the
// state of its task graph. Deterministic, no external calls.
type ReadinessGate struct {
	graph *graph.Store
}

// NewReadinessGate creates the default gate.
func NewReadinessGate(g *graph.Store) *ReadinessGate {
	return &ReadinessGate{graph: g}
}

// Evaluate returns the fraction of entry checks the spec satisfies.
func (r *ReadinessGate) Evaluate(_ context.Context, spec domain.Spec, target domain.Phase) (GateResult, error) {
	var checks []check
	switch target {
	case domain.PhaseRequirements:
		checks = []check{
			{spec.Title != "", "spec has no title"},
			{len(spec.Description) >= 20, "description too thin to derive requirements"},
		}
	case domain.PhaseDesign:
		checks = []check{
			{len(spec.Criteria) > 0, "no acceptance criteria established"},
			{len(spec.Description) >= 20, "description too thin to design against"},
		}
	case domain.PhaseTasks:
		checks = []check{
			{len(spec.Criteria) > 0, "no acceptance criteria to decompose"},
		}
	case domain.PhaseExecution:
		checks = []check{
			{len(r.graph.Tasks(spec.ID)) > 0, "no tasks to execute"},
			{spec.BaseBranch != "", "no base branch configured"},
		}
	case domain.PhaseSync:
		settled, _ := r.graph.AllDone(spec.ID)
		checks = []check{
			{settled, "tasks still in flight"},
		}
	case domain.PhaseComplete:
		settled, failed := r.graph.AllDone(spec.ID)
		checks = []check{
			{settled, "tasks still in flight"},
			{!failed, "failed tasks remain unresolved"},
		}
	default:
		return GateResult{Score: 1}, nil
	}

	passed := 0
	var reasons []string
	for _, c := range checks {
		if c.ok {
			passed++
		} else {
			reasons = append(reasons, c.reason)
		}
	}
	return GateResult{
		Score:   float64(passed) / float64(len(checks)),
		Reasons: reasons,
	}, nil
}

type check struct {
	ok     bool
	reason string
}
