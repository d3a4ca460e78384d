package sync

import (
	"github.com/schaermu/composesyncd/internal/planner"
	"github.com/schaermu/composesyncd/internal/stack"
)

// pair is one planner input; either side may be nil
type pair struct {
	actual   *stack.Actual
	expected *stack.Expected
}

// pairUp matches actual with expected stacks. An actual is paired with at
// most one expected, preferring a match on both name and manifest path,
// then on path alone, then on name alone. Among expected stacks sharing a
// name the lowest order wins. Everything left unmatched becomes a single.
// Inputs are sorted first so the result does not depend on their order.
func pairUp(actuals []stack.Actual, expecteds []stack.Expected) []pair {
	as := append([]stack.Actual(nil), actuals...)
	es := append([]stack.Expected(nil), expecteds...)
	stack.SortRefs(as)
	stack.SortRefs(es)

	matchedA := make([]bool, len(as))
	matchedE := make([]bool, len(es))
	pairs := make([]pair, 0, len(as)+len(es))

	passes := []func(a stack.Actual, e stack.Expected) bool{
		func(a stack.Actual, e stack.Expected) bool { return planner.NameEqual(a, e) && planner.PathEqual(a, e) },
		func(a stack.Actual, e stack.Expected) bool { return planner.PathEqual(a, e) },
		func(a stack.Actual, e stack.Expected) bool { return planner.NameEqual(a, e) },
	}
	for _, match := range passes {
		for i := range as {
			if matchedA[i] {
				continue
			}
			for j := range es {
				if matchedE[j] || !match(as[i], es[j]) {
					continue
				}
				matchedA[i], matchedE[j] = true, true
				pairs = append(pairs, pair{actual: &as[i], expected: &es[j]})
				break
			}
		}
	}

	for i := range as {
		if !matchedA[i] {
			pairs = append(pairs, pair{actual: &as[i]})
		}
	}
	for j := range es {
		if !matchedE[j] {
			pairs = append(pairs, pair{expected: &es[j]})
		}
	}
	return pairs
}

// BuildPlan computes the sync plan for the observed and declared stacks.
// The result is sorted and depends only on its inputs.
func BuildPlan(p *planner.Planner, actuals []stack.Actual, expecteds []stack.Expected) *stack.Plan {
	plan := stack.NewPlan()
	for _, pr := range pairUp(actuals, expecteds) {
		p.AddToPlan(plan, pr.actual, pr.expected)
	}
	plan.Sort()
	return plan
}

// UpdateRequired reports whether any pair needs a synchronization
func UpdateRequired(p *planner.Planner, actuals []stack.Actual, expecteds []stack.Expected) bool {
	for _, pr := range pairUp(actuals, expecteds) {
		if p.IsUpdateRequired(pr.actual, pr.expected) {
			return true
		}
	}
	return false
}
