// Package planner decides, for one actual stack and/or one expected stack,
// whether a synchronization is needed and which action applies to each side.
//
// Both functions take the pair as pointers; nil means the side is absent.
// Callers never pass a pair that matches on neither name nor manifest path.
package planner

import (
	"strings"

	"github.com/schaermu/composesyncd/internal/repo"
	"github.com/schaermu/composesyncd/internal/stack"
)

// Planner evaluates pairs against one repository checkout
type Planner struct {
	repoRoot       string
	ignoreExternal bool
}

// New creates a planner. With ignoreExternal, stacks whose manifest lives
// outside repoRoot are left alone.
func New(repoRoot string, ignoreExternal bool) *Planner {
	return &Planner{
		repoRoot:       repoRoot,
		ignoreExternal: ignoreExternal,
	}
}

// InRepo reports whether the ref's manifest lives inside the checkout
func (p *Planner) InRepo(ref stack.Ref) bool {
	return repo.Contains(p.repoRoot, ref.ManifestPath())
}

// NameEqual compares stack names case-insensitively
func NameEqual(a, b stack.Ref) bool {
	return strings.EqualFold(a.Name(), b.Name())
}

// PathEqual compares manifest paths after canonicalization
func PathEqual(a, b stack.Ref) bool {
	if a.ManifestPath() == "" || b.ManifestPath() == "" {
		return false
	}
	return repo.Canonical(a.ManifestPath()) == repo.Canonical(b.ManifestPath())
}

// IsUpdateRequired reports whether the pair needs a synchronization
func (p *Planner) IsUpdateRequired(actual *stack.Actual, expected *stack.Expected) bool {
	switch {
	case actual == nil && expected == nil:
		return false

	case expected == nil:
		if p.InRepo(*actual) {
			return true
		}
		return !p.ignoreExternal

	case actual == nil:
		return true
	}

	nameEq, pathEq := NameEqual(*actual, *expected), PathEqual(*actual, *expected)
	switch {
	case nameEq && pathEq:
		return !actual.Healthy()
	case nameEq:
		if p.InRepo(*actual) {
			return true
		}
		return !p.ignoreExternal
	case pathEq:
		return true
	}
	return false
}

// AddToPlan records the actions for the pair in plan
func (p *Planner) AddToPlan(plan *stack.Plan, actual *stack.Actual, expected *stack.Expected) {
	switch {
	case actual == nil && expected == nil:
		return

	case expected == nil:
		if p.InRepo(*actual) || !p.ignoreExternal {
			plan.TearDown(*actual)
		} else {
			plan.Ignore(*actual)
		}
		return

	case actual == nil:
		plan.BringUp(*expected)
		return
	}

	nameEq, pathEq := NameEqual(*actual, *expected), PathEqual(*actual, *expected)
	switch {
	case nameEq && pathEq:
		// Same deployment: re-applying is idempotent, the actual stays as is
		plan.BringUp(*expected)

	case nameEq:
		if !p.InRepo(*actual) && p.ignoreExternal {
			plan.Ignore(*actual)
			plan.Ignore(*expected)
			return
		}
		plan.TearDown(*actual)
		plan.BringUp(*expected)

	case pathEq:
		// Renamed in place; a shared path is always inside the repo
		plan.TearDown(*actual)
		plan.BringUp(*expected)
	}
}
