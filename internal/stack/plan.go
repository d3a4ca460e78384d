package stack

import (
	"sort"
)

// Plan is the outcome of one reconciliation cycle. A ref is placed in at
// most one of the three sets.
type Plan struct {
	ToBringUp  []Expected
	ToTearDown []Actual
	Ignored    []Ref
}

// NewPlan creates an empty plan
func NewPlan() *Plan {
	return &Plan{
		ToBringUp:  make([]Expected, 0),
		ToTearDown: make([]Actual, 0),
		Ignored:    make([]Ref, 0),
	}
}

// BringUp adds an expected stack to the bring-up set
func (p *Plan) BringUp(e Expected) {
	p.ToBringUp = append(p.ToBringUp, e)
}

// TearDown adds an actual stack to the tear-down set
func (p *Plan) TearDown(a Actual) {
	p.ToTearDown = append(p.ToTearDown, a)
}

// Ignore adds a stack of either kind to the ignored set
func (p *Plan) Ignore(r Ref) {
	p.Ignored = append(p.Ignored, r)
}

// Empty reports whether the plan has nothing to bring up or tear down
func (p *Plan) Empty() bool {
	return len(p.ToBringUp) == 0 && len(p.ToTearDown) == 0
}

// Sort orders every set so that a plan is independent of input order
func (p *Plan) Sort() {
	SortRefs(p.ToBringUp)
	SortRefs(p.ToTearDown)
	SortRefs(p.Ignored)
}

// Summary is a display form of a plan, keyed by stack name
type Summary struct {
	BringUp  []RefSummary `json:"bring_up" yaml:"bring_up"`
	TearDown []RefSummary `json:"tear_down" yaml:"tear_down"`
	Ignored  []RefSummary `json:"ignored" yaml:"ignored"`
}

// RefSummary describes one stack in a plan summary
type RefSummary struct {
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"`
	Manifest string `json:"manifest" yaml:"manifest"`
	Order    *int   `json:"order,omitempty" yaml:"order,omitempty"`
}

// Summarize converts the plan into its display form
func (p *Plan) Summarize() Summary {
	s := Summary{
		BringUp:  make([]RefSummary, 0, len(p.ToBringUp)),
		TearDown: make([]RefSummary, 0, len(p.ToTearDown)),
		Ignored:  make([]RefSummary, 0, len(p.Ignored)),
	}
	for _, e := range p.ToBringUp {
		s.BringUp = append(s.BringUp, summarize(e))
	}
	for _, a := range p.ToTearDown {
		s.TearDown = append(s.TearDown, summarize(a))
	}
	for _, r := range p.Ignored {
		s.Ignored = append(s.Ignored, summarize(r))
	}
	return s
}

func summarize(r Ref) RefSummary {
	rs := RefSummary{Name: r.Name(), Manifest: r.ManifestPath()}
	switch r.(type) {
	case Actual:
		rs.Kind = "actual"
	case Expected:
		rs.Kind = "expected"
	}
	if r.Order() != Unordered {
		order := r.Order()
		rs.Order = &order
	}
	return rs
}

// EnvValue is one merged variable. Secret records whether the winning value
// came from a secret env file; it is used for display masking only.
type EnvValue struct {
	Value  string
	Secret bool
}

// MaskedValue is the placeholder shown instead of a secret value
const MaskedValue = "***"

// EffectiveEnv is the merged environment of a scope
type EffectiveEnv map[string]EnvValue

// Keys returns the variable names in sorted order
func (e EffectiveEnv) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns a plain name to value map
func (e EffectiveEnv) Values() map[string]string {
	out := make(map[string]string, len(e))
	for k, v := range e {
		out[k] = v.Value
	}
	return out
}

// Environ returns the variables as sorted KEY=VALUE pairs suitable for exec.Cmd.Env
func (e EffectiveEnv) Environ() []string {
	out := make([]string, 0, len(e))
	for _, k := range e.Keys() {
		out = append(out, k+"="+e[k].Value)
	}
	return out
}
