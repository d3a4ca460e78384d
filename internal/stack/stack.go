package stack

import (
	"math"
	"sort"
	"strings"
)

// Container lifecycle states reported by the compose runtime
const (
	StateCreated    = "created"
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateRemoving   = "removing"
	StatePaused     = "paused"
	StateExited     = "exited"
	StateDead       = "dead"
)

// Unordered is the order of a project directory without a numeric prefix,
// so unordered stacks sort after every ordered one.
const Unordered = math.MaxInt

// Ref is a stack reference: either an Actual or an Expected stack.
// The set of implementations is closed; consumers switch on the concrete type.
type Ref interface {
	Name() string
	ManifestPath() string
	Order() int
	isRef()
}

// Meta holds the fields shared by both stack variants
type Meta struct {
	StackName string `json:"name" yaml:"name"`
	Manifest  string `json:"manifest_path" yaml:"manifest_path"`
	Position  int    `json:"order" yaml:"order"`
}

func (m Meta) Name() string         { return m.StackName }
func (m Meta) ManifestPath() string { return m.Manifest }
func (m Meta) Order() int           { return m.Position }

// Actual is a stack currently known to the compose runtime
type Actual struct {
	Meta `yaml:",inline"`
	// Statuses maps a container state to the number of containers in it
	Statuses map[string]int `json:"statuses" yaml:"statuses"`
}

func (Actual) isRef() {}

// Expected is a stack declared in the repository checkout
type Expected struct {
	Meta     `yaml:",inline"`
	StackDir string `json:"stack_dir" yaml:"stack_dir"`

	RepoRoot         string `json:"repo_root" yaml:"repo_root"`
	KeyPath          string `json:"-" yaml:"-"`
	RepoEnv          string `json:"repo_env,omitempty" yaml:"repo_env,omitempty"`
	RepoSecretEnv    string `json:"repo_secret_env,omitempty" yaml:"repo_secret_env,omitempty"`
	ProjectEnv       string `json:"project_env,omitempty" yaml:"project_env,omitempty"`
	ProjectSecretEnv string `json:"project_secret_env,omitempty" yaml:"project_secret_env,omitempty"`
}

func (Expected) isRef() {}

// Healthy reports whether no container of the stack is in a stopped,
// paused or never-started state.
func (a Actual) Healthy() bool {
	for state := range a.Statuses {
		switch strings.ToLower(state) {
		case StateRunning, StateRestarting, StateRemoving:
		default:
			return false
		}
	}
	return true
}

// Less orders refs by order, then case-insensitive name, then manifest path
func Less(a, b Ref) bool {
	if a.Order() != b.Order() {
		return a.Order() < b.Order()
	}
	an, bn := strings.ToLower(a.Name()), strings.ToLower(b.Name())
	if an != bn {
		return an < bn
	}
	if a.ManifestPath() != b.ManifestPath() {
		return a.ManifestPath() < b.ManifestPath()
	}
	return kind(a) < kind(b)
}

func kind(r Ref) int {
	if _, ok := r.(Actual); ok {
		return 0
	}
	return 1
}

// SortRefs sorts refs in place using Less
func SortRefs[T Ref](refs []T) {
	sort.SliceStable(refs, func(i, j int) bool { return Less(refs[i], refs[j]) })
}
