package stack

// Layout describes the desired-state structure of a repository checkout.
// It is either a Base (repo-level files only) or a Full (Base plus projects).
type Layout interface {
	Root() *Base
	isLayout()
}

// Base holds the repo-level part of a layout
type Base struct {
	RepoRoot        string `json:"repo_root" yaml:"repo_root"`
	KeyPath         string `json:"-" yaml:"-"`
	GlobalEnv       string `json:"global_env,omitempty" yaml:"global_env,omitempty"`
	GlobalSecretEnv string `json:"global_secret_env,omitempty" yaml:"global_secret_env,omitempty"`
}

func (b *Base) Root() *Base { return b }
func (*Base) isLayout()     {}

// Full is a Base plus every project directory discovered in the checkout
type Full struct {
	Base     `yaml:",inline"`
	Projects []Project `json:"projects" yaml:"projects"`
}

func (f *Full) Root() *Base { return &f.Base }
func (*Full) isLayout()     {}

// Project is one project directory of a Full layout
type Project struct {
	Name         string `json:"name" yaml:"name"`
	Dir          string `json:"dir" yaml:"dir"`
	Order        int    `json:"order" yaml:"order"`
	ManifestPath string `json:"manifest_path" yaml:"manifest_path"`
	EnvFile      string `json:"env_file,omitempty" yaml:"env_file,omitempty"`
	SecretEnv    string `json:"secret_env_file,omitempty" yaml:"secret_env_file,omitempty"`
}

// Expected returns one Expected ref per project, carrying the repo-level
// env files alongside the project's own.
func (f *Full) Expected() []Expected {
	refs := make([]Expected, 0, len(f.Projects))
	for _, p := range f.Projects {
		refs = append(refs, Expected{
			Meta: Meta{
				StackName: p.Name,
				Manifest:  p.ManifestPath,
				Position:  p.Order,
			},
			StackDir:         p.Dir,
			RepoRoot:         f.RepoRoot,
			KeyPath:          f.KeyPath,
			RepoEnv:          f.GlobalEnv,
			RepoSecretEnv:    f.GlobalSecretEnv,
			ProjectEnv:       p.EnvFile,
			ProjectSecretEnv: p.SecretEnv,
		})
	}
	return refs
}

// EnvScope is a scope whose environment can be resolved: a layout (*Base
// or *Full) for the repo-wide env, or an Expected stack for one project.
type EnvScope interface {
	envScope()
}

func (*Base) envScope()    {}
func (*Full) envScope()    {}
func (Expected) envScope() {}
