package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/composesyncd/internal/compose"
	"github.com/schaermu/composesyncd/internal/config"
	"github.com/schaermu/composesyncd/internal/planner"
	"github.com/schaermu/composesyncd/internal/secrets"
	"github.com/schaermu/composesyncd/internal/stack"
)

// mockGitClient implements git.Client for testing.
type mockGitClient struct {
	commitHash string
	err        error
	called     int
	repoSetup  func(destDir string)
}

func (m *mockGitClient) EnsureCheckout(_ context.Context, _, _, destDir string) (string, error) {
	m.called++
	if m.repoSetup != nil {
		m.repoSetup(destDir)
	}
	return m.commitHash, m.err
}

func (m *mockGitClient) HeadRef(context.Context, string) (string, error) {
	return m.commitHash, m.err
}

// mockCompose implements compose.Runtime for testing.
type mockCompose struct {
	projects []stack.Actual
	listErr  error
	upErr    map[string]error
	downErr  map[string]error
	calls    []string
	envs     map[string][]string
}

func (m *mockCompose) ListProjects(context.Context) ([]stack.Actual, error) {
	return m.projects, m.listErr
}

func (m *mockCompose) Up(_ context.Context, req compose.UpRequest) error {
	m.calls = append(m.calls, "up "+req.Name+" "+req.ManifestPath)
	if m.envs == nil {
		m.envs = make(map[string][]string)
	}
	m.envs[req.Name] = req.Env
	return m.upErr[req.Name]
}

func (m *mockCompose) Down(_ context.Context, name string) error {
	m.calls = append(m.calls, "down "+name)
	return m.downErr[name]
}

// mockEnvReader implements EnvReader for testing.
type mockEnvReader struct {
	checkErr error
	envs     map[string]stack.EffectiveEnv
	readErr  map[string]error
	checks   int
}

func (m *mockEnvReader) CheckEncryption(context.Context, string, string) error {
	m.checks++
	return m.checkErr
}

func (m *mockEnvReader) ReadAndMergeEnvs(_ context.Context, scope secrets.Scope, _ bool) (stack.EffectiveEnv, error) {
	exp, ok := scope.(stack.Expected)
	if !ok {
		return stack.EffectiveEnv{}, nil
	}
	if err := m.readErr[exp.Name()]; err != nil {
		return nil, err
	}
	return m.envs[exp.Name()], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const repoRoot = "/repo"

func act(name, manifest string, statuses map[string]int) stack.Actual {
	return stack.Actual{
		Meta:     stack.Meta{StackName: name, Manifest: manifest, Position: stack.Unordered},
		Statuses: statuses,
	}
}

func exp(name, manifest string, order int) stack.Expected {
	return stack.Expected{
		Meta:     stack.Meta{StackName: name, Manifest: manifest, Position: order},
		StackDir: filepath.Dir(manifest),
		RepoRoot: repoRoot,
	}
}

var running = map[string]int{stack.StateRunning: 3}

// flatten renders a plan as "set:kind:name:manifest" entries
func flatten(p *stack.Plan) []string {
	var out []string
	s := p.Summarize()
	for _, r := range s.BringUp {
		out = append(out, "up:"+r.Kind+":"+r.Name+":"+r.Manifest)
	}
	for _, r := range s.TearDown {
		out = append(out, "down:"+r.Kind+":"+r.Name+":"+r.Manifest)
	}
	for _, r := range s.Ignored {
		out = append(out, "ignored:"+r.Kind+":"+r.Name+":"+r.Manifest)
	}
	return out
}

func TestBuildPlan(t *testing.T) {
	tests := []struct {
		name           string
		actuals        []stack.Actual
		expecteds      []stack.Expected
		ignoreExternal bool
		wantRequired   bool
		want           []string
	}{
		{
			name:         "expected only project is brought up",
			expecteds:    []stack.Expected{exp("p1", "/repo/2_p1/compose.yml", 2)},
			wantRequired: true,
			want:         []string{"up:expected:p1:/repo/2_p1/compose.yml"},
		},
		{
			name:           "external actual is ignored",
			actuals:        []stack.Actual{act("cp1", "/tmp/cp1/compose.yml", running)},
			ignoreExternal: true,
			wantRequired:   false,
			want:           []string{"ignored:actual:cp1:/tmp/cp1/compose.yml"},
		},
		{
			name:         "matched healthy pair is re-applied without update",
			actuals:      []stack.Actual{act("p1", "/repo/p1/compose.yml", running)},
			expecteds:    []stack.Expected{exp("p1", "/repo/p1/compose.yml", stack.Unordered)},
			wantRequired: false,
			want:         []string{"up:expected:p1:/repo/p1/compose.yml"},
		},
		{
			name:         "removed project is torn down",
			actuals:      []stack.Actual{act("gone", "/repo/gone/compose.yml", running)},
			wantRequired: true,
			want:         []string{"down:actual:gone:/repo/gone/compose.yml"},
		},
		{
			name: "unrelated actual and expected are evaluated independently",
			actuals: []stack.Actual{
				act("cp1", "/tmp/cp1/compose.yml", running),
			},
			expecteds: []stack.Expected{
				exp("p1", "/repo/p1/compose.yml", 1),
			},
			ignoreExternal: true,
			wantRequired:   true,
			want: []string{
				"up:expected:p1:/repo/p1/compose.yml",
				"ignored:actual:cp1:/tmp/cp1/compose.yml",
			},
		},
		{
			name:    "collision prefers the path match",
			actuals: []stack.Actual{act("p1", "/repo/3_p1/compose.yml", running)},
			expecteds: []stack.Expected{
				exp("p1", "/repo/1_p1/compose.yml", 1),
				exp("p1", "/repo/3_p1/compose.yml", 3),
			},
			wantRequired: true,
			want: []string{
				"up:expected:p1:/repo/1_p1/compose.yml",
				"up:expected:p1:/repo/3_p1/compose.yml",
			},
		},
		{
			name:    "collision without path match pairs the lowest order",
			actuals: []stack.Actual{act("p1", "/repo/old/compose.yml", running)},
			expecteds: []stack.Expected{
				exp("p1", "/repo/3_p1/compose.yml", 3),
				exp("p1", "/repo/1_p1/compose.yml", 1),
			},
			wantRequired: true,
			want: []string{
				"up:expected:p1:/repo/1_p1/compose.yml",
				"up:expected:p1:/repo/3_p1/compose.yml",
				"down:actual:p1:/repo/old/compose.yml",
			},
		},
		{
			name: "rename in place and name reuse elsewhere",
			actuals: []stack.Actual{
				act("old", "/repo/a/compose.yml", running),
			},
			expecteds: []stack.Expected{
				exp("old", "/repo/b/compose.yml", stack.Unordered),
				exp("new", "/repo/a/compose.yml", stack.Unordered),
			},
			wantRequired: true,
			want: []string{
				"up:expected:new:/repo/a/compose.yml",
				"up:expected:old:/repo/b/compose.yml",
				"down:actual:old:/repo/a/compose.yml",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := planner.New(repoRoot, tt.ignoreExternal)

			if got := UpdateRequired(p, tt.actuals, tt.expecteds); got != tt.wantRequired {
				t.Errorf("UpdateRequired() = %v, want %v", got, tt.wantRequired)
			}
			if diff := cmp.Diff(tt.want, flatten(BuildPlan(p, tt.actuals, tt.expecteds))); diff != "" {
				t.Errorf("BuildPlan() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildPlan_Deterministic(t *testing.T) {
	actuals := []stack.Actual{
		act("p1", "/repo/p1/compose.yml", running),
		act("cp1", "/tmp/cp1/compose.yml", running),
		act("old", "/repo/x/compose.yml", map[string]int{stack.StateExited: 1}),
		act("p2", "/opt/p2/compose.yml", running),
	}
	expecteds := []stack.Expected{
		exp("p2", "/repo/2_p2/compose.yml", 2),
		exp("p1", "/repo/p1/compose.yml", stack.Unordered),
		exp("new", "/repo/x/compose.yml", stack.Unordered),
		exp("p2", "/repo/5_p2/compose.yml", 5),
	}

	p := planner.New(repoRoot, true)
	want := flatten(BuildPlan(p, actuals, expecteds))

	reversedA := make([]stack.Actual, len(actuals))
	for i, a := range actuals {
		reversedA[len(actuals)-1-i] = a
	}
	reversedE := make([]stack.Expected, len(expecteds))
	for i, e := range expecteds {
		reversedE[len(expecteds)-1-i] = e
	}

	for i := 0; i < 3; i++ {
		if diff := cmp.Diff(want, flatten(BuildPlan(p, reversedA, reversedE))); diff != "" {
			t.Fatalf("plan depends on input order (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(want, flatten(BuildPlan(p, actuals, expecteds))); diff != "" {
			t.Fatalf("plan is not stable across calls (-want +got):\n%s", diff)
		}
	}
}

func TestBuildPlan_Partition(t *testing.T) {
	actuals := []stack.Actual{
		act("p1", "/repo/p1/compose.yml", running),
		act("p2", "/opt/p2/compose.yml", running),
		act("p3", "/repo/p3/compose.yml", running),
		act("cp1", "/tmp/cp1/compose.yml", running),
	}
	expecteds := []stack.Expected{
		exp("p1", "/repo/p1/compose.yml", 1),
		exp("p2", "/repo/p2/compose.yml", 2),
		exp("p4", "/repo/p3/compose.yml", 3),
		exp("p5", "/repo/p5/compose.yml", stack.Unordered),
	}

	for _, ignoreExternal := range []bool{true, false} {
		plan := BuildPlan(planner.New(repoRoot, ignoreExternal), actuals, expecteds)

		seen := make(map[string]int)
		for _, entry := range flatten(plan) {
			_, ref, _ := strings.Cut(entry, ":")
			seen[ref]++
		}
		for ref, n := range seen {
			if n > 1 {
				t.Errorf("ignoreExternal=%v: %s appears in %d sets", ignoreExternal, ref, n)
			}
		}
	}
}

func TestApply(t *testing.T) {
	rt := &mockCompose{}
	reader := &mockEnvReader{
		envs: map[string]stack.EffectiveEnv{
			"p1": {"B": {Value: "2"}, "A": {Value: "1", Secret: true}},
		},
	}
	e := &Engine{compose: rt, secrets: reader, logger: testLogger()}

	plan := stack.NewPlan()
	plan.BringUp(exp("p1", "/repo/1_p1/compose.yml", 1))
	plan.BringUp(exp("p1", "/repo/4_p1/compose.yml", 4))
	plan.BringUp(exp("p2", "/repo/2_p2/compose.yml", 2))
	plan.TearDown(act("old", "/repo/old/compose.yml", running))
	plan.Ignore(act("cp1", "/tmp/cp1/compose.yml", running))
	plan.Sort()

	if err := e.Apply(context.Background(), plan); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := []string{
		"down old",
		"up p1 /repo/1_p1/compose.yml",
		"up p2 /repo/2_p2/compose.yml",
	}
	if diff := cmp.Diff(want, rt.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"A=1", "B=2"}, rt.envs["p1"]); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_ContinuesAfterFailure(t *testing.T) {
	downErr := errors.New("down failed")
	envErr := errors.New("missing global env")
	rt := &mockCompose{downErr: map[string]error{"old": downErr}}
	reader := &mockEnvReader{readErr: map[string]error{"p1": envErr}}
	e := &Engine{compose: rt, secrets: reader, logger: testLogger()}

	plan := stack.NewPlan()
	plan.TearDown(act("old", "/repo/old/compose.yml", running))
	plan.BringUp(exp("p1", "/repo/1_p1/compose.yml", 1))
	plan.BringUp(exp("p2", "/repo/2_p2/compose.yml", 2))

	err := e.Apply(context.Background(), plan)
	if !errors.Is(err, downErr) || !errors.Is(err, envErr) {
		t.Fatalf("expected both failures to be reported, got %v", err)
	}

	want := []string{"down old", "up p2 /repo/2_p2/compose.yml"}
	if diff := cmp.Diff(want, rt.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

// newTestEngine lays out a checkout with one project under a temporary
// state directory
func newTestEngine(t *testing.T, gitClient *mockGitClient, rt *mockCompose, reader *mockEnvReader, dryRun bool) (*Engine, string) {
	t.Helper()
	stateDir := t.TempDir()
	cfg := &config.Config{
		Repo:  config.RepoConfig{URL: "https://example.com/deployments.git", Ref: "main"},
		Paths: config.PathsConfig{StateDir: stateDir},
	}

	projectDir := filepath.Join(cfg.RepoDir(), "2_p1")
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(projectDir, "compose.yml")
	if err := os.WriteFile(manifest, []byte("services: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	return NewEngine(cfg, gitClient, rt, reader, nil, testLogger(), dryRun), manifest
}

func TestRun_DryRun(t *testing.T) {
	gitClient := &mockGitClient{commitHash: "abc123"}
	rt := &mockCompose{}
	e, _ := newTestEngine(t, gitClient, rt, &mockEnvReader{}, true)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rt.calls) != 0 {
		t.Errorf("dry-run must not touch the runtime, got %v", rt.calls)
	}

	st := e.Status()
	if st == nil || st.Result != "success" || st.Commit != "abc123" {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Plan == nil || len(st.Plan.BringUp) != 1 || st.Plan.BringUp[0].Name != "p1" {
		t.Errorf("expected p1 in status plan, got %+v", st.Plan)
	}
}

func TestRun_FullSync(t *testing.T) {
	gitClient := &mockGitClient{commitHash: "abc123"}
	rt := &mockCompose{projects: []stack.Actual{act("gone", "/srv/other/compose.yml", running)}}
	e, manifest := newTestEngine(t, gitClient, rt, &mockEnvReader{}, false)
	e.planner = planner.New(e.cfg.RepoDir(), false)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"down gone", "up p1 " + manifest}
	if diff := cmp.Diff(want, rt.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if st := e.Status(); st.LastSuccess == nil {
		t.Error("expected last success to be recorded")
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		git     *mockGitClient
		rt      *mockCompose
		reader  *mockEnvReader
		wantErr string
	}{
		{
			name:    "checkout fails",
			git:     &mockGitClient{err: errors.New("auth failed")},
			rt:      &mockCompose{},
			reader:  &mockEnvReader{},
			wantErr: "failed to checkout repository",
		},
		{
			name:    "encrypted without key",
			git:     &mockGitClient{commitHash: "abc123"},
			rt:      &mockCompose{},
			reader:  &mockEnvReader{checkErr: secrets.ErrKeyNotSpecified},
			wantErr: "encryption check failed",
		},
		{
			name:    "listing projects fails",
			git:     &mockGitClient{commitHash: "abc123"},
			rt:      &mockCompose{listErr: errors.New("daemon down")},
			reader:  &mockEnvReader{},
			wantErr: "failed to list compose projects",
		},
		{
			name:    "bring-up fails",
			git:     &mockGitClient{commitHash: "abc123"},
			rt:      &mockCompose{upErr: map[string]error{"p1": errors.New("pull denied")}},
			reader:  &mockEnvReader{},
			wantErr: "pull denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, tt.git, tt.rt, tt.reader, false)

			err := e.Run(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Run() error = %v, want containing %q", err, tt.wantErr)
			}
			if st := e.Status(); st == nil || st.Result != "failure" || st.Error == "" {
				t.Errorf("expected failure status, got %+v", st)
			}
		})
	}
}

func TestRun_KeyErrorSkipsRuntime(t *testing.T) {
	rt := &mockCompose{}
	e, _ := newTestEngine(t, &mockGitClient{commitHash: "abc123"}, rt, &mockEnvReader{checkErr: secrets.ErrKeyNotSpecified}, false)

	err := e.Run(context.Background())
	if !errors.Is(err, secrets.ErrKeyNotSpecified) {
		t.Fatalf("expected ErrKeyNotSpecified, got %v", err)
	}
	if len(rt.calls) != 0 {
		t.Errorf("runtime must not be touched, got %v", rt.calls)
	}
}

func TestPoll(t *testing.T) {
	ctx := context.Background()

	t.Run("unchanged commit and healthy stacks", func(t *testing.T) {
		rt := &mockCompose{}
		e, manifest := newTestEngine(t, &mockGitClient{commitHash: "abc123"}, rt, &mockEnvReader{}, false)
		rt.projects = []stack.Actual{act("p1", manifest, running)}

		commit, err := e.Poll(ctx, "abc123")
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if commit != "abc123" {
			t.Errorf("commit = %q, want abc123", commit)
		}
		if len(rt.calls) != 0 {
			t.Errorf("expected no runtime calls, got %v", rt.calls)
		}
	})

	t.Run("unchanged commit with unhealthy stack", func(t *testing.T) {
		rt := &mockCompose{}
		e, manifest := newTestEngine(t, &mockGitClient{commitHash: "abc123"}, rt, &mockEnvReader{}, false)
		rt.projects = []stack.Actual{act("p1", manifest, map[string]int{stack.StateExited: 1})}

		if _, err := e.Poll(ctx, "abc123"); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if diff := cmp.Diff([]string{"up p1 " + manifest}, rt.calls); diff != "" {
			t.Errorf("calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("new commit", func(t *testing.T) {
		rt := &mockCompose{}
		e, manifest := newTestEngine(t, &mockGitClient{commitHash: "def456"}, rt, &mockEnvReader{}, false)
		rt.projects = []stack.Actual{act("p1", manifest, running)}

		commit, err := e.Poll(ctx, "abc123")
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if commit != "def456" {
			t.Errorf("commit = %q, want def456", commit)
		}
		if diff := cmp.Diff([]string{"up p1 " + manifest}, rt.calls); diff != "" {
			t.Errorf("calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("failed reconcile returns no commit", func(t *testing.T) {
		rt := &mockCompose{upErr: map[string]error{"p1": errors.New("boom")}}
		e, _ := newTestEngine(t, &mockGitClient{commitHash: "def456"}, rt, &mockEnvReader{}, false)

		commit, err := e.Poll(ctx, "abc123")
		if err == nil {
			t.Fatal("expected error")
		}
		if commit != "" {
			t.Errorf("commit = %q, want empty so the next poll retries", commit)
		}
	})
}

func TestPoller(t *testing.T) {
	ctx := context.Background()
	gitClient := &mockGitClient{commitHash: "abc123"}
	rt := &mockCompose{}
	e, manifest := newTestEngine(t, gitClient, rt, &mockEnvReader{}, false)
	p := NewPoller(e)

	// First poll reconciles because nothing was applied yet
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if p.LastCommit() != "abc123" {
		t.Errorf("LastCommit() = %q, want abc123", p.LastCommit())
	}

	// The stack is now up and healthy; a second poll is a no-op
	rt.projects = []stack.Actual{act("p1", manifest, running)}
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if diff := cmp.Diff([]string{"up p1 " + manifest}, rt.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	// A failing checkout keeps the last good commit
	gitClient.err = errors.New("network down")
	if err := p.Poll(ctx); err == nil {
		t.Fatal("expected error")
	}
	if p.LastCommit() != "abc123" {
		t.Errorf("LastCommit() = %q after failure, want abc123", p.LastCommit())
	}
	if gitClient.called != 3 {
		t.Errorf("expected 3 checkouts, got %d", gitClient.called)
	}
}
