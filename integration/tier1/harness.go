//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/composesyncd/internal/compose"
	"github.com/schaermu/composesyncd/internal/stack"
	"github.com/schaermu/composesyncd/internal/testutil"
)

const (
	projectPrefix  = "cstier1"
	defaultTimeout = 5 * time.Minute
)

// Harness drives the composesyncd binary against the host's Docker engine.
// The desired-state repository is a local Git repository in a temp dir.
type Harness struct {
	t          *testing.T
	binary     string
	workDir    string
	repoPath   string
	configPath string
	keepOnFail bool
}

// NewHarness creates a new test harness. It skips the test when docker
// compose or git-crypt is not usable on the host.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	if out, err := exec.Command("docker", "compose", "version").CombinedOutput(); err != nil {
		t.Skipf("docker compose not available: %v: %s", err, strings.TrimSpace(string(out)))
	}
	if _, err := exec.LookPath("git-crypt"); err != nil {
		t.Skip("git-crypt not available")
	}

	workDir := t.TempDir()
	return &Harness{
		t:          t,
		workDir:    workDir,
		repoPath:   filepath.Join(workDir, "repo"),
		configPath: filepath.Join(workDir, "config.yaml"),
		keepOnFail: os.Getenv("INTEGRATION_KEEP_CONTAINER") == "1",
	}
}

// BuildBinary compiles composesyncd into the work dir
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()
	h.t.Log("Building composesyncd")

	bin, err := testutil.BuildBinary(ctx, h.workDir)
	if err != nil {
		return err
	}
	h.binary = bin
	return nil
}

// WriteConfig writes a composesyncd config for the local repository
func (h *Harness) WriteConfig(ignoreExternal bool) {
	h.t.Helper()

	config := fmt.Sprintf(`repo:
  url: %s
  ref: main

paths:
  state_dir: %s

sync:
  ignore_external: %t

sidecar:
  enabled: false
`, h.repoPath, filepath.Join(h.workDir, "state"), ignoreExternal)

	if err := os.WriteFile(h.configPath, []byte(config), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Cleanup takes down every compose project created by the test
func (h *Harness) Cleanup(ctx context.Context) {
	h.t.Helper()

	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_CONTAINER=1, keeping %s* projects", projectPrefix)
		h.t.Logf("To cleanup: docker compose --project-name <name> down")
		return
	}

	projects, err := h.Projects(ctx)
	if err != nil {
		h.t.Logf("Warning: failed to list projects: %v", err)
		return
	}
	for _, p := range projects {
		if !strings.HasPrefix(p.Name(), projectPrefix) {
			continue
		}
		if _, stderr, code, err := h.Exec(ctx, "docker", "compose", "--project-name", p.Name(), "down", "--remove-orphans"); err != nil || code != 0 {
			h.t.Logf("Warning: failed to take down %s: %v %s", p.Name(), err, stderr)
		}
	}
}

// Exec executes a command on the host
func (h *Harness) Exec(ctx context.Context, cmd ...string) (string, string, int, error) {
	h.t.Helper()

	execCmd := exec.CommandContext(ctx, cmd[0], cmd[1:]...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec executes a command and fails the test if it returns non-zero
func (h *Harness) MustExec(ctx context.Context, cmd ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, cmd...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\ncmd: %v",
			exitCode, stdout, stderr, cmd)
	}
	return stdout, stderr
}

// Composesyncd runs the binary with the harness config
func (h *Harness) Composesyncd(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	args = append(args, "--config", h.configPath)
	stdout, stderr := h.MustExec(ctx, append([]string{h.binary}, args...)...)
	_, _ = (&testWriter{t: h.t, prefix: "[composesyncd] "}).Write([]byte(stderr))
	return stdout, stderr
}

// WriteFile writes a file relative to the repository
func (h *Harness) WriteFile(path, content string) {
	h.t.Helper()
	full := filepath.Join(h.repoPath, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// Git runs git in the repository
func (h *Harness) Git(ctx context.Context, args ...string) {
	h.t.Helper()
	h.MustExec(ctx, append([]string{"git", "-C", h.repoPath}, args...)...)
}

// Commit stages everything and commits
func (h *Harness) Commit(ctx context.Context, msg string) {
	h.t.Helper()
	h.Git(ctx, "add", "--all")
	h.Git(ctx, "commit", "--quiet", "-m", msg)
}

// Projects lists the compose projects of the host
func (h *Harness) Projects(ctx context.Context) ([]stack.Actual, error) {
	return compose.NewClient("docker", "").ListProjects(ctx)
}

// Project returns the named project, or nil when it does not exist
func (h *Harness) Project(ctx context.Context, name string) *stack.Actual {
	h.t.Helper()
	projects, err := h.Projects(ctx)
	if err != nil {
		h.t.Fatalf("list projects: %v", err)
	}
	for _, p := range projects {
		if p.Name() == name {
			return &p
		}
	}
	return nil
}

// ContainerEnv returns one variable of the first container of a project
func (h *Harness) ContainerEnv(ctx context.Context, project, name string) string {
	h.t.Helper()
	stdout, _ := h.MustExec(ctx, "docker", "ps", "--quiet",
		"--filter", "label=com.docker.compose.project="+project)
	ids := strings.Fields(stdout)
	if len(ids) == 0 {
		h.t.Fatalf("no running container for project %s", project)
	}
	value, _ := h.MustExec(ctx, "docker", "exec", ids[0], "printenv", name)
	return strings.TrimSpace(value)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
