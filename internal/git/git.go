// Package git keeps a local working copy of the deployment repository in
// sync with its remote.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// tokenEnv carries the HTTPS token to the inline credential helper
const tokenEnv = "COMPOSESYNCD_GIT_TOKEN"

// Client provides git operations for repository management
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref
	// and returns the checked out commit
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
	// HeadRef returns the commit currently checked out in dir
	HeadRef(ctx context.Context, dir string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout clones or fetches and force-checks out the specified ref.
// Local modifications in destDir are discarded.
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	exists := false
	if _, err := os.Stat(filepath.Join(destDir, ".git")); err == nil {
		exists = true
	}

	if exists {
		if err := c.fetch(ctx, url, destDir); err != nil {
			return "", err
		}
	} else if err := c.clone(ctx, url, destDir); err != nil {
		return "", err
	}

	// Direct checkout covers local branches, tags and commit hashes;
	// otherwise the ref is treated as a remote branch
	cmd := exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", ref)
	if err := c.runCommand(cmd); err != nil {
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", "origin/"+ref)
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}

	// A local branch is stale after fetch. The reset fails harmlessly for
	// tags and hashes.
	if exists {
		resetCmd := exec.CommandContext(ctx, "git", "-C", destDir, "reset", "--hard", "origin/"+ref)
		_ = c.runCommand(resetCmd)
	}

	return c.HeadRef(ctx, destDir)
}

// HeadRef returns the commit hash of HEAD in dir
func (c *ShellClient) HeadRef(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (c *ShellClient) clone(ctx context.Context, url, destDir string) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

func (c *ShellClient) fetch(ctx context.Context, url, destDir string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "--tags", "origin")
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The key path is shell-quoted; GIT_SSH_COMMAND goes through sh
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token stays in the environment, never in the argument list
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, tokenEnv+"="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$`+tokenEnv+`"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
