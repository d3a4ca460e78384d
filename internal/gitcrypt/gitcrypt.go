package gitcrypt

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Crypt provides git-crypt operations on a repository checkout
type Crypt interface {
	// EncryptedFiles returns the repo-relative paths git-crypt encrypts
	EncryptedFiles(ctx context.Context, repoDir string) (mapset.Set[string], error)
	// Unlock decrypts the checkout with the given symmetric key file
	Unlock(ctx context.Context, repoDir, keyFile string) error
	// Lock re-encrypts the checkout
	Lock(ctx context.Context, repoDir string) error
}

// ShellClient implements Crypt by shelling out to the git-crypt command
type ShellClient struct {
	binary string
}

// NewShellClient creates a new git-crypt client
func NewShellClient() *ShellClient {
	return &ShellClient{binary: "git-crypt"}
}

// EncryptedFiles lists files reported by "git-crypt status -e"
func (c *ShellClient) EncryptedFiles(ctx context.Context, repoDir string) (mapset.Set[string], error) {
	cmd := exec.CommandContext(ctx, c.binary, "status", "-e")
	cmd.Dir = repoDir
	output, err := c.runCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("git-crypt status failed: %w", err)
	}
	return ParseStatus(output), nil
}

// Unlock runs "git-crypt unlock <keyFile>" in the checkout
func (c *ShellClient) Unlock(ctx context.Context, repoDir, keyFile string) error {
	cmd := exec.CommandContext(ctx, c.binary, "unlock", keyFile)
	cmd.Dir = repoDir
	if _, err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git-crypt unlock failed: %w", err)
	}
	return nil
}

// Lock runs "git-crypt lock" in the checkout
func (c *ShellClient) Lock(ctx context.Context, repoDir string) error {
	cmd := exec.CommandContext(ctx, c.binary, "lock")
	cmd.Dir = repoDir
	if _, err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git-crypt lock failed: %w", err)
	}
	return nil
}

// ParseStatus extracts the paths of "encrypted: <path>" lines. Warning
// lines that git-crypt appends to an entry are ignored.
func ParseStatus(output string) mapset.Set[string] {
	files := mapset.NewThreadUnsafeSet[string]()
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, "encrypted:")
		if !ok {
			continue
		}
		path := strings.TrimSpace(rest)
		// "encrypted: a.env *** WARNING: staged/committed version is NOT ENCRYPTED! ***"
		if i := strings.Index(path, " *** "); i >= 0 {
			path = strings.TrimSpace(path[:i])
		}
		if path != "" {
			files.Add(filepath.ToSlash(filepath.Clean(path)))
		}
	}
	return files
}

// runCommand executes a command and returns its output, or an error with
// the combined output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) (string, error) {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
