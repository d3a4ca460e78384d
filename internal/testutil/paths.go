// Package testutil holds helpers shared by tests that drive the real binary.
package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// FindProjectRoot walks up the directory tree from the caller's source file
// to find go.mod
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}
	return findGoMod(filepath.Dir(filename))
}

func findGoMod(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// BuildBinary compiles the composesyncd command into outDir and returns the
// path of the binary
func BuildBinary(ctx context.Context, outDir string) (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}
	root, err := findGoMod(filepath.Dir(filename))
	if err != nil {
		return "", err
	}

	bin := filepath.Join(outDir, "composesyncd")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", bin, "./cmd/composesyncd")
	cmd.Dir = root
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("go build: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return bin, nil
}
