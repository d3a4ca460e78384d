package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/schaermu/composesyncd/internal/stack"
)

const (
	// GlobalEnvName is the repo-wide env file at the checkout root
	GlobalEnvName = "global.env"
	// GlobalSecretEnvName is the repo-wide secret env file at the checkout root
	GlobalSecretEnvName = "global.secret.env"

	// EnvSuffix marks a project env file
	EnvSuffix = ".env"
	// SecretEnvSuffix marks a project secret env file
	SecretEnvSuffix = ".secret.env"
)

// ManifestNames are the recognized compose manifest names, in the order
// docker compose itself prefers them.
var ManifestNames = []string{
	"compose.yaml",
	"compose.yml",
	"docker-compose.yaml",
	"docker-compose.yml",
}

var projectDirPattern = regexp.MustCompile(`^(?:(\d+)_)?(.+)$`)

// Scan walks a checkout and returns its full layout. A missing root is an
// error; an empty root yields a layout without projects.
func Scan(root, keyPath string) (*stack.Full, error) {
	base, entries, err := scanRoot(root, keyPath)
	if err != nil {
		return nil, err
	}

	full := &stack.Full{Base: *base, Projects: make([]stack.Project, 0)}
	for _, entry := range entries {
		// Skip hidden directories (e.g. .git) and plain files
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		project, ok, err := scanProject(filepath.Join(base.RepoRoot, entry.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			full.Projects = append(full.Projects, project)
		}
	}

	sort.SliceStable(full.Projects, func(i, j int) bool {
		a, b := full.Projects[i], full.Projects[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !strings.EqualFold(a.Name, b.Name) {
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
		return a.Dir < b.Dir
	})

	return full, nil
}

// ScanBase returns only the repo-level part of the layout
func ScanBase(root, keyPath string) (*stack.Base, error) {
	base, _, err := scanRoot(root, keyPath)
	return base, err
}

func scanRoot(root, keyPath string) (*stack.Base, []os.DirEntry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve repo root %s: %w", root, err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read repo root: %w", err)
	}

	base := &stack.Base{RepoRoot: abs, KeyPath: keyPath}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(entry.Name()) {
		case GlobalEnvName:
			base.GlobalEnv = filepath.Join(abs, entry.Name())
		case GlobalSecretEnvName:
			base.GlobalSecretEnv = filepath.Join(abs, entry.Name())
		}
	}

	return base, entries, nil
}

// scanProject inspects one candidate directory. Directories without a
// compose manifest are not projects.
func scanProject(dir string) (stack.Project, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return stack.Project{}, false, fmt.Errorf("failed to read project directory %s: %w", dir, err)
	}

	manifest := findManifest(entries)
	if manifest == "" {
		return stack.Project{}, false, nil
	}

	name, order := ParseDirName(filepath.Base(dir))
	project := stack.Project{
		Name:         name,
		Dir:          dir,
		Order:        order,
		ManifestPath: filepath.Join(dir, manifest),
	}

	// ReadDir returns entries sorted by name, so the first match wins
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		switch {
		case IsGlobalEnv(fileName):
			continue
		case IsSecretEnv(fileName):
			if project.SecretEnv == "" {
				project.SecretEnv = filepath.Join(dir, fileName)
			}
		case IsEnv(fileName):
			if project.EnvFile == "" {
				project.EnvFile = filepath.Join(dir, fileName)
			}
		}
	}

	return project, true, nil
}

func findManifest(entries []os.DirEntry) string {
	found := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		lower := strings.ToLower(entry.Name())
		if _, seen := found[lower]; !seen {
			found[lower] = entry.Name()
		}
	}
	for _, name := range ManifestNames {
		if actual, ok := found[name]; ok {
			return actual
		}
	}
	return ""
}

// ParseDirName splits a "<order>_<name>" directory name. Without a numeric
// prefix the whole name is used and the order is stack.Unordered.
func ParseDirName(dirName string) (string, int) {
	m := projectDirPattern.FindStringSubmatch(dirName)
	if m == nil || m[1] == "" {
		return dirName, stack.Unordered
	}
	order, err := strconv.Atoi(m[1])
	if err != nil {
		// Prefix too large for an int: not an order
		return dirName, stack.Unordered
	}
	return m[2], order
}

// IsGlobalEnv returns true for the repo-level env file names
func IsGlobalEnv(fileName string) bool {
	lower := strings.ToLower(fileName)
	return lower == GlobalEnvName || lower == GlobalSecretEnvName
}

// IsSecretEnv returns true if the file name carries the secret env suffix
func IsSecretEnv(fileName string) bool {
	return strings.HasSuffix(strings.ToLower(fileName), SecretEnvSuffix)
}

// IsEnv returns true if the file name carries the plain env suffix
func IsEnv(fileName string) bool {
	lower := strings.ToLower(fileName)
	return strings.HasSuffix(lower, EnvSuffix) && !strings.HasSuffix(lower, SecretEnvSuffix)
}

// Contains reports whether path lies lexically under root after both are
// canonicalized, so symlinks and ".." segments cannot produce a false negative.
func Contains(root, path string) bool {
	if root == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(Canonical(root), Canonical(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Canonical returns an absolute, cleaned path with symlinks resolved for
// the longest existing prefix.
func Canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		return abs
	}
	return filepath.Join(Canonical(parent), filepath.Base(abs))
}

// RelativePath returns the relative path from baseDir to target
func RelativePath(baseDir, target string) (string, error) {
	return filepath.Rel(Canonical(baseDir), Canonical(target))
}
