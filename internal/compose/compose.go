package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/schaermu/composesyncd/internal/stack"
)

// Runtime provides operations on the docker compose projects of the host
type Runtime interface {
	// ListProjects returns every compose project known to the engine,
	// including stopped ones
	ListProjects(ctx context.Context) ([]stack.Actual, error)
	// Up creates or updates a project from its manifest
	Up(ctx context.Context, req UpRequest) error
	// Down stops and removes a project
	Down(ctx context.Context, name string) error
}

// UpRequest describes one "docker compose up"
type UpRequest struct {
	Name         string
	ManifestPath string
	ProjectDir   string
	// Env is appended to the process environment of the compose command
	Env []string
}

// project is one entry of "docker compose ls --format json"
type project struct {
	Name        string `json:"Name"`
	Status      string `json:"Status"`
	ConfigFiles string `json:"ConfigFiles"`
}

// Client implements Runtime by shelling out to the docker compose plugin
type Client struct {
	binary string
	host   string
}

// NewClient creates a compose client. binary is the docker CLI (usually
// "docker"); a non-empty host overrides DOCKER_HOST.
func NewClient(binary, host string) *Client {
	if binary == "" {
		binary = "docker"
	}
	return &Client{binary: binary, host: host}
}

// ListProjects lists compose projects via "docker compose ls --all"
func (c *Client) ListProjects(ctx context.Context) ([]stack.Actual, error) {
	cmd := c.command(ctx, "ls", "--all", "--format", "json")
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("docker compose ls failed: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("docker compose ls failed: %w", err)
	}
	return ParseProjects(output)
}

// Up runs "docker compose up --detach --remove-orphans" for the project
func (c *Client) Up(ctx context.Context, req UpRequest) error {
	args := []string{"--project-name", req.Name, "--file", req.ManifestPath}
	if req.ProjectDir != "" {
		args = append(args, "--project-directory", req.ProjectDir)
	}
	args = append(args, "up", "--detach", "--remove-orphans")

	cmd := c.command(ctx, args...)
	cmd.Env = append(cmd.Env, req.Env...)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("docker compose up %s failed: %w", req.Name, err)
	}
	return nil
}

// Down runs "docker compose down --remove-orphans" for the project
func (c *Client) Down(ctx context.Context, name string) error {
	cmd := c.command(ctx, "--project-name", name, "down", "--remove-orphans")
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("docker compose down %s failed: %w", name, err)
	}
	return nil
}

func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.binary, append([]string{"compose"}, args...)...)
	cmd.Env = os.Environ()
	if c.host != "" {
		cmd.Env = append(cmd.Env, "DOCKER_HOST="+c.host)
	}
	return cmd
}

// runCommand executes a command and returns an error with its output on failure
func (c *Client) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ParseProjects decodes "docker compose ls --format json" output
func ParseProjects(data []byte) ([]stack.Actual, error) {
	var projects []project
	if len(strings.TrimSpace(string(data))) == 0 {
		return []stack.Actual{}, nil
	}
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("failed to parse compose project list: %w", err)
	}

	actuals := make([]stack.Actual, 0, len(projects))
	for _, p := range projects {
		actuals = append(actuals, stack.Actual{
			Meta: stack.Meta{
				StackName: p.Name,
				Manifest:  firstConfigFile(p.ConfigFiles),
				Position:  stack.Unordered,
			},
			Statuses: ParseStatus(p.Status),
		})
	}
	return actuals, nil
}

// firstConfigFile returns the primary manifest of a comma-separated list
func firstConfigFile(files string) string {
	first, _, _ := strings.Cut(files, ",")
	return strings.TrimSpace(first)
}

var statusPattern = regexp.MustCompile(`([A-Za-z]+)\((\d+)\)`)

// ParseStatus turns a compose status such as "running(2), exited(1)" into
// a state to count map
func ParseStatus(status string) map[string]int {
	statuses := make(map[string]int)
	for _, m := range statusPattern.FindAllStringSubmatch(status, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		statuses[strings.ToLower(m[1])] += n
	}
	return statuses
}
