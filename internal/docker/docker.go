// Package docker is the container-engine collaborator of the sidecar
// manager. Engine "not found" and "conflict" answers are reported as
// booleans; every other failure is returned as an error.
package docker

import (
	"context"
	"fmt"
	"maps"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// composeLabelPrefix marks labels owned by docker compose. A copy keeping
// them would be adopted by the source's compose project.
const composeLabelPrefix = "com.docker.compose."

// apiClient is the subset of the engine API the adapter uses
type apiClient interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Info is the inspected state of one container
type Info struct {
	ID   string
	Name string
	// Image is the image ID the container was created from
	Image  string
	Status string

	raw container.InspectResponse
}

// Running reports whether the container is in the running state
func (i *Info) Running() bool {
	return i.Status == string(container.StateRunning)
}

// Engine talks to the docker daemon
type Engine struct {
	api apiClient
}

// NewEngine connects to the daemon at host, or to the environment's
// DOCKER_HOST when host is empty
func NewEngine(host string) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Engine{api: c}, nil
}

// Close releases the underlying client
func (e *Engine) Close() error {
	return e.api.Close()
}

// ContainerInfo inspects a container by ID or name. A missing container
// yields nil without error.
func (e *Engine) ContainerInfo(ctx context.Context, idOrName string) (*Info, error) {
	resp, err := e.api.ContainerInspect(ctx, idOrName)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", idOrName, err)
	}

	info := &Info{raw: resp}
	if resp.ContainerJSONBase != nil {
		info.ID = resp.ID
		info.Name = strings.TrimPrefix(resp.Name, "/")
		info.Image = resp.Image
		if resp.State != nil {
			info.Status = string(resp.State.Status)
		}
	}
	return info, nil
}

// CopyContainer creates, without starting, a container named name from
// source's image and settings with cmd as its command. created is false
// when the name is already in use.
func (e *Engine) CopyContainer(ctx context.Context, name string, cmd []string, source *Info, autoRemove bool) (bool, string, error) {
	cfg, hostCfg, netCfg := copySpec(source, cmd, autoRemove)

	resp, err := e.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	return true, resp.ID, nil
}

// DeleteContainer force-removes a container. It reports false when the
// container does not exist.
func (e *Engine) DeleteContainer(ctx context.Context, idOrName string) (bool, error) {
	err := e.api.ContainerRemove(ctx, idOrName, container.RemoveOptions{Force: true})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove container %s: %w", idOrName, err)
	}
	return true, nil
}

// StartContainer starts a created container. It reports false when the
// container does not exist.
func (e *Engine) StartContainer(ctx context.Context, idOrName string) (bool, error) {
	err := e.api.ContainerStart(ctx, idOrName, container.StartOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to start container %s: %w", idOrName, err)
	}
	return true, nil
}

// copySpec derives the create request of a copy. The copy shares the
// source's image, mounts and networks, but not its identity: hostname,
// published ports and compose labels are dropped.
func copySpec(source *Info, cmd []string, autoRemove bool) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	cfg := &container.Config{}
	if source.raw.Config != nil {
		c := *source.raw.Config
		cfg = &c
	}
	cfg.Image = source.Image
	cfg.Cmd = append([]string(nil), cmd...)
	cfg.Hostname = ""
	cfg.ExposedPorts = nil
	cfg.Labels = make(map[string]string, len(cfg.Labels))
	if source.raw.Config != nil {
		for k, v := range source.raw.Config.Labels {
			if !strings.HasPrefix(k, composeLabelPrefix) {
				cfg.Labels[k] = v
			}
		}
	}

	hostCfg := &container.HostConfig{}
	if source.raw.ContainerJSONBase != nil && source.raw.HostConfig != nil {
		h := *source.raw.HostConfig
		hostCfg = &h
	}
	hostCfg.AutoRemove = autoRemove
	hostCfg.PortBindings = nil
	hostCfg.PublishAllPorts = false
	if autoRemove {
		// The engine rejects auto-remove combined with a restart policy
		hostCfg.RestartPolicy = container.RestartPolicy{}
	}

	netCfg := &network.NetworkingConfig{}
	if source.raw.NetworkSettings != nil && len(source.raw.NetworkSettings.Networks) > 0 {
		netCfg.EndpointsConfig = make(map[string]*network.EndpointSettings, len(source.raw.NetworkSettings.Networks))
		for name, ep := range source.raw.NetworkSettings.Networks {
			settings := &network.EndpointSettings{}
			if ep != nil {
				settings.NetworkID = ep.NetworkID
				settings.DriverOpts = maps.Clone(ep.DriverOpts)
			}
			netCfg.EndpointsConfig[name] = settings
		}
	}

	return cfg, hostCfg, netCfg
}
