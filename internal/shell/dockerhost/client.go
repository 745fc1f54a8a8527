// Package dockerhost talks to the Docker daemon on the core host. It is the
// engine behind bootstrap and core deploy: networks, volumes, images and the
// container lifecycle for the rendered core stack.
package dockerhost

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/fleetlab/komodoctl/internal/core/stack"
)

// =============================================================================
// Container Labels
// =============================================================================

// Labels stamped on every container the tool creates. LabelHash carries the
// content hash of the rendered service spec so a redeploy can tell which
// services actually changed.
const (
	LabelStack   = "komodoctl.stack"
	LabelService = "komodoctl.service"
	LabelHash    = "komodoctl.hash"
)

// =============================================================================
// Docker Client
// =============================================================================

// Client wraps the Docker SDK for the core host socket.
type Client struct {
	cli *client.Client
}

// NewClient creates a Docker client. An empty host uses the daemon from the
// environment (DOCKER_HOST or the default socket).
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewHostError("NewClient", "", "", "failed to create client", ErrConnectionFailed)
	}
	return &Client{cli: cli}, nil
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return NewHostError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// =============================================================================
// Network and Volume Operations
// =============================================================================

// EnsureNetwork creates a bridge network if it does not already exist.
func (c *Client) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	_, err := c.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return NewHostError("EnsureNetwork", "network", name, err.Error(), err)
	}
	return nil
}

// EnsureVolume creates a named local volume. VolumeCreate is idempotent for
// an existing name with matching options.
func (c *Client) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		Labels: labels,
	})
	if err != nil {
		return NewHostError("EnsureVolume", "volume", name, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls an image and drains the progress stream to completion.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewHostError("PullImage", "image", imageName, "image not found", ErrImageNotFound)
		}
		return NewHostError("PullImage", "image", imageName, errStr, ErrImagePullFailed)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewHostError("PullImage", "image", imageName, err.Error(), ErrImagePullFailed)
	}
	return nil
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a container for a rendered stack service. The
// container is labeled with the stack name, service name and spec hash.
func (c *Client) CreateContainer(ctx context.Context, stackName, networkName string, svc stack.Service) (string, error) {
	name := ContainerName(stackName, svc)

	config := &container.Config{
		Image: svc.Image,
		Cmd:   svc.Command,
		Labels: mergeLabels(svc.Labels, map[string]string{
			LabelStack:   stackName,
			LabelService: svc.Name,
			LabelHash:    svc.Hash(),
		}),
	}
	for k, v := range svc.Environment {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{}

	if len(svc.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}
		for _, p := range svc.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.Target, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.Published != 0 {
				hostPort = fmt.Sprintf("%d", p.Published)
			}
			portBindings[containerPort] = []nat.PortBinding{{
				HostIP:   p.HostIP,
				HostPort: hostPort,
			}}
		}
		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	for _, m := range svc.Volumes {
		mountType := mount.TypeVolume
		if m.Type == "bind" || strings.HasPrefix(m.Source, "/") {
			mountType = mount.TypeBind
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mountType,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	if svc.RestartPolicy != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(svc.RestartPolicy),
		}
	}

	var networkConfig *network.NetworkingConfig
	networks := svc.Networks
	if len(networks) == 0 && networkName != "" {
		networks = []string{networkName}
	}
	if len(networks) > 0 {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{},
		}
		for _, n := range networks {
			networkConfig.EndpointsConfig[n] = &network.EndpointSettings{}
		}
	}

	resp, err := c.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, name)
	if err != nil {
		if strings.Contains(err.Error(), "Conflict") {
			return "", NewHostError("CreateContainer", "container", name, "container already exists", ErrContainerAlreadyExists)
		}
		if strings.Contains(err.Error(), "port is already allocated") {
			return "", NewHostError("CreateContainer", "container", name, err.Error(), ErrPortAlreadyAllocated)
		}
		return "", NewHostError("CreateContainer", "container", name, err.Error(), err)
	}
	return resp.ID, nil
}

// StartContainer starts a created or stopped container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewHostError("StartContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is already running") {
			return nil
		}
		return NewHostError("StartContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// StopContainer stops a running container, waiting up to timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	stopOpts := container.StopOptions{}
	if timeout > 0 {
		seconds := int(timeout.Seconds())
		stopOpts.Timeout = &seconds
	}

	err := c.cli.ContainerStop(ctx, containerID, stopOpts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewHostError("StopContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return nil
		}
		return NewHostError("StopContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container, forcing removal if it is running.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewHostError("RemoveContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return NewHostError("RemoveContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// InspectContainer returns the deploy-relevant state of a container by name
// or ID. A missing container yields ErrContainerNotFound.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (*ContainerState, error) {
	resp, err := c.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewHostError("InspectContainer", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		return nil, NewHostError("InspectContainer", "container", nameOrID, err.Error(), err)
	}

	health := ""
	if resp.State.Health != nil {
		health = resp.State.Health.Status
	}

	return &ContainerState{
		ID:       resp.ID,
		Name:     strings.TrimPrefix(resp.Name, "/"),
		Image:    resp.Config.Image,
		State:    resp.State.Status,
		Running:  resp.State.Running,
		Health:   health,
		ExitCode: resp.State.ExitCode,
		Labels:   resp.Config.Labels,
		Hash:     resp.Config.Labels[LabelHash],
		Service:  resp.Config.Labels[LabelService],
	}, nil
}

// ListStackContainers returns every container labeled as part of a stack,
// running or not.
func (c *Client) ListStackContainers(ctx context.Context, stackName string) ([]ContainerState, error) {
	f := filters.NewArgs()
	f.Add("label", LabelStack+"="+stackName)

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, NewHostError("ListStackContainers", "container", "", err.Error(), err)
	}

	var result []ContainerState
	for _, item := range containers {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		result = append(result, ContainerState{
			ID:      item.ID,
			Name:    name,
			Image:   item.Image,
			State:   item.State,
			Running: item.State == "running",
			Labels:  item.Labels,
			Hash:    item.Labels[LabelHash],
			Service: item.Labels[LabelService],
		})
	}
	return result, nil
}

// =============================================================================
// Container State
// =============================================================================

// ContainerState is the subset of inspect output the deployer acts on.
type ContainerState struct {
	ID       string
	Name     string
	Image    string
	State    string
	Running  bool
	Health   string
	ExitCode int
	Labels   map[string]string
	Hash     string
	Service  string
}

// ContainerName returns the container name for a stack service: the compose
// container_name when set, otherwise stack-service.
func ContainerName(stackName string, svc stack.Service) string {
	if svc.ContainerName != "" {
		return svc.ContainerName
	}
	return stackName + "-" + svc.Name
}

func mergeLabels(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
