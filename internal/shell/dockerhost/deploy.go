package dockerhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fleetlab/komodoctl/internal/core/stack"
)

// =============================================================================
// Stack Deployer
// =============================================================================

// Engine is the slice of the Docker client the deployer needs. *Client
// satisfies it; tests substitute a fake.
type Engine interface {
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) error
	EnsureVolume(ctx context.Context, name string, labels map[string]string) error
	PullImage(ctx context.Context, imageName string) error
	CreateContainer(ctx context.Context, stackName, networkName string, svc stack.Service) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, nameOrID string) (*ContainerState, error)
	ListStackContainers(ctx context.Context, stackName string) ([]ContainerState, error)
}

// ServiceAction describes what the deployer did with one service.
type ServiceAction string

const (
	ActionCreated   ServiceAction = "created"
	ActionRecreated ServiceAction = "recreated"
	ActionStarted   ServiceAction = "started"
	ActionUnchanged ServiceAction = "unchanged"
)

// ServiceResult is the per-service outcome of a deploy.
type ServiceResult struct {
	Service string
	Action  ServiceAction
}

// Deployer converges the core host onto a rendered stack spec.
type Deployer struct {
	engine      Engine
	logger      *slog.Logger
	stopTimeout time.Duration
}

// NewDeployer creates a Deployer.
func NewDeployer(engine Engine, logger *slog.Logger) *Deployer {
	return &Deployer{
		engine:      engine,
		logger:      logger.With("component", "dockerhost"),
		stopTimeout: 30 * time.Second,
	}
}

// Deploy ensures networks and volumes exist, then brings every service of
// the spec to a running container. A service whose stored spec hash matches
// the rendered one and whose container is already running is left alone;
// otherwise the container is replaced. Services start in dependency order.
func (d *Deployer) Deploy(ctx context.Context, stackName string, spec *stack.Spec) ([]ServiceResult, error) {
	stackLabels := map[string]string{LabelStack: stackName}

	networkName := defaultNetworkName(stackName, spec)
	for _, n := range networkNames(networkName, spec) {
		if err := d.engine.EnsureNetwork(ctx, n, stackLabels); err != nil {
			return nil, err
		}
	}
	for _, v := range spec.Volumes {
		if err := d.engine.EnsureVolume(ctx, v, stackLabels); err != nil {
			return nil, err
		}
	}

	ordered, err := startOrder(spec.Services)
	if err != nil {
		return nil, err
	}

	results := make([]ServiceResult, 0, len(ordered))
	for _, svc := range ordered {
		action, err := d.deployService(ctx, stackName, networkName, svc)
		if err != nil {
			return results, fmt.Errorf("deploy service %s: %w", svc.Name, err)
		}
		d.logger.Info("service converged",
			"stack", stackName,
			"service", svc.Name,
			"action", string(action))
		results = append(results, ServiceResult{Service: svc.Name, Action: action})
	}
	return results, nil
}

func (d *Deployer) deployService(ctx context.Context, stackName, networkName string, svc stack.Service) (ServiceAction, error) {
	name := ContainerName(stackName, svc)

	current, err := d.engine.InspectContainer(ctx, name)
	switch {
	case err == nil && current.Hash == svc.Hash():
		if current.Running {
			return ActionUnchanged, nil
		}
		if err := d.engine.StartContainer(ctx, current.ID); err != nil {
			return "", err
		}
		return ActionStarted, nil

	case err == nil:
		// Spec changed: replace the container.
		if err := d.engine.StopContainer(ctx, current.ID, d.stopTimeout); err != nil {
			return "", err
		}
		if err := d.engine.RemoveContainer(ctx, current.ID); err != nil {
			return "", err
		}
		if err := d.createAndStart(ctx, stackName, networkName, svc); err != nil {
			return "", err
		}
		return ActionRecreated, nil

	case errors.Is(err, ErrContainerNotFound):
		if err := d.createAndStart(ctx, stackName, networkName, svc); err != nil {
			return "", err
		}
		return ActionCreated, nil

	default:
		return "", err
	}
}

func (d *Deployer) createAndStart(ctx context.Context, stackName, networkName string, svc stack.Service) error {
	if err := d.engine.PullImage(ctx, svc.Image); err != nil {
		return err
	}
	id, err := d.engine.CreateContainer(ctx, stackName, networkName, svc)
	if err != nil {
		return err
	}
	return d.engine.StartContainer(ctx, id)
}

// Status returns the state of every container belonging to the stack,
// sorted by service name.
func (d *Deployer) Status(ctx context.Context, stackName string) ([]ContainerState, error) {
	states, err := d.engine.ListStackContainers(ctx, stackName)
	if err != nil {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Service < states[j].Service })
	return states, nil
}

// Down stops and removes every container belonging to the stack. Networks
// and volumes are left in place so data survives.
func (d *Deployer) Down(ctx context.Context, stackName string) error {
	states, err := d.engine.ListStackContainers(ctx, stackName)
	if err != nil {
		return err
	}
	for _, s := range states {
		if s.Running {
			if err := d.engine.StopContainer(ctx, s.ID, d.stopTimeout); err != nil {
				return err
			}
		}
		if err := d.engine.RemoveContainer(ctx, s.ID); err != nil {
			return err
		}
		d.logger.Info("container removed", "stack", stackName, "container", s.Name)
	}
	return nil
}

// =============================================================================
// Ordering
// =============================================================================

// startOrder sorts services so dependencies start before their dependents.
func startOrder(services []stack.Service) ([]stack.Service, error) {
	byName := make(map[string]stack.Service, len(services))
	for _, svc := range services {
		byName[svc.Name] = svc
	}

	// depends_on entries naming services outside the spec are ignored here;
	// the parser has already validated references.
	indegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)
	for _, svc := range services {
		if _, ok := indegree[svc.Name]; !ok {
			indegree[svc.Name] = 0
		}
		for _, dep := range svc.DependsOn {
			if _, ok := byName[dep]; !ok {
				continue
			}
			indegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var ordered []stack.Service
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byName[name])

		next := append([]string(nil), dependents[name]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(ordered) != len(services) {
		return nil, fmt.Errorf("%w: depends_on cycle", stack.ErrInvalidYAML)
	}
	return ordered, nil
}

func defaultNetworkName(stackName string, spec *stack.Spec) string {
	if len(spec.Networks) > 0 {
		return spec.Networks[0]
	}
	return stackName
}

func networkNames(defaultName string, spec *stack.Spec) []string {
	seen := map[string]bool{defaultName: true}
	names := []string{defaultName}
	for _, n := range spec.Networks {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}
