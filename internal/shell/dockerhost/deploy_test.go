package dockerhost

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlab/komodoctl/internal/core/stack"
)

// =============================================================================
// Fake Engine
// =============================================================================

type fakeEngine struct {
	containers map[string]*ContainerState // keyed by container name
	networks   []string
	volumes    []string
	pulled     []string
	created    []string
	started    []string
	stopped    []string
	removed    []string
	nextID     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]*ContainerState{}}
}

func (f *fakeEngine) EnsureNetwork(_ context.Context, name string, _ map[string]string) error {
	f.networks = append(f.networks, name)
	return nil
}

func (f *fakeEngine) EnsureVolume(_ context.Context, name string, _ map[string]string) error {
	f.volumes = append(f.volumes, name)
	return nil
}

func (f *fakeEngine) PullImage(_ context.Context, imageName string) error {
	f.pulled = append(f.pulled, imageName)
	return nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, stackName, _ string, svc stack.Service) (string, error) {
	f.nextID++
	name := ContainerName(stackName, svc)
	id := name + "-id"
	f.containers[name] = &ContainerState{
		ID:      id,
		Name:    name,
		Image:   svc.Image,
		Hash:    svc.Hash(),
		Service: svc.Name,
	}
	f.created = append(f.created, name)
	return id, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, containerID string) error {
	f.started = append(f.started, containerID)
	for _, c := range f.containers {
		if c.ID == containerID {
			c.Running = true
			c.State = "running"
		}
	}
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, containerID string, _ time.Duration) error {
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	for name, c := range f.containers {
		if c.ID == containerID {
			delete(f.containers, name)
		}
	}
	return nil
}

func (f *fakeEngine) InspectContainer(_ context.Context, nameOrID string) (*ContainerState, error) {
	if c, ok := f.containers[nameOrID]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, NewHostError("InspectContainer", "container", nameOrID, "container not found", ErrContainerNotFound)
}

func (f *fakeEngine) ListStackContainers(_ context.Context, _ string) ([]ContainerState, error) {
	var states []ContainerState
	for _, c := range f.containers {
		states = append(states, *c)
	}
	return states, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSpec() *stack.Spec {
	return &stack.Spec{
		Services: []stack.Service{
			{
				Name:      "core",
				Image:     "ghcr.io/moghtech/komodo-core:latest",
				Ports:     []stack.Port{{Target: 9120, Published: 9120, Protocol: "tcp"}},
				DependsOn: []string{"mongo"},
			},
			{
				Name:    "mongo",
				Image:   "mongo:7",
				Volumes: []stack.Mount{{Type: "volume", Source: "mongo-data", Target: "/data/db"}},
			},
		},
		Networks: []string{"komodo"},
		Volumes:  []string{"mongo-data"},
	}
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDeployFreshHostCreatesEverything(t *testing.T) {
	engine := newFakeEngine()
	d := NewDeployer(engine, testLogger())

	results, err := d.Deploy(context.Background(), "komodo", testSpec())
	require.NoError(t, err)

	require.Len(t, results, 2)
	// mongo has no dependencies so it converges first.
	assert.Equal(t, "mongo", results[0].Service)
	assert.Equal(t, ActionCreated, results[0].Action)
	assert.Equal(t, "core", results[1].Service)
	assert.Equal(t, ActionCreated, results[1].Action)

	assert.Equal(t, []string{"komodo"}, engine.networks)
	assert.Equal(t, []string{"mongo-data"}, engine.volumes)
	assert.Equal(t, []string{"mongo:7", "ghcr.io/moghtech/komodo-core:latest"}, engine.pulled)
	assert.Equal(t, []string{"komodo-mongo", "komodo-core"}, engine.created)
}

func TestDeployUnchangedServiceIsSkipped(t *testing.T) {
	engine := newFakeEngine()
	d := NewDeployer(engine, testLogger())

	spec := testSpec()
	_, err := d.Deploy(context.Background(), "komodo", spec)
	require.NoError(t, err)
	engine.pulled = nil
	engine.created = nil

	results, err := d.Deploy(context.Background(), "komodo", spec)
	require.NoError(t, err)

	for _, r := range results {
		assert.Equal(t, ActionUnchanged, r.Action, "service %s", r.Service)
	}
	assert.Empty(t, engine.pulled)
	assert.Empty(t, engine.created)
}

func TestDeployChangedServiceIsRecreated(t *testing.T) {
	engine := newFakeEngine()
	d := NewDeployer(engine, testLogger())

	spec := testSpec()
	_, err := d.Deploy(context.Background(), "komodo", spec)
	require.NoError(t, err)

	// Bump the core image; mongo is untouched.
	spec.Services[0].Image = "ghcr.io/moghtech/komodo-core:v1.18.0"

	results, err := d.Deploy(context.Background(), "komodo", spec)
	require.NoError(t, err)

	byService := map[string]ServiceAction{}
	for _, r := range results {
		byService[r.Service] = r.Action
	}
	assert.Equal(t, ActionRecreated, byService["core"])
	assert.Equal(t, ActionUnchanged, byService["mongo"])
	assert.Equal(t, []string{"komodo-core-id"}, engine.stopped)
	assert.Equal(t, []string{"komodo-core-id"}, engine.removed)
}

func TestDeployStoppedUnchangedServiceIsStarted(t *testing.T) {
	engine := newFakeEngine()
	d := NewDeployer(engine, testLogger())

	spec := testSpec()
	_, err := d.Deploy(context.Background(), "komodo", spec)
	require.NoError(t, err)

	engine.containers["komodo-mongo"].Running = false
	engine.containers["komodo-mongo"].State = "exited"

	results, err := d.Deploy(context.Background(), "komodo", spec)
	require.NoError(t, err)

	byService := map[string]ServiceAction{}
	for _, r := range results {
		byService[r.Service] = r.Action
	}
	assert.Equal(t, ActionStarted, byService["mongo"])
	assert.Equal(t, ActionUnchanged, byService["core"])
}

func TestDownRemovesStackContainers(t *testing.T) {
	engine := newFakeEngine()
	d := NewDeployer(engine, testLogger())

	_, err := d.Deploy(context.Background(), "komodo", testSpec())
	require.NoError(t, err)

	require.NoError(t, d.Down(context.Background(), "komodo"))
	assert.Empty(t, engine.containers)
	assert.Len(t, engine.removed, 2)
}

func TestStartOrderDetectsCycle(t *testing.T) {
	services := []stack.Service{
		{Name: "a", Image: "x", DependsOn: []string{"b"}},
		{Name: "b", Image: "y", DependsOn: []string{"a"}},
	}
	_, err := startOrder(services)
	require.Error(t, err)
	assert.ErrorIs(t, err, stack.ErrInvalidYAML)
}

func TestContainerNameHonoursComposeOverride(t *testing.T) {
	svc := stack.Service{Name: "core", ContainerName: "komodo-core-main"}
	assert.Equal(t, "komodo-core-main", ContainerName("komodo", svc))

	svc.ContainerName = ""
	assert.Equal(t, "komodo-core", ContainerName("komodo", svc))
}
