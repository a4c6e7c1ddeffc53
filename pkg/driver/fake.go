package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory Driver for tests. Endpoints are produced by
// EndpointFn so tests can point containers at httptest servers, and the
// error hooks inject failures at specific lifecycle points.
type Fake struct {
	mu sync.Mutex

	containers map[string]*fakeContainer
	volumes    map[string]int64
	networks   map[string]string

	// EndpointFn maps a created container to its endpoint. Defaults to a
	// localhost URL on the runtime port.
	EndpointFn func(spec CreateSpec) string

	// CreateErr and StartErr inject failures when non-nil.
	CreateErr func(spec CreateSpec) error
	StartErr  func(containerID string) error

	// Destroyed records every destroyed container id in order.
	Destroyed []string
}

type fakeContainer struct {
	spec     CreateSpec
	state    ContainerState
	endpoint string
}

// NewFake returns an empty in-memory driver.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]*fakeContainer),
		volumes:    make(map[string]int64),
		networks:   make(map[string]string),
	}
}

func (f *Fake) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		if err := f.CreateErr(spec); err != nil {
			return "", err
		}
	}
	id := uuid.NewString()
	f.containers[id] = &fakeContainer{spec: spec, state: StateCreated}
	return id, nil
}

func (f *Fake) StartContainer(ctx context.Context, containerID string, runtimePort int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		if err := f.StartErr(containerID); err != nil {
			return "", err
		}
	}
	c, ok := f.containers[containerID]
	if !ok {
		return "", fmt.Errorf("container not found: %s", containerID)
	}
	c.state = StateRunning
	if f.EndpointFn != nil {
		c.endpoint = f.EndpointFn(c.spec)
	} else {
		c.endpoint = fmt.Sprintf("http://127.0.0.1:%d", runtimePort)
	}
	return c.endpoint, nil
}

func (f *Fake) StopContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.state = StateExited
	}
	return nil
}

func (f *Fake) DestroyContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	f.Destroyed = append(f.Destroyed, containerID)
	return nil
}

func (f *Fake) ContainerStatus(ctx context.Context, containerID string, runtimePort int) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return &Status{State: StateNotFound}, nil
	}
	return &Status{State: c.state, Endpoint: c.endpoint}, nil
}

func (f *Fake) CreateVolume(ctx context.Context, name string, sizeLimitMB int64, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = sizeLimitMB
	return nil
}

func (f *Fake) DeleteVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

func (f *Fake) VolumeExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.volumes[name]
	return ok, nil
}

func (f *Fake) CreateNetwork(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := sessionNetworkName(sessionID)
	f.networks[sessionID] = name
	return name, nil
}

func (f *Fake) RemoveNetwork(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, sessionID)
	return nil
}

func (f *Fake) CreateGroup(ctx context.Context, specs []CreateSpec, parallel bool) ([]string, error) {
	return createGroup(ctx, f, specs, parallel)
}

func (f *Fake) StartGroup(ctx context.Context, members []GroupStart, parallel bool) ([]string, error) {
	return startGroup(ctx, f, members, parallel)
}

func (f *Fake) ListRuntimeInstances(ctx context.Context, labels map[string]string) ([]*RuntimeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*RuntimeInstance
	for id, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.spec.Labels[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		out = append(out, &RuntimeInstance{
			ID:     id,
			Name:   c.spec.Name(),
			Labels: c.spec.Labels,
			State:  string(c.state),
		})
	}
	return out, nil
}

func (f *Fake) DestroyRuntimeInstance(ctx context.Context, id string) error {
	return f.DestroyContainer(ctx, id)
}

func (f *Fake) Close() error { return nil }

// ContainerCount reports the number of live containers.
func (f *Fake) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// NetworkCount reports the number of live session networks.
func (f *Fake) NetworkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.networks)
}
