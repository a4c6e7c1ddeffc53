package driver

import (
	"context"
	"fmt"

	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/types"
)

// ContainerState is the driver-level state of a container.
type ContainerState string

const (
	StateCreated  ContainerState = "created"
	StateRunning  ContainerState = "running"
	StateExited   ContainerState = "exited"
	StateNotFound ContainerState = "not_found"
)

// Status describes a container as the driver sees it.
type Status struct {
	State    ContainerState
	Endpoint string
	ExitCode *int
}

// RuntimeInstance is one entry of a label-filtered instance listing.
type RuntimeInstance struct {
	ID     string
	Name   string
	Labels map[string]string
	State  string
}

// CreateSpec carries everything needed to create one sandbox-backing
// container.
type CreateSpec struct {
	SessionID string
	SandboxID string

	// Member is the container's name within the session. Empty for
	// single-container sessions.
	Member string

	Image       string
	RuntimePort int
	Env         []string

	CPULimit      float64
	MemoryLimitMB int64

	// Labels must contain exactly the sandbox container label set.
	Labels map[string]string

	// NetworkID attaches the container to a session network when set.
	NetworkID string

	// Cargo is attached at types.CargoMountPath when set.
	Cargo *types.Cargo
}

// Name returns the canonical container name for the spec.
func (s CreateSpec) Name() string {
	return types.SessionContainerName(s.SessionID, s.Member)
}

// GroupStart identifies one container of a batch start.
type GroupStart struct {
	ContainerID string
	RuntimePort int
}

// Driver abstracts container and volume operations over an engine. Both
// variants (local engine, cluster) satisfy it; managers never see past it.
type Driver interface {
	// CreateContainer creates a container and returns its id. The image is
	// pulled according to the configured pull policy.
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)

	// StartContainer starts a container and resolves its endpoint.
	StartContainer(ctx context.Context, containerID string, runtimePort int) (string, error)

	StopContainer(ctx context.Context, containerID string) error

	// DestroyContainer removes a container. Idempotent.
	DestroyContainer(ctx context.Context, containerID string) error

	// ContainerStatus inspects a container. A missing container yields
	// StateNotFound, not an error.
	ContainerStatus(ctx context.Context, containerID string, runtimePort int) (*Status, error)

	// CreateVolume provisions a named volume. sizeLimitMB is advisory on
	// engines without volume quotas.
	CreateVolume(ctx context.Context, name string, sizeLimitMB int64, labels map[string]string) error
	DeleteVolume(ctx context.Context, name string) error
	VolumeExists(ctx context.Context, name string) (bool, error)

	// CreateNetwork creates the per-session network for multi-container
	// sessions and returns its id.
	CreateNetwork(ctx context.Context, sessionID string) (string, error)
	RemoveNetwork(ctx context.Context, sessionID string) error

	// CreateGroup creates a batch of containers. On any failure every
	// container created so far is destroyed before the error returns.
	CreateGroup(ctx context.Context, specs []CreateSpec, parallel bool) ([]string, error)

	// StartGroup starts a batch and resolves endpoints in spec order. On
	// any failure the started containers are stopped before the error
	// returns.
	StartGroup(ctx context.Context, members []GroupStart, parallel bool) ([]string, error)

	// ListRuntimeInstances lists instances matching all given labels.
	ListRuntimeInstances(ctx context.Context, labels map[string]string) ([]*RuntimeInstance, error)

	// DestroyRuntimeInstance forcefully removes an instance. Idempotent.
	DestroyRuntimeInstance(ctx context.Context, id string) error

	Close() error
}

// New builds the driver selected by the configuration.
func New(cfg config.DriverConfig) (Driver, error) {
	switch cfg.Type {
	case config.DriverLocalEngine:
		return NewDockerDriver(cfg)
	case config.DriverCluster:
		return NewKubeDriver(cfg)
	default:
		return nil, fmt.Errorf("unknown driver type: %q", cfg.Type)
	}
}
