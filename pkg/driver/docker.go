package driver

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/log"
	baytypes "github.com/cuemby/bay/pkg/types"
)

// DockerDriver runs sandbox containers against a local container engine
// through its API socket.
type DockerDriver struct {
	cli *client.Client
	cfg config.DriverConfig
}

// NewDockerDriver connects to the engine socket. An empty socket path uses
// the client's environment defaults.
func NewDockerDriver(cfg config.DriverConfig) (*DockerDriver, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.SocketPath != "" {
		opts = append(opts, client.WithHost("unix://"+cfg.SocketPath))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	return &DockerDriver{cli: cli, cfg: cfg}, nil
}

// Close releases the engine client.
func (d *DockerDriver) Close() error {
	return d.cli.Close()
}

func (d *DockerDriver) ensureImage(ctx context.Context, ref string) error {
	switch d.cfg.ImagePullPolicy {
	case config.PullNever:
		return nil
	case config.PullIfNotPresent:
		if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
			return nil
		}
	}

	log.WithComponent("driver").Debug().Str("image", ref).Msg("pulling image")
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to pull image %s", ref)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to pull image %s", ref)
	}
	return nil
}

// CreateContainer creates a container for the spec and returns its id.
func (d *DockerDriver) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", spec.RuntimePort))

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostCfg := &container.HostConfig{}
	if d.cfg.PublishPorts {
		hostPort := ""
		if d.cfg.HostPort > 0 {
			hostPort = strconv.Itoa(d.cfg.HostPort)
		}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}},
		}
	}
	if spec.CPULimit > 0 {
		hostCfg.Resources.NanoCPUs = int64(spec.CPULimit * 1e9)
	}
	if spec.MemoryLimitMB > 0 {
		hostCfg.Resources.Memory = spec.MemoryLimitMB * 1024 * 1024
	}
	if spec.Cargo != nil {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: spec.Cargo.DriverRef,
			Target: baytypes.CargoMountPath,
		}}
	}

	var netCfg *network.NetworkingConfig
	if spec.NetworkID != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkID: {Aliases: []string{spec.Member}},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name())
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.KindRuntime, "failed to create container %s", spec.Name())
	}
	return resp.ID, nil
}

// StartContainer starts a container and resolves its endpoint for the
// runtime port.
func (d *DockerDriver) StartContainer(ctx context.Context, containerID string, runtimePort int) (string, error) {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", errdefs.Wrap(err, errdefs.KindRuntime, "failed to start container %s", containerID)
	}

	info, err := d.inspect(ctx, containerID, runtimePort)
	if err != nil {
		return "", err
	}
	return ResolveEndpoint(d.cfg.ConnectMode, *info, runtimePort, d.cfg.HostAddress)
}

// StopContainer stops a container with the engine's default grace period.
func (d *DockerDriver) StopContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{})
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to stop container %s", containerID)
	}
	return nil
}

// DestroyContainer force-removes a container. A missing container is not an
// error.
func (d *DockerDriver) DestroyContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to remove container %s", containerID)
	}
	return nil
}

// ContainerStatus inspects a container and maps its engine state.
func (d *DockerDriver) ContainerStatus(ctx context.Context, containerID string, runtimePort int) (*Status, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if dockererrdefs.IsNotFound(err) {
		return &Status{State: StateNotFound}, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindRuntime, "failed to inspect container %s", containerID)
	}

	st := &Status{}
	switch inspect.State.Status {
	case "running":
		st.State = StateRunning
	case "created":
		st.State = StateCreated
	default:
		st.State = StateExited
		code := inspect.State.ExitCode
		st.ExitCode = &code
	}

	if st.State == StateRunning {
		info := infoFromInspect(inspect, runtimePort)
		if ep, err := ResolveEndpoint(d.cfg.ConnectMode, info, runtimePort, d.cfg.HostAddress); err == nil {
			st.Endpoint = ep
		}
	}
	return st, nil
}

func (d *DockerDriver) inspect(ctx context.Context, containerID string, runtimePort int) (*InspectInfo, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindRuntime, "failed to inspect container %s", containerID)
	}
	info := infoFromInspect(inspect, runtimePort)
	return &info, nil
}

func infoFromInspect(inspect types.ContainerJSON, runtimePort int) InspectInfo {
	info := InspectInfo{HostPorts: map[int]string{}}
	if inspect.State != nil {
		info.Running = inspect.State.Running
	}
	if inspect.NetworkSettings == nil {
		return info
	}

	info.IPAddress = inspect.NetworkSettings.IPAddress
	for _, ep := range inspect.NetworkSettings.Networks {
		if info.IPAddress != "" {
			break
		}
		info.IPAddress = ep.IPAddress
	}

	for p, bindings := range inspect.NetworkSettings.Ports {
		if p.Int() != runtimePort || len(bindings) == 0 {
			continue
		}
		info.HostPorts[runtimePort] = bindings[0].HostPort
	}
	return info
}

// CreateVolume creates a named engine volume. Engine volumes carry no size
// quota; sizeLimitMB is ignored here.
func (d *DockerDriver) CreateVolume(ctx context.Context, name string, _ int64, labels map[string]string) error {
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels})
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to create volume %s", name)
	}
	return nil
}

// DeleteVolume removes a volume. A missing volume is not an error.
func (d *DockerDriver) DeleteVolume(ctx context.Context, name string) error {
	err := d.cli.VolumeRemove(ctx, name, true)
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to remove volume %s", name)
	}
	return nil
}

// VolumeExists reports whether the named volume exists.
func (d *DockerDriver) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.VolumeInspect(ctx, name)
	if dockererrdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.Wrap(err, errdefs.KindRuntime, "failed to inspect volume %s", name)
	}
	return true, nil
}

func sessionNetworkName(sessionID string) string {
	return "bay-net-" + sessionID
}

// CreateNetwork creates the bridge network shared by a session's containers.
// Idempotent: an existing network of the same name is reused.
func (d *DockerDriver) CreateNetwork(ctx context.Context, sessionID string) (string, error) {
	name := sessionNetworkName(sessionID)
	_, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{baytypes.LabelSessionID: sessionID, baytypes.LabelManaged: baytypes.ManagedLabelValue},
	})
	if err != nil && !dockererrdefs.IsConflict(err) {
		return "", errdefs.Wrap(err, errdefs.KindRuntime, "failed to create network %s", name)
	}
	return name, nil
}

// RemoveNetwork removes the session network. A missing network is not an
// error.
func (d *DockerDriver) RemoveNetwork(ctx context.Context, sessionID string) error {
	name := sessionNetworkName(sessionID)
	err := d.cli.NetworkRemove(ctx, name)
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to remove network %s", name)
	}
	return nil
}

// CreateGroup creates a batch of containers, destroying every created
// container when any create fails.
func (d *DockerDriver) CreateGroup(ctx context.Context, specs []CreateSpec, parallel bool) ([]string, error) {
	return createGroup(ctx, d, specs, parallel)
}

// StartGroup starts a batch of containers and resolves endpoints in order,
// stopping every member when any start fails.
func (d *DockerDriver) StartGroup(ctx context.Context, members []GroupStart, parallel bool) ([]string, error) {
	return startGroup(ctx, d, members, parallel)
}

// ListRuntimeInstances lists containers matching all of the given labels,
// including stopped ones.
func (d *DockerDriver) ListRuntimeInstances(ctx context.Context, labels map[string]string) ([]*RuntimeInstance, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindRuntime, "failed to list containers")
	}

	out := make([]*RuntimeInstance, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, &RuntimeInstance{
			ID:     c.ID,
			Name:   name,
			Labels: c.Labels,
			State:  c.State,
		})
	}
	return out, nil
}

// DestroyRuntimeInstance force-removes an instance by id. Idempotent.
func (d *DockerDriver) DestroyRuntimeInstance(ctx context.Context, id string) error {
	return d.DestroyContainer(ctx, id)
}
