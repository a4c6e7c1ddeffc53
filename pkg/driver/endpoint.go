package driver

import (
	"fmt"
	"strconv"

	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/errdefs"
)

// InspectInfo is the driver-neutral slice of a container inspection that
// endpoint resolution needs.
type InspectInfo struct {
	Running bool

	// IPAddress is the container's routed address on the engine network,
	// empty when the network does not route to the host.
	IPAddress string

	// HostPorts maps container ports to published host ports as the engine
	// reports them. Values are strings because engines report them that way;
	// a garbled value resolves to no endpoint, never a panic.
	HostPorts map[int]string
}

// ResolveEndpoint turns an inspection into a base URL for the runtime port,
// honoring the connect mode. auto prefers the container network and falls
// back to the published host port.
func ResolveEndpoint(mode config.ConnectMode, info InspectInfo, runtimePort int, hostAddress string) (string, error) {
	containerURL := func() string {
		if info.IPAddress == "" {
			return ""
		}
		return fmt.Sprintf("http://%s:%d", info.IPAddress, runtimePort)
	}

	hostURL := func() string {
		raw, ok := info.HostPorts[runtimePort]
		if !ok || raw == "" {
			return ""
		}
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return ""
		}
		if hostAddress == "" {
			hostAddress = "127.0.0.1"
		}
		return fmt.Sprintf("http://%s:%d", hostAddress, port)
	}

	switch mode {
	case config.ConnectContainerNetwork:
		if u := containerURL(); u != "" {
			return u, nil
		}
		return "", errdefs.New(errdefs.KindRuntime, "no container network address for port %d", runtimePort)
	case config.ConnectHostPort:
		if u := hostURL(); u != "" {
			return u, nil
		}
		return "", errdefs.New(errdefs.KindRuntime, "no published host port for container port %d", runtimePort)
	default: // auto
		if u := containerURL(); u != "" {
			return u, nil
		}
		if u := hostURL(); u != "" {
			return u, nil
		}
		return "", errdefs.New(errdefs.KindRuntime, "no resolvable endpoint for port %d", runtimePort)
	}
}
