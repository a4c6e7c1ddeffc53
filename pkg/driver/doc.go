/*
Package driver abstracts the container engine behind the session and cargo
managers.

Two implementations satisfy the Driver interface:

  - DockerDriver talks to a local container engine through its API socket.
    Sessions become labeled containers, cargos become named volumes, and
    multi-container sessions share a per-session bridge network.
  - KubeDriver talks to a cluster. Sessions become pods, cargos become
    persistent volume claims, and the flat pod network replaces session
    networks.

# Endpoint resolution

Runtime containers are reached over HTTP at a base URL resolved from the
engine's inspection data. The connect mode decides the source:

	container_network  routed container address (engine networks that
	                   reach the host)
	host_port          published host port on the configured host address
	auto               container network first, host port as fallback

ResolveEndpoint is pure over an InspectInfo snapshot so resolution is
testable without an engine.

# Batch semantics

CreateGroup and StartGroup are all-or-nothing: a failed member rolls back
every other member of the batch (destroy for creates, stop for starts)
before the error returns, so a failed multi-container start never leaves a
partial session behind.

The Fake driver keeps the whole model in memory for tests; its EndpointFn
hook points containers at httptest servers.
*/
package driver
