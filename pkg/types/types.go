package types

import (
	"sort"
	"time"
)

// Sandbox is the externally visible identity that clients hold. It is a
// long-lived row; the container group backing it (the Session) is ephemeral.
type Sandbox struct {
	ID        string
	Owner     string
	ProfileID string

	// CargoID links the attached cargo. Empty after a managed cargo has been
	// cascade-deleted.
	CargoID string

	// CurrentSessionID is the session currently backing the sandbox, empty
	// when the sandbox is idle.
	CurrentSessionID string

	// ExpiresAt is the hard TTL deadline. Nil means infinite TTL.
	ExpiresAt *time.Time

	// IdleExpiresAt is the idle reclaim deadline, set whenever a session is
	// materialized and extended by keepalive. Nil when no session is running.
	IdleExpiresAt *time.Time

	// DeletedAt is the soft-delete tombstone. Rows are never hard-deleted.
	DeletedAt *time.Time

	// Version increments on every committed mutation (optimistic locking).
	Version int64

	CreatedAt    time.Time
	LastActiveAt time.Time
}

// SandboxStatus is the derived external status. It is computed, never stored.
type SandboxStatus string

const (
	SandboxStatusIdle     SandboxStatus = "idle"
	SandboxStatusStarting SandboxStatus = "starting"
	SandboxStatusReady    SandboxStatus = "ready"
	SandboxStatusFailed   SandboxStatus = "failed"
	SandboxStatusExpired  SandboxStatus = "expired"
	SandboxStatusDeleted  SandboxStatus = "deleted"
)

// Status derives the external status of the sandbox at instant now. sess is
// the current session row, nil when CurrentSessionID is empty or the row is
// gone.
func (s *Sandbox) Status(now time.Time, sess *Session) SandboxStatus {
	if s.DeletedAt != nil {
		return SandboxStatusDeleted
	}
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return SandboxStatusExpired
	}
	if s.CurrentSessionID == "" || sess == nil {
		return SandboxStatusIdle
	}
	switch sess.ObservedState {
	case SessionStateRunning:
		return SandboxStatusReady
	case SessionStatePending, SessionStateStarting:
		return SandboxStatusStarting
	case SessionStateFailed:
		return SandboxStatusFailed
	default:
		return SandboxStatusIdle
	}
}

// Expired reports whether the hard TTL has elapsed at instant now.
func (s *Sandbox) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Session is a runtime container group backing a sandbox for a bounded
// period. One or more containers; the primary container's endpoint is
// mirrored into Endpoint for single-container callers.
type Session struct {
	ID        string
	SandboxID string
	ProfileID string

	// RuntimeType is the primary container's runtime kind.
	RuntimeType RuntimeType

	// ContainerID and Endpoint describe the primary container.
	ContainerID string
	Endpoint    string

	// Containers holds the full per-container map for multi-container
	// sessions. Single-container sessions carry one element.
	Containers []*SessionContainer

	DesiredState   SessionState
	ObservedState  SessionState
	LastObservedAt time.Time
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

// Multi reports whether the session spans more than one container.
func (s *Session) Multi() bool {
	return len(s.Containers) > 1
}

// SessionContainer is one member of a session's container group.
type SessionContainer struct {
	Name         string      `json:"name"`
	ContainerID  string      `json:"container_id"`
	Endpoint     string      `json:"endpoint"`
	Status       string      `json:"status"`
	RuntimeType  RuntimeType `json:"runtime_type"`
	Capabilities []string    `json:"capabilities"`
}

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	SessionStatePending  SessionState = "pending"
	SessionStateStarting SessionState = "starting"
	SessionStateRunning  SessionState = "running"
	SessionStateDegraded SessionState = "degraded"
	SessionStateStopping SessionState = "stopping"
	SessionStateStopped  SessionState = "stopped"
	SessionStateFailed   SessionState = "failed"
)

// Terminal reports whether the state is a terminal session state.
func (s SessionState) Terminal() bool {
	return s == SessionStateStopped || s == SessionStateFailed
}

// Cargo is a persistent volume mounted into sessions at CargoMountPath.
type Cargo struct {
	ID    string
	Owner string

	// Backend names the driver volume kind holding the data.
	Backend CargoBackend

	// DriverRef is the backend-side identifier (volume name or claim name).
	DriverRef string

	// Managed marks a cargo created implicitly with a sandbox. Managed
	// cargos cascade-delete with their owning sandbox.
	Managed bool

	// ManagedBySandboxID is the owning sandbox for managed cargos.
	ManagedBySandboxID string

	SizeLimitMB    int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// CargoBackend enumerates driver volume kinds.
type CargoBackend string

const (
	CargoBackendDockerVolume CargoBackend = "docker_volume"
	CargoBackendClusterClaim CargoBackend = "cluster_claim"
)

// CargoMountPath is the fixed in-container mount path for cargo volumes.
const CargoMountPath = "/workspace"

// RuntimeType tags the runtime protocol a container speaks.
type RuntimeType string

const (
	RuntimeTypeCode    RuntimeType = "code"
	RuntimeTypeBrowser RuntimeType = "browser"
)

// Capability names a family of operations a runtime advertises.
const (
	CapabilityPython     = "python"
	CapabilityShell      = "shell"
	CapabilityFilesystem = "filesystem"
	CapabilityBrowser    = "browser"
)

// RuntimeMeta is the cached response of a runtime container's /meta endpoint.
type RuntimeMeta struct {
	Name         string                    `json:"name"`
	Version      string                    `json:"version"`
	APIVersion   string                    `json:"api_version"`
	MountPath    string                    `json:"mount_path"`
	Capabilities map[string]CapabilityDesc `json:"capabilities"`
}

// CapabilityDesc describes one advertised capability.
type CapabilityDesc struct {
	Description string `json:"description,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// Has reports whether the meta advertises the named capability.
func (m *RuntimeMeta) Has(capability string) bool {
	_, ok := m.Capabilities[capability]
	return ok
}

// CapabilityNames returns the advertised capability names, sorted.
func (m *RuntimeMeta) CapabilityNames() []string {
	names := make([]string, 0, len(m.Capabilities))
	for name := range m.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecutionResult is the uniform result of a capability invocation.
type ExecutionResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Error    string         `json:"error,omitempty"`
	ExitCode *int           `json:"exit_code,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// IdempotencyRecord caches the response of a prior mutating request.
type IdempotencyRecord struct {
	Owner       string
	Key         string
	Fingerprint string
	Response    []byte
	StatusCode  int
	CreatedAt   time.Time
	ExpiresAt   time.Time
}
