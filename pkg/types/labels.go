package types

import "strings"

// Container labels attached to every sandbox-backing container. The strict
// orphan GC refuses to touch anything that does not carry the full set.
const (
	LabelSessionID  = "bay.session_id"
	LabelSandboxID  = "bay.sandbox_id"
	LabelCargoID    = "bay.cargo_id"
	LabelInstanceID = "bay.instance_id"
	LabelManaged    = "bay.managed"

	// LabelOwner is attached to volumes only.
	LabelOwner = "bay.owner"

	// ManagedLabelValue is the literal value of LabelManaged.
	ManagedLabelValue = "true"
)

// ContainerNamePrefix is the reserved name prefix for sandbox-backing
// containers.
const ContainerNamePrefix = "bay-session-"

// SessionContainerName returns the canonical container name for a session.
// Multi-container sessions append the member name.
func SessionContainerName(sessionID, member string) string {
	if member == "" {
		return ContainerNamePrefix + sessionID
	}
	return ContainerNamePrefix + sessionID + "-" + member
}

// IsSessionContainerName reports whether name carries the reserved prefix.
func IsSessionContainerName(name string) bool {
	return strings.HasPrefix(strings.TrimPrefix(name, "/"), ContainerNamePrefix)
}

// ContainerLabels builds the label set for a sandbox-backing container.
func ContainerLabels(sessionID, sandboxID, cargoID, instanceID string) map[string]string {
	return map[string]string{
		LabelSessionID:  sessionID,
		LabelSandboxID:  sandboxID,
		LabelCargoID:    cargoID,
		LabelInstanceID: instanceID,
		LabelManaged:    ManagedLabelValue,
	}
}

// VolumeLabels builds the label set for a cargo-backing volume.
func VolumeLabels(owner, cargoID string) map[string]string {
	return map[string]string{
		LabelOwner:   owner,
		LabelCargoID: cargoID,
		LabelManaged: ManagedLabelValue,
	}
}

// RequiredContainerLabels is the label set strict orphan GC demands.
var RequiredContainerLabels = []string{
	LabelSessionID,
	LabelSandboxID,
	LabelCargoID,
	LabelInstanceID,
	LabelManaged,
}
