package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/bay/pkg/types"
)

// StartOrder controls how multi-container sessions are brought up.
type StartOrder string

const (
	StartParallel   StartOrder = "parallel"
	StartSequential StartOrder = "sequential"
)

// Profile declares the containers that form a session and their
// capabilities. Legacy single-container profiles set Image/RuntimeType/
// RuntimePort at the top level; normalize folds them into a one-element
// container list.
type Profile struct {
	ID string `yaml:"id"`

	Containers []*ContainerSpec `yaml:"containers"`

	// Legacy single-container fields.
	Image        string            `yaml:"image"`
	RuntimeType  types.RuntimeType `yaml:"runtime_type"`
	RuntimePort  int               `yaml:"runtime_port"`
	Capabilities []string          `yaml:"capabilities"`

	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// Startup policy for multi-container sessions.
	StartOrder StartOrder `yaml:"start_order"`
	WaitForAll bool       `yaml:"wait_for_all"`
}

// ContainerSpec describes one container of a profile.
type ContainerSpec struct {
	Name        string            `yaml:"name"`
	Image       string            `yaml:"image"`
	RuntimeType types.RuntimeType `yaml:"runtime_type"`
	RuntimePort int               `yaml:"runtime_port"`

	CPULimit      float64 `yaml:"cpu_limit"`
	MemoryLimitMB int64   `yaml:"memory_limit_mb"`

	// Capabilities this container can serve.
	Capabilities []string `yaml:"capabilities"`

	// PrimaryFor marks capabilities this container is the preferred
	// handler for.
	PrimaryFor []string `yaml:"primary_for"`
}

func (p *Profile) normalize() error {
	if len(p.Containers) == 0 {
		if p.Image == "" {
			return fmt.Errorf("no containers and no image")
		}
		p.Containers = []*ContainerSpec{{
			Name:         "primary",
			Image:        p.Image,
			RuntimeType:  p.RuntimeType,
			RuntimePort:  p.RuntimePort,
			Capabilities: p.Capabilities,
		}}
	}

	names := make(map[string]bool)
	for _, c := range p.Containers {
		if c.Name == "" {
			return fmt.Errorf("container missing name")
		}
		if names[c.Name] {
			return fmt.Errorf("duplicate container name: %q", c.Name)
		}
		names[c.Name] = true
		if c.Image == "" {
			return fmt.Errorf("container %q missing image", c.Name)
		}
		if c.RuntimeType == "" {
			c.RuntimeType = types.RuntimeTypeCode
		}
		if c.RuntimePort == 0 {
			c.RuntimePort = 8000
		}
	}

	if p.StartOrder == "" {
		p.StartOrder = StartSequential
	}
	if p.IdleTimeoutSeconds == 0 {
		p.IdleTimeoutSeconds = 300
	}

	return nil
}

// IdleTimeout returns the per-profile idle reclaim window.
func (p *Profile) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

// Primary returns the primary container: the one named "primary" or "ship",
// else the first.
func (p *Profile) Primary() *ContainerSpec {
	for _, c := range p.Containers {
		if c.Name == "primary" || c.Name == "ship" {
			return c
		}
	}
	if len(p.Containers) > 0 {
		return p.Containers[0]
	}
	return nil
}

// FindContainerForCapability returns the container that should serve the
// capability: the first whose PrimaryFor contains it, else the first whose
// Capabilities contains it, else nil.
func (p *Profile) FindContainerForCapability(capability string) *ContainerSpec {
	for _, c := range p.Containers {
		for _, cap := range c.PrimaryFor {
			if cap == capability {
				return c
			}
		}
	}
	for _, c := range p.Containers {
		if c.HasCapability(capability) {
			return c
		}
	}
	return nil
}

// HasCapability reports whether the spec declares the capability.
func (c *ContainerSpec) HasCapability(capability string) bool {
	for _, cap := range c.Capabilities {
		if cap == capability {
			return true
		}
	}
	return false
}

// AllCapabilities returns the deduped, sorted union of the profile's
// declared capabilities.
func (p *Profile) AllCapabilities() []string {
	set := make(map[string]bool)
	for _, c := range p.Containers {
		for _, cap := range c.Capabilities {
			set[cap] = true
		}
	}
	out := make([]string, 0, len(set))
	for cap := range set {
		out = append(out, cap)
	}
	sort.Strings(out)
	return out
}
