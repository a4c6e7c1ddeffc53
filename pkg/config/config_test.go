package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bay/pkg/types"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverLocalEngine, cfg.Driver.Type)
	assert.Equal(t, "single", cfg.GC.Coordinator.Mode)
}

func TestLegacyProfileNormalization(t *testing.T) {
	cfg := Default()
	cfg.Profiles = []*Profile{{
		ID:           "python-default",
		Image:        "bay/code-runtime:latest",
		Capabilities: []string{types.CapabilityPython},
	}}
	require.NoError(t, cfg.Validate())

	p := cfg.Profile("python-default")
	require.NotNil(t, p)
	require.Len(t, p.Containers, 1)
	assert.Equal(t, "primary", p.Containers[0].Name)
	assert.Equal(t, types.RuntimeTypeCode, p.Containers[0].RuntimeType, "runtime type defaults to code")
	assert.Equal(t, 8000, p.Containers[0].RuntimePort)
	assert.Equal(t, StartSequential, p.StartOrder)
	assert.Equal(t, 300, p.IdleTimeoutSeconds)
	assert.Same(t, p.Containers[0], p.Primary())
}

func TestProfileValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		profiles []*Profile
	}{
		{"missing id", []*Profile{{Image: "img"}}},
		{"duplicate id", []*Profile{{ID: "a", Image: "img"}, {ID: "a", Image: "img"}}},
		{"no image", []*Profile{{ID: "a"}}},
		{"container without name", []*Profile{{ID: "a", Containers: []*ContainerSpec{{Image: "img"}}}}},
		{"duplicate container name", []*Profile{{ID: "a", Containers: []*ContainerSpec{
			{Name: "x", Image: "img"}, {Name: "x", Image: "img"},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Profiles = tt.profiles
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateRejectsBadEnums(t *testing.T) {
	cfg := Default()
	cfg.Driver.Type = "vmware"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Driver.ImagePullPolicy = "sometimes"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Driver.ConnectMode = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestFindContainerForCapability(t *testing.T) {
	p := &Profile{
		ID: "multi",
		Containers: []*ContainerSpec{
			{Name: "primary", Image: "code", Capabilities: []string{types.CapabilityPython, types.CapabilityBrowser}},
			{Name: "browser", Image: "chrome", Capabilities: []string{types.CapabilityBrowser},
				PrimaryFor: []string{types.CapabilityBrowser}},
		},
	}
	require.NoError(t, p.normalize())

	assert.Equal(t, "browser", p.FindContainerForCapability(types.CapabilityBrowser).Name,
		"primary_for wins over declaration order")
	assert.Equal(t, "primary", p.FindContainerForCapability(types.CapabilityPython).Name)
	assert.Nil(t, p.FindContainerForCapability(types.CapabilityShell))

	assert.Equal(t, []string{types.CapabilityBrowser, types.CapabilityPython}, p.AllCapabilities())
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
driver:
  connect_mode: host_port
gc:
  interval_seconds: 15
profiles:
  - id: python-default
    image: bay/code-runtime:latest
    capabilities: [python, shell]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "defaults survive partial files")
	assert.Equal(t, ConnectHostPort, cfg.Driver.ConnectMode)
	assert.Equal(t, 15, cfg.GC.IntervalSeconds)
	require.NotNil(t, cfg.Profile("python-default"))
	assert.Len(t, cfg.Profile("python-default").Containers, 1)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
