package coordinate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bay/pkg/config"
)

func TestStaticIsAlwaysLeader(t *testing.T) {
	c := NewStatic()
	assert.True(t, c.IsLeader())
	assert.NoError(t, c.Close())
}

func TestNewSelectsMode(t *testing.T) {
	c, err := New(config.CoordinatorConfig{Mode: "single"})
	require.NoError(t, err)
	assert.IsType(t, &Static{}, c)

	c, err = New(config.CoordinatorConfig{})
	require.NoError(t, err)
	assert.IsType(t, &Static{}, c, "empty mode defaults to single")

	_, err = New(config.CoordinatorConfig{Mode: "zookeeper"})
	assert.Error(t, err)
}

func TestRaftRequiresIdentity(t *testing.T) {
	_, err := NewRaft(config.CoordinatorConfig{Mode: "raft"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node_id")

	_, err = NewRaft(config.CoordinatorConfig{Mode: "raft", NodeID: "n1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind_addr")

	_, err = NewRaft(config.CoordinatorConfig{Mode: "raft", NodeID: "n1", BindAddr: "127.0.0.1:0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_dir")
}
