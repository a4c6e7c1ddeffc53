package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupSpecs(sessionID string, members ...string) []CreateSpec {
	specs := make([]CreateSpec, len(members))
	for i, m := range members {
		specs[i] = CreateSpec{
			SessionID:   sessionID,
			Member:      m,
			Image:       "bay/runtime:latest",
			RuntimePort: 8000,
			Labels:      map[string]string{"bay.session_id": sessionID},
		}
	}
	return specs
}

func TestCreateGroup(t *testing.T) {
	t.Run("sequential success", func(t *testing.T) {
		f := NewFake()
		ids, err := f.CreateGroup(context.Background(), groupSpecs("s1", "primary", "browser"), false)
		require.NoError(t, err)
		assert.Len(t, ids, 2)
		assert.Equal(t, 2, f.ContainerCount())
	})

	t.Run("parallel success", func(t *testing.T) {
		f := NewFake()
		ids, err := f.CreateGroup(context.Background(), groupSpecs("s1", "a", "b", "c"), true)
		require.NoError(t, err)
		assert.Len(t, ids, 3)
		assert.Equal(t, 3, f.ContainerCount())
	})

	t.Run("failure rolls back created members", func(t *testing.T) {
		f := NewFake()
		boom := errors.New("create failed")
		f.CreateErr = func(spec CreateSpec) error {
			if spec.Member == "browser" {
				return boom
			}
			return nil
		}

		_, err := f.CreateGroup(context.Background(), groupSpecs("s1", "primary", "browser"), false)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 0, f.ContainerCount(), "failed batch must leave nothing behind")
		assert.Len(t, f.Destroyed, 1)
	})

	t.Run("parallel failure rolls back every created member", func(t *testing.T) {
		f := NewFake()
		f.CreateErr = func(spec CreateSpec) error {
			if spec.Member == "c" {
				return errors.New("create failed")
			}
			return nil
		}

		_, err := f.CreateGroup(context.Background(), groupSpecs("s1", "a", "b", "c"), true)
		require.Error(t, err)
		assert.Equal(t, 0, f.ContainerCount())
	})
}

func TestStartGroup(t *testing.T) {
	t.Run("endpoints in member order", func(t *testing.T) {
		f := NewFake()
		f.EndpointFn = func(spec CreateSpec) string {
			return "http://10.0.0.1:8000/" + spec.Member
		}

		ids, err := f.CreateGroup(context.Background(), groupSpecs("s1", "primary", "browser"), false)
		require.NoError(t, err)

		members := []GroupStart{
			{ContainerID: ids[0], RuntimePort: 8000},
			{ContainerID: ids[1], RuntimePort: 8000},
		}
		endpoints, err := f.StartGroup(context.Background(), members, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"http://10.0.0.1:8000/primary", "http://10.0.0.1:8000/browser"}, endpoints)
	})

	t.Run("failure stops the batch", func(t *testing.T) {
		f := NewFake()
		ids, err := f.CreateGroup(context.Background(), groupSpecs("s1", "primary", "browser"), false)
		require.NoError(t, err)

		f.StartErr = func(containerID string) error {
			if containerID == ids[1] {
				return errors.New("start failed")
			}
			return nil
		}

		_, err = f.StartGroup(context.Background(), []GroupStart{
			{ContainerID: ids[0], RuntimePort: 8000},
			{ContainerID: ids[1], RuntimePort: 8000},
		}, false)
		require.Error(t, err)

		st, err := f.ContainerStatus(context.Background(), ids[0], 8000)
		require.NoError(t, err)
		assert.Equal(t, StateExited, st.State, "started members are stopped on rollback")
	})
}

func TestFakeListRuntimeInstances(t *testing.T) {
	f := NewFake()
	_, err := f.CreateGroup(context.Background(), groupSpecs("s1", "a"), false)
	require.NoError(t, err)
	_, err = f.CreateGroup(context.Background(), groupSpecs("s2", "a"), false)
	require.NoError(t, err)

	got, err := f.ListRuntimeInstances(context.Background(), map[string]string{"bay.session_id": "s1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bay-session-s1-a", got[0].Name)
}
