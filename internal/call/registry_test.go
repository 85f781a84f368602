package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReturnsSameEngine(t *testing.T) {
	reg := NewRegistry(Dependencies{})

	a1, err := reg.Engine("alice", "s1")
	require.NoError(t, err)
	a2, err := reg.Engine("alice", "s1")
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	other, err := reg.Engine("alice", "s2")
	require.NoError(t, err)
	assert.NotSame(t, a1, other)

	bob, err := reg.Engine("bob", "s1")
	require.NoError(t, err)
	assert.NotSame(t, a1, bob)

	assert.Equal(t, 3, reg.Len())

	found, ok := reg.Lookup("bob", "s1")
	require.True(t, ok)
	assert.Same(t, bob, found)
}

func TestRegistryRejectsMissingIDs(t *testing.T) {
	reg := NewRegistry(Dependencies{})

	_, err := reg.Engine("", "s1")
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = reg.Engine("alice", "")
	assert.ErrorIs(t, err, ErrMissingSessionID)

	assert.Zero(t, reg.Len())
}

func TestLeaveRemovesOnlyItsOwnInstance(t *testing.T) {
	reg := NewRegistry(Dependencies{})

	old, err := reg.Engine("alice", "s1")
	require.NoError(t, err)
	old.LeaveCall()

	_, ok := reg.Lookup("alice", "s1")
	assert.False(t, ok)

	fresh, err := reg.Engine("alice", "s1")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.False(t, fresh.State().Closed)

	old.LeaveCall()
	reg.remove(old)

	got, ok := reg.Lookup("alice", "s1")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistryCloseLeavesEveryCall(t *testing.T) {
	reg := NewRegistry(Dependencies{})

	a, err := reg.Engine("alice", "s1")
	require.NoError(t, err)
	b, err := reg.Engine("bob", "s1")
	require.NoError(t, err)

	reg.Close()

	assert.Zero(t, reg.Len())
	assert.True(t, a.State().Closed)
	assert.True(t, b.State().Closed)
}
