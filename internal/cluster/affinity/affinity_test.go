package affinity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
)

func makeTopology(version membership.Version, n int) membership.Topology {
	nodes := make([]membership.Node, n)
	for i := range nodes {
		nodes[i] = membership.Node{ID: uuid.New(), Order: membership.Version(i + 1)}
	}
	return membership.NewTopology(version, nodes)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(0, 1)
	assert.Error(t, err)
	_, err = New(4, -1)
	assert.Error(t, err)
	_, err = New(4, 0)
	assert.NoError(t, err)
}

func TestAssign_DistinctOwnersPerPartition(t *testing.T) {
	f, err := New(64, 2)
	require.NoError(t, err)
	top := makeTopology(5, 5)

	a := f.Assign(top)
	require.Equal(t, 64, a.Partitions())
	assert.Equal(t, membership.Version(5), a.Version)

	for p := partition.ID(0); p < 64; p++ {
		nodes := a.Nodes(p)
		require.Len(t, nodes, 3)
		seen := map[uuid.UUID]bool{}
		for _, id := range nodes {
			assert.False(t, seen[id], "partition %d lists %s twice", p, id)
			seen[id] = true
			assert.True(t, top.Contains(id))
		}
		primary, ok := a.Primary(p)
		require.True(t, ok)
		assert.Equal(t, nodes[0], primary)
	}
}

func TestAssign_CapsReplicasAtNodeCount(t *testing.T) {
	f, _ := New(8, 3)
	a := f.Assign(makeTopology(2, 2))
	for p := partition.ID(0); p < 8; p++ {
		assert.Len(t, a.Nodes(p), 2)
	}

	empty := f.Assign(membership.Topology{Version: 1})
	assert.Empty(t, empty.Nodes(0))
	_, ok := empty.Primary(0)
	assert.False(t, ok)
}

func TestAssign_Deterministic(t *testing.T) {
	f, _ := New(32, 1)
	top := makeTopology(3, 4)

	a := f.Assign(top)
	b := f.Assign(top.Clone())
	assert.Equal(t, a.Owners(), b.Owners())

	// The version does not influence placement, only the member set does.
	relabelled := membership.NewTopology(99, top.Nodes)
	assert.Equal(t, a.Owners(), f.Assign(relabelled).Owners())
}

func TestAssign_JoinOnlyMovesToNewNode(t *testing.T) {
	f, _ := New(128, 1)
	before := makeTopology(3, 3)
	joiner := membership.Node{ID: uuid.New(), Order: 4}
	after := before.With(4, joiner)

	a1 := f.Assign(before)
	a2 := f.Assign(after)

	for p := partition.ID(0); p < 128; p++ {
		for _, id := range a2.Nodes(p) {
			if id == joiner.ID {
				continue
			}
			assert.True(t, a1.Contains(p, id),
				"partition %d gained old node %s; only the joiner may gain partitions", p, id)
		}
	}

	added, removed := a2.Diff(a1, joiner.ID)
	assert.NotEmpty(t, added)
	assert.Empty(t, removed)
	assert.Equal(t, a2.PartitionsFor(joiner.ID), added)
}

func TestAssign_BalancedEnough(t *testing.T) {
	f, _ := New(1024, 0)
	top := makeTopology(4, 4)
	a := f.Assign(top)

	for _, id := range top.IDs() {
		n := len(a.PartitionsFor(id))
		assert.Greater(t, n, 1024/4/2, "node %s owns only %d partitions", id, n)
	}
}

func TestNewAssignment_CopiesInput(t *testing.T) {
	id := uuid.New()
	owners := [][]uuid.UUID{{id}}
	a := NewAssignment(7, 0, owners)
	owners[0][0] = uuid.New()

	assert.Equal(t, []uuid.UUID{id}, a.Nodes(0))
	assert.Nil(t, a.Nodes(5))
	assert.False(t, a.Contains(-1, id))
}
