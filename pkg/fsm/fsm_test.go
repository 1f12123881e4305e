package fsm

import (
	"fmt"
	"testing"

	"github.com/kasper0406/atlasdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAllocateFirstRange tests that an unseen namespace starts at the floor
func TestAllocateFirstRange(t *testing.T) {
	fsm := NewFSM()

	result, err := fsm.Apply(types.AllocateTimestampsCmd{
		Namespace: "t1",
		Count:     5,
	})
	require.NoError(t, err)

	resp, ok := result.(AllocateResponse)
	require.True(t, ok, "expected AllocateResponse")
	assert.Equal(t, types.TimestampRange{Lower: 1, Upper: 5}, resp.Range)
	assert.Equal(t, int64(5), resp.Range.Count())

	bound, seen := fsm.Bound("t1")
	require.True(t, seen, "namespace should exist after first allocation")
	assert.Equal(t, int64(5), bound)
}

// TestAllocateRangesAreContiguousAndIncreasing tests the core monotonicity
// invariant: successive ranges never overlap and strictly increase
func TestAllocateRangesAreContiguousAndIncreasing(t *testing.T) {
	fsm := NewFSM()

	var prev types.TimestampRange
	for i := 0; i < 20; i++ {
		count := int64(i%7 + 1)

		result, err := fsm.Apply(types.AllocateTimestampsCmd{
			Namespace: "t1",
			Count:     count,
		})
		require.NoError(t, err)

		rng := result.(AllocateResponse).Range
		assert.Equal(t, count, rng.Count())

		if i > 0 {
			assert.Equal(t, prev.Upper+1, rng.Lower, "ranges must be contiguous")
			assert.Greater(t, rng.Lower, prev.Upper, "ranges must not overlap")
		}
		prev = rng
	}
}

// TestAllocateNamespacesAreIndependent tests that counters are partitioned
// per namespace
func TestAllocateNamespacesAreIndependent(t *testing.T) {
	fsm := NewFSM()

	for i := 0; i < 3; i++ {
		result, err := fsm.Apply(types.AllocateTimestampsCmd{
			Namespace: fmt.Sprintf("client-%d", i),
			Count:     10,
		})
		require.NoError(t, err)

		rng := result.(AllocateResponse).Range
		assert.Equal(t, int64(1), rng.Lower, "each namespace starts at the floor")
		assert.Equal(t, int64(10), rng.Upper)
	}

	stats := fsm.Stats()
	assert.Equal(t, 3, stats.Namespaces)
}

// TestAllocateInvalidCount tests that non-positive counts are rejected
func TestAllocateInvalidCount(t *testing.T) {
	fsm := NewFSM()

	for _, count := range []int64{0, -1, -100} {
		_, err := fsm.Apply(types.AllocateTimestampsCmd{
			Namespace: "t1",
			Count:     count,
		})
		assert.ErrorIs(t, err, types.ErrInvalidCount, "count %d must be rejected", count)
	}

	_, seen := fsm.Bound("t1")
	assert.False(t, seen, "rejected allocations must not create the namespace")
}

// TestRegisterLeadershipBumpsEpoch tests that each confirmation produces a
// strictly greater epoch and records the winner
func TestRegisterLeadershipBumpsEpoch(t *testing.T) {
	fsm := NewFSM()
	assert.Zero(t, fsm.CurrentEpoch())

	result, err := fsm.Apply(types.RegisterLeadershipCmd{NodeID: "node-1", Addr: "http://n1:8080"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.(RegisterLeadershipResponse).Epoch)

	result, err = fsm.Apply(types.RegisterLeadershipCmd{NodeID: "node-2", Addr: "http://n2:8080"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.(RegisterLeadershipResponse).Epoch)

	leaderID, leaderAddr := fsm.CurrentLeader()
	assert.Equal(t, "node-2", leaderID)
	assert.Equal(t, "http://n2:8080", leaderAddr)
}

// TestAllocateFencedBySupersededEpoch tests that a command proposed under an
// old epoch cannot advance the bound once a new leader has registered
func TestAllocateFencedBySupersededEpoch(t *testing.T) {
	fsm := NewFSM()

	_, err := fsm.Apply(types.RegisterLeadershipCmd{NodeID: "node-1", Addr: "http://n1:8080"})
	require.NoError(t, err)

	result, err := fsm.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 5, Epoch: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.(AllocateResponse).Range.Upper)

	// a new leader takes over
	_, err = fsm.Apply(types.RegisterLeadershipCmd{NodeID: "node-2", Addr: "http://n2:8080"})
	require.NoError(t, err)

	// the deposed leader's in-flight command commits but must not apply
	_, err = fsm.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 5, Epoch: 1})
	assert.ErrorIs(t, err, types.ErrLeadershipLost)

	bound, _ := fsm.Bound("t1")
	assert.Equal(t, int64(5), bound, "fenced command must not move the bound")

	// the new leader allocates from where the old one stopped
	result, err = fsm.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 3, Epoch: 2})
	require.NoError(t, err)
	assert.Equal(t, types.TimestampRange{Lower: 6, Upper: 8}, result.(AllocateResponse).Range)
}

// TestFastForward tests that fast-forward raises but never lowers a bound
func TestFastForward(t *testing.T) {
	fsm := NewFSM()

	result, err := fsm.Apply(types.FastForwardCmd{Namespace: "t1", Target: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), result.(FastForwardResponse).Bound)

	// allocations resume above the forwarded bound
	allocated, err := fsm.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 5})
	require.NoError(t, err)
	assert.Equal(t, types.TimestampRange{Lower: 1001, Upper: 1005}, allocated.(AllocateResponse).Range)

	// forwarding backwards is a no-op
	result, err = fsm.Apply(types.FastForwardCmd{Namespace: "t1", Target: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1005), result.(FastForwardResponse).Bound)
}

// TestApplyUnknownCommand tests that unrecognized commands surface an error
func TestApplyUnknownCommand(t *testing.T) {
	fsm := NewFSM()

	_, err := fsm.Apply(nil)
	assert.Error(t, err)
}
