package raft

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/kasper0406/atlasdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, id uuid.UUID, dataDir string) *Node {
	t.Helper()

	node, err := NewNode(&Config{
		NodeID:    id,
		BindAddr:  "127.0.0.1:0",
		DataDir:   dataDir,
		Bootstrap: true,
		Logger:    hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = node.Shutdown()
	})

	require.NoError(t, node.WaitForLeader(10*time.Second))
	require.Eventually(t, node.IsLeader, 10*time.Second, 50*time.Millisecond)
	return node
}

// TestSingleNodeBecomesLeader tests bootstrap and the leadership
// notification channel
func TestSingleNodeBecomesLeader(t *testing.T) {
	node := newTestNode(t, uuid.New(), t.TempDir())

	select {
	case isLeader := <-node.LeadershipChanges():
		assert.True(t, isLeader)
	case <-time.After(10 * time.Second):
		t.Fatal("no leadership notification")
	}

	assert.Equal(t, "Leader", node.StateName())
	assert.Equal(t, 1, node.ClusterSize())
	assert.NotEmpty(t, node.LeaderRaftAddr())
	assert.NoError(t, node.VerifyLeader())
}

// TestApplyThroughLog tests proposing commands through the real log
func TestApplyThroughLog(t *testing.T) {
	node := newTestNode(t, uuid.New(), t.TempDir())

	resp, err := node.Apply(types.RegisterLeadershipCmd{
		NodeID: node.NodeIDString(),
		Addr:   "http://n1:8080",
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, uint64(1), node.StateMachine().CurrentEpoch())

	result, err := node.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 5, Epoch: 1})
	require.NoError(t, err)
	require.NotNil(t, result)

	bound, seen := node.StateMachine().Bound("t1")
	require.True(t, seen)
	assert.Equal(t, int64(5), bound)
}

// TestApplySurfacesDeterministicErrors tests that state machine rejections
// come back as errors, not as opaque responses
func TestApplySurfacesDeterministicErrors(t *testing.T) {
	node := newTestNode(t, uuid.New(), t.TempDir())

	_, err := node.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 0})
	assert.ErrorIs(t, err, types.ErrInvalidCount)

	// a command fenced with a superseded epoch is rejected by the log
	_, err = node.Apply(types.RegisterLeadershipCmd{NodeID: node.NodeIDString(), Addr: "http://n1:8080"})
	require.NoError(t, err)
	_, err = node.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 1, Epoch: 99})
	assert.ErrorIs(t, err, types.ErrLeadershipLost)
}

// TestBoundsSurviveRestart tests that committed bounds are replayed from
// persistent storage when the node comes back
func TestBoundsSurviveRestart(t *testing.T) {
	id := uuid.New()
	dataDir := t.TempDir()

	node := newTestNode(t, id, dataDir)

	_, err := node.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 100})
	require.NoError(t, err)
	require.NoError(t, node.Shutdown())

	restarted := newTestNode(t, id, dataDir)

	require.Eventually(t, func() bool {
		bound, seen := restarted.StateMachine().Bound("t1")
		return seen && bound == 100
	}, 10*time.Second, 50*time.Millisecond)

	// allocations resume past the recovered bound
	result, err := restarted.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 1})
	require.NoError(t, err)
	require.NotNil(t, result)

	bound, _ := restarted.StateMachine().Bound("t1")
	assert.Equal(t, int64(101), bound)
}
