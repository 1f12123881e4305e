package fsm

import (
	"bytes"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/kasper0406/atlasdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRaftFSMApply tests Apply with the wire encoding raft actually carries
func TestRaftFSMApply(t *testing.T) {
	raftFSM := NewRaftFSM()

	data, err := types.EncodeCommand(types.AllocateTimestampsCmd{
		Namespace: "t1",
		Count:     5,
	})
	require.NoError(t, err)

	logEntry := &raft.Log{
		Index: 1,
		Term:  1,
		Type:  raft.LogCommand,
		Data:  data,
	}

	result := raftFSM.Apply(logEntry)

	resp, ok := result.(AllocateResponse)
	require.True(t, ok, "expected AllocateResponse, got %T", result)
	assert.Equal(t, types.TimestampRange{Lower: 1, Upper: 5}, resp.Range)

	bound, seen := raftFSM.fsm.Bound("t1")
	require.True(t, seen)
	assert.Equal(t, int64(5), bound)
}

// TestRaftFSMApplyDeterministicError tests that state machine failures come
// back as the apply result rather than panicking
func TestRaftFSMApplyDeterministicError(t *testing.T) {
	raftFSM := NewRaftFSM()

	data, err := types.EncodeCommand(types.AllocateTimestampsCmd{
		Namespace: "t1",
		Count:     0,
	})
	require.NoError(t, err)

	result := raftFSM.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: data})

	applyErr, ok := result.(error)
	require.True(t, ok, "expected an error result")
	assert.ErrorIs(t, applyErr, types.ErrInvalidCount)
}

// TestRaftFSMApplyGarbage tests that undecodable log data surfaces an error
func TestRaftFSMApplyGarbage(t *testing.T) {
	raftFSM := NewRaftFSM()

	result := raftFSM.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("not json")})

	_, ok := result.(error)
	assert.True(t, ok, "expected an error result")
}

// TestRaftFSMSnapshotRestore tests the snapshot round trip: a restored
// replica must resume with identical bounds and epoch
func TestRaftFSMSnapshotRestore(t *testing.T) {
	original := NewRaftFSM()

	_, err := original.fsm.Apply(types.RegisterLeadershipCmd{NodeID: "node-1", Addr: "http://n1:8080"})
	require.NoError(t, err)
	_, err = original.fsm.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 100, Epoch: 1})
	require.NoError(t, err)
	_, err = original.fsm.Apply(types.AllocateTimestampsCmd{Namespace: "t2", Count: 7, Epoch: 1})
	require.NoError(t, err)

	snapshot, err := original.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	mockSink := &mockSnapshotSink{buffer: &buf}
	require.NoError(t, snapshot.Persist(mockSink))

	restored := NewRaftFSM()
	require.NoError(t, restored.Restore(io.NopCloser(&buf)))

	bound, seen := restored.fsm.Bound("t1")
	require.True(t, seen)
	assert.Equal(t, int64(100), bound)

	bound, seen = restored.fsm.Bound("t2")
	require.True(t, seen)
	assert.Equal(t, int64(7), bound)

	assert.Equal(t, uint64(1), restored.fsm.CurrentEpoch())
	leaderID, leaderAddr := restored.fsm.CurrentLeader()
	assert.Equal(t, "node-1", leaderID)
	assert.Equal(t, "http://n1:8080", leaderAddr)

	// allocations continue from the restored bound
	result, err := restored.fsm.Apply(types.AllocateTimestampsCmd{Namespace: "t1", Count: 1, Epoch: 1})
	require.NoError(t, err)
	assert.Equal(t, types.TimestampRange{Lower: 101, Upper: 101}, result.(AllocateResponse).Range)
}

// mockSnapshotSink implements raft.SnapshotSink for testing
type mockSnapshotSink struct {
	buffer *bytes.Buffer
}

func (m *mockSnapshotSink) Write(p []byte) (n int, err error) {
	return m.buffer.Write(p)
}

func (m *mockSnapshotSink) Close() error { return nil }

func (m *mockSnapshotSink) ID() string { return "mock-snapshot" }

func (m *mockSnapshotSink) Cancel() error { return nil }
