package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/kasper0406/atlasdb/pkg/types"
)

// adapter bridging the raft log to the timestamp state machine
// the state machine itself knows nothing about raft; it only sees
// decoded commands in commit order
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

// the wrapped state machine, for read-side queries
func (rf *RaftFSM) StateMachine() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	cmd, err := types.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Bounds:     make(map[string]int64, len(rf.fsm.bounds)),
		Epoch:      rf.fsm.epoch,
		LeaderID:   rf.fsm.leaderID,
		LeaderAddr: rf.fsm.leaderAddr,
		Floor:      rf.fsm.floor,
	}

	for namespace, bound := range rf.fsm.bounds {
		snapshot.Bounds[namespace] = bound
	}

	return snapshot, nil
}

// restores state from a snapshot, used when a node falls behind the
// compacted log or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.bounds = snap.Bounds
	rf.fsm.epoch = snap.Epoch
	rf.fsm.leaderID = snap.LeaderID
	rf.fsm.leaderAddr = snap.LeaderAddr
	if snap.Floor > 0 {
		rf.fsm.floor = snap.Floor
	}

	return nil
}

// point-in-time snapshot of replicated state
type fsmSnapshot struct {
	Bounds     map[string]int64 `json:"bounds"`
	Epoch      uint64           `json:"epoch"`
	LeaderID   string           `json:"leader_id"`
	LeaderAddr string           `json:"leader_addr"`
	Floor      int64            `json:"floor"`
}

// persist snapshot to the given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// called when the snapshot is no longer needed
func (s *fsmSnapshot) Release() {}
