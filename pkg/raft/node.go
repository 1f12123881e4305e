package raft

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/kasper0406/atlasdb/pkg/fsm"
	"github.com/kasper0406/atlasdb/pkg/storage"
	"github.com/kasper0406/atlasdb/pkg/types"
)

const applyTimeout = 5 * time.Second

// wraps a raft instance with the timestamp state machine and provides
// a clean api for proposing commands and observing leadership
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	raftFSM   *fsm.RaftFSM
	store     *storage.BoltDBStorage
	notifyCh  chan bool
	transport *raft.NetworkTransport
	cfg       *Config
}

type Config struct {
	NodeID    uuid.UUID     // unique ID for this node
	BindAddr  string        // net addr to bind raft communication
	DataDir   string        // data directory for raft storage
	Bootstrap bool          // if this is the first node in the cluster
	Logger    hclog.Logger  // parent logger, defaults to hclog.Default

	// how long the leader may go without quorum contact before
	// stepping down; this is the liveness timeout that bounds how long
	// a partitioned leader can believe in itself
	LeaderLeaseTimeout time.Duration
}

func NewNode(cfg *Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.Default()
	}

	raftFSM := fsm.NewRaftFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = logger.Named("raft")

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.SnapshotThreshold = 8192
	if cfg.LeaderLeaseTimeout > 0 {
		raftCfg.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
		if raftCfg.HeartbeatTimeout < cfg.LeaderLeaseTimeout {
			raftCfg.HeartbeatTimeout = cfg.LeaderLeaseTimeout
		}
	}

	// leadership gain/loss notifications feed the leadership tracker;
	// buffered so raft never blocks on a slow consumer
	notifyCh := make(chan bool, 8)
	raftCfg.NotifyCh = notifyCh

	raftStorage, err := storage.NewBoltDBStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		r.BootstrapCluster(configuration)
	}

	return &Node{
		raft:      r,
		fsm:       raftFSM.StateMachine(),
		raftFSM:   raftFSM,
		store:     raftStorage,
		notifyCh:  notifyCh,
		transport: transport,
		cfg:       cfg,
	}, nil
}

// propose a command through the replicated log and wait for it to commit
func (n *Node) Apply(cmd types.Command) (any, error) {
	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	future := n.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost || err == raft.ErrLeadershipTransferInProgress {
			return nil, types.ErrLeadershipLost
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	// deterministic state machine failures come back as the response
	resp := future.Response()
	if applyErr, ok := resp.(error); ok {
		return nil, applyErr
	}

	return resp, nil
}

// read access to the local replica of the state machine
func (n *Node) StateMachine() *fsm.FSM {
	return n.fsm
}

// receives true when this node gains raft leadership and false when it
// loses it
func (n *Node) LeadershipChanges() <-chan bool {
	return n.notifyCh
}

// returns true if this node is the raft leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// checks that this node still holds leadership with quorum backing
func (n *Node) VerifyLeader() error {
	return n.raft.VerifyLeader().Error()
}

// returns the raft transport address of the current leader, or ""
func (n *Node) LeaderRaftAddr() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

func (n *Node) NodeID() uuid.UUID {
	return n.cfg.NodeID
}

func (n *Node) NodeIDString() string {
	return n.cfg.NodeID.String()
}

func (n *Node) State() raft.RaftState {
	return n.raft.State()
}

func (n *Node) StateName() string {
	return n.raft.State().String()
}

// number of voters in the current raft configuration
func (n *Node) ClusterSize() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

// adds a node to the cluster as a voter; leader only
func (n *Node) Join(id, addr string) error {
	if !n.IsLeader() {
		return types.ErrLeadershipLost
	}

	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s at %s: %w", id, addr, err)
	}
	return nil
}

// blocks until some node is elected leader
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.LeaderRaftAddr() != "" {
				return nil
			}
		}
	}
}

func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// gracefully shuts down the raft node
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return err
	}
	n.transport.Close()
	return n.store.Close()
}
