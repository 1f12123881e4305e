package leadership

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/kasper0406/atlasdb/pkg/fsm"
	"github.com/kasper0406/atlasdb/pkg/types"
)

// the slice of the raft node the tracker needs
type Cluster interface {
	// receives true on gaining raft leadership, false on losing it
	LeadershipChanges() <-chan bool
	// proposes a command through the replicated log
	Apply(cmd types.Command) (any, error)
}

// Tracker converts raw raft leadership into confirmed leadership epochs.
//
// Winning the raft election is not enough to serve requests: the winner
// first commits a RegisterLeadership command through the log, which bumps
// the replicated epoch register. Only once that commit succeeds does the
// tracker report the node as active leader. The log's total order
// guarantees the previous leader cannot commit anything under its old
// epoch after the bump, which is what fences a deposed leader out.
//
// Revocation callbacks run synchronously inside the tracker loop before
// the node can confirm any later epoch, so downstream state (the lock
// table, the request gate) is always torn down before a new term begins.
type Tracker struct {
	cluster Cluster
	nodeID  string
	addr    string
	logger  hclog.Logger

	mu     sync.RWMutex
	active bool
	epoch  uint64 // last epoch confirmed by this node

	onElected []func(epoch uint64)
	onLost    []func()

	stopCh chan struct{}
	doneCh chan struct{}
}

// nodeID identifies this node; addr is the externally reachable API
// address recorded with each epoch so other nodes can hint clients at
// the current leader
func NewTracker(cluster Cluster, nodeID, addr string, logger hclog.Logger) *Tracker {
	if logger == nil {
		logger = hclog.Default()
	}
	return &Tracker{
		cluster: cluster,
		nodeID:  nodeID,
		addr:    addr,
		logger:  logger.Named("leadership"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// registers a callback invoked with the new epoch after it is confirmed
// by quorum; must be called before Run
func (t *Tracker) OnElected(fn func(epoch uint64)) {
	t.onElected = append(t.onElected, fn)
}

// registers a callback invoked synchronously when leadership is revoked,
// before this node can confirm any further epoch; must be called before Run
func (t *Tracker) OnLeadershipLost(fn func()) {
	t.onLost = append(t.onLost, fn)
}

// reports whether this node currently holds a confirmed leadership lease,
// and under which epoch
func (t *Tracker) IsActiveLeader() (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.epoch, t.active
}

// last epoch this node confirmed for itself
func (t *Tracker) CurrentEpoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.epoch
}

// processes leadership notifications until Stop is called
func (t *Tracker) Run() {
	defer close(t.doneCh)

	for {
		select {
		case isLeader := <-t.cluster.LeadershipChanges():
			if isLeader {
				t.confirm()
			} else {
				t.revoke()
			}
		case <-t.stopCh:
			t.revoke()
			return
		}
	}
}

func (t *Tracker) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Tracker) confirm() error {
	resp, err := t.cluster.Apply(types.RegisterLeadershipCmd{
		NodeID: t.nodeID,
		Addr:   t.addr,
	})
	if err != nil {
		// lost the election again before the epoch bump committed;
		// raft will notify us if we win another term
		t.logger.Warn("failed to confirm leadership epoch", "error", err)
		return fmt.Errorf("confirm leadership: %w", err)
	}

	confirmed, ok := resp.(fsm.RegisterLeadershipResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", resp)
	}

	t.mu.Lock()
	t.active = true
	t.epoch = confirmed.Epoch
	t.mu.Unlock()

	t.logger.Info("leadership confirmed", "epoch", confirmed.Epoch)

	for _, fn := range t.onElected {
		fn(confirmed.Epoch)
	}
	return nil
}

func (t *Tracker) revoke() {
	t.mu.Lock()
	wasActive := t.active
	epoch := t.epoch
	t.active = false
	t.mu.Unlock()

	if !wasActive {
		return
	}

	t.logger.Warn("leadership lost", "epoch", epoch)

	// synchronous: the loop does not observe further elections until
	// every listener has fenced itself
	for _, fn := range t.onLost {
		fn()
	}
}
