package fsm

import (
	"fmt"
	"sync"

	"github.com/kasper0406/atlasdb/pkg/types"
)

// default first timestamp handed out for a namespace that has never
// allocated before
const DefaultFloor = 1

// manages the replicated timestamp bounds and the leadership epoch register
// critical :
// - every namespace bound is strictly increasing for the lifetime of the cluster
// - the epoch register is strictly increasing; at most one node holds the
//   highest committed epoch as active leader
// - replaying the same command sequence on any node yields identical state,
//   so a freshly elected leader resumes exactly where the old one stopped
type FSM struct {
	mu sync.RWMutex

	bounds map[string]int64 // namespace -> last issued timestamp

	epoch      uint64 // current leadership epoch
	leaderID   string
	leaderAddr string

	floor int64 // first timestamp for an unseen namespace
}

func NewFSM() *FSM {
	return &FSM{
		bounds: make(map[string]int64),
		floor:  DefaultFloor,
	}
}

// applies a committed command and returns the result or error
// errors returned here are deterministic: every replica applying the same
// log prefix produces the same outcome
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch c := cmd.(type) {
	case types.AllocateTimestampsCmd:
		return f.applyAllocate(c)
	case types.FastForwardCmd:
		return f.applyFastForward(c)
	case types.RegisterLeadershipCmd:
		return f.applyRegisterLeadership(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// returned when a timestamp range is allocated
type AllocateResponse struct {
	Range types.TimestampRange
}

func (f *FSM) applyAllocate(cmd types.AllocateTimestampsCmd) (any, error) {
	if cmd.Count <= 0 {
		return nil, types.ErrInvalidCount
	}

	// a command proposed under a superseded epoch must not advance the
	// bound: the proposer was fenced between proposing and commit
	if cmd.Epoch != 0 && cmd.Epoch != f.epoch {
		return nil, types.ErrLeadershipLost
	}

	bound, seen := f.bounds[cmd.Namespace]
	if !seen {
		bound = f.floor - 1
	}

	rng := types.TimestampRange{
		Lower: bound + 1,
		Upper: bound + cmd.Count,
	}
	f.bounds[cmd.Namespace] = rng.Upper

	return AllocateResponse{Range: rng}, nil
}

// returned when a namespace bound is fast-forwarded
type FastForwardResponse struct {
	Bound int64
}

func (f *FSM) applyFastForward(cmd types.FastForwardCmd) (any, error) {
	if cmd.Epoch != 0 && cmd.Epoch != f.epoch {
		return nil, types.ErrLeadershipLost
	}

	bound, seen := f.bounds[cmd.Namespace]
	if !seen {
		bound = f.floor - 1
	}

	// never lower a bound; fast-forward only moves time forward
	if cmd.Target > bound {
		bound = cmd.Target
		f.bounds[cmd.Namespace] = bound
	}

	return FastForwardResponse{Bound: bound}, nil
}

// returned when a new leadership epoch is committed
type RegisterLeadershipResponse struct {
	Epoch uint64
}

func (f *FSM) applyRegisterLeadership(cmd types.RegisterLeadershipCmd) (any, error) {
	f.epoch++
	f.leaderID = cmd.NodeID
	f.leaderAddr = cmd.Addr

	return RegisterLeadershipResponse{Epoch: f.epoch}, nil
}

// last issued timestamp for a namespace, and whether it has allocated before
func (f *FSM) Bound(namespace string) (int64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	bound, seen := f.bounds[namespace]
	return bound, seen
}

// highest leadership epoch this replica has applied
func (f *FSM) CurrentEpoch() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.epoch
}

// node ID and address recorded with the current epoch
func (f *FSM) CurrentLeader() (string, string) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.leaderID, f.leaderAddr
}

// current fsm stats
type Stats struct {
	Namespaces int
	Epoch      uint64
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Stats{
		Namespaces: len(f.bounds),
		Epoch:      f.epoch,
	}
}
