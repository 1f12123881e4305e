package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kasper0406/atlasdb/pkg/fsm"
	"github.com/kasper0406/atlasdb/pkg/locks"
	"github.com/kasper0406/atlasdb/pkg/metrics"
	"github.com/kasper0406/atlasdb/pkg/types"
)

// the slice of the raft node the router needs
type Proposer interface {
	Apply(cmd types.Command) (any, error)
	// raft transport address of the current leader, "" when no leader
	// is known (quorum lost or election in progress)
	LeaderRaftAddr() string
}

// the slice of the leadership tracker the router needs
type Leadership interface {
	IsActiveLeader() (uint64, bool)
	OnElected(fn func(epoch uint64))
	OnLeadershipLost(fn func())
}

// Router is the single gate every external request passes through.
//
// Each operation first checks that the local node holds a confirmed
// leadership lease and fails fast with a retryable condition otherwise.
// Revocation flips the gate atomically: requests already past the check
// run to completion (their log proposals are fenced by the epoch carried
// in the command), while every subsequent check fails until a new epoch
// is confirmed locally.
type Router struct {
	node    Proposer
	tracker Leadership
	machine *fsm.FSM
	locks   *locks.Manager
	logger  hclog.Logger

	serving atomic.Bool
}

func New(node Proposer, tracker Leadership, machine *fsm.FSM, manager *locks.Manager, logger hclog.Logger) *Router {
	if logger == nil {
		logger = hclog.Default()
	}

	r := &Router{
		node:    node,
		tracker: tracker,
		machine: machine,
		locks:   manager,
		logger:  logger.Named("router"),
	}

	tracker.OnElected(func(epoch uint64) {
		manager.Activate(epoch)
		r.serving.Store(true)
		metrics.IsLeader.Set(1)
		metrics.LeadershipEpoch.Set(float64(epoch))
		metrics.LeadershipTransitions.Inc()
		r.logger.Info("serving requests", "epoch", epoch)
	})
	tracker.OnLeadershipLost(func() {
		r.serving.Store(false)
		manager.InvalidateAll()
		metrics.IsLeader.Set(0)
		metrics.LeadershipTransitions.Inc()
		r.logger.Warn("request gate closed")
	})

	return r
}

// guard returns the confirmed epoch under which the caller may proceed,
// or the retryable rejection to surface
func (r *Router) guard() (uint64, error) {
	epoch, active := r.tracker.IsActiveLeader()
	if !active || !r.serving.Load() {
		return 0, r.unavailable()
	}
	return epoch, nil
}

func (r *Router) unavailable() error {
	if r.node.LeaderRaftAddr() == "" {
		return &types.NotLeaderError{Reason: types.ReasonNoQuorum}
	}
	_, leaderAddr := r.machine.CurrentLeader()
	return &types.NotLeaderError{Reason: types.ReasonNotLeader, LeaderAddr: leaderAddr}
}

// AllocateTimestamps hands out a fresh contiguous range for the namespace
// through the replicated log.
func (r *Router) AllocateTimestamps(ctx context.Context, namespace string, count int64) (types.TimestampRange, error) {
	epoch, err := r.guard()
	if err != nil {
		return types.TimestampRange{}, err
	}
	if count <= 0 {
		return types.TimestampRange{}, types.ErrInvalidCount
	}

	resp, err := r.node.Apply(types.AllocateTimestampsCmd{
		Namespace: namespace,
		Count:     count,
		Epoch:     epoch,
	})
	if err != nil {
		return types.TimestampRange{}, err
	}

	allocated, ok := resp.(fsm.AllocateResponse)
	if !ok {
		return types.TimestampRange{}, fmt.Errorf("unexpected response type %T", resp)
	}
	return allocated.Range, nil
}

// FastForward raises a namespace bound to at least target.
func (r *Router) FastForward(ctx context.Context, namespace string, target int64) (int64, error) {
	epoch, err := r.guard()
	if err != nil {
		return 0, err
	}

	resp, err := r.node.Apply(types.FastForwardCmd{
		Namespace: namespace,
		Target:    target,
		Epoch:     epoch,
	})
	if err != nil {
		return 0, err
	}

	forwarded, ok := resp.(fsm.FastForwardResponse)
	if !ok {
		return 0, fmt.Errorf("unexpected response type %T", resp)
	}
	return forwarded.Bound, nil
}

// Bound reads the last committed timestamp bound for a namespace.
// Leader-gated so callers never see a bound from a stale replica.
func (r *Router) Bound(namespace string) (int64, error) {
	if _, err := r.guard(); err != nil {
		return 0, err
	}

	bound, seen := r.machine.Bound(namespace)
	if !seen {
		bound = fsm.DefaultFloor - 1
	}
	return bound, nil
}

// Lock acquires a descriptor set, blocking up to the request timeout.
func (r *Router) Lock(ctx context.Context, req types.LockRequest) (locks.Result, error) {
	if _, err := r.guard(); err != nil {
		return locks.Result{}, err
	}
	return r.locks.Lock(ctx, req)
}

// Unlock releases a token; reports whether it was held.
func (r *Router) Unlock(token types.LockToken) (bool, error) {
	if _, err := r.guard(); err != nil {
		return false, err
	}
	return r.locks.Unlock(token), nil
}

// Refresh extends a token's lease.
func (r *Router) Refresh(token types.LockToken) (time.Duration, error) {
	if _, err := r.guard(); err != nil {
		return 0, err
	}
	return r.locks.Refresh(token)
}

// believed current leader's API address, if any node has confirmed an
// epoch and raft currently knows a leader
func (r *Router) LeaderHint() (string, bool) {
	if r.node.LeaderRaftAddr() == "" {
		return "", false
	}
	_, addr := r.machine.CurrentLeader()
	return addr, addr != ""
}

// confirmed epoch applied on the local replica
func (r *Router) Epoch() uint64 {
	return r.machine.CurrentEpoch()
}

// lock table stats for the status endpoint
func (r *Router) LockStats() locks.Stats {
	return r.locks.Stats()
}
