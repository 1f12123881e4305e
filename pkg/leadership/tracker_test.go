package leadership

import (
	"sync"
	"testing"
	"time"

	"github.com/kasper0406/atlasdb/pkg/fsm"
	"github.com/kasper0406/atlasdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCluster drives the tracker with scripted leadership notifications
// while applying commands to a real state machine
type fakeCluster struct {
	ch chan bool

	mu        sync.Mutex
	machine   *fsm.FSM
	failApply bool
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		ch:      make(chan bool, 1),
		machine: fsm.NewFSM(),
	}
}

func (f *fakeCluster) LeadershipChanges() <-chan bool { return f.ch }

func (f *fakeCluster) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failApply {
		return nil, types.ErrLeadershipLost
	}
	return f.machine.Apply(cmd)
}

func (f *fakeCluster) setFailApply(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failApply = fail
}

// TestTrackerConfirmsEpochOnElection tests that winning the election is
// only reported as active leadership once the epoch bump has committed
func TestTrackerConfirmsEpochOnElection(t *testing.T) {
	cluster := newFakeCluster()
	tracker := NewTracker(cluster, "node-1", "http://n1:8080", nil)

	var mu sync.Mutex
	var electedEpochs []uint64
	tracker.OnElected(func(epoch uint64) {
		mu.Lock()
		electedEpochs = append(electedEpochs, epoch)
		mu.Unlock()
	})

	go tracker.Run()
	defer tracker.Stop()

	_, active := tracker.IsActiveLeader()
	assert.False(t, active, "not active before any election")

	cluster.ch <- true

	require.Eventually(t, func() bool {
		_, active := tracker.IsActiveLeader()
		return active
	}, time.Second, time.Millisecond)

	epoch, _ := tracker.IsActiveLeader()
	assert.Equal(t, uint64(1), epoch)
	assert.Equal(t, uint64(1), tracker.CurrentEpoch())

	mu.Lock()
	assert.Equal(t, []uint64{1}, electedEpochs)
	mu.Unlock()

	leaderID, leaderAddr := cluster.machine.CurrentLeader()
	assert.Equal(t, "node-1", leaderID)
	assert.Equal(t, "http://n1:8080", leaderAddr)
}

// TestTrackerRevokesOnLoss tests that losing raft leadership flips the
// active flag and runs the revocation callbacks
func TestTrackerRevokesOnLoss(t *testing.T) {
	cluster := newFakeCluster()
	tracker := NewTracker(cluster, "node-1", "http://n1:8080", nil)

	var mu sync.Mutex
	lost := 0
	tracker.OnLeadershipLost(func() {
		mu.Lock()
		lost++
		mu.Unlock()
	})

	go tracker.Run()
	defer tracker.Stop()

	cluster.ch <- true
	require.Eventually(t, func() bool {
		_, active := tracker.IsActiveLeader()
		return active
	}, time.Second, time.Millisecond)

	cluster.ch <- false
	require.Eventually(t, func() bool {
		_, active := tracker.IsActiveLeader()
		return !active
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, lost)
	mu.Unlock()

	// the last confirmed epoch remains visible after demotion
	assert.Equal(t, uint64(1), tracker.CurrentEpoch())
}

// TestTrackerStaysInactiveWhenConfirmationFails tests the window where
// the node wins the election but loses it again before the epoch bump
// commits: it must never report itself active
func TestTrackerStaysInactiveWhenConfirmationFails(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setFailApply(true)

	tracker := NewTracker(cluster, "node-1", "http://n1:8080", nil)

	go tracker.Run()
	defer tracker.Stop()

	cluster.ch <- true

	// give the loop a chance to process the notification
	time.Sleep(50 * time.Millisecond)

	_, active := tracker.IsActiveLeader()
	assert.False(t, active, "unconfirmed leadership must not be reported active")
	assert.Zero(t, tracker.CurrentEpoch())

	// a later, successful election confirms normally
	cluster.setFailApply(false)
	cluster.ch <- true

	require.Eventually(t, func() bool {
		_, active := tracker.IsActiveLeader()
		return active
	}, time.Second, time.Millisecond)
}

// TestTrackerReelectionBumpsEpoch tests that regaining leadership after a
// loss confirms a strictly greater epoch
func TestTrackerReelectionBumpsEpoch(t *testing.T) {
	cluster := newFakeCluster()
	tracker := NewTracker(cluster, "node-1", "http://n1:8080", nil)

	go tracker.Run()
	defer tracker.Stop()

	cluster.ch <- true
	require.Eventually(t, func() bool {
		epoch, active := tracker.IsActiveLeader()
		return active && epoch == 1
	}, time.Second, time.Millisecond)

	cluster.ch <- false
	require.Eventually(t, func() bool {
		_, active := tracker.IsActiveLeader()
		return !active
	}, time.Second, time.Millisecond)

	cluster.ch <- true
	require.Eventually(t, func() bool {
		epoch, active := tracker.IsActiveLeader()
		return active && epoch == 2
	}, time.Second, time.Millisecond)
}
