package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// timestamp allocation latency including the raft round-trip
	// labels: namespace (to spot slow or hot namespaces)
	TimestampAllocateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timelock_timestamp_allocate_duration_seconds",
			Help:    "time taken to allocate a timestamp range",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 512ms
		},
		[]string{"namespace"},
	)

	// allocations by outcome; success rate = success / total
	TimestampAllocateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timelock_timestamp_allocate_total",
			Help: "total number of timestamp allocations",
		},
		[]string{"namespace", "status"},
	)

	// how many timestamps have been issued per namespace
	TimestampsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timelock_timestamps_issued_total",
			Help: "total count of timestamps handed out",
		},
		[]string{"namespace"},
	)

	// lock acquisition latency including queue wait time
	LockAcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "timelock_lock_acquire_duration_seconds",
			Help:    "time taken to acquire a lock set",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	// lock outcomes: granted, timeout, rejected
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timelock_lock_acquire_total",
			Help: "total number of lock acquisition attempts",
		},
		[]string{"status"},
	)

	UnlockTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timelock_unlock_total",
			Help: "total number of unlock calls",
		},
		[]string{"status"},
	)

	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timelock_refresh_total",
			Help: "total number of token refresh calls",
		},
		[]string{"status"},
	)

	// currently held lock tokens on this node (leader only)
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timelock_locks_held",
			Help: "current number of granted lock tokens",
		},
	)

	// requests parked in the wait queues
	LockWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timelock_lock_waiters",
			Help: "current number of blocked lock requests",
		},
	)

	// 1 when this node holds a confirmed leadership lease
	// exactly one node in the cluster should report 1
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timelock_is_leader",
			Help: "whether this node is the active leader (1 = leader)",
		},
	)

	// confirmed leadership epoch applied on this replica
	// strictly increasing; a jump means a failover happened
	LeadershipEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timelock_leadership_epoch",
			Help: "current confirmed leadership epoch",
		},
	)

	// counts every local gain or loss of the leadership lease
	LeadershipTransitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "timelock_leadership_transitions_total",
			Help: "total number of local leadership transitions",
		},
	)

	// rejections issued by the fencing gate
	NotLeaderRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "timelock_not_leader_rejections_total",
			Help: "requests rejected because this node is not the leader",
		},
	)
)
