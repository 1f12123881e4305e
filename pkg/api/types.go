// Package api defines the JSON wire types shared by the server and the
// cluster client.
package api

import "github.com/kasper0406/atlasdb/pkg/types"

// machine-readable error codes carried in the error envelope
const (
	CodeNotLeader       = "NOT_LEADER"
	CodeNoQuorum        = "NO_QUORUM"
	CodeLeadershipLost  = "LEADERSHIP_LOST"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeStaleToken      = "STALE_TOKEN"
	CodeInternal        = "INTERNAL"
)

// error envelope returned with any non-2xx status
// Leader carries the believed current leader's API address when known,
// so clients can redirect without probing
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Leader  string `json:"leader,omitempty"`
}

type AllocateRequest struct {
	Count int64 `json:"count"`
}

type AllocateResponse struct {
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
}

type FastForwardRequest struct {
	Target int64 `json:"target"`
}

type FastForwardResponse struct {
	Bound int64 `json:"bound"`
}

type BoundResponse struct {
	Bound int64 `json:"bound"`
}

type LockRequest struct {
	ClientID      string                                  `json:"client_id"`
	Descriptors   map[types.LockDescriptor]types.LockMode `json:"descriptors"`
	TimeoutMillis int64                                   `json:"timeout_ms"`
}

type LockResponse struct {
	Acquired  bool             `json:"acquired"`
	Token     *types.LockToken `json:"token,omitempty"`
	TTLMillis int64            `json:"ttl_ms,omitempty"`
}

type UnlockRequest struct {
	Token types.LockToken `json:"token"`
}

type UnlockResponse struct {
	WasHeld bool `json:"was_held"`
}

type RefreshRequest struct {
	Token types.LockToken `json:"token"`
}

type RefreshResponse struct {
	Valid     bool  `json:"valid"`
	TTLMillis int64 `json:"ttl_ms,omitempty"`
}

type LeaderResponse struct {
	Leader string `json:"leader,omitempty"`
}

type JoinRequest struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type StatusResponse struct {
	NodeID       string `json:"node_id"`
	State        string `json:"state"`
	IsLeader     bool   `json:"is_leader"`
	Epoch        uint64 `json:"epoch"`
	Leader       string `json:"leader,omitempty"`
	ClusterSize  int    `json:"cluster_size"`
	Namespaces   int    `json:"namespaces"`
	LocksHeld    int    `json:"locks_held"`
	LocksWaiting int    `json:"locks_waiting"`
}
