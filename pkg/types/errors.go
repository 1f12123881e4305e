package types

import (
	"errors"
	"fmt"
)

var (
	// Timestamp errors
	ErrInvalidCount = errors.New("timestamp count must be positive")

	// Lock errors
	ErrEmptyDescriptorSet = errors.New("lock request contains no descriptors")
	ErrInvalidLockMode    = errors.New("lock mode must be READ or WRITE")
	ErrStaleToken         = errors.New("token was issued under a previous leadership epoch")

	// Leadership errors
	ErrLeadershipLost = errors.New("leadership was lost while the request was in flight")
)

// why a node refused to serve a request
type UnavailableReason string

const (
	ReasonNotLeader UnavailableReason = "NOT_LEADER"
	ReasonNoQuorum  UnavailableReason = "NO_QUORUM"
)

// retryable rejection raised by the fencing gate when the local node
// does not hold a live leadership lease
// LeaderAddr carries the believed current leader when one is known
type NotLeaderError struct {
	Reason     UnavailableReason
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderAddr != "" {
		return fmt.Sprintf("not the leader, leader is at %s", e.LeaderAddr)
	}
	return "no leader is currently known"
}

// true if err indicates a condition that a client should retry with backoff
func IsRetryable(err error) bool {
	var nl *NotLeaderError
	return errors.As(err, &nl) || errors.Is(err, ErrLeadershipLost)
}
