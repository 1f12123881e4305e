package types

import (
	"time"

	"github.com/google/uuid"
)

// access mode requested on a descriptor
// WRITE excludes every other holder, READ only excludes writers
type LockMode string

const (
	ModeRead  LockMode = "READ"
	ModeWrite LockMode = "WRITE"
)

func (m LockMode) Valid() bool {
	return m == ModeRead || m == ModeWrite
}

// true if two modes may be held on the same descriptor simultaneously
func (m LockMode) CompatibleWith(other LockMode) bool {
	return m == ModeRead && other == ModeRead
}

// opaque identifier for a contended resource
// the service assumes nothing about its structure beyond comparability
type LockDescriptor string

// a set of descriptors requested atomically under one lock call
type LockRequest struct {
	ClientID    string                      `json:"client_id"`
	Descriptors map[LockDescriptor]LockMode `json:"descriptors"`
	Timeout     time.Duration               `json:"timeout"`
}

// handle returned on a successful grant
// valid only under the leadership epoch that issued it; a failover
// invalidates every outstanding token at once
type LockToken struct {
	ID          uuid.UUID                   `json:"id"`
	Epoch       uint64                      `json:"epoch"`
	Descriptors map[LockDescriptor]LockMode `json:"descriptors"`
}
