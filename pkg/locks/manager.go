package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/kasper0406/atlasdb/pkg/clock"
	"github.com/kasper0406/atlasdb/pkg/types"
)

const (
	DefaultTokenTTL     = 20 * time.Second
	DefaultReapInterval = 1 * time.Second
)

// outcome of a lock call
// Acquired false with a nil error means the timeout elapsed without a
// grant, which is a normal result rather than a failure
type Result struct {
	Acquired bool
	Token    types.LockToken
	TTL      time.Duration
}

// Manager is the leader-local lock table.
//
// State here is deliberately not replicated: tokens and waiters die with
// the epoch that created them, so a failover can never resurrect a stale
// grant. Clients observe the leadership-lost failure and re-acquire.
//
// Fairness: every request is stamped with a global sequence number on
// arrival and per-descriptor wait queues are ordered by that number. A
// multi-descriptor request proceeds only when it is at the head of every
// queue it sits in; because all queues agree on relative order, two
// multi-descriptor requests can never livelock each other.
type Manager struct {
	mu sync.Mutex

	clock        *clock.Clock
	logger       hclog.Logger
	tokenTTL     time.Duration
	reapInterval time.Duration

	active bool
	epoch  uint64

	nextSeq uint64
	grants  map[uuid.UUID]*grant
	holders map[types.LockDescriptor]*holderSet
	queues  map[types.LockDescriptor][]*waiter

	stopCh chan struct{}
	doneCh chan struct{}
}

type Config struct {
	TokenTTL     time.Duration // lease on each granted token, extended by refresh
	ReapInterval time.Duration
	Logger       hclog.Logger
}

// current holders of one descriptor; mode is READ or WRITE, with WRITE
// implying a single token
type holderSet struct {
	mode   types.LockMode
	tokens map[uuid.UUID]struct{}
}

type grant struct {
	token     types.LockToken
	clientID  string
	expiresAt time.Duration // monotonic instant
}

type waitOutcome struct {
	result Result
	err    error
}

// a blocked lock request parked in the wait queues of every descriptor
// it needs
type waiter struct {
	seq      uint64
	req      types.LockRequest
	outcome  chan waitOutcome // buffered, written at most once
	resolved bool             // guarded by Manager.mu
}

func NewManager(cfg Config) *Manager {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.Default()
	}

	m := &Manager{
		clock:        clock.New(),
		logger:       cfg.Logger.Named("locks"),
		tokenTTL:     cfg.TokenTTL,
		reapInterval: cfg.ReapInterval,
		grants:       make(map[uuid.UUID]*grant),
		holders:      make(map[types.LockDescriptor]*holderSet),
		queues:       make(map[types.LockDescriptor][]*waiter),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// marks the manager as serving under a freshly confirmed epoch
// all tokens granted from now on carry this epoch
func (m *Manager) Activate(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active = true
	m.epoch = epoch
	m.logger.Info("lock table activated", "epoch", epoch)
}

// discards every grant and wakes every waiter with a leadership-lost
// failure; called the instant leadership is revoked
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active && len(m.grants) == 0 && len(m.queues) == 0 {
		return
	}

	dropped := len(m.grants)
	m.active = false
	m.grants = make(map[uuid.UUID]*grant)
	m.holders = make(map[types.LockDescriptor]*holderSet)

	woken := 0
	for _, q := range m.queues {
		for _, w := range q {
			if w.resolved {
				continue
			}
			w.resolved = true
			w.outcome <- waitOutcome{err: types.ErrLeadershipLost}
			woken++
		}
	}
	m.queues = make(map[types.LockDescriptor][]*waiter)

	m.logger.Warn("lock table invalidated", "tokens_dropped", dropped, "waiters_woken", woken)
}

// Lock attempts to acquire every descriptor in the request atomically.
// If the set is not immediately available the caller is parked until the
// locks free up in its favor, the request timeout elapses, or leadership
// is lost.
func (m *Manager) Lock(ctx context.Context, req types.LockRequest) (Result, error) {
	if len(req.Descriptors) == 0 {
		return Result{}, types.ErrEmptyDescriptorSet
	}
	for _, mode := range req.Descriptors {
		if !mode.Valid() {
			return Result{}, types.ErrInvalidLockMode
		}
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return Result{}, types.ErrLeadershipLost
	}

	m.nextSeq++
	w := &waiter{
		seq:     m.nextSeq,
		req:     req,
		outcome: make(chan waitOutcome, 1),
	}

	if m.grantableLocked(w) {
		res := m.grantLocked(w)
		m.mu.Unlock()
		return res, nil
	}

	if req.Timeout <= 0 {
		// non-blocking probe
		m.mu.Unlock()
		return Result{Acquired: false}, nil
	}

	for desc := range req.Descriptors {
		m.queues[desc] = append(m.queues[desc], w)
	}
	m.mu.Unlock()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case out := <-w.outcome:
		return out.result, out.err

	case <-timer.C:
		m.mu.Lock()
		if w.resolved {
			// the grant beat the deadline; take it
			m.mu.Unlock()
			out := <-w.outcome
			return out.result, out.err
		}
		w.resolved = true
		m.removeWaiterLocked(w)
		m.mu.Unlock()
		return Result{Acquired: false}, nil

	case <-ctx.Done():
		m.mu.Lock()
		if w.resolved {
			m.mu.Unlock()
			out := <-w.outcome
			return out.result, out.err
		}
		w.resolved = true
		m.removeWaiterLocked(w)
		m.mu.Unlock()
		return Result{}, ctx.Err()
	}
}

// Unlock releases the grant behind a token. Idempotent: a token that was
// already released, expired, or invalidated by a failover reports false
// rather than failing.
func (m *Manager) Unlock(token types.LockToken) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, held := m.grants[token.ID]
	if !held {
		return false
	}

	m.releaseLocked(g)
	m.promoteLocked()
	return true
}

// Refresh extends the lease on a still-valid token and returns the new
// TTL. Tokens from prior epochs or already released fail with a
// stale-token condition.
func (m *Manager) Refresh(token types.LockToken) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, held := m.grants[token.ID]
	if !held || g.token.Epoch != m.epoch {
		return 0, types.ErrStaleToken
	}

	if m.clock.Elapsed() >= g.expiresAt {
		// lease ran out before the reaper got to it
		m.releaseLocked(g)
		m.promoteLocked()
		return 0, types.ErrStaleToken
	}

	g.expiresAt = m.clock.ExpiresAt(m.tokenTTL)
	return m.tokenTTL, nil
}

// a waiter may be granted when every descriptor it needs is compatible
// with the current holders and no earlier waiter is queued ahead of it
func (m *Manager) grantableLocked(w *waiter) bool {
	for desc, mode := range w.req.Descriptors {
		if hs, held := m.holders[desc]; held {
			if !mode.CompatibleWith(hs.mode) {
				return false
			}
		}
		if q := m.queues[desc]; len(q) > 0 && q[0] != w {
			return false
		}
	}
	return true
}

func (m *Manager) grantLocked(w *waiter) Result {
	token := types.LockToken{
		ID:          uuid.New(),
		Epoch:       m.epoch,
		Descriptors: make(map[types.LockDescriptor]types.LockMode, len(w.req.Descriptors)),
	}

	for desc, mode := range w.req.Descriptors {
		token.Descriptors[desc] = mode

		hs, held := m.holders[desc]
		if !held {
			hs = &holderSet{mode: mode, tokens: make(map[uuid.UUID]struct{})}
			m.holders[desc] = hs
		}
		hs.tokens[token.ID] = struct{}{}
	}

	m.grants[token.ID] = &grant{
		token:     token,
		clientID:  w.req.ClientID,
		expiresAt: m.clock.ExpiresAt(m.tokenTTL),
	}

	return Result{Acquired: true, Token: token, TTL: m.tokenTTL}
}

func (m *Manager) releaseLocked(g *grant) {
	delete(m.grants, g.token.ID)

	for desc := range g.token.Descriptors {
		hs, held := m.holders[desc]
		if !held {
			continue
		}
		delete(hs.tokens, g.token.ID)
		if len(hs.tokens) == 0 {
			delete(m.holders, desc)
		}
	}
}

func (m *Manager) removeWaiterLocked(w *waiter) {
	for desc := range w.req.Descriptors {
		q := m.queues[desc]
		for i, queued := range q {
			if queued == w {
				m.queues[desc] = append(q[:i], q[i+1:]...)
				break
			}
		}
		if len(m.queues[desc]) == 0 {
			delete(m.queues, desc)
		}
	}
}

// grants every queue-head waiter whose full descriptor set has become
// available, repeating until no further grant is possible
func (m *Manager) promoteLocked() {
	for progress := true; progress; {
		progress = false
		for desc := range m.queues {
			q := m.queues[desc]
			if len(q) == 0 {
				delete(m.queues, desc)
				continue
			}

			w := q[0]
			if !m.grantableLocked(w) {
				continue
			}

			m.removeWaiterLocked(w)
			res := m.grantLocked(w)
			w.resolved = true
			w.outcome <- waitOutcome{result: res}
			progress = true
		}
	}
}

// releases grants whose lease expired without a refresh
func (m *Manager) reapLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) reapExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Elapsed()
	expired := 0
	for _, g := range m.grants {
		if now >= g.expiresAt {
			m.releaseLocked(g)
			expired++
		}
	}

	if expired > 0 {
		m.logger.Info("reaped expired tokens", "count", expired)
		m.promoteLocked()
	}
}

func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// current lock table stats
type Stats struct {
	Held    int
	Waiting int
	Epoch   uint64
	Active  bool
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiting := make(map[uint64]struct{})
	for _, q := range m.queues {
		for _, w := range q {
			waiting[w.seq] = struct{}{}
		}
	}

	return Stats{
		Held:    len(m.grants),
		Waiting: len(waiting),
		Epoch:   m.epoch,
		Active:  m.active,
	}
}
