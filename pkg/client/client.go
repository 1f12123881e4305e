package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kasper0406/atlasdb/pkg/api"
	"github.com/kasper0406/atlasdb/pkg/types"
)

const (
	defaultRetryBudget = 10

	retryBackoffStart      = 100 * time.Millisecond
	retryBackoffMax        = 2 * time.Second
	retryBackoffMultiplier = 2.0
	retryBackoffJitter     = 50 * time.Millisecond
)

// Client hides cluster topology and failover from callers.
//
// It remembers the believed leader, follows the leader hints carried in
// retryable rejections, and retries with exponential backoff until its
// retry budget runs out. Callers see either an epoch-consistent result
// or an explicit retryable failure; a demoted leader can never produce
// a silently stale answer because the server side fences it.
type Client struct {
	httpc       *http.Client
	logger      hclog.Logger
	retryBudget int

	mu     sync.Mutex
	addrs  []string
	leader string // believed current leader, "" when unknown
	next   int    // round-robin cursor over addrs
}

type Option func(*Client)

func WithRetryBudget(attempts int) Option {
	return func(c *Client) { c.retryBudget = attempts }
}

func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

func WithLogger(logger hclog.Logger) Option {
	return func(c *Client) { c.logger = logger.Named("client") }
}

func New(addrs []string, opts ...Option) (*Client, error) {
	if len(addrs) == 0 {
		return nil, errors.New("at least one cluster address is required")
	}

	c := &Client{
		httpc:       &http.Client{},
		logger:      hclog.NewNullLogger(),
		retryBudget: defaultRetryBudget,
		addrs:       append([]string(nil), addrs...),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AllocateTimestamps returns a fresh inclusive range of count timestamps
// for the namespace.
func (c *Client) AllocateTimestamps(ctx context.Context, namespace string, count int64) (types.TimestampRange, error) {
	var resp api.AllocateResponse
	err := c.do(ctx, http.MethodPost, "/v1/timestamp/"+namespace+"/allocate", api.AllocateRequest{Count: count}, &resp)
	if err != nil {
		return types.TimestampRange{}, err
	}
	return types.TimestampRange{Lower: resp.Lower, Upper: resp.Upper}, nil
}

// FastForward raises the namespace bound to at least target.
func (c *Client) FastForward(ctx context.Context, namespace string, target int64) (int64, error) {
	var resp api.FastForwardResponse
	err := c.do(ctx, http.MethodPost, "/v1/timestamp/"+namespace+"/fast-forward", api.FastForwardRequest{Target: target}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Bound, nil
}

// Lock acquires a descriptor set, blocking server-side up to timeout.
// A nil error with Acquired false means the timeout elapsed, which is a
// normal outcome.
func (c *Client) Lock(ctx context.Context, clientID string, descriptors map[types.LockDescriptor]types.LockMode, timeout time.Duration) (api.LockResponse, error) {
	var resp api.LockResponse
	err := c.do(ctx, http.MethodPost, "/v1/lock", api.LockRequest{
		ClientID:      clientID,
		Descriptors:   descriptors,
		TimeoutMillis: timeout.Milliseconds(),
	}, &resp)
	return resp, err
}

// Unlock releases a token; reports whether it was still held.
func (c *Client) Unlock(ctx context.Context, token types.LockToken) (bool, error) {
	var resp api.UnlockResponse
	err := c.do(ctx, http.MethodPost, "/v1/unlock", api.UnlockRequest{Token: token}, &resp)
	return resp.WasHeld, err
}

// Refresh extends a token's lease; reports whether it is still valid.
func (c *Client) Refresh(ctx context.Context, token types.LockToken) (bool, error) {
	var resp api.RefreshResponse
	err := c.do(ctx, http.MethodPost, "/v1/refresh", api.RefreshRequest{Token: token}, &resp)
	return resp.Valid, err
}

// Leader asks any reachable node for the believed current leader.
func (c *Client) Leader(ctx context.Context) (string, error) {
	var resp api.LeaderResponse
	err := c.do(ctx, http.MethodGet, "/v1/leader", nil, &resp)
	return resp.Leader, err
}

// JoinCluster asks the node at target to add a new raft voter. Used by a
// fresh node to attach itself to an existing cluster.
func JoinCluster(ctx context.Context, httpc *http.Client, target, id, raftAddr string) error {
	body, err := json.Marshal(api.JoinRequest{ID: id, Addr: raftAddr})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/v1/cluster/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("join rejected with status %d: %s", resp.StatusCode, data)
	}
	return nil
}

// picks the target for the next attempt: the believed leader if we have
// one, otherwise the next address round-robin
func (c *Client) target() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.leader != "" {
		return c.leader
	}
	addr := c.addrs[c.next%len(c.addrs)]
	c.next++
	return addr
}

func (c *Client) observeRejection(leaderHint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// trust the hint when present; otherwise forget the current leader
	// so the next attempt rotates
	c.leader = leaderHint
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var lastErr error

	backoff := retryBackoffStart
	for attempt := 0; attempt < c.retryBudget; attempt++ {
		if attempt > 0 {
			sleep := backoff + time.Duration(rand.Int63n(int64(retryBackoffJitter)))
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(float64(backoff) * retryBackoffMultiplier)
			if backoff > retryBackoffMax {
				backoff = retryBackoffMax
			}
		}

		target := c.target()
		retryable, err := c.attempt(ctx, target, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable {
			return err
		}
		c.logger.Debug("retrying after retryable failure", "target", target, "attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("retry budget exhausted after %d attempts: %w", c.retryBudget, lastErr)
}

// one request against one node; the bool reports whether the failure is
// worth retrying elsewhere
func (c *Client) attempt(ctx context.Context, target, method, path string, body, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target+path, reader)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		// connection failures rotate to the next node
		c.observeRejection("")
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return false, json.NewDecoder(resp.Body).Decode(out)
	}

	var apiErr api.ErrorResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr != nil {
		apiErr = api.ErrorResponse{Code: api.CodeInternal, Message: resp.Status}
	}

	switch apiErr.Code {
	case api.CodeNotLeader, api.CodeNoQuorum, api.CodeLeadershipLost:
		c.observeRejection(apiErr.Leader)
		reason := types.ReasonNotLeader
		if apiErr.Code == api.CodeNoQuorum {
			reason = types.ReasonNoQuorum
		}
		return true, &types.NotLeaderError{Reason: reason, LeaderAddr: apiErr.Leader}
	case api.CodeStaleToken:
		return false, types.ErrStaleToken
	case api.CodeInvalidArgument:
		return false, fmt.Errorf("invalid argument: %s", apiErr.Message)
	default:
		return false, fmt.Errorf("request failed: %s", apiErr.Message)
	}
}
