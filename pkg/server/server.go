package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kasper0406/atlasdb/pkg/api"
	"github.com/kasper0406/atlasdb/pkg/metrics"
	"github.com/kasper0406/atlasdb/pkg/router"
	"github.com/kasper0406/atlasdb/pkg/types"
)

// blocking lock calls hold their connection open, so cap how long a
// single request may wait server-side
const maxLockTimeout = 60 * time.Second

// the slice of the raft node the API needs for status and membership
type Cluster interface {
	NodeIDString() string
	StateName() string
	IsLeader() bool
	ClusterSize() int
	Join(id, addr string) error
}

// Server exposes the timestamp and lock service over HTTP+JSON.
// Every data-path handler goes through the router's fencing gate.
type Server struct {
	router  *router.Router
	cluster Cluster
	logger  hclog.Logger

	httpServer *http.Server
}

func New(rt *router.Router, cluster Cluster, addr string, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.Default()
	}

	s := &Server{
		router:  rt,
		cluster: cluster,
		logger:  logger.Named("http"),
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// no WriteTimeout: lock acquisitions may legitimately block for
		// the full caller-specified timeout
	}

	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/timestamp/{namespace}/allocate", s.handleAllocate)
	mux.HandleFunc("POST /v1/timestamp/{namespace}/fast-forward", s.handleFastForward)
	mux.HandleFunc("GET /v1/timestamp/{namespace}/bound", s.handleBound)
	mux.HandleFunc("POST /v1/lock", s.handleLock)
	mux.HandleFunc("POST /v1/unlock", s.handleUnlock)
	mux.HandleFunc("POST /v1/refresh", s.handleRefresh)
	mux.HandleFunc("GET /v1/leader", s.handleLeader)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/cluster/join", s.handleJoin)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")

	var req api.AllocateRequest
	if !s.decode(w, r, &req) {
		return
	}

	start := time.Now()
	rng, err := s.router.AllocateTimestamps(r.Context(), namespace, req.Count)
	if err != nil {
		metrics.TimestampAllocateTotal.WithLabelValues(namespace, "failure").Inc()
		s.writeError(w, err)
		return
	}

	metrics.TimestampAllocateDuration.WithLabelValues(namespace).Observe(time.Since(start).Seconds())
	metrics.TimestampAllocateTotal.WithLabelValues(namespace, "success").Inc()
	metrics.TimestampsIssued.WithLabelValues(namespace).Add(float64(rng.Count()))

	s.writeJSON(w, http.StatusOK, api.AllocateResponse{Lower: rng.Lower, Upper: rng.Upper})
}

func (s *Server) handleFastForward(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")

	var req api.FastForwardRequest
	if !s.decode(w, r, &req) {
		return
	}

	bound, err := s.router.FastForward(r.Context(), namespace, req.Target)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, api.FastForwardResponse{Bound: bound})
}

func (s *Server) handleBound(w http.ResponseWriter, r *http.Request) {
	bound, err := s.router.Bound(r.PathValue("namespace"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, api.BoundResponse{Bound: bound})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req api.LockRequest
	if !s.decode(w, r, &req) {
		return
	}

	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond
	if timeout > maxLockTimeout {
		timeout = maxLockTimeout
	}

	start := time.Now()
	result, err := s.router.Lock(r.Context(), types.LockRequest{
		ClientID:    req.ClientID,
		Descriptors: req.Descriptors,
		Timeout:     timeout,
	})
	if err != nil {
		metrics.LockAcquireTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, err)
		return
	}

	metrics.LockAcquireDuration.Observe(time.Since(start).Seconds())

	if !result.Acquired {
		metrics.LockAcquireTotal.WithLabelValues("timeout").Inc()
		s.writeJSON(w, http.StatusOK, api.LockResponse{Acquired: false})
		return
	}

	metrics.LockAcquireTotal.WithLabelValues("granted").Inc()
	s.updateLockGauges()
	token := result.Token
	s.writeJSON(w, http.StatusOK, api.LockResponse{
		Acquired:  true,
		Token:     &token,
		TTLMillis: result.TTL.Milliseconds(),
	})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req api.UnlockRequest
	if !s.decode(w, r, &req) {
		return
	}

	wasHeld, err := s.router.Unlock(req.Token)
	if err != nil {
		metrics.UnlockTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, err)
		return
	}

	if wasHeld {
		metrics.UnlockTotal.WithLabelValues("released").Inc()
	} else {
		metrics.UnlockTotal.WithLabelValues("not_held").Inc()
	}
	s.updateLockGauges()
	s.writeJSON(w, http.StatusOK, api.UnlockResponse{WasHeld: wasHeld})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req api.RefreshRequest
	if !s.decode(w, r, &req) {
		return
	}

	ttl, err := s.router.Refresh(req.Token)
	switch {
	case err == nil:
		metrics.RefreshTotal.WithLabelValues("valid").Inc()
		s.writeJSON(w, http.StatusOK, api.RefreshResponse{Valid: true, TTLMillis: ttl.Milliseconds()})
	case err == types.ErrStaleToken:
		// a soft outcome: the caller must re-acquire, not retry
		metrics.RefreshTotal.WithLabelValues("stale").Inc()
		s.writeJSON(w, http.StatusOK, api.RefreshResponse{Valid: false})
	default:
		metrics.RefreshTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, err)
	}
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	leader, _ := s.router.LeaderHint()
	s.writeJSON(w, http.StatusOK, api.LeaderResponse{Leader: leader})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lockStats := s.router.LockStats()
	leader, _ := s.router.LeaderHint()

	s.writeJSON(w, http.StatusOK, api.StatusResponse{
		NodeID:       s.cluster.NodeIDString(),
		State:        s.cluster.StateName(),
		IsLeader:     s.cluster.IsLeader(),
		Epoch:        s.router.Epoch(),
		Leader:       leader,
		ClusterSize:  s.cluster.ClusterSize(),
		LocksHeld:    lockStats.Held,
		LocksWaiting: lockStats.Waiting,
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req api.JoinRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ID == "" || req.Addr == "" {
		s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{
			Code:    api.CodeInvalidArgument,
			Message: "id and addr are required",
		})
		return
	}

	if err := s.cluster.Join(req.ID, req.Addr); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("node joined cluster", "id", req.ID, "addr", req.Addr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateLockGauges() {
	stats := s.router.LockStats()
	metrics.LocksHeld.Set(float64(stats.Held))
	metrics.LockWaiters.Set(float64(stats.Waiting))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{
			Code:    api.CodeInvalidArgument,
			Message: "malformed request body: " + err.Error(),
		})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
