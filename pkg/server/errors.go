package server

import (
	"errors"
	"net/http"

	"github.com/kasper0406/atlasdb/pkg/api"
	"github.com/kasper0406/atlasdb/pkg/metrics"
	"github.com/kasper0406/atlasdb/pkg/types"
)

// maps domain errors onto the transport: 503 for anything a client
// should retry, 400 for requests the caller must fix, 409 for tokens
// from a dead epoch
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var notLeader *types.NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		metrics.NotLeaderRejections.Inc()
		code := api.CodeNotLeader
		if notLeader.Reason == types.ReasonNoQuorum {
			code = api.CodeNoQuorum
		}
		s.writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{
			Code:    code,
			Message: notLeader.Error(),
			Leader:  notLeader.LeaderAddr,
		})

	case errors.Is(err, types.ErrLeadershipLost):
		s.writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{
			Code:    api.CodeLeadershipLost,
			Message: err.Error(),
		})

	case errors.Is(err, types.ErrInvalidCount),
		errors.Is(err, types.ErrEmptyDescriptorSet),
		errors.Is(err, types.ErrInvalidLockMode):
		s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{
			Code:    api.CodeInvalidArgument,
			Message: err.Error(),
		})

	case errors.Is(err, types.ErrStaleToken):
		s.writeJSON(w, http.StatusConflict, api.ErrorResponse{
			Code:    api.CodeStaleToken,
			Message: err.Error(),
		})

	default:
		s.logger.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
			Code:    api.CodeInternal,
			Message: err.Error(),
		})
	}
}
