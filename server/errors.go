package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teranos/herald/errors"
)

// errorResponse is the body of every non-2xx reply
type errorResponse struct {
	Error string   `json:"error"`
	Hints []string `json:"hints,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.IsInvalidArgumentError(err):
		return http.StatusBadRequest
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsPreconditionFailedError(err):
		return http.StatusPreconditionFailed
	case errors.IsConflictError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError replies with the mapped status. Internal errors are logged and
// their message is not echoed to the client.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorw("Request error", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(status, errorResponse{Error: "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, errorResponse{
		Error: err.Error(),
		Hints: errors.GetAllHints(err),
	})
}

func badRequest(c *gin.Context, format string, args ...interface{}) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errors.Newf(format, args...).Error()})
}
