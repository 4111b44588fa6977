package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tripot/internal/fault"
	logx "tripot/pkg/logx"
)

func statusOf(k fault.Kind) int {
	switch k {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindPersistence:
		return http.StatusServiceUnavailable
	case fault.KindCollaborator:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	kind := fault.KindOf(err)
	status := statusOf(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", c.FullPath()), logx.String("kind", string(kind)), logx.Err(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": fault.Message(err), "kind": string(kind)})
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "kind": string(fault.KindValidation)})
}
