package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/taskmgr818/stargraph-broker/internal/apperr"
)

// statusOf maps an error kind to its HTTP status.
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case apperr.KindTaskNotFoundOrCompleted:
		return http.StatusNotFound
	case apperr.KindPermissionDenied:
		return http.StatusForbidden
	case apperr.KindAlreadyFirst:
		return http.StatusConflict
	case apperr.KindLockBusy:
		return http.StatusTooManyRequests
	case apperr.KindWorkerSubmissionFailed, apperr.KindInterruptFailed:
		return http.StatusBadGateway
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error", "code"}. Unkinded errors are logged
// and hidden behind a generic message.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)
	if status == http.StatusInternalServerError {
		log.WithField("path", c.Request.URL.Path).WithError(err).Error("[handler] request failed")
		if kind == "" {
			c.JSON(status, gin.H{"error": "internal error"})
			return
		}
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": kind})
}
