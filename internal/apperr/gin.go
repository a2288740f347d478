package apperr

import (
	"net/http"

	"github.com/abduss/driveup/internal/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Abort renders err as the uniform failure envelope and stops the chain.
// Errors outside this package are logged and reported as a generic failure.
func Abort(c *gin.Context, err error) {
	appErr, ok := As(err)
	if !ok {
		logger.FromContext(c.Request.Context()).Error("unhandled error", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal error",
			"code":    CodeInternal,
		})
		return
	}

	if appErr.Code == CodeInternal || appErr.Code == CodeUpstream {
		logger.FromContext(c.Request.Context()).Error(appErr.Message,
			zap.String("code", string(appErr.Code)),
			zap.Error(appErr.Err),
		)
	}

	body := gin.H{}
	for k, v := range appErr.Context {
		body[k] = v
	}
	body["success"] = false
	body["error"] = appErr.Message
	body["code"] = appErr.Code

	c.AbortWithStatusJSON(appErr.Status(), body)
}
