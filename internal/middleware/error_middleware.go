package middleware

import (
	"net/http"

	"shelfmate/internal/services"
	"shelfmate/internal/transport/httpdto"
	"shelfmate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status := services.HTTPStatus(err)
		if status >= http.StatusInternalServerError && l != nil {
			l.WithContext(c.Request.Context()).Error("request failed",
				zap.String("path", c.FullPath()),
				zap.Error(err),
			)
		}
		c.JSON(status, httpdto.NewErrorResponse(publicMessage(status, err), ErrorCode(status)))
	}
}

// ErrorCode maps an HTTP status to the response code string.
func ErrorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return httpdto.CodeInvalidInput
	case http.StatusUnauthorized:
		return httpdto.CodeUnauthorized
	case http.StatusForbidden:
		return httpdto.CodeForbidden
	case http.StatusNotFound:
		return httpdto.CodeNotFound
	case http.StatusConflict:
		return httpdto.CodeConflict
	case http.StatusTooManyRequests:
		return httpdto.CodeRateLimited
	case http.StatusServiceUnavailable:
		return httpdto.CodeUnavailable
	default:
		return httpdto.CodeInternal
	}
}

// internal errors are not echoed to clients
func publicMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		return http.StatusText(status)
	}
	return err.Error()
}

// AbortWithError renders err immediately and stops the chain, e.g. before a
// websocket upgrade.
func AbortWithError(c *gin.Context, err error) {
	status := services.HTTPStatus(err)
	c.AbortWithStatusJSON(status, httpdto.NewErrorResponse(publicMessage(status, err), ErrorCode(status)))
}
