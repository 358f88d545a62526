package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/supportbot/internal/common"
)

// Recovery turns a handler panic into a 500 envelope. When the stream has
// already started the connection is simply ended.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", c.GetString(RequestIDKey)),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				if c.Writer.Written() {
					c.Abort()
					return
				}
				common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
			}
		}()
		c.Next()
	}
}
