package common

import "github.com/gin-gonic/gin"

// Business error codes shared by handlers and middleware.
const (
	CodeInvalidJSON    = 10001
	CodeInvalidMessage = 10002
	CodeInvalidChatID  = 10003
	CodeChatNotFound   = 40004
	CodeRouteNotFound  = 40400
	CodeMethodNotAllow = 40500
	CodeRateLimited    = 42901
	CodeInternal       = 50001
)

func OK(c *gin.Context, data any) {
	c.JSON(200, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
