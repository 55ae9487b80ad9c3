package middleware

import (
	"github.com/gin-gonic/gin"

	"tripflow/internal/pkg/id"
)

const requestIDHeader = "X-Request-ID"

// RequestID 请求 ID 中间件
// 透传客户端携带的 ID，否则生成新的
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = id.New()
		}

		c.Set("request_id", requestID)
		c.Header(requestIDHeader, requestID)

		c.Next()
	}
}
