package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"tripflow/internal/apperr"
	"tripflow/internal/model"
	"tripflow/internal/pkg/ctxutil"
	"tripflow/internal/ratelimit"
)

// RateLimit 请求准入中间件
// 按 (身份, 端点类别) 固定窗口计数，拒绝时带 Retry-After
// 未认证路径退化为按客户端 IP 计数
func RateLimit(limiter *ratelimit.Limiter, class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := ctxutil.GetUserID(c.Request.Context())
		if !ok {
			identity = c.ClientIP()
		}

		decision := limiter.Admit(identity, class)
		if !decision.Allowed {
			e := apperr.RateLimited(decision.RetryAfter)
			retrySecs := int(decision.RetryAfter.Seconds())
			if retrySecs < 1 {
				retrySecs = 1
			}

			log.Warn().
				Str("identity", identity).
				Str("class", class).
				Dur("retry_after", decision.RetryAfter).
				Msg("request rejected by rate limit")

			c.Header("Retry-After", strconv.Itoa(retrySecs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, model.ErrorResponse{
				Code:       e.Code,
				Message:    e.Message,
				Detail:     e.Detail,
				RetryAfter: retrySecs,
			})
			return
		}

		c.Next()
	}
}
