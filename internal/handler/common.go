package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tripflow/internal/apperr"
	"tripflow/internal/model"
	"tripflow/internal/pkg/ctxutil"
)

// writeError 统一错误出口，apperr 分类映射 HTTP 状态码
func writeError(c *gin.Context, err error) {
	e := apperr.AsError(err)

	// 客户端已断开，只做本地清理
	if e.Kind == apperr.KindCancelled {
		c.Abort()
		return
	}

	retrySecs := 0
	if e.RetryAfter > 0 {
		retrySecs = ceilSeconds(e.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(retrySecs))
	}

	c.JSON(apperr.HTTPStatus(err), model.ErrorResponse{
		Code:       e.Code,
		Message:    e.Message,
		Detail:     e.Detail,
		RetryAfter: retrySecs,
	})
}

// currentUserID 取认证中间件注入的用户身份
func currentUserID(c *gin.Context) (string, bool) {
	userID, ok := ctxutil.GetUserID(c.Request.Context())
	if !ok {
		writeError(c, apperr.Unauthorized("missing user identity"))
	}
	return userID, ok
}

func ceilSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
