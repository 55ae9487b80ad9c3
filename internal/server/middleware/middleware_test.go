package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/smartystreets/goconvey/convey"

	"tripflow/internal/config"
	"tripflow/internal/model"
	"tripflow/internal/pkg/ctxutil"
	"tripflow/internal/pkg/jwt"
	"tripflow/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAuth(t *testing.T) {
	Convey("JWT 认证中间件", t, func() {
		jwtUtil := jwt.NewJWT("test-secret", time.Hour)

		router := gin.New()
		router.Use(Auth(jwtUtil))
		router.GET("/whoami", func(c *gin.Context) {
			userID, _ := ctxutil.GetUserID(c.Request.Context())
			c.String(http.StatusOK, userID)
		})

		Convey("缺少 Authorization header 返回 401", func() {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			router.ServeHTTP(w, req)

			So(w.Code, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("非 Bearer 格式返回 401", func() {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", "Basic abc")
			router.ServeHTTP(w, req)

			So(w.Code, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("无效 token 返回 401", func() {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", "Bearer not-a-token")
			router.ServeHTTP(w, req)

			So(w.Code, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("有效 token 放行并注入 user_id", func() {
			token, err := jwtUtil.GenerateToken("user-42", "alice", "user")
			So(err, ShouldBeNil)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			router.ServeHTTP(w, req)

			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldEqual, "user-42")
		})

		Convey("其他密钥签发的 token 被拒绝", func() {
			other := jwt.NewJWT("other-secret", time.Hour)
			token, err := other.GenerateToken("user-42", "alice", "user")
			So(err, ShouldBeNil)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			router.ServeHTTP(w, req)

			So(w.Code, ShouldEqual, http.StatusUnauthorized)
		})
	})
}

func TestRateLimit(t *testing.T) {
	Convey("请求准入中间件", t, func() {
		jwtUtil := jwt.NewJWT("test-secret", time.Hour)
		limiter := ratelimit.New(config.RateLimitConfig{
			Requests: 2,
			Window:   time.Minute,
		})

		router := gin.New()
		router.Use(Auth(jwtUtil))
		router.POST("/chat", RateLimit(limiter, "chat"), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		token, err := jwtUtil.GenerateToken("user-1", "alice", "user")
		So(err, ShouldBeNil)

		do := func(tok string) *httptest.ResponseRecorder {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/chat", nil)
			req.Header.Set("Authorization", "Bearer "+tok)
			router.ServeHTTP(w, req)
			return w
		}

		Convey("额度内放行，超额返回 429 且响应头和响应体都带重试间隔", func() {
			So(do(token).Code, ShouldEqual, http.StatusOK)
			So(do(token).Code, ShouldEqual, http.StatusOK)

			w := do(token)
			So(w.Code, ShouldEqual, http.StatusTooManyRequests)
			So(w.Header().Get("Retry-After"), ShouldNotBeEmpty)
			So(w.Body.String(), ShouldContainSubstring, "42901")

			var body model.ErrorResponse
			So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
			So(body.RetryAfter, ShouldBeGreaterThan, 0)
			So(strconv.Itoa(body.RetryAfter), ShouldEqual, w.Header().Get("Retry-After"))
		})

		Convey("不同用户额度独立", func() {
			So(do(token).Code, ShouldEqual, http.StatusOK)
			So(do(token).Code, ShouldEqual, http.StatusOK)
			So(do(token).Code, ShouldEqual, http.StatusTooManyRequests)

			otherToken, err := jwtUtil.GenerateToken("user-2", "bob", "user")
			So(err, ShouldBeNil)
			So(do(otherToken).Code, ShouldEqual, http.StatusOK)
		})
	})
}
